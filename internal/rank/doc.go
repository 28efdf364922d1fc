// Package rank defines the domain types and interfaces shared by the rank
// tracker subsystems: phrases, rank outcomes, output cell addressing, and the
// collaborator contracts (rendering sessions, phrase sources, cell stores,
// publishers, and blob stores).
package rank
