// Package store groups the output-store backends. Each subpackage implements
// rank.Store: it serves a sheet's tracked phrases from the header row and
// reads and writes rank cells below it.
package store
