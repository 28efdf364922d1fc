// Package render provides isolated headless-browser sessions used to load and
// interrogate a provider's result feed. Each session owns its own browser
// process and profile so no state leaks between phrases.
package render
