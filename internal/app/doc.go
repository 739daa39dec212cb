// Package app assembles the process: logger, configuration, registry,
// state store, engine, recovery processor, and notifier. It owns startup
// and shutdown ordering so main stays a thin shell.
package app
