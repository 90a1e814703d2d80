// Package cmd implements the command-line interface for the colock
// lock server. It provides a hierarchical command structure with operations
// for running the server and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - lock: Commands for lock operations (acquire, status, extend, transfer, release, ...)
//   - serve: Commands for starting and configuring the colock server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See colock -help for a list of all commands.
package cmd
