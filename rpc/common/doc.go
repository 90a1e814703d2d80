// Package common provides core data structures shared across the RPC layer
// of the lock service.
//
// The package focuses on:
//   - Message protocol definition for client/server communication
//   - Configuration structures for client and server components
//   - A named logger registry on top of log/slog
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication, with a flat
//     structure whose populated fields depend on the operation. Includes
//     factory methods for every request and response shape.
//
//   - Op: Enumeration defining all supported lock operations plus the
//     error control message.
//
//   - ServerConfig: Configuration for the lock server: listen endpoint,
//     store backend selection, lease windows with per-collection
//     overrides, sweep cadence and the admin token.
//
//   - ClientConfig: Configuration for clients: endpoints, timeouts, retry
//     behavior and the caller identity sent with every request.
package common
