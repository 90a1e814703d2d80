// Package rpc provides the HTTP remote-procedure layer of the lock service.
// It connects editing clients to the lease state machine across network
// boundaries.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures shared across the RPC system, including
//     the Message protocol, configuration structures, and logging.
//
//   - serializer: Message serialization with multiple format options (JSON,
//     GOB) selected per request via content negotiation.
//
//   - server: The HTTP lock server. It maps routes and status codes onto
//     the lease operations, enforces caller identity, exposes metrics and
//     health endpoints and runs the background expiry sweep.
//
//   - client: The HTTP lock client, implementing the session.LockAPI
//     surface so the lock lifecycle controller can run against a remote
//     server transparently.
package rpc
