// Package serializer provides message serialization for the lock service
// RPC layer. It defines a common interface and multiple implementations for
// serializing and deserializing messages between client and server.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations
//     must satisfy, including the MIME type used for content negotiation.
//
//   - jsonSerializerImpl: Implementation using JSON encoding. The default:
//     human-readable, debuggable and interoperable with non-Go clients.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding.
//     More compact for Go-to-Go traffic at the cost of interoperability.
//
// The server picks the serializer per request from the Content-Type header
// via ForContentType, so clients with different formats can talk to the
// same endpoint.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent
//	use across multiple goroutines without additional synchronization.
package serializer
