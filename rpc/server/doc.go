// Package server implements the HTTP lock server. It exposes the lease
// state machine as a small REST surface and carries the operation results
// in serialized Message envelopes.
//
// The package focuses on:
//   - Route and status-code mapping for every lock operation
//   - Caller identity enforcement via request headers
//   - Admin-token gating for forceUnlock and sweep
//   - Per-request content negotiation between the JSON and gob serializers
//   - Background removal of long-expired leases
//
// Routes:
//
//	POST   /locks/{collection}/{resource}/acquire
//	GET    /locks/{collection}/{resource}/status
//	PUT    /locks/{collection}/{resource}/extend
//	PATCH  /locks/{collection}/{resource}/transfer
//	DELETE /locks/{collection}/{resource}/release
//	POST   /locks/{collection}/{resource}/force-unlock  (admin)
//	POST   /locks/cleanup                               (admin)
//	GET    /healthz
//	GET    /metrics
//
// Contention outcomes travel both ways: the HTTP status code (423 for a
// foreign holder, 409 for multi-tab conflicts and ownership failures, 400
// for invalid requests) lets generic clients react, while the envelope in
// the body carries the full typed result for the lock client.
//
// Thread Safety:
//
//	The server is thread-safe and handles concurrent requests
//	independently. Serve should be called only once.
package server
