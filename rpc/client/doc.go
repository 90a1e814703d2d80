// Package client implements the HTTP lock client. It talks to the lock
// server's REST surface and translates the Message envelopes back into the
// typed lease results, so callers never touch the wire format.
//
// The package focuses on:
//   - Implementing the session.LockAPI surface against a remote server
//   - Round-robin endpoint rotation with retries on transport failures
//   - Carrying the caller identity as request headers
//
// Contention outcomes (423, 409, 400) are not errors: the client parses
// the envelope from the body and returns the typed result, leaving errors
// for transport and server failures only.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints: []string{"http://localhost:8080"},
//	  UserID:    "alice",
//	}
//
//	c, _ := client.NewLockClient(config, serializer.NewJSONSerializer())
//
//	res, err := c.Acquire(ctx, lease.ResourceKey{Collection: "docs", ResourceID: "d1"}, 30)
//	if err == nil && res.OK {
//	  // lease held, renew via c.Extend
//	}
//
// Thread Safety:
//
//	The client is safe for concurrent use from multiple goroutines.
package client
