// Package session drives the client-side lock lifecycle for one resource:
// acquire on activation, renew on a timer, count down to expiry locally,
// transfer on multi-tab conflicts and release or hand off on teardown.
//
// The Controller talks to the server through the LockAPI interface and
// publishes immutable Snapshot values through an OnChange callback. The
// Board lets components on the same page pass a held lease between each
// other during re-mounts instead of bouncing it through the server.
package session
