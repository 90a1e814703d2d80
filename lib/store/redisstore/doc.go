// Package redisstore implements store.IDocStore on Redis.
//
// Update uses the optimistic WATCH/GET/MULTI/EXEC pattern: the watched key
// is re-read and the transaction body re-run whenever a concurrent writer
// invalidates the watch. This preserves the per-key transaction contract of
// IDocStore across any number of server replicas sharing one Redis.
//
// All keys live under a configurable namespace prefix so a shared Redis
// instance is safe.
package redisstore
