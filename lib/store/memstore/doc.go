// Package memstore implements store.IDocStore with sharded in-process maps.
//
// Keys are distributed over NumShards shards by hash; each shard is an
// xsync.MapOf. Update runs its read-modify-write cycle inside the map's
// Compute, which serializes all writers of one key and makes transactions
// on a key atomic. Operations on different keys never contend.
//
// The store keeps everything in memory and persists nothing. A process
// restart loses all leases, which is acceptable for the lock domain: leases
// are short-lived by construction and clients re-acquire on demand.
package memstore
