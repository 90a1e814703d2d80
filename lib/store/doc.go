// Package store defines the IDocStore interface, the transactional
// document store every lock operation runs against.
//
// The store is the mutual-exclusion point of the whole system: a lease
// exists iff its document exists, and all lease transitions are expressed
// as a single Update call whose read and write phases are atomic per key.
// Nothing above this layer takes its own locks around store access.
//
// Two implementations ship with the repository:
//
//   - memstore: a sharded in-process store. Single node, no persistence.
//     The default for development, tests and single-server deployments.
//
//   - redisstore: a Redis-backed store using optimistic WATCH/MULTI
//     transactions. Use it when several server replicas must share one
//     authoritative lease set.
//
// Both implementations are exercised by the shared conformance suite in
// the storetest package.
package store
