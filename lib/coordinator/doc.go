// Package coordinator collapses concurrent identical lock requests into one
// network call and caches read results for a short, bounded trust window.
//
// Several UI surfaces over the same resource typically mount together and
// all ask for lock status at once; without coordination that is N identical
// requests per render. The coordinator guarantees at most one outstanding
// call per (resource, action) key, gives every joiner the same result, and
// serves repeat reads from a seconds-scale cache. Mutating actions are
// collapsed while in flight but never served from cache.
//
// It guarantees nothing about ordering between different actions: a caller
// must still await its acquire before extending.
package coordinator
