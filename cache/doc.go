// Package cache provides the fingerprint-keyed response cache.
//
// A Cache stores provider responses with a TTL and a set of invalidation
// tags. MemoryCache keeps everything in process; StoreCache layers the same
// semantics over a ristretto, bigcache or Redis Store with a local or Redis
// TagIndex. Layer applies a Policy and Fingerprinter for the router and
// swallows backend failures, so a cache problem never fails a request.
package cache
