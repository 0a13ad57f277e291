// Package backsync keeps a durable backlog of requests that could not be
// dispatched and replays them when providers become reachable again.
//
// Store implementations live in subpackages: sqlite (embedded, WAL mode),
// postgres (shared) and filelog (append-only, checksummed records).
// MemoryStore is the in-process variant.
//
// Items are removed only after a terminal outcome, so a crash during replay
// causes at most a repeated dispatch, never a lost item.
package backsync
