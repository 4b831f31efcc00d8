// Package store persists the content-addressed payload cache and checkpoint
// snapshots in SQLite.
//
// Payloads are keyed by kind-namespaced fingerprint, so identical generation
// inputs share one cached payload within a kind and never across kinds.
// Checkpoint rows are append-only: invalidation stamps superseded_at rather
// than rewriting history.
package store
