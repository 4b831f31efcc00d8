// Package regen schedules regeneration of stale artifact nodes.
//
// The queue maintains a ready set of stale nodes whose dependencies are all
// valid, dispatches them in ascending level order through a bounded worker
// pool, and deduplicates work two ways: a content-addressed payload cache is
// probed before any generation starts, and concurrent requests for the same
// fingerprint coalesce onto a single in-flight generation.
package regen
