// Package graph holds the in-memory dependency DAG over generated artifacts.
//
// The graph rejects edges that would close a cycle or break level
// monotonicity, and exposes the closure queries the propagation engine and
// orchestrator are built on. It performs no I/O.
package graph
