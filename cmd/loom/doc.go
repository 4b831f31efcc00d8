// Package main hosts the loom CLI entrypoint and command graph.
//
// The Cobra-based command tree drives the regeneration pipeline for one
// project: it resolves configuration, loads the project manifest, restores
// cached state from the SQLite store, and surfaces the operator operations
// (status, run, resume, invalidate, revert, clear, graph) as subcommands.
// Mutating commands take a project file lock so two processes never drive
// the same project at once.
//
// Keep this package lean: new behaviour belongs in the internal packages
// first and is surfaced here through dedicated commands or flags.
package main
