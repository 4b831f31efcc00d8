// Package services defines shared utilities consumed across the regeneration
// core.
//
// Key responsibilities:
//   - The sentinel error taxonomy (cycle, precedence, transient/permanent
//     generation, quorum, storage, corruption) plus the Wrap helper that keeps
//     error messages uniform and classifiable.
//   - Context helpers that stamp node IDs, pass levels, and correlation
//     identifiers for logging and tracing.
//
// Use these helpers when wiring new pipeline logic so operational behaviour
// (error handling, observability, retries) stays uniform across components.
package services
