// Package orchestrator drives the pipeline end to end: it resumes from the
// highest valid checkpoint, feeds resumable work through the regeneration
// queue level by level, commits checkpoints as levels complete, and exposes
// the operator operations (invalidate, resume, revert-and-run, clear, status).
package orchestrator
