package services

import "context"

type contextKey string

const (
	nodeIDKey    contextKey = "node_id"
	levelKey     contextKey = "level"
	runIDKey     contextKey = "run_id"
	requestIDKey contextKey = "request_id"
)

// WithNodeID annotates context with the artifact node identifier.
func WithNodeID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, nodeIDKey, id)
}

// NodeIDFromContext extracts the artifact node identifier if present.
func NodeIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(nodeIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithLevel annotates context with the pipeline pass level.
func WithLevel(ctx context.Context, level int) context.Context {
	if level <= 0 {
		return ctx
	}
	return context.WithValue(ctx, levelKey, level)
}

// LevelFromContext returns the pipeline pass level if present.
func LevelFromContext(ctx context.Context) (int, bool) {
	if v, ok := ctx.Value(levelKey).(int); ok && v > 0 {
		return v, true
	}
	return 0, false
}

// WithRunID annotates context with the orchestrator run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the orchestrator run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a per-dispatch correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
