package propagation

import (
	"context"
	"log/slog"
	"sort"

	"loom/internal/artifact"
	"loom/internal/events"
	"loom/internal/graph"
	"loom/internal/ledger"
	"loom/internal/logging"
	"loom/internal/services"
)

// Engine computes exactly which artifacts become stale when an upstream one
// changes, marks them, and drops the checkpoint ledger to the minimum
// affected level.
type Engine struct {
	graph  *graph.Graph
	ledger *ledger.Ledger
	sink   events.Sink
	logger *slog.Logger
}

// New constructs a propagation engine.
func New(g *graph.Graph, l *ledger.Ledger, sink events.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		graph:  g,
		ledger: l,
		sink:   sink,
		logger: logging.NewComponentLogger(logger, "propagation"),
	}
}

// NodeChanged handles nodes that were re-produced with a new fingerprint:
// their transitive dependents are marked stale. The changed nodes themselves
// keep their status.
func (e *Engine) NodeChanged(ctx context.Context, changed ...artifact.ID) ([]artifact.ID, error) {
	return e.propagate(ctx, changed, false)
}

// InvalidateNodes handles explicit user edits: the named nodes and their
// transitive dependents are all marked stale.
func (e *Engine) InvalidateNodes(ctx context.Context, invalidated ...artifact.ID) ([]artifact.ID, error) {
	return e.propagate(ctx, invalidated, true)
}

func (e *Engine) propagate(ctx context.Context, changed []artifact.ID, includeSelf bool) ([]artifact.ID, error) {
	affected := make(map[artifact.ID]struct{})
	direct := make(map[artifact.ID]struct{}, len(changed))
	for _, id := range changed {
		closure, err := e.graph.TransitiveDependents(id)
		if err != nil {
			return nil, err
		}
		if includeSelf {
			affected[id] = struct{}{}
			direct[id] = struct{}{}
		}
		for _, dependent := range closure {
			affected[dependent] = struct{}{}
		}
	}

	// The stale set is a union of closures, so visit order cannot change the
	// result; ascending level order keeps logs and events deterministic.
	ordered := make([]artifact.ID, 0, len(affected))
	for id := range affected {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, _ := e.graph.Node(ordered[i])
		b, _ := e.graph.Node(ordered[j])
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.ID < b.ID
	})

	var staled []artifact.ID
	minLevel := 0
	for _, id := range ordered {
		var became bool
		var level int
		e.graph.WithNode(id, func(node *artifact.Node) {
			level = node.Level
			switch node.Status {
			case artifact.StatusStale, artifact.StatusGenerating:
				// Already accounted for; idempotent.
			default:
				node.Status = artifact.StatusStale
				node.Failure = nil
				became = true
			}
		})
		if !became {
			continue
		}
		staled = append(staled, id)
		if minLevel == 0 || level < minLevel {
			minLevel = level
		}
		detail := "upstream change"
		if _, ok := direct[id]; ok {
			detail = "direct invalidation"
		}
		e.logger.Debug("node marked stale",
			logging.String(logging.FieldNodeID, string(id)),
			logging.Int(logging.FieldLevel, level),
			logging.String(logging.FieldEventType, "node_invalidated"),
			logging.String("reason", detail),
		)
		e.sink.Publish(events.New(events.NodeInvalidated, id, level, runID(ctx), detail))
	}

	if minLevel > 0 {
		if err := e.ledger.InvalidateFrom(ctx, minLevel); err != nil {
			return staled, err
		}
	}
	return staled, nil
}

func runID(ctx context.Context) string {
	id, _ := services.RunIDFromContext(ctx)
	return id
}
