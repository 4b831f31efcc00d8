package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/consensus"
	"loom/internal/events"
	"loom/internal/generation"
	"loom/internal/graph"
	"loom/internal/ledger"
	"loom/internal/logging"
	"loom/internal/propagation"
	"loom/internal/regen"
	"loom/internal/services"
	"loom/internal/store"
)

// Orchestrator composes the graph, ledger, propagation engine, queue and
// consensus executor into the operator-facing pipeline operations.
type Orchestrator struct {
	cfg    *config.Config
	graph  *graph.Graph
	ledger *ledger.Ledger
	store  *store.Store
	prop   *propagation.Engine
	queue  *regen.Queue
	sink   events.Sink
	logger *slog.Logger
}

// New wires an orchestrator over an already-populated graph. The ledger
// journals through the store; the queue resolves nodes through collab with
// policies derived from cfg.
func New(cfg *config.Config, g *graph.Graph, st *store.Store, collab generation.Collaborator, sink events.Sink, logger *slog.Logger) *Orchestrator {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	led := ledger.New(g, st)
	exec := consensus.New(collab, logger)
	queue := regen.New(g, st, exec, sink, logger, regen.Options{
		Workers:   cfg.Workers.PoolSize,
		PolicyFor: PolicyFor(cfg),
	})
	return &Orchestrator{
		cfg:    cfg,
		graph:  g,
		ledger: led,
		store:  st,
		prop:   propagation.New(g, led, sink, logger),
		queue:  queue,
		sink:   sink,
		logger: logging.NewComponentLogger(logger, "orchestrator"),
	}
}

// Ledger exposes the checkpoint ledger, primarily for status reporting.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Propagation exposes the propagation engine for external edit notifications.
func (o *Orchestrator) Propagation() *propagation.Engine { return o.prop }

// Hydrate restores the in-memory ledger from the checkpoints persisted in the
// store. Called once at process startup, after the graph has been rehydrated.
func (o *Orchestrator) Hydrate(ctx context.Context) error {
	rows, err := o.store.LiveCheckpoints(ctx)
	if err != nil {
		return err
	}
	records := make([]ledger.Record, 0, len(rows))
	for _, row := range rows {
		status := ledger.RecordInvalid
		if row.Status == string(ledger.RecordValid) {
			status = ledger.RecordValid
		}
		records = append(records, ledger.Record{
			Level:     row.Level,
			Status:    status,
			NodeIDs:   row.NodeIDs,
			Timestamp: row.CreatedAt,
		})
	}
	o.ledger.Seed(records)
	return nil
}

// RunReport aggregates what one drive over the pipeline did.
type RunReport struct {
	RunID     string
	Resumed   int
	Generated int
	Reused    int
	Coalesced int
	Failed    int
	Blocked   int
	Committed []int
}

// Run produces the target node and everything it transitively depends on,
// resuming from the highest valid checkpoint.
func (o *Orchestrator) Run(ctx context.Context, target artifact.ID) (*RunReport, error) {
	if _, ok := o.graph.Node(target); !ok {
		return nil, services.Wrap(services.ErrValidation, "orchestrator", "run",
			fmt.Sprintf("unknown target %s", target), nil)
	}
	deps, err := o.graph.TransitiveDependencies(target)
	if err != nil {
		return nil, err
	}
	work := append(deps, target)
	return o.drive(ctx, work)
}

// Resume continues from the highest valid checkpoint. A fully valid project
// resumes into a no-op.
func (o *Orchestrator) Resume(ctx context.Context) (*RunReport, error) {
	from := o.ledger.HighestValidLevel()
	return o.drive(ctx, o.ledger.ResumableWork(from))
}

// Invalidate supersedes the checkpoint at level and above and stales every
// node at those levels together with its dependents.
func (o *Orchestrator) Invalidate(ctx context.Context, level int) error {
	highest := o.ledger.HighestKnownLevel()
	if level < 1 || level > highest {
		return services.Wrap(services.ErrValidation, "orchestrator", "invalidate",
			fmt.Sprintf("level %d outside known range 1..%d", level, highest), nil)
	}

	var targets []artifact.ID
	for _, node := range o.graph.Nodes() {
		if node.Level >= level {
			targets = append(targets, node.ID)
		}
	}
	if len(targets) == 0 {
		return o.ledger.InvalidateFrom(ctx, level)
	}
	_, err := o.prop.InvalidateNodes(ctx, targets...)
	return err
}

// RevertAndRun is Invalidate(level) followed by Resume, as one operator step.
func (o *Orchestrator) RevertAndRun(ctx context.Context, level int) (*RunReport, error) {
	if err := o.Invalidate(ctx, level); err != nil {
		return nil, err
	}
	return o.Resume(ctx)
}

// ClearCheckpoints discards all checkpoint records and cached payloads and
// stales every node, forcing full regeneration on the next run.
func (o *Orchestrator) ClearCheckpoints(ctx context.Context) error {
	if err := o.store.ClearProject(ctx); err != nil {
		return err
	}
	o.ledger.Reset()
	for _, node := range o.graph.Nodes() {
		o.graph.WithNode(node.ID, func(n *artifact.Node) {
			n.Status = artifact.StatusStale
			n.PayloadRef = ""
			n.Failure = nil
		})
	}
	o.logger.Info("checkpoints cleared",
		logging.String(logging.FieldEventType, "checkpoints_cleared"),
		logging.Int("nodes", o.graph.Len()),
	)
	return nil
}

// drive processes the work set level by level, committing each level once
// every graph node at that level is valid.
func (o *Orchestrator) drive(ctx context.Context, work []artifact.ID) (*RunReport, error) {
	runID := uuid.NewString()
	ctx = services.WithRunID(ctx, runID)
	report := &RunReport{RunID: runID, Resumed: o.ledger.HighestValidLevel()}

	levels := groupByLevel(o.graph, work)
	for _, level := range sortedLevels(levels) {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		ids := levels[level]
		o.sink.Publish(events.New(events.PassStart, "", level, runID, PassName(level)))
		o.logger.Info("pass start",
			logging.String(logging.FieldEventType, "pass_start"),
			logging.Int(logging.FieldLevel, level),
			logging.String(logging.FieldRunID, runID),
			logging.String("pass", PassName(level)),
			logging.Int("nodes", len(ids)),
		)

		summary, err := o.queue.Process(ctx, ids)
		if summary != nil {
			report.Generated += summary.Generated
			report.Reused += summary.Reused
			report.Coalesced += summary.Coalesced
			report.Failed += summary.Failed
			report.Blocked += summary.Blocked
		}
		if err != nil {
			return report, err
		}

		o.sink.Publish(events.New(events.PassComplete, "", level, runID, PassName(level)))

		if committed, cerr := o.commitIfComplete(ctx, level, runID); cerr != nil {
			return report, cerr
		} else if committed {
			report.Committed = append(report.Committed, level)
		}
	}
	return report, nil
}

// commitIfComplete commits a level when every graph node at that level is
// valid. A partially valid level (failed or blocked members) stays
// uncommitted without being an error.
func (o *Orchestrator) commitIfComplete(ctx context.Context, level int, runID string) (bool, error) {
	var members []artifact.ID
	for _, node := range o.graph.Nodes() {
		if node.Level != level {
			continue
		}
		if node.Status != artifact.StatusValid {
			return false, nil
		}
		members = append(members, node.ID)
	}
	if len(members) == 0 {
		return false, nil
	}
	if rec, ok := o.ledger.Record(level); ok && rec.Status == ledger.RecordValid {
		return false, nil
	}

	if err := o.ledger.CommitLevel(ctx, level, members); err != nil {
		return false, err
	}
	o.sink.Publish(events.New(events.CheckpointCommitted, "", level, runID, PassName(level)))
	o.logger.Info("checkpoint committed",
		logging.String(logging.FieldEventType, "checkpoint_committed"),
		logging.Int(logging.FieldLevel, level),
		logging.String(logging.FieldRunID, runID),
	)
	return true, nil
}

// LevelStatus is one row of the status report.
type LevelStatus struct {
	Level       int
	Pass        string
	Committed   bool
	CommittedAt time.Time
	Nodes       int
	Valid       int
	Stale       int
	Generating  int
	Failed      int
	Pending     int
}

// NodeFailure surfaces a failed node and its recorded cause.
type NodeFailure struct {
	ID    artifact.ID
	Level int
	Cause string
	Votes map[string]int
}

// Report is the operator status view.
type Report struct {
	State        string
	HighestValid int
	Levels       []LevelStatus
	Failures     []NodeFailure
	Payloads     map[artifact.Kind]store.KindStats
}

// Pipeline states reported by Status.
const (
	StateEmpty    = "empty"
	StateComplete = "complete"
	StateBlocked  = "blocked"
	StatePending  = "pending"
)

// Status reports per-level validity, commit timestamps, node counts by
// status, cached payload sizes, and the failed node at the root of each
// blocked branch.
func (o *Orchestrator) Status(ctx context.Context) (*Report, error) {
	report := &Report{HighestValid: o.ledger.HighestValidLevel()}

	byLevel := make(map[int]*LevelStatus)
	allValid := true
	anyFailed := false
	for _, node := range o.graph.Nodes() {
		level, ok := byLevel[node.Level]
		if !ok {
			level = &LevelStatus{Level: node.Level, Pass: PassName(node.Level)}
			byLevel[node.Level] = level
		}
		level.Nodes++
		switch node.Status {
		case artifact.StatusValid:
			level.Valid++
		case artifact.StatusStale:
			level.Stale++
			allValid = false
		case artifact.StatusGenerating:
			level.Generating++
			allValid = false
		case artifact.StatusFailed:
			level.Failed++
			allValid = false
			anyFailed = true
			failure := NodeFailure{ID: node.ID, Level: node.Level}
			if node.Failure != nil {
				failure.Cause = node.Failure.Cause
				failure.Votes = node.Failure.Votes
			}
			report.Failures = append(report.Failures, failure)
		default:
			level.Pending++
			allValid = false
		}
		if rec, ok := o.ledger.Record(node.Level); ok && rec.Status == ledger.RecordValid {
			level.Committed = true
			level.CommittedAt = rec.Timestamp
		}
	}

	for _, level := range byLevel {
		report.Levels = append(report.Levels, *level)
	}
	sort.Slice(report.Levels, func(i, j int) bool { return report.Levels[i].Level < report.Levels[j].Level })
	sort.Slice(report.Failures, func(i, j int) bool {
		if report.Failures[i].Level != report.Failures[j].Level {
			return report.Failures[i].Level < report.Failures[j].Level
		}
		return report.Failures[i].ID < report.Failures[j].ID
	})

	switch {
	case len(report.Levels) == 0:
		report.State = StateEmpty
	case anyFailed:
		// Unaffected branches can still complete, so a failure reports the
		// pipeline as blocked rather than failed.
		report.State = StateBlocked
	case allValid:
		report.State = StateComplete
	default:
		report.State = StatePending
	}

	payloads, err := o.store.PayloadStats(ctx)
	if err != nil {
		return nil, err
	}
	report.Payloads = payloads
	return report, nil
}

func groupByLevel(g *graph.Graph, ids []artifact.ID) map[int][]artifact.ID {
	levels := make(map[int][]artifact.ID)
	seen := make(map[artifact.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		node, ok := g.Node(id)
		if !ok {
			continue
		}
		levels[node.Level] = append(levels[node.Level], id)
	}
	return levels
}

func sortedLevels(levels map[int][]artifact.ID) []int {
	out := make([]int, 0, len(levels))
	for level := range levels {
		out = append(out, level)
	}
	sort.Ints(out)
	return out
}
