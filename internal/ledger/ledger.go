package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/internal/artifact"
	"loom/internal/graph"
	"loom/internal/services"
)

// RecordStatus is the validity of a checkpoint record.
type RecordStatus string

const (
	RecordValid   RecordStatus = "valid"
	RecordInvalid RecordStatus = "invalid"
)

// Record is an immutable checkpoint entry. Invalidation supersedes a record
// with a new one; it never mutates history.
type Record struct {
	Level     int
	Status    RecordStatus
	NodeIDs   []artifact.ID
	Timestamp time.Time
}

// Journal persists checkpoint transitions. Implemented by the SQLite store;
// a nil journal keeps the ledger purely in memory for tests.
type Journal interface {
	SnapshotCheckpoint(ctx context.Context, level int, nodeIDs []artifact.ID) error
	SupersedeCheckpoints(ctx context.Context, fromLevel int) error
}

// Ledger tracks, per pipeline level, whether all artifacts at that level are
// valid. Levels commit strictly in increasing order.
type Ledger struct {
	mu      sync.RWMutex
	graph   *graph.Graph
	journal Journal
	current map[int]Record
	history []Record
	now     func() time.Time
}

// New constructs a ledger over the given graph. journal may be nil.
func New(g *graph.Graph, journal Journal) *Ledger {
	return &Ledger{
		graph:   g,
		journal: journal,
		current: make(map[int]Record),
		now:     time.Now,
	}
}

// CommitLevel records a Valid checkpoint for level. Every lower level that
// has nodes must already hold a Valid record; otherwise the commit fails with
// a precedence error. A journal failure aborts the commit and leaves the
// ledger unmodified.
func (l *Ledger) CommitLevel(ctx context.Context, level int, nodeIDs []artifact.ID) error {
	if level < 1 {
		return services.Wrap(services.ErrValidation, "ledger", "commit",
			fmt.Sprintf("invalid level %d", level), nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for lower := 1; lower < level; lower++ {
		if !l.levelHasNodesLocked(lower) {
			continue
		}
		rec, ok := l.current[lower]
		if !ok || rec.Status != RecordValid {
			return services.Wrap(services.ErrPrecedence, "ledger", "commit",
				fmt.Sprintf("level %d cannot commit before level %d", level, lower), nil)
		}
	}

	ids := make([]artifact.ID, len(nodeIDs))
	copy(ids, nodeIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if l.journal != nil {
		if err := l.journal.SnapshotCheckpoint(ctx, level, ids); err != nil {
			return services.Wrap(services.ErrStorage, "ledger", "commit",
				fmt.Sprintf("snapshot level %d", level), err)
		}
	}

	rec := Record{Level: level, Status: RecordValid, NodeIDs: ids, Timestamp: l.now().UTC()}
	l.current[level] = rec
	l.history = append(l.history, rec)
	return nil
}

// InvalidateFrom supersedes the records at level and every higher level with
// Invalid markers. Node statuses are untouched; staling nodes is the
// propagation engine's job.
func (l *Ledger) InvalidateFrom(ctx context.Context, level int) error {
	if level < 1 {
		return services.Wrap(services.ErrValidation, "ledger", "invalidate",
			fmt.Sprintf("invalid level %d", level), nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.SupersedeCheckpoints(ctx, level); err != nil {
			return services.Wrap(services.ErrStorage, "ledger", "invalidate",
				fmt.Sprintf("supersede from level %d", level), err)
		}
	}

	now := l.now().UTC()
	for lvl, rec := range l.current {
		if lvl < level || rec.Status != RecordValid {
			continue
		}
		marker := Record{Level: lvl, Status: RecordInvalid, NodeIDs: rec.NodeIDs, Timestamp: now}
		l.current[lvl] = marker
		l.history = append(l.history, marker)
	}
	return nil
}

// HighestValidLevel returns the largest contiguously valid level, or 0 when
// no level has committed.
func (l *Ledger) HighestValidLevel() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	highest := 0
	for level := 1; ; level++ {
		if !l.levelHasNodesLocked(level) && !l.levelKnownLocked(level) {
			break
		}
		rec, ok := l.current[level]
		if !ok || rec.Status != RecordValid {
			break
		}
		highest = level
	}
	return highest
}

// Record returns the current record for level.
func (l *Ledger) Record(level int) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.current[level]
	return rec, ok
}

// HighestKnownLevel returns the largest level that has either nodes in the
// graph or a ledger record.
func (l *Ledger) HighestKnownLevel() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	highest := 0
	for _, node := range l.graph.Nodes() {
		if node.Level > highest {
			highest = node.Level
		}
	}
	for level := range l.current {
		if level > highest {
			highest = level
		}
	}
	return highest
}

// ResumableWork returns the ids of nodes whose level is above fromLevel,
// sorted by (level, id), for the orchestrator to feed into the queue.
func (l *Ledger) ResumableWork(fromLevel int) []artifact.ID {
	var out []artifact.ID
	for _, node := range l.graph.Nodes() {
		if node.Level > fromLevel {
			out = append(out, node.ID)
		}
	}
	return out
}

// History returns every record ever written, oldest first.
func (l *Ledger) History() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.history))
	copy(out, l.history)
	return out
}

// Seed restores checkpoint records loaded from persistent storage, replacing
// any in-memory state. Intended for process startup only.
func (l *Ledger) Seed(records []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = make(map[int]Record, len(records))
	l.history = nil
	for _, rec := range records {
		l.current[rec.Level] = rec
		l.history = append(l.history, rec)
	}
}

// Reset discards all records. Used by clear-checkpoints.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = make(map[int]Record)
	l.history = nil
}

func (l *Ledger) levelHasNodesLocked(level int) bool {
	for _, node := range l.graph.Nodes() {
		if node.Level == level {
			return true
		}
	}
	return false
}

func (l *Ledger) levelKnownLocked(level int) bool {
	_, ok := l.current[level]
	return ok
}
