package ledger_test

import (
	"context"
	"errors"
	"testing"

	"loom/internal/artifact"
	"loom/internal/graph"
	"loom/internal/ledger"
	"loom/internal/services"
)

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	nodes := []struct {
		id    artifact.ID
		level int
	}{
		{"script:1", 1},
		{"world:mei", 2},
		{"world:lin", 2},
		{"shots:1", 3},
	}
	for _, n := range nodes {
		if err := g.AddNode(&artifact.Node{ID: n.id, Kind: artifact.KindScript, Level: n.level}); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	return g
}

func TestCommitLevelOrdering(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(buildGraph(t), nil)

	err := l.CommitLevel(ctx, 2, []artifact.ID{"world:mei", "world:lin"})
	if !errors.Is(err, services.ErrPrecedence) {
		t.Fatalf("expected precedence error, got %v", err)
	}

	if err := l.CommitLevel(ctx, 1, []artifact.ID{"script:1"}); err != nil {
		t.Fatalf("commit level 1: %v", err)
	}
	if err := l.CommitLevel(ctx, 2, []artifact.ID{"world:mei", "world:lin"}); err != nil {
		t.Fatalf("commit level 2: %v", err)
	}
	if got := l.HighestValidLevel(); got != 2 {
		t.Fatalf("HighestValidLevel = %d, want 2", got)
	}
}

func TestInvalidateFromSupersedes(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(buildGraph(t), nil)
	if err := l.CommitLevel(ctx, 1, []artifact.ID{"script:1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.CommitLevel(ctx, 2, []artifact.ID{"world:mei", "world:lin"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.CommitLevel(ctx, 3, []artifact.ID{"shots:1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := l.InvalidateFrom(ctx, 2); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if got := l.HighestValidLevel(); got != 1 {
		t.Fatalf("HighestValidLevel = %d, want 1", got)
	}

	// History keeps the superseded valid records.
	history := l.History()
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	last := history[len(history)-1]
	if last.Status != ledger.RecordInvalid {
		t.Fatalf("last record status = %s", last.Status)
	}
}

func TestResumableWork(t *testing.T) {
	l := ledger.New(buildGraph(t), nil)
	work := l.ResumableWork(2)
	if len(work) != 1 || work[0] != "shots:1" {
		t.Fatalf("ResumableWork(2) = %v", work)
	}
	if got := len(l.ResumableWork(0)); got != 4 {
		t.Fatalf("ResumableWork(0) length = %d", got)
	}
}

type failingJournal struct{}

func (failingJournal) SnapshotCheckpoint(context.Context, int, []artifact.ID) error {
	return errors.New("disk full")
}

func (failingJournal) SupersedeCheckpoints(context.Context, int) error {
	return errors.New("disk full")
}

func TestJournalFailureLeavesLedgerUnmodified(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(buildGraph(t), failingJournal{})
	err := l.CommitLevel(ctx, 1, []artifact.ID{"script:1"})
	if !errors.Is(err, services.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if got := l.HighestValidLevel(); got != 0 {
		t.Fatalf("HighestValidLevel = %d after failed commit", got)
	}
	if len(l.History()) != 0 {
		t.Fatal("failed commit wrote history")
	}
}
