package regen

import (
	"context"
	"errors"
	"sync"
	"testing"

	"loom/internal/artifact"
	"loom/internal/consensus"
	"loom/internal/events"
	"loom/internal/generation"
	"loom/internal/graph"
	"loom/internal/services"
	"loom/internal/testsupport"
)

type stubCollaborator struct {
	mu    sync.Mutex
	calls []artifact.ID
	fn    func(spec generation.NodeSpec, call int) (*generation.Result, error)
}

func (s *stubCollaborator) Generate(_ context.Context, spec generation.NodeSpec) (*generation.Result, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, spec.NodeID)
	s.mu.Unlock()
	return s.fn(spec, call)
}

func (s *stubCollaborator) callOrder() []artifact.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]artifact.ID(nil), s.calls...)
}

func echoResult(spec generation.NodeSpec, _ int) (*generation.Result, error) {
	return &generation.Result{
		Payload:  []byte("payload for " + spec.NodeID),
		Value:    "ok",
		Producer: "stub",
	}, nil
}

func addNode(t *testing.T, g *graph.Graph, id artifact.ID, level int, params map[string]string) {
	t.Helper()
	err := g.AddNode(&artifact.Node{
		ID:     id,
		Kind:   artifact.KindScript,
		Level:  level,
		Params: params,
		Status: artifact.StatusStale,
	})
	if err != nil {
		t.Fatalf("AddNode(%s): %v", id, err)
	}
}

func addEdge(t *testing.T, g *graph.Graph, from, to artifact.ID) {
	t.Helper()
	if err := g.AddEdge(from, to); err != nil {
		t.Fatalf("AddEdge(%s, %s): %v", from, to, err)
	}
}

func newQueue(t *testing.T, g *graph.Graph, collab generation.Collaborator, opts Options) (*Queue, *events.Recorder) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	exec := consensus.New(collab, nil)
	recorder := &events.Recorder{}
	return New(g, st, exec, recorder, nil, opts), recorder
}

func status(t *testing.T, g *graph.Graph, id artifact.ID) artifact.Status {
	t.Helper()
	node, ok := g.Node(id)
	if !ok {
		t.Fatalf("node %s missing", id)
	}
	return node.Status
}

func TestProcessRespectsDependencyOrder(t *testing.T) {
	g := graph.New()
	addNode(t, g, "story-main", 1, map[string]string{"title": "tidewater"})
	addNode(t, g, "shots-act1", 3, map[string]string{"act": "1"})
	addNode(t, g, "frame-001", 5, map[string]string{"shot": "1"})
	addEdge(t, g, "story-main", "shots-act1")
	addEdge(t, g, "shots-act1", "frame-001")

	collab := &stubCollaborator{fn: echoResult}
	q, _ := newQueue(t, g, collab, Options{Workers: 2})

	summary, err := q.Process(context.Background(), []artifact.ID{"frame-001", "shots-act1", "story-main"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Generated != 3 {
		t.Fatalf("generated = %d, want 3", summary.Generated)
	}
	order := collab.callOrder()
	want := []artifact.ID{"story-main", "shots-act1", "frame-001"}
	if len(order) != len(want) {
		t.Fatalf("call order = %v, want %v", order, want)
	}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("call %d = %s, want %s", i, order[i], id)
		}
	}
	for _, id := range want {
		if got := status(t, g, id); got != artifact.StatusValid {
			t.Errorf("%s status = %s, want valid", id, got)
		}
	}
}

func TestCacheHitSkipsGeneration(t *testing.T) {
	g := graph.New()
	params := map[string]string{"title": "tidewater"}
	addNode(t, g, "story-main", 1, params)

	collab := &stubCollaborator{fn: echoResult}
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	exec := consensus.New(collab, nil)
	q := New(g, st, exec, nil, nil, Options{Workers: 1})

	fingerprint := artifact.ComputeFingerprint(artifact.KindScript, params, nil)
	ref, err := st.PutPayload(context.Background(), fingerprint, artifact.KindScript, []byte("cached draft"))
	if err != nil {
		t.Fatalf("PutPayload: %v", err)
	}

	summary, err := q.Process(context.Background(), []artifact.ID{"story-main"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Reused != 1 || summary.Generated != 0 {
		t.Fatalf("summary = %+v, want one reuse and zero generations", summary)
	}
	if calls := collab.callOrder(); len(calls) != 0 {
		t.Fatalf("collaborator called %d times, want 0", len(calls))
	}
	node, _ := g.Node("story-main")
	if node.Status != artifact.StatusValid {
		t.Fatalf("status = %s, want valid", node.Status)
	}
	if node.PayloadRef != ref {
		t.Fatalf("payload ref = %s, want cached ref %s", node.PayloadRef, ref)
	}
}

func TestIdenticalFingerprintsShareOneFlight(t *testing.T) {
	g := graph.New()
	params := map[string]string{"subject": "lighthouse"}
	addNode(t, g, "prompt-left", 4, params)
	addNode(t, g, "prompt-right", 4, params)

	collab := &stubCollaborator{fn: echoResult}
	q, _ := newQueue(t, g, collab, Options{Workers: 2})

	summary, err := q.Process(context.Background(), []artifact.ID{"prompt-left", "prompt-right"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if calls := collab.callOrder(); len(calls) != 1 {
		t.Fatalf("collaborator called %d times, want 1", len(calls))
	}
	if summary.Generated != 1 || summary.Coalesced != 1 {
		t.Fatalf("summary = %+v, want one generation and one coalesced node", summary)
	}
	left, _ := g.Node("prompt-left")
	right, _ := g.Node("prompt-right")
	if left.Status != artifact.StatusValid || right.Status != artifact.StatusValid {
		t.Fatalf("statuses = %s/%s, want valid/valid", left.Status, right.Status)
	}
	if left.PayloadRef == "" || left.PayloadRef != right.PayloadRef {
		t.Fatalf("payload refs differ: %q vs %q", left.PayloadRef, right.PayloadRef)
	}
}

func TestFailedDependencyBlocksDependents(t *testing.T) {
	g := graph.New()
	addNode(t, g, "story-main", 1, map[string]string{"title": "tidewater"})
	addNode(t, g, "shots-act1", 3, map[string]string{"act": "1"})
	addEdge(t, g, "story-main", "shots-act1")

	collab := &stubCollaborator{fn: func(generation.NodeSpec, int) (*generation.Result, error) {
		return nil, services.Wrap(services.ErrPermanent, "generation", "generate", "model rejected request", nil)
	}}
	q, recorder := newQueue(t, g, collab, Options{Workers: 2})

	summary, err := q.Process(context.Background(), []artifact.ID{"story-main", "shots-act1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Failed != 1 || summary.Blocked != 1 {
		t.Fatalf("summary = %+v, want one failed and one blocked", summary)
	}
	if got := status(t, g, "story-main"); got != artifact.StatusFailed {
		t.Fatalf("story-main status = %s, want failed", got)
	}
	if got := status(t, g, "shots-act1"); got != artifact.StatusStale {
		t.Fatalf("shots-act1 status = %s, want stale", got)
	}
	if calls := collab.callOrder(); len(calls) != 1 {
		t.Fatalf("collaborator called %d times, want 1", len(calls))
	}
	counts := recorder.CountByType()
	if counts[events.NodeFailed] != 1 {
		t.Fatalf("node_failed events = %d, want 1", counts[events.NodeFailed])
	}
	node, _ := g.Node("story-main")
	if node.Failure == nil || node.Failure.Cause == "" {
		t.Fatal("expected failure record on story-main")
	}
}

func TestStorageErrorLeavesNodeRetryable(t *testing.T) {
	g := graph.New()
	addNode(t, g, "story-main", 1, map[string]string{"title": "tidewater"})

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	// Closing the store after the call succeeds makes the persist step fail.
	collab := &stubCollaborator{fn: func(spec generation.NodeSpec, call int) (*generation.Result, error) {
		_ = st.Close()
		return echoResult(spec, call)
	}}
	recorder := &events.Recorder{}
	q := New(g, st, consensus.New(collab, nil), recorder, nil, Options{Workers: 1})

	summary, err := q.Process(context.Background(), []artifact.ID{"story-main"})
	if !errors.Is(err, services.ErrStorage) {
		t.Fatalf("err = %v, want storage error", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("summary = %+v, want zero failed nodes", summary)
	}
	if got := status(t, g, "story-main"); got != artifact.StatusStale {
		t.Fatalf("story-main status = %s, want stale", got)
	}
	node, _ := g.Node("story-main")
	if node.Failure != nil {
		t.Fatalf("unexpected failure record: %+v", node.Failure)
	}
	if counts := recorder.CountByType(); counts[events.NodeFailed] != 0 {
		t.Fatalf("node_failed events = %d, want 0", counts[events.NodeFailed])
	}

	// The node stays schedulable: a later run against healthy storage succeeds.
	st2 := testsupport.MustOpenStore(t, cfg)
	collab2 := &stubCollaborator{fn: echoResult}
	q2 := New(g, st2, consensus.New(collab2, nil), nil, nil, Options{Workers: 1})
	summary2, err := q2.Process(context.Background(), []artifact.ID{"story-main"})
	if err != nil {
		t.Fatalf("Process after recovery: %v", err)
	}
	if summary2.Generated != 1 {
		t.Fatalf("summary = %+v, want one generation", summary2)
	}
	if got := status(t, g, "story-main"); got != artifact.StatusValid {
		t.Fatalf("story-main status = %s, want valid", got)
	}
}

func TestCancellationDrainsInFlightWork(t *testing.T) {
	g := graph.New()
	addNode(t, g, "story-main", 1, map[string]string{"title": "tidewater"})
	addNode(t, g, "shots-act1", 3, map[string]string{"act": "1"})
	addEdge(t, g, "story-main", "shots-act1")

	started := make(chan struct{})
	release := make(chan struct{})
	collab := &stubCollaborator{fn: func(spec generation.NodeSpec, call int) (*generation.Result, error) {
		close(started)
		<-release
		return echoResult(spec, call)
	}}

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	q := New(g, st, consensus.New(collab, nil), nil, nil, Options{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
		close(release)
	}()

	summary, err := q.Process(ctx, []artifact.ID{"story-main", "shots-act1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// The in-flight generation drained and persisted; the dependent was
	// never dispatched.
	if calls := collab.callOrder(); len(calls) != 1 {
		t.Fatalf("collaborator called %d times, want 1", len(calls))
	}
	if got := status(t, g, "story-main"); got != artifact.StatusValid {
		t.Fatalf("story-main status = %s, want valid", got)
	}
	node, _ := g.Node("story-main")
	if _, found, getErr := st.GetPayload(context.Background(), node.Fingerprint); getErr != nil || !found {
		t.Fatalf("drained payload not persisted (found=%v, err=%v)", found, getErr)
	}
	if got := status(t, g, "shots-act1"); got != artifact.StatusStale {
		t.Fatalf("shots-act1 status = %s, want stale", got)
	}
	if summary.Generated != 1 || summary.Blocked != 1 {
		t.Fatalf("summary = %+v, want one generated and one blocked", summary)
	}
}

func TestQuorumFailureRecordsVotes(t *testing.T) {
	g := graph.New()
	node := &artifact.Node{
		ID:     "cast-mei",
		Kind:   artifact.KindWorldEntity,
		Level:  2,
		Output: artifact.OutputCategorical,
		Params: map[string]string{"character": "mei"},
		Status: artifact.StatusStale,
	}
	if err := g.AddNode(node); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	answers := []string{"red", "blue", "red", "blue", "green"}
	collab := &stubCollaborator{fn: func(_ generation.NodeSpec, call int) (*generation.Result, error) {
		value := answers[call%len(answers)]
		return &generation.Result{Payload: []byte(value), Value: value, Producer: "stub"}, nil
	}}
	policy := consensus.Policy{Quorum: 5, Threshold: 0.6, MaxIterations: 1}
	q, _ := newQueue(t, g, collab, Options{
		Workers:   2,
		PolicyFor: func(*artifact.Node) consensus.Policy { return policy },
	})

	summary, err := q.Process(context.Background(), []artifact.ID{"cast-mei"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want one failure", summary)
	}
	got, _ := g.Node("cast-mei")
	if got.Status != artifact.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Failure == nil || len(got.Failure.Votes) == 0 {
		t.Fatal("expected vote snapshot in failure record")
	}
	if got.Failure.Votes["red"] != 2 {
		t.Fatalf("votes[red] = %d, want 2", got.Failure.Votes["red"])
	}
}

func TestValidNodesAreSkipped(t *testing.T) {
	g := graph.New()
	addNode(t, g, "story-main", 1, nil)
	g.WithNode("story-main", func(n *artifact.Node) {
		n.Status = artifact.StatusValid
		n.PayloadRef = "existing"
	})

	collab := &stubCollaborator{fn: echoResult}
	q, _ := newQueue(t, g, collab, Options{Workers: 1})

	summary, err := q.Process(context.Background(), []artifact.ID{"story-main"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if summary.Skipped != 1 || summary.Generated != 0 {
		t.Fatalf("summary = %+v, want one skip and zero generations", summary)
	}
	if calls := collab.callOrder(); len(calls) != 0 {
		t.Fatalf("collaborator called %d times, want 0", len(calls))
	}
}

func TestUnknownNodeRejected(t *testing.T) {
	g := graph.New()
	collab := &stubCollaborator{fn: echoResult}
	q, _ := newQueue(t, g, collab, Options{Workers: 1})

	_, err := q.Process(context.Background(), []artifact.ID{"ghost"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}
