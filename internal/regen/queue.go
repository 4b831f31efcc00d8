package regen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"loom/internal/artifact"
	"loom/internal/consensus"
	"loom/internal/events"
	"loom/internal/generation"
	"loom/internal/graph"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/store"
)

// PolicyFunc selects the consensus policy for a node.
type PolicyFunc func(*artifact.Node) consensus.Policy

// Options configures queue construction.
type Options struct {
	Workers   int
	PolicyFor PolicyFunc
}

// Queue schedules stale nodes whose dependencies are satisfied, deduplicating
// work by content fingerprint and bounding parallelism with a worker pool.
type Queue struct {
	graph  *graph.Graph
	store  *store.Store
	exec   *consensus.Executor
	sink   events.Sink
	logger *slog.Logger

	workers   int
	policyFor PolicyFunc
}

// Summary reports what a Process run did.
type Summary struct {
	// Generated counts nodes resolved through fresh collaborator calls.
	Generated int
	// Reused counts nodes satisfied from the payload cache with zero calls.
	Reused int
	// Coalesced counts nodes that shared another node's in-flight generation.
	Coalesced int
	// Failed counts nodes that ended Failed this run.
	Failed int
	// Skipped counts nodes that were already valid when scheduled.
	Skipped int
	// Blocked counts nodes left stale because a dependency failed.
	Blocked int
}

// New constructs a regeneration queue.
func New(g *graph.Graph, s *store.Store, exec *consensus.Executor, sink events.Sink, logger *slog.Logger, opts Options) *Queue {
	if sink == nil {
		sink = events.NopSink{}
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	policyFor := opts.PolicyFor
	if policyFor == nil {
		policyFor = func(*artifact.Node) consensus.Policy {
			return consensus.Policy{Quorum: 1, MaxIterations: 1}
		}
	}
	return &Queue{
		graph:     g,
		store:     s,
		exec:      exec,
		sink:      sink,
		logger:    logging.NewComponentLogger(logger, "regen"),
		workers:   workers,
		policyFor: policyFor,
	}
}

// flight is one in-progress generation for a fingerprint. All nodes that
// share the fingerprint while it is in flight are coalesced as waiters and
// receive the same result or the same failure.
type flight struct {
	fingerprint artifact.Fingerprint
	kind        artifact.Kind
	spec        generation.NodeSpec
	policy      consensus.Policy
	waiters     []artifact.ID
}

// Process drives the given nodes (and nothing else) until every one is
// terminal or blocked behind a failed dependency. Nodes are dispatched in
// ascending level order, FIFO within a level, and never before all direct
// dependencies are valid.
//
// Cancellation stops new dispatches; in-flight generations drain and their
// results are persisted before Process returns.
func (q *Queue) Process(ctx context.Context, ids []artifact.ID) (*Summary, error) {
	summary := &Summary{}

	order := make(map[artifact.ID]int, len(ids))
	pending := make(map[artifact.ID]struct{}, len(ids))
	for i, id := range ids {
		node, ok := q.graph.Node(id)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "regen", "process",
				fmt.Sprintf("unknown node %s", id), nil)
		}
		if _, seen := order[id]; seen {
			continue
		}
		order[id] = i
		if node.NeedsWork() {
			pending[id] = struct{}{}
		} else {
			summary.Skipped++
		}
	}

	var (
		mu        sync.Mutex
		flights   = make(map[artifact.Fingerprint]*flight)
		wg        sync.WaitGroup
		firstErr  error
		completed = make(chan struct{}, 1)
	)
	sem := make(chan struct{}, q.workers)
	// In-flight generations are allowed to drain after cancellation; the
	// per-call timeouts inside the consensus executor bound how long that
	// takes. Persisting a finished result is atomic either way.
	drainCtx := context.WithoutCancel(ctx)

	signal := func() {
		select {
		case completed <- struct{}{}:
		default:
		}
	}

	recordErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	fatal := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

scheduling:
	for {
		select {
		case <-ctx.Done():
			break scheduling
		default:
		}
		if fatal() {
			break
		}

		// Snapshot the in-flight count before scanning readiness: a flight
		// that completes afterwards leaves a wakeup token in the channel, so
		// its newly ready dependents are never missed.
		mu.Lock()
		inFlight := len(flights)
		mu.Unlock()

		ready := q.readyNodes(pending, order)
		if len(ready) == 0 {
			if inFlight == 0 {
				break
			}
			select {
			case <-ctx.Done():
				break scheduling
			case <-completed:
			}
			continue
		}

		for _, node := range ready {
			fingerprint, spec, err := q.prepareDispatch(node)
			if err != nil {
				recordErr(err)
				break scheduling
			}
			delete(pending, node.ID)

			mu.Lock()
			if fl, exists := flights[fingerprint]; exists {
				fl.waiters = append(fl.waiters, node.ID)
				summary.Coalesced++
				mu.Unlock()
				continue
			}
			mu.Unlock()

			ref, found, err := q.store.GetPayload(ctx, fingerprint)
			if err != nil {
				q.revertToStale(node.ID)
				recordErr(err)
				break scheduling
			}
			if found {
				q.markValid(ctx, node.ID, fingerprint, ref, "cache")
				mu.Lock()
				summary.Reused++
				mu.Unlock()
				continue
			}

			fl := &flight{
				fingerprint: fingerprint,
				kind:        node.Kind,
				spec:        spec,
				policy:      q.policyFor(node),
				waiters:     []artifact.ID{node.ID},
			}
			mu.Lock()
			flights[fingerprint] = fl
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				outcome, runErr := q.exec.Resolve(drainCtx, fl.spec, fl.policy)
				var payloadRef string
				if runErr == nil {
					payloadRef, runErr = q.store.PutPayload(drainCtx, fl.fingerprint, fl.kind, outcome.Result.Payload)
				}

				// Removing the flight and applying its result must be one
				// step: waiters can join only while the flight is in the map,
				// and the scheduler may stop once the map is empty, so no
				// node status update may trail the removal.
				mu.Lock()
				delete(flights, fl.fingerprint)
				waiters := append([]artifact.ID(nil), fl.waiters...)
				if runErr == nil {
					summary.Generated++
					for _, id := range waiters {
						q.markValid(drainCtx, id, fl.fingerprint, payloadRef, outcome.Result.Producer)
					}
				} else if errors.Is(runErr, services.ErrStorage) {
					// A persistence failure aborts the run; the waiters stay
					// stale and schedulable. Only generation outcomes may mark
					// a node failed.
					if firstErr == nil {
						firstErr = runErr
					}
					for _, id := range waiters {
						q.revertToStale(id)
					}
				} else {
					summary.Failed += len(waiters)
					q.failWaiters(drainCtx, waiters, runErr)
				}
				mu.Unlock()
				signal()
			}()
		}
	}

	wg.Wait()

	mu.Lock()
	err := firstErr
	mu.Unlock()

	summary.Blocked = len(pending)
	if err != nil {
		return summary, err
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// readyNodes returns pending nodes whose dependencies are all valid, sorted
// by ascending level then insertion order.
func (q *Queue) readyNodes(pending map[artifact.ID]struct{}, order map[artifact.ID]int) []*artifact.Node {
	var ready []*artifact.Node
	for id := range pending {
		node, ok := q.graph.Node(id)
		if !ok || !node.NeedsWork() {
			continue
		}
		depsValid := true
		for _, dep := range q.graph.Dependencies(id) {
			depNode, ok := q.graph.Node(dep)
			if !ok || depNode.Status != artifact.StatusValid {
				depsValid = false
				break
			}
		}
		if depsValid {
			ready = append(ready, node)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Level != ready[j].Level {
			return ready[i].Level < ready[j].Level
		}
		return order[ready[i].ID] < order[ready[j].ID]
	})
	return ready
}

// prepareDispatch recomputes the node's fingerprint from its current
// dependencies and transitions it to generating.
func (q *Queue) prepareDispatch(node *artifact.Node) (artifact.Fingerprint, generation.NodeSpec, error) {
	depIDs := q.graph.Dependencies(node.ID)
	depFingerprints := make([]artifact.Fingerprint, 0, len(depIDs))
	depInputs := make([]generation.DependencyInput, 0, len(depIDs))
	for _, depID := range depIDs {
		dep, ok := q.graph.Node(depID)
		if !ok {
			return "", generation.NodeSpec{}, services.Wrap(services.ErrCorruption, "regen", "dispatch",
				fmt.Sprintf("dependency %s of %s missing", depID, node.ID), nil)
		}
		depFingerprints = append(depFingerprints, dep.Fingerprint)
		depInputs = append(depInputs, generation.DependencyInput{
			ID:         dep.ID,
			Kind:       dep.Kind,
			PayloadRef: dep.PayloadRef,
		})
	}

	fingerprint := artifact.ComputeFingerprint(node.Kind, node.Params, depFingerprints)
	spec := generation.NodeSpec{
		NodeID:       node.ID,
		Kind:         node.Kind,
		Level:        node.Level,
		Output:       node.Output,
		Params:       node.Params,
		Fingerprint:  fingerprint,
		Dependencies: depInputs,
	}

	q.graph.WithNode(node.ID, func(n *artifact.Node) {
		n.Status = artifact.StatusGenerating
		n.Fingerprint = fingerprint
	})
	return fingerprint, spec, nil
}

func (q *Queue) failWaiters(ctx context.Context, waiters []artifact.ID, cause error) {
	record := &artifact.FailureRecord{Cause: cause.Error()}
	var quorumErr *consensus.QuorumError
	if errors.As(cause, &quorumErr) {
		record.Votes = quorumErr.Votes
	}

	for _, id := range waiters {
		var level int
		q.graph.WithNode(id, func(n *artifact.Node) {
			n.Status = artifact.StatusFailed
			n.Failure = record
			level = n.Level
		})
		q.logger.Error("node failed",
			logging.String(logging.FieldNodeID, string(id)),
			logging.Int(logging.FieldLevel, level),
			logging.String(logging.FieldEventType, "node_failed"),
			logging.Error(cause),
			logging.String(logging.FieldErrorHint, "inspect the recorded disagreement, then invalidate the node to retry"),
		)
		q.sink.Publish(events.New(events.NodeFailed, id, level, runID(ctx), cause.Error()))
	}
}

func (q *Queue) markValid(ctx context.Context, id artifact.ID, fingerprint artifact.Fingerprint, ref, producer string) {
	var level int
	q.graph.WithNode(id, func(n *artifact.Node) {
		n.Status = artifact.StatusValid
		n.Fingerprint = fingerprint
		n.PayloadRef = ref
		n.ProducedAt = time.Now().UTC()
		n.Producer = producer
		n.Failure = nil
		level = n.Level
	})
	q.logger.Debug("node valid",
		logging.String(logging.FieldNodeID, string(id)),
		logging.Int(logging.FieldLevel, level),
		logging.String(logging.FieldFingerprint, string(fingerprint)),
		logging.String("producer", producer),
	)
	detail := "generated"
	if producer == "cache" {
		detail = "cache hit"
	}
	q.sink.Publish(events.New(events.NodeGenerated, id, level, runID(ctx), detail))
}

func (q *Queue) revertToStale(id artifact.ID) {
	q.graph.WithNode(id, func(n *artifact.Node) {
		n.Status = artifact.StatusStale
	})
}

func runID(ctx context.Context) string {
	id, _ := services.RunIDFromContext(ctx)
	return id
}
