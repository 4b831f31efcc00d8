package consensus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/artifact"
	"loom/internal/generation"
	"loom/internal/services"
)

// scriptedCollaborator returns values in call order, cycling when exhausted.
type scriptedCollaborator struct {
	values []string
	calls  atomic.Int64
}

func (c *scriptedCollaborator) Generate(ctx context.Context, spec generation.NodeSpec) (*generation.Result, error) {
	n := c.calls.Add(1) - 1
	value := c.values[int(n)%len(c.values)]
	return &generation.Result{Payload: []byte(value), Value: value, Producer: "stub"}, nil
}

func categoricalSpec() generation.NodeSpec {
	return generation.NodeSpec{
		NodeID: "shots:1",
		Kind:   artifact.KindShotList,
		Output: artifact.OutputCategorical,
		Params: map[string]string{"prompt": "tags"},
	}
}

func fastPolicy(quorum int, threshold float64) Policy {
	return Policy{
		Quorum:        quorum,
		Threshold:     threshold,
		MaxRetries:    2,
		MaxIterations: 2,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		CallTimeout:   time.Second,
	}
}

func TestCategoricalMajorityResolves(t *testing.T) {
	// 3 of 5 voters agree; 0.6 share meets the threshold.
	collab := &scriptedCollaborator{values: []string{"dolly", "dolly", "pan", "dolly", "zoom"}}
	exec := New(collab, nil)

	outcome, err := exec.Resolve(context.Background(), categoricalSpec(), fastPolicy(5, 0.6))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.Result.Value != "dolly" {
		t.Fatalf("resolved value = %q", outcome.Result.Value)
	}
	if outcome.Votes["dolly"] != 3 {
		t.Fatalf("votes = %v", outcome.Votes)
	}
}

func TestCategoricalBelowThresholdFailsAfterMaxIterations(t *testing.T) {
	// 2 of 5 is the best share on every round.
	collab := &scriptedCollaborator{values: []string{"dolly", "dolly", "pan", "zoom", "tilt"}}
	exec := New(collab, nil)

	_, err := exec.Resolve(context.Background(), categoricalSpec(), fastPolicy(5, 0.6))
	if !errors.Is(err, services.ErrQuorum) {
		t.Fatalf("expected quorum error, got %v", err)
	}

	var quorumErr *QuorumError
	if !errors.As(err, &quorumErr) {
		t.Fatalf("expected QuorumError, got %T", err)
	}
	if quorumErr.Rounds != 2 {
		t.Fatalf("rounds = %d", quorumErr.Rounds)
	}
	if quorumErr.Votes["dolly"] != 2 {
		t.Fatalf("disagreement votes = %v", quorumErr.Votes)
	}
	if got := collab.calls.Load(); got != 10 {
		t.Fatalf("expected 10 samples (2 rounds of 5), got %d", got)
	}
}

func TestNumericMedianDegradesGracefully(t *testing.T) {
	collab := &scriptedCollaborator{values: []string{"18", "24", "30"}}
	exec := New(collab, nil)

	spec := categoricalSpec()
	spec.Output = artifact.OutputNumeric
	outcome, err := exec.Resolve(context.Background(), spec, fastPolicy(3, 0.6))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.Result.Value != "24" {
		t.Fatalf("median = %q", outcome.Result.Value)
	}
}

func TestNumericSingleResponseResolves(t *testing.T) {
	collab := &scriptedCollaborator{values: []string{"12"}}
	exec := New(collab, nil)

	spec := categoricalSpec()
	spec.Output = artifact.OutputNumeric
	outcome, err := exec.Resolve(context.Background(), spec, fastPolicy(1, 0.6))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.Result.Value != "12" {
		t.Fatalf("value = %q", outcome.Result.Value)
	}
}

// flakyCollaborator fails transiently a fixed number of times before succeeding.
type flakyCollaborator struct {
	failures atomic.Int64
	budget   int64
}

func (c *flakyCollaborator) Generate(ctx context.Context, spec generation.NodeSpec) (*generation.Result, error) {
	if c.failures.Add(1) <= c.budget {
		return nil, services.Wrap(services.ErrTransient, "stub", "generate", "rate limited", nil)
	}
	return &generation.Result{Payload: []byte("ok"), Value: "ok", Producer: "stub"}, nil
}

func TestTransientFailuresRetriedWithBackoff(t *testing.T) {
	collab := &flakyCollaborator{budget: 2}
	var slept atomic.Int64
	exec := New(collab, nil, WithSleeper(func(ctx context.Context, d time.Duration) error {
		slept.Add(1)
		return nil
	}))

	outcome, err := exec.Resolve(context.Background(), categoricalSpec(), fastPolicy(1, 0.6))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.Result.Value != "ok" {
		t.Fatalf("value = %q", outcome.Result.Value)
	}
	if slept.Load() != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", slept.Load())
	}
}

type permanentCollaborator struct{}

func (permanentCollaborator) Generate(ctx context.Context, spec generation.NodeSpec) (*generation.Result, error) {
	return nil, services.Wrap(services.ErrPermanent, "stub", "generate", "unsupported kind", nil)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	exec := New(permanentCollaborator{}, nil)
	_, err := exec.Resolve(context.Background(), categoricalSpec(), fastPolicy(3, 0.6))
	if !errors.Is(err, services.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	policy := fastPolicy(1, 0.6)
	policy.BackoffMax = 10 * time.Second
	err := &generation.HTTPStatusError{StatusCode: 429, RetryAfter: 3 * time.Second}
	if got := retryDelay(err, 1, policy); got != 3*time.Second {
		t.Fatalf("retryDelay = %v", got)
	}

	policy.BackoffMax = time.Second
	if got := retryDelay(err, 1, policy); got != time.Second {
		t.Fatalf("capped retryDelay = %v", got)
	}
}

func TestRetryDelayExponential(t *testing.T) {
	policy := Policy{BackoffBase: time.Second, BackoffMax: 10 * time.Second}
	base := errors.New("transient")
	if got := retryDelay(base, 1, policy); got != time.Second {
		t.Fatalf("attempt 1 delay = %v", got)
	}
	if got := retryDelay(base, 3, policy); got != 4*time.Second {
		t.Fatalf("attempt 3 delay = %v", got)
	}
	if got := retryDelay(base, 10, policy); got != 10*time.Second {
		t.Fatalf("attempt 10 delay = %v", got)
	}
}
