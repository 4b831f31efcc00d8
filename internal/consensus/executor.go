package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"loom/internal/artifact"
	"loom/internal/generation"
	"loom/internal/logging"
	"loom/internal/services"
)

// Policy parameterizes quorum resolution for one node.
type Policy struct {
	// Quorum is the number of independent samples per resolution round.
	Quorum int
	// Threshold is the vote share a categorical value needs to be accepted.
	Threshold float64
	// MaxRetries bounds transient-failure retries per sample call.
	MaxRetries int
	// MaxIterations bounds resolution rounds before the node fails.
	MaxIterations int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	CallTimeout   time.Duration
}

// Outcome is a resolved generation decision.
type Outcome struct {
	Result *generation.Result
	// Votes records the candidate values and vote counts of the final round.
	Votes  map[string]int
	Rounds int
}

// Executor fans a generation request out to redundant collaborator calls and
// resolves disagreement by quorum (categorical) or median (numeric).
type Executor struct {
	collab generation.Collaborator
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// Option customizes the executor.
type Option func(*Executor)

// WithSleeper overrides how retry backoff sleeps are performed (used in tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New constructs an executor over the given collaborator.
func New(collab generation.Collaborator, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Executor{
		collab: collab,
		logger: logging.NewComponentLogger(logger, "consensus"),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type sample struct {
	result *generation.Result
	err    error
	order  int
}

// Resolve runs up to policy.MaxIterations rounds of policy.Quorum samples.
//
// Categorical nodes accept the majority value once its vote share reaches the
// threshold, breaking ties in favour of the earliest-completing sample.
// Numeric nodes resolve to the median and succeed with any response at all.
// If no round resolves, the final round's disagreement is returned inside a
// quorum error for the caller to record.
func (e *Executor) Resolve(ctx context.Context, spec generation.NodeSpec, policy Policy) (*Outcome, error) {
	if policy.Quorum < 1 {
		policy.Quorum = 1
	}
	if policy.MaxIterations < 1 {
		policy.MaxIterations = 1
	}

	var lastVotes map[string]int
	for round := 1; round <= policy.MaxIterations; round++ {
		samples, err := e.sampleRound(ctx, spec, policy)
		if err != nil {
			return nil, err
		}

		succeeded := successful(samples)
		lastVotes = countVotes(succeeded)

		if len(succeeded) == 0 {
			if permErr := firstPermanent(samples); permErr != nil {
				return nil, permErr
			}
			e.logger.Warn("no samples returned this round",
				logging.String(logging.FieldNodeID, string(spec.NodeID)),
				logging.Int("round", round),
				logging.String(logging.FieldErrorHint, "check provider availability"),
			)
			continue
		}

		var outcome *Outcome
		if spec.Output == artifact.OutputNumeric {
			outcome = resolveNumeric(succeeded)
		} else {
			outcome = resolveCategorical(succeeded, policy)
		}
		if outcome != nil {
			outcome.Votes = lastVotes
			outcome.Rounds = round
			e.logger.Debug("node resolved",
				logging.String(logging.FieldNodeID, string(spec.NodeID)),
				logging.Int("round", round),
				logging.Int("samples", len(succeeded)),
			)
			return outcome, nil
		}

		e.logger.Info("quorum not reached, retrying round",
			logging.String(logging.FieldNodeID, string(spec.NodeID)),
			logging.Int("round", round),
			logging.Any("votes", lastVotes),
		)
	}

	return nil, &QuorumError{NodeID: spec.NodeID, Votes: lastVotes, Rounds: policy.MaxIterations}
}

// QuorumError records the disagreement left after exhausting all resolution
// rounds, for external review.
type QuorumError struct {
	NodeID artifact.ID
	Votes  map[string]int
	Rounds int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum not reached for %s after %d rounds (votes: %v)", e.NodeID, e.Rounds, e.Votes)
}

func (e *QuorumError) Unwrap() error { return services.ErrQuorum }

func (e *Executor) sampleRound(ctx context.Context, spec generation.NodeSpec, policy Policy) ([]sample, error) {
	results := make(chan sample, policy.Quorum)
	for i := 0; i < policy.Quorum; i++ {
		go func() {
			result, err := e.callWithRetry(ctx, spec, policy)
			results <- sample{result: result, err: err}
		}()
	}

	samples := make([]sample, 0, policy.Quorum)
	for i := 0; i < policy.Quorum; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s := <-results:
			s.order = i
			samples = append(samples, s)
		}
	}
	return samples, nil
}

func (e *Executor) callWithRetry(ctx context.Context, spec generation.NodeSpec, policy Policy) (*generation.Result, error) {
	attempts := policy.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
		}
		result, err := e.collab.Generate(callCtx, spec)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		if !services.IsTransient(err) {
			return nil, err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if sleepErr := e.sleep(ctx, retryDelay(err, attempt, policy)); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, services.Wrap(services.ErrTransient, "consensus", "sample",
		fmt.Sprintf("exhausted %d attempts", attempts), lastErr)
}

func retryDelay(err error, attempt int, policy Policy) time.Duration {
	var statusErr *generation.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		if policy.BackoffMax > 0 && statusErr.RetryAfter > policy.BackoffMax {
			return policy.BackoffMax
		}
		return statusErr.RetryAfter
	}

	delay := policy.BackoffBase
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if policy.BackoffMax > 0 && delay >= policy.BackoffMax {
			return policy.BackoffMax
		}
	}
	return delay
}

func successful(samples []sample) []sample {
	out := make([]sample, 0, len(samples))
	for _, s := range samples {
		if s.err == nil && s.result != nil {
			out = append(out, s)
		}
	}
	return out
}

func firstPermanent(samples []sample) error {
	for _, s := range samples {
		if s.err != nil && errors.Is(s.err, services.ErrPermanent) {
			return s.err
		}
	}
	return nil
}

func countVotes(samples []sample) map[string]int {
	votes := make(map[string]int, len(samples))
	for _, s := range samples {
		votes[s.result.Value]++
	}
	return votes
}

func resolveCategorical(samples []sample, policy Policy) *Outcome {
	votes := countVotes(samples)

	// Earliest completion order per value is the deterministic tie-break.
	earliest := make(map[string]int, len(votes))
	representative := make(map[string]*generation.Result, len(votes))
	for _, s := range samples {
		if cur, ok := earliest[s.result.Value]; !ok || s.order < cur {
			earliest[s.result.Value] = s.order
			representative[s.result.Value] = s.result
		}
	}

	best := ""
	for value := range votes {
		if best == "" {
			best = value
			continue
		}
		if votes[value] > votes[best] ||
			(votes[value] == votes[best] && earliest[value] < earliest[best]) {
			best = value
		}
	}

	share := float64(votes[best]) / float64(policy.Quorum)
	if share < policy.Threshold {
		return nil
	}
	return &Outcome{Result: representative[best]}
}

func resolveNumeric(samples []sample) *Outcome {
	values := make([]float64, 0, len(samples))
	byDistance := make([]sample, 0, len(samples))
	for _, s := range samples {
		v, err := strconv.ParseFloat(s.result.Value, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
		byDistance = append(byDistance, s)
	}
	if len(values) == 0 {
		return nil
	}

	sort.Float64s(values)
	var median float64
	mid := len(values) / 2
	if len(values)%2 == 1 {
		median = values[mid]
	} else {
		median = (values[mid-1] + values[mid]) / 2
	}

	// Keep the producer of the earliest sample; the payload carries the
	// resolved median itself.
	sort.Slice(byDistance, func(i, j int) bool { return byDistance[i].order < byDistance[j].order })
	formatted := formatNumber(median)
	return &Outcome{Result: &generation.Result{
		Payload:  []byte(formatted),
		Value:    formatted,
		Producer: byDistance[0].result.Producer,
	}}
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
