package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycle marks an edge insertion that would close a dependency cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrPrecedence marks an out-of-order checkpoint commit.
	ErrPrecedence = errors.New("checkpoint precedence violation")
	// ErrTransient marks a retryable generation failure (network, rate limit).
	ErrTransient = errors.New("transient generation failure")
	// ErrPermanent marks a generation failure that must not be retried.
	ErrPermanent = errors.New("permanent generation failure")
	// ErrQuorum marks a consensus node that exhausted its resolution attempts
	// without agreement.
	ErrQuorum = errors.New("quorum not reached")
	// ErrStorage marks a payload or checkpoint persistence failure.
	ErrStorage = errors.New("storage failure")
	// ErrCorruption marks defensive checks tripping on impossible graph state.
	// It is fatal for the affected graph.
	ErrCorruption = errors.New("graph corruption")
	// ErrValidation marks malformed operator or configuration input.
	ErrValidation = errors.New("validation error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether the error is unrecoverable for the affected graph
// and must be surfaced to the caller rather than worked around.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruption) || errors.Is(err, ErrCycle)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
