package generation

import (
	"context"

	"loom/internal/artifact"
)

// DependencyInput describes one resolved dependency handed to the
// collaborator alongside a generation request.
type DependencyInput struct {
	ID         artifact.ID
	Kind       artifact.Kind
	PayloadRef string
}

// NodeSpec is the request for one generation sample.
type NodeSpec struct {
	NodeID       artifact.ID
	Kind         artifact.Kind
	Level        int
	Output       artifact.OutputKind
	Params       map[string]string
	Fingerprint  artifact.Fingerprint
	Dependencies []DependencyInput
}

// Result is one generation sample. Value carries the comparable form used by
// consensus voting: the categorical label, or the numeric rendering for
// numeric nodes. Payload is the artifact content to persist.
type Result struct {
	Payload  []byte
	Value    string
	Producer string
}

// Collaborator produces artifact content. Implementations signal retryable
// failures with services.ErrTransient and non-retryable ones with
// services.ErrPermanent; the consensus executor handles retry and backoff.
type Collaborator interface {
	Generate(ctx context.Context, spec NodeSpec) (*Result, error)
}
