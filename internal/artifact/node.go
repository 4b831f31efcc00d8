package artifact

import (
	"strings"
	"time"
)

// ID is the stable logical key of an artifact, e.g. "frame:1.2.cA".
type ID string

// Kind identifies which pipeline pass produces an artifact.
type Kind string

const (
	KindScript       Kind = "script"
	KindWorldEntity  Kind = "world_entity"
	KindShotList     Kind = "shot_list"
	KindVisualPrompt Kind = "visual_prompt"
	KindReference    Kind = "reference"
	KindKeyFrame     Kind = "key_frame"
	KindFrame        Kind = "frame"
)

var allKinds = []Kind{
	KindScript,
	KindWorldEntity,
	KindShotList,
	KindVisualPrompt,
	KindReference,
	KindKeyFrame,
	KindFrame,
}

// Status represents the lifecycle of an artifact node.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStale      Status = "stale"
	StatusGenerating Status = "generating"
	StatusValid      Status = "valid"
	StatusFailed     Status = "failed"
)

// OutputKind selects how redundant generation samples for a node are resolved.
type OutputKind string

const (
	// OutputOpaque takes a single sample as-is (no voting).
	OutputOpaque OutputKind = "opaque"
	// OutputCategorical resolves by majority vote over the sampled values.
	OutputCategorical OutputKind = "categorical"
	// OutputNumeric resolves by median over the sampled values.
	OutputNumeric OutputKind = "numeric"
)

// FailureRecord captures why a node failed, including the vote breakdown
// when quorum was not reached.
type FailureRecord struct {
	Cause string
	Votes map[string]int
}

// Node is a single artifact tracked by the dependency graph.
//
// Level is the pipeline pass that produces the node; it is non-decreasing
// along dependency edges. Fingerprint hashes the node's own generation
// parameters together with the fingerprints of its dependencies, so it
// changes exactly when meaningful inputs change.
type Node struct {
	ID          ID
	Kind        Kind
	Level       int
	Params      map[string]string
	Output      OutputKind
	Fingerprint Fingerprint
	Status      Status
	PayloadRef  string
	ProducedAt  time.Time
	Producer    string
	Failure     *FailureRecord
}

// NeedsWork reports whether the node must be (re)generated.
func (n *Node) NeedsWork() bool {
	switch n.Status {
	case StatusPending, StatusStale:
		return true
	default:
		return false
	}
}

// ParseKind validates a kind string from external input.
func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, k := range allKinds {
		if k == kind {
			return kind, true
		}
	}
	return "", false
}
