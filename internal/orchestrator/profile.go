package orchestrator

import (
	"strconv"
	"time"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/consensus"
	"loom/internal/regen"
)

// Pass is one named level of the pipeline profile.
type Pass struct {
	Level int
	Name  string
	Kinds []artifact.Kind
}

// Passes is the default project profile: five passes over seven artifact
// kinds, story first, rendered frames last.
var Passes = []Pass{
	{Level: 1, Name: "story", Kinds: []artifact.Kind{artifact.KindScript}},
	{Level: 2, Name: "world", Kinds: []artifact.Kind{artifact.KindWorldEntity}},
	{Level: 3, Name: "shots", Kinds: []artifact.Kind{artifact.KindShotList}},
	{Level: 4, Name: "prompts", Kinds: []artifact.Kind{artifact.KindVisualPrompt, artifact.KindReference}},
	{Level: 5, Name: "frames", Kinds: []artifact.Kind{artifact.KindKeyFrame, artifact.KindFrame}},
}

// PassName returns the profile name for a level, or "level-N" for levels the
// profile does not name.
func PassName(level int) string {
	for _, pass := range Passes {
		if pass.Level == level {
			return pass.Name
		}
	}
	return "level-" + strconv.Itoa(level)
}

// PolicyFor derives the per-node consensus policy from configuration.
// Categorical nodes vote with the full quorum, numeric nodes use the smaller
// numeric quorum and resolve by median, everything else takes a single sample.
func PolicyFor(cfg *config.Config) regen.PolicyFunc {
	base := consensus.Policy{
		MaxRetries:    cfg.Consensus.MaxRetries,
		MaxIterations: cfg.Consensus.MaxIterations,
		BackoffBase:   time.Duration(cfg.Consensus.BackoffBaseMS) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Consensus.BackoffMaxMS) * time.Millisecond,
		CallTimeout:   time.Duration(cfg.Consensus.CallTimeoutSeconds) * time.Second,
	}
	return func(node *artifact.Node) consensus.Policy {
		policy := base
		switch node.Output {
		case artifact.OutputCategorical:
			policy.Quorum = cfg.Consensus.Quorum
			policy.Threshold = cfg.Consensus.Threshold
		case artifact.OutputNumeric:
			policy.Quorum = cfg.Consensus.NumericQuorum
		default:
			policy.Quorum = 1
			policy.MaxIterations = 1
		}
		return policy
	}
}
