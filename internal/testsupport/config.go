package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.ProjectDir = filepath.Join(base, "project")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	// Keep test retries fast.
	cfg.Consensus.BackoffBaseMS = 1
	cfg.Consensus.BackoffMaxMS = 5

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}

// WithWorkers overrides the regeneration worker pool size.
func WithWorkers(count int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workers.PoolSize = count
	}
}

// WithQuorum overrides the categorical quorum size and threshold.
func WithQuorum(quorum int, threshold float64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Consensus.Quorum = quorum
		cfg.Consensus.Threshold = threshold
	}
}
