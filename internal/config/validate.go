package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.ProjectDir) == "" {
		problems = append(problems, "paths.project_dir is required")
	}
	if c.Workers.PoolSize < 1 {
		problems = append(problems, fmt.Sprintf("workers.pool_size must be at least 1 (got %d)", c.Workers.PoolSize))
	}
	if c.Consensus.Quorum < 1 {
		problems = append(problems, fmt.Sprintf("consensus.quorum must be at least 1 (got %d)", c.Consensus.Quorum))
	}
	if c.Consensus.NumericQuorum < 1 {
		problems = append(problems, fmt.Sprintf("consensus.numeric_quorum must be at least 1 (got %d)", c.Consensus.NumericQuorum))
	}
	if c.Consensus.Threshold <= 0 || c.Consensus.Threshold > 1 {
		problems = append(problems, fmt.Sprintf("consensus.threshold must be in (0, 1] (got %g)", c.Consensus.Threshold))
	}
	if c.Consensus.MaxRetries < 0 {
		problems = append(problems, "consensus.max_retries must not be negative")
	}
	if c.Consensus.MaxIterations < 1 {
		problems = append(problems, fmt.Sprintf("consensus.max_iterations must be at least 1 (got %d)", c.Consensus.MaxIterations))
	}
	if c.Consensus.BackoffBaseMS < 0 || c.Consensus.BackoffMaxMS < c.Consensus.BackoffBaseMS {
		problems = append(problems, "consensus backoff delays must satisfy 0 <= base <= max")
	}
	if c.Consensus.CallTimeoutSeconds < 1 {
		problems = append(problems, "consensus.call_timeout_seconds must be at least 1")
	}
	if c.Generation.TimeoutSeconds < 1 {
		problems = append(problems, "generation.timeout_seconds must be at least 1")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format must be console or json (got %q)", c.Logging.Format))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
