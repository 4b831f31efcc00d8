package config

const (
	defaultProjectDir         = "~/.local/share/loom/project"
	defaultLogDir             = "~/.local/share/loom/logs"
	defaultWorkerPoolSize     = 4
	defaultQuorum             = 5
	defaultNumericQuorum      = 3
	defaultQuorumThreshold    = 0.6
	defaultMaxRetries         = 3
	defaultMaxIterations      = 2
	defaultBackoffBaseMS      = 1000
	defaultBackoffMaxMS       = 10000
	defaultCallTimeoutSeconds = 60
	defaultGenerationBaseURL  = "https://openrouter.ai/api/v1/chat/completions"
	defaultGenerationModel    = "google/gemini-3-flash-preview"
	defaultGenerationTimeout  = 60
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ProjectDir: defaultProjectDir,
			LogDir:     defaultLogDir,
		},
		Workers: Workers{
			PoolSize: defaultWorkerPoolSize,
		},
		Consensus: Consensus{
			Quorum:             defaultQuorum,
			NumericQuorum:      defaultNumericQuorum,
			Threshold:          defaultQuorumThreshold,
			MaxRetries:         defaultMaxRetries,
			MaxIterations:      defaultMaxIterations,
			BackoffBaseMS:      defaultBackoffBaseMS,
			BackoffMaxMS:       defaultBackoffMaxMS,
			CallTimeoutSeconds: defaultCallTimeoutSeconds,
		},
		Generation: Generation{
			BaseURL:        defaultGenerationBaseURL,
			Model:          defaultGenerationModel,
			TimeoutSeconds: defaultGenerationTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
