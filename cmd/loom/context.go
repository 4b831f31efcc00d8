package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/events"
	"loom/internal/generation"
	"loom/internal/graph"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/project"
	"loom/internal/store"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// projectContext is a fully wired project: graph, store and orchestrator,
// with ledger and node state restored from disk.
type projectContext struct {
	cfg    *config.Config
	graph  *graph.Graph
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// openProject loads the manifest, opens the store, rehydrates cached state
// and wires the orchestrator. The returned cleanup closes the store.
func (c *commandContext) openProject(cmd *cobra.Command) (*projectContext, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}

	manifestPath := project.DefaultManifestPath(cfg.Paths.ProjectDir)
	manifest, err := project.LoadManifest(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w; run `loom init` to scaffold one", err)
	}
	g, err := manifest.Build()
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = st.Close()
	}

	ctx := cmd.Context()
	if _, err := project.Rehydrate(ctx, g, st); err != nil {
		cleanup()
		return nil, nil, err
	}

	logger, err := logging.NewFromSettings(cfg.Logging.Format, cfg.Logging.Level, cfg.Paths.LogDir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	collab := generation.NewClient(cfg.Generation)
	orch := orchestrator.New(cfg, g, st, collab, events.NewLogSink(logger), logger)
	if err := orch.Hydrate(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}

	return &projectContext{cfg: cfg, graph: g, store: st, orch: orch, logger: logger}, cleanup, nil
}

// withProjectLock takes the project lock before running fn. Mutating commands
// use this so two processes never drive the same project concurrently.
func (c *commandContext) withProjectLock(fn func() error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	lock := flock.New(filepath.Join(cfg.Paths.ProjectDir, "loom.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire project lock: %w", err)
	}
	if !ok {
		return errors.New("another loom process is already driving this project")
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return fn()
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
