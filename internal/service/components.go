// Package service assembles the configured component stack behind the
// episode manager and exposes it over HTTP. Everything an episode needs,
// from the device transport to procedural memory, is built here once and
// shared; the manager is the only entry point for running goals.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/artifacts"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/device"
	"github.com/xkilldash9x/marionette-cli/internal/episode"
	"github.com/xkilldash9x/marionette-cli/internal/memory"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/observer"
	"github.com/xkilldash9x/marionette-cli/internal/planner"
	"github.com/xkilldash9x/marionette-cli/internal/reasoner"
	"github.com/xkilldash9x/marionette-cli/internal/supervisor"
	"github.com/xkilldash9x/marionette-cli/internal/worker"
)

// partialShutdownTimeout bounds the cleanup pass when initialization fails
// midway.
const partialShutdownTimeout = 10 * time.Second

// Components holds the initialized services behind the episode manager.
// The struct centralizes lifecycle management: Build wires everything in
// dependency order and Shutdown releases it in reverse.
type Components struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Artifacts  *artifacts.Store
	Memory     memory.Store
	LLM        schemas.LLMClient
	Oracle     schemas.Reasoner
	Planner    schemas.Planner
	Supervisor schemas.Supervisor
	Controller schemas.DeviceController
	// Watcher is nil unless device.logcat_path is configured.
	Watcher *device.LogWatcher
	Manager *episode.Manager
}

// Build performs the full dependency wiring for the agent. On failure the
// partially built components are shut down before the error is returned.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("service: configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	comps := &Components{Config: cfg, Logger: logger}

	var initErr error
	defer func() {
		if initErr != nil {
			logger.Warn("Initialization failed, releasing partially built components.", zap.Error(initErr))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), partialShutdownTimeout)
			defer cancel()
			comps.Shutdown(shutdownCtx)
		}
	}()

	// 1. Metrics. A private registry keeps /metrics scoped to the agent's
	// own instruments.
	comps.Registry = prometheus.NewRegistry()
	comps.Metrics = observability.NewMetrics(comps.Registry)
	logger.Debug("Metrics registry initialized.")

	// 2. Artifact store.
	artifactStore, err := artifacts.New(cfg.Artifacts, logger)
	if err != nil {
		initErr = fmt.Errorf("initialize artifact store: %w", err)
		return nil, initErr
	}
	comps.Artifacts = artifactStore
	logger.Debug("Artifact store initialized.")

	// 3. Procedural memory.
	mem, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		initErr = fmt.Errorf("open procedural memory: %w", err)
		return nil, initErr
	}
	comps.Memory = mem
	logger.Debug("Procedural memory opened.",
		zap.Bool("enabled", cfg.Memory.Enabled),
		zap.String("backend", string(cfg.Memory.Backend)))

	// 4. Model transport and the prompt layers over it.
	llm, err := reasoner.NewRouterFromConfig(cfg.Reasoner, logger)
	if err != nil {
		initErr = fmt.Errorf("initialize model router: %w", err)
		return nil, initErr
	}
	comps.LLM = llm
	comps.Oracle = reasoner.NewOracle(llm, comps.Metrics, logger)
	comps.Planner = planner.New(llm, cfg.Planner, comps.Metrics, logger)
	logger.Debug("Model router, oracle and planner initialized.")

	// 5. Supervisor.
	comps.Supervisor = supervisor.New(cfg.Supervisor, logger)
	logger.Debug("Supervisor initialized.")

	// 6. Device controller.
	controller, err := device.New(cfg.Device, logger)
	if err != nil {
		initErr = fmt.Errorf("initialize device controller: %w", err)
		return nil, initErr
	}
	comps.Controller = controller
	logger.Debug("Device controller initialized.", zap.String("kind", string(cfg.Device.Kind)))

	// 7. Device log watcher, when a logcat capture file is configured.
	if cfg.Device.LogcatPath != "" {
		watcher, err := device.NewLogWatcher(cfg.Device.LogcatPath, logger)
		if err != nil {
			initErr = fmt.Errorf("start device log watcher: %w", err)
			return nil, initErr
		}
		comps.Watcher = watcher
	}

	// 8. Episode manager over the factory that assembles per-episode state.
	manager, err := episode.NewManager(comps.episodeFactory(), cfg.Server.MaxConcurrentEpisodes, logger)
	if err != nil {
		initErr = fmt.Errorf("initialize episode manager: %w", err)
		return nil, initErr
	}
	comps.Manager = manager

	logger.Info("All components initialized.")
	return comps, nil
}

// episodeFactory returns the builder the manager invokes per goal. Each
// episode gets its own artifact directory and its own worker per subtask
// run; the controller, oracle, memory and supervisor are shared.
func (c *Components) episodeFactory() episode.Factory {
	return func(id, goal string) (*episode.Episode, error) {
		epArt, err := c.Artifacts.Episode(id)
		if err != nil {
			return nil, err
		}

		workers := func(session schemas.DeviceSession, art *artifacts.EpisodeArtifacts) (schemas.Worker, error) {
			obs, err := observer.New(session, c.Config.Observer, art, c.Logger)
			if err != nil {
				return nil, err
			}
			return worker.New(goal, session, obs, c.Oracle, c.Memory,
				c.Config.Worker, c.Config.Device, c.Metrics, c.Logger)
		}

		var events episode.EventSource
		if c.Watcher != nil {
			events = c.Watcher
		}

		return episode.New(id, goal, c.Controller, c.Planner, c.Supervisor, workers,
			epArt, events, c.Config.Worker, c.Config.Episode, c.Metrics, c.Logger)
	}
}

// Shutdown releases all components in reverse dependency order: episodes
// first so nothing touches the device or memory afterwards, then the log
// watcher and the shared clients. Tolerates partially built structs.
func (c *Components) Shutdown(ctx context.Context) {
	c.Logger.Debug("Beginning component shutdown sequence.")

	if c.Manager != nil {
		if err := c.Manager.Close(ctx); err != nil {
			c.Logger.Warn("Episode manager did not stop cleanly.", zap.Error(err))
		} else {
			c.Logger.Debug("Episode manager stopped.")
		}
	}

	if c.Watcher != nil {
		if err := c.Watcher.Close(); err != nil {
			c.Logger.Warn("Device log watcher did not stop cleanly.", zap.Error(err))
		} else {
			c.Logger.Debug("Device log watcher stopped.")
		}
	}

	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			c.Logger.Warn("Model clients did not close cleanly.", zap.Error(err))
		} else {
			c.Logger.Debug("Model clients closed.")
		}
	}

	if c.Memory != nil {
		if err := c.Memory.Close(); err != nil {
			c.Logger.Warn("Procedural memory did not close cleanly.", zap.Error(err))
		} else {
			c.Logger.Debug("Procedural memory closed.")
		}
	}

	c.Logger.Info("All components shut down.")
}
