// nimbus-engine is the control-plane daemon. It wires storage, the
// capability client and the engine components together, then serves
// the HTTP API until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbusops/nimbus/internal/api"
	"github.com/nimbusops/nimbus/internal/cache"
	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/checkpoint"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/drift"
	"github.com/nimbusops/nimbus/internal/engine/executor"
	"github.com/nimbusops/nimbus/internal/engine/orchestrator"
	"github.com/nimbusops/nimbus/internal/engine/planner"
	"github.com/nimbusops/nimbus/internal/engine/rollback"
	"github.com/nimbusops/nimbus/internal/engine/safety"
	"github.com/nimbusops/nimbus/internal/events"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/storage"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("NIMBUS_CONFIG"), "path to the engine config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.New("main").Error("engine exited", logger.Err(err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager, err := config.NewManager(configPath)
	if err != nil {
		return err
	}
	defer manager.Stop()
	cfg := manager.Get()

	logger.Initialize(logger.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	log := logger.New("main")
	manager.OnChange(func(*config.Config) {
		// Running components keep their snapshot; a restart picks the
		// rest up.
		log.Info("configuration file changed")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Initialize(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	var store storage.Store
	if cfg.Storage.Driver == "memory" {
		store = storage.NewMemory()
	} else {
		store, err = storage.NewSQLite(cfg.Storage)
		if err != nil {
			return err
		}
	}

	reportCache, err := cache.New(cfg.Cache)
	if err != nil {
		return err
	}

	registry := capability.NewRegistry()
	client := capability.NewClient(cfg.Capabilities, registry)
	checkpoints := checkpoint.NewStore(store, cfg.Engine.CheckpointMaxBytes)
	bus := events.NewBus(0)
	eventLog := events.NewLog(store, bus)
	safetyEngine := safety.NewEngine(cfg.Safety, registry, store)
	gate := safety.NewApprovalGate()
	exec := executor.New(cfg.Engine, client, checkpoints, eventLog, safetyEngine)
	pln := planner.New(registry, cfg.Engine)
	detector := drift.NewDetector(client, store, reportCache, cfg.Cache.ParsedTTL())
	analyzer := drift.NewAnalyzer(detector, pln, registry, exec, store)
	rollbacks := rollback.New(registry, checkpoints, store, exec)

	orch := orchestrator.New(cfg.Engine, orchestrator.Deps{
		Store:       store,
		Events:      eventLog,
		Planner:     pln,
		Executor:    exec,
		Safety:      safetyEngine,
		Gate:        gate,
		Checkpoints: checkpoints,
		Rollback:    rollbacks,
		Drift:       detector,
	})
	if err := orch.RegisterLocalCapabilities(client); err != nil {
		return err
	}

	server := api.New(cfg, api.Deps{
		Orchestrator: orch,
		Planner:      pln,
		Safety:       safetyEngine,
		Rollback:     rollbacks,
		Detector:     detector,
		Analyzer:     analyzer,
		Store:        store,
		Bus:          bus,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", logger.String("grace", cfg.Server.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ParsedShutdownGrace())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", logger.Err(err))
	}
	bus.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", logger.Err(err))
	}
	if err := reportCache.Close(); err != nil {
		log.Warn("cache close", logger.Err(err))
	}
	if err := store.Close(); err != nil {
		log.Warn("storage close", logger.Err(err))
	}

	log.Info("engine stopped")
	return nil
}
