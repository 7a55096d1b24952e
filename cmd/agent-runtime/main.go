package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/config"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/events/bus"
	"github.com/netherbrain/netherbrain/internal/runtime/api"
	"github.com/netherbrain/netherbrain/internal/runtime/control"
	"github.com/netherbrain/netherbrain/internal/runtime/coordinator"
	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/environment"
	"github.com/netherbrain/netherbrain/internal/runtime/input"
	"github.com/netherbrain/netherbrain/internal/runtime/mailbox"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
	"github.com/netherbrain/netherbrain/internal/runtime/service"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
	"github.com/netherbrain/netherbrain/internal/runtime/transport"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Netherbrain runtime...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect the event bus. An empty NATS URL selects the
	// in-memory bus for single-process deployments.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Open the durable index
	var repo repository.Repository
	switch cfg.Database.Driver {
	case "postgres":
		repo, err = repository.NewPostgresRepository(ctx, cfg.Database.PostgresDSN(), cfg.Database.MaxConns)
	default:
		repo, err = repository.NewSQLiteRepository(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal("Failed to open repository", zap.Error(err))
	}
	defer repo.Close()
	log.Info("Opened durable index", zap.String("driver", cfg.Database.Driver))

	// 5. Open the blob store
	storeRoot := cfg.Store.DataRoot
	if cfg.Store.Prefix != "" {
		storeRoot = filepath.Join(storeRoot, cfg.Store.Prefix)
	}
	stateStore, err := store.NewLocalStore(storeRoot)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}

	// 6. Docker client for containerized environments
	var dockerClient *environment.DockerClient
	if cfg.Docker.Enabled {
		dockerClient, err = environment.NewDockerClient(cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker client", zap.Error(err))
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
		}
		log.Info("Connected to Docker daemon")
	}

	// 7. Runtime components
	reg := registry.NewRegistry(log)
	reg.SetMaxConcurrent(cfg.Engine.MaxConcurrentRuns)
	hub := transport.NewHub(cfg.Store.StreamTTLDuration(), log)
	publisher := transport.NewPublisher(eventBus, log)
	bridge := transport.NewBridge(eventBus, hub, log)
	envs := environment.NewManager(cfg.Store.DataRoot, dockerClient, log)
	cfgResolver := resolver.NewResolver(repo, cfg.Engine.CredentialPrefix, log)
	mapper := input.NewMapper()

	// TODO(engine): swap the scripted engine for the real model-backed
	// engine once its provider wiring lands.
	eng := engine.NewScriptedEngine()

	coord := coordinator.NewCoordinator(repo, stateStore, reg, cfgResolver,
		mapper, envs, eng, hub, publisher, log)
	mb := mailbox.NewService(repo, coord, log)
	svc := service.NewService(repo, stateStore, reg, coord, mb, log)
	ctrl := control.NewController(reg, log)

	// 8. Fail sessions orphaned by a previous crash before accepting
	// new work.
	if err := svc.StartupSweep(ctx); err != nil {
		log.Fatal("Startup sweep failed", zap.Error(err))
	}

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(svc, ctrl, reg, repo, stateStore, hub, bridge, cfg.Auth, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Netherbrain runtime...")

	// Stop accepting requests first, then interrupt running sessions
	// so every one of them finalizes and commits.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := reg.Drain(shutdownCtx); err != nil {
		log.Error("Session drain incomplete", zap.Error(err))
	}

	cancel()
	log.Info("Netherbrain runtime stopped")
}
