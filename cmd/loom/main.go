package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/internal/api"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/invoker"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/transforms"
	"github.com/loomworks/loom/pkg/mcp"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		run(serve)
	case "mcp":
		run(serveMCP)
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nusage: loom [serve|mcp|version]\n", cmd)
		os.Exit(2)
	}
}

func run(fn func(ctx context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stack is the wired set of engine components shared by the serve and mcp
// commands.
type stack struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	hub      *streaming.MemoryHub
	events   *streaming.PublishingLog
	executor engine.Executor
	sched    *scheduler.Scheduler
}

func buildStack(ctx context.Context) (*stack, error) {
	cfg := loadConfig()
	logger := logging.NewLogger(cfg.LogLevel)

	if err := os.MkdirAll(loomDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create loom dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewMemoryHub()
	events := streaming.NewPublishingLog(store.NewEventLog(st), hub)

	directory := invoker.NewDirectory()
	if err := loadAgents(cfg.AgentsPath, directory, logger); err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := transforms.NewRegistry()
	if err := transforms.RegisterBuiltins(registry); err != nil {
		_ = st.Close()
		return nil, err
	}

	executor, err := engine.New(engine.Config{
		Store:      st,
		Events:     events,
		Transforms: registry,
		Agents:     directory,
		Invoker:    invoker.NewBreaker(invoker.NewHTTPInvoker(directory, invoker.HTTPConfig{}), invoker.BreakerConfig{}),
		PoolSize:   cfg.PoolSize,
		RunTimeout: cfg.runTimeout(),
		Logger:     logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build executor: %w", err)
	}

	return &stack{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		hub:      hub,
		events:   events,
		executor: executor,
		sched:    scheduler.NewScheduler(st, executor, events, logger),
	}, nil
}

func (s *stack) close() {
	s.executor.Shutdown()
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", slog.String("error", err.Error()))
	}
}

// serve runs the HTTP API and the recurring run scheduler until interrupted.
func serve(ctx context.Context) error {
	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.sched.RecoverMissed(ctx); err != nil {
		s.logger.Error("missed run recovery failed", slog.String("error", err.Error()))
	}
	if err := s.sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = s.sched.Stop() }()

	apiServer := api.NewServer(api.Deps{
		Store:    s.store,
		Executor: s.executor,
		Events:   s.events,
		Hub:      s.hub,
		Logger:   s.logger,
	})

	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("loom listening", slog.String("addr", s.cfg.ListenAddr), slog.String("version", version))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// serveMCP runs the stdio MCP server until stdin closes or interrupted.
func serveMCP(ctx context.Context) error {
	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	srv := mcp.NewLoomServer(mcp.LoomServerDeps{
		Executor: s.executor,
		Store:    s.store,
		Hub:      s.hub,
		Logger:   s.logger,
	})

	s.logger.Info("loom mcp server on stdio", slog.String("version", version))
	return srv.Serve(ctx)
}

// loadAgents reads agent profiles from a JSON file into the directory.
// A missing file leaves the directory empty, which only matters for
// workflows with agent nodes.
func loadAgents(path string, directory *invoker.Directory, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no agents file, agent nodes will fail validation", slog.String("path", path))
			return nil
		}
		return fmt.Errorf("read agents file: %w", err)
	}

	var profiles []invoker.AgentProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("parse agents file %s: %w", path, err)
	}
	for _, p := range profiles {
		if err := directory.Add(p); err != nil {
			return fmt.Errorf("register agent %q: %w", p.ID, err)
		}
	}
	logger.Info("agent directory loaded", slog.Int("agents", len(profiles)), slog.String("path", path))
	return nil
}
