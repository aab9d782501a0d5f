// Package app assembles the gateway from configuration: stores, tool
// runtime, executor, orchestrator, node components, and the WebSocket
// server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moonbotlabs/moonbot"
	"github.com/moonbotlabs/moonbot/gateway"
	"github.com/moonbotlabs/moonbot/internal/config"
	"github.com/moonbotlabs/moonbot/node"
	"github.com/moonbotlabs/moonbot/observer"
	"github.com/moonbotlabs/moonbot/store/postgres"
	"github.com/moonbotlabs/moonbot/store/sqlite"
	"github.com/moonbotlabs/moonbot/tools/fetch"
	"github.com/moonbotlabs/moonbot/tools/file"
	"github.com/moonbotlabs/moonbot/tools/nodecmd"
)

// App is the assembled gateway process.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	server  *gateway.Server
	history moonbot.HistoryStore

	otelShutdown func(context.Context) error
	obsUnsub     func()
}

// New wires the full process from cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var tracer moonbot.Tracer
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		if cfg.Observer.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.OTLPEndpoint)
		}
		instruments, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.otelShutdown = shutdown
		tracer = observer.NewTracer()
		inst = instruments
	}

	history, err := a.openHistory(ctx)
	if err != nil {
		return nil, err
	}

	limiter := moonbot.NewRateLimiter(
		moonbot.WithRateWindow(time.Duration(cfg.Gateway.RateWindowSec)*time.Second),
		moonbot.WithRateMaxAttempts(cfg.Gateway.RateMaxAttempts),
		moonbot.WithRateLogger(logger),
	)
	auth := moonbot.NewAuthenticator(cfg.Auth.TokenDigests, limiter,
		moonbot.WithAuthLogger(logger))

	nodes := node.NewSessionManager(
		node.WithPairingTTL(time.Duration(cfg.Nodes.PairingTTLSec)*time.Second),
		node.WithNodesPerUser(cfg.Nodes.NodesPerUser),
		node.WithSessionLogger(logger),
	)
	validatorOpts := []node.ValidatorOption{
		node.WithMaxArgvLength(cfg.Nodes.MaxArgvLength),
	}
	if len(cfg.Nodes.AllowedCommands) > 0 {
		validatorOpts = append(validatorOpts, node.WithAllowedCommands(cfg.Nodes.AllowedCommands))
	}
	validator := node.NewCommandValidator(validatorOpts...)

	runtime := moonbot.NewRuntime(moonbot.WithRuntimeLogger(logger))
	executor := moonbot.NewExecutor(moonbot.NewKeywordPlanner(), runtime,
		moonbot.WithExecutorLogger(logger),
		moonbot.WithExecutorTracer(tracer),
		moonbot.WithWorkspaceRoot(cfg.Tools.WorkspacePath),
		moonbot.WithToolPolicy(moonbot.Policy{
			Allowlist: cfg.Tools.AllowedHosts,
			Denylist:  cfg.Tools.BlockedHosts,
			MaxBytes:  cfg.Tools.MaxBytes,
			TimeoutMs: cfg.Tools.TimeoutMs,
		}),
		moonbot.WithToolAlternatives(cfg.Tools.Alternatives),
		moonbot.WithRecoveryBudgets(cfg.Scheduler.MaxRetries, cfg.Scheduler.MaxAlternatives),
	)

	orchOpts := []moonbot.OrchestratorOption{
		moonbot.WithTaskTimeout(time.Duration(cfg.Scheduler.TaskTimeoutSec) * time.Second),
		moonbot.WithQueueBound(cfg.Scheduler.QueueBound),
		moonbot.WithTaskRetention(time.Duration(cfg.Scheduler.RetentionSec) * time.Second),
		moonbot.WithSessionTTL(time.Duration(cfg.Scheduler.SessionTTLSec) * time.Second),
		moonbot.WithApprovalTTL(time.Duration(cfg.Scheduler.ApprovalTTLSec) * time.Second),
		moonbot.WithOrchestratorLogger(logger),
		moonbot.WithOrchestratorTracer(tracer),
	}
	if history != nil {
		orchOpts = append(orchOpts, moonbot.WithHistoryStore(history))
	}
	orch := moonbot.NewOrchestrator(executor, runtime, orchOpts...)

	serverOpts := []gateway.ServerOption{
		gateway.WithAddr(cfg.Gateway.Addr),
		gateway.WithServerLogger(logger),
	}
	if inst != nil {
		a.obsUnsub = observer.Instrument(orch, runtime, inst)
		serverOpts = append(serverOpts, gateway.WithNodeRequestObserver(observer.NodeRequestObserver(inst)))
	}

	server := gateway.NewServer(orch, auth, limiter, nodes, validator, serverOpts...)

	// Built-in tools. node_command needs the server's communicator, so it
	// registers after the server exists.
	runtime.Register(file.Spec())
	runtime.Register(fetch.New().Spec())
	runtime.Register(nodecmd.New(nodes, server.Communicator(), validator).Spec())

	a.server = server
	a.history = history
	return a, nil
}

// Run serves until ctx is cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := a.server.Run(ctx)

	if a.obsUnsub != nil {
		a.obsUnsub()
	}
	if a.history != nil {
		a.history.Close()
	}
	if a.otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.otelShutdown(shutdownCtx)
	}
	return err
}

// openHistory opens the configured history backend, or nil when
// persistence is disabled.
func (a *App) openHistory(ctx context.Context) (moonbot.HistoryStore, error) {
	switch a.cfg.Database.Driver {
	case "":
		return nil, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(a.cfg.Database.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		store := sqlite.New(a.cfg.Database.Path, sqlite.WithLogger(a.logger))
		if err := store.Init(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
}
