package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convoflow/convoflow/internal/api"
	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/internal/logging"
	"github.com/convoflow/convoflow/internal/nodes"
	"github.com/convoflow/convoflow/internal/secrets"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/internal/transport"
	"github.com/convoflow/convoflow/internal/validation"
	"github.com/convoflow/convoflow/internal/webhookq"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "convoflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(convoflowDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	nodeValidator, err := validation.NewNodeValidator()
	if err != nil {
		return fmt.Errorf("build node validator: %w", err)
	}
	graphs := flowgraph.NewRegistry(flowgraph.NewLoader(st, nodeValidator))

	if err := loadFlows(ctx, cfg, st, graphs, logger); err != nil {
		return err
	}

	executors := nodes.NewRegistry()
	if err := executors.RegisterDefaults(cfg.SMTPServers); err != nil {
		return fmt.Errorf("register executors: %w", err)
	}

	supervisor := timers.New(st, logger)
	queue := webhookq.New(st, expressions.NewGoJQEngine(), logger)

	var sender nodes.Sender
	if cfg.BridgeURL != "" {
		sender = transport.NewHTTPSender(cfg.BridgeURL, nil, logger)
	} else {
		logger.Warn("no bridge_url configured, outbound messages are logged only")
		sender = transport.NewLogSender(logger)
	}

	machine, err := engine.New(engine.Deps{
		Store:         st,
		Graphs:        graphs,
		Executors:     executors,
		Sender:        sender,
		Supervisor:    supervisor,
		Queue:         queue,
		Logger:        logger,
		DefaultFlowID: cfg.DefaultFlow,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// Handlers must be registered before recovery replays persisted timers
	// and queued webhooks.
	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start timer supervisor: %w", err)
	}
	defer supervisor.Stop()

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start webhook queue: %w", err)
	}
	defer queue.Stop()

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
	} else {
		logger.Warn("no vault_passphrase configured, client tokens are stored in plaintext")
	}

	server := api.New(api.Config{
		Store:      st,
		Graphs:     graphs,
		Machine:    machine,
		Queue:      queue,
		Vault:      vault,
		Logger:     logger,
		WebhookTTL: time.Duration(cfg.WebhookTTLSeconds) * time.Second,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("convoflow listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("version", version))
		errCh <- server.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadFlows populates the graph registry at boot: either a single static
// flow file or every stored flow. A flow that fails to load is skipped so
// one bad definition does not take the server down.
func loadFlows(ctx context.Context, cfg Config, st store.Store, graphs *flowgraph.Registry, logger *slog.Logger) error {
	if cfg.FlowFile != "" {
		if _, err := graphs.InitFromFile(cfg.DefaultFlow, cfg.FlowFile); err != nil {
			return fmt.Errorf("load flow file %s: %w", cfg.FlowFile, err)
		}
		logger.Info("loaded flow from file",
			slog.String("flow_id", cfg.DefaultFlow), slog.String("path", cfg.FlowFile))
		return nil
	}

	recs, err := st.ListFlows(ctx)
	if err != nil {
		return fmt.Errorf("list flows: %w", err)
	}
	for _, rec := range recs {
		if _, err := graphs.Init(ctx, rec.ID); err != nil {
			logger.Error("skipping flow that failed to load",
				slog.String("flow_id", rec.ID), slog.Any("error", err))
			continue
		}
		logger.Info("loaded flow", slog.String("flow_id", rec.ID))
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
