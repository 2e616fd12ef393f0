package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bountyhub/bountyd/internal/api"
	"github.com/bountyhub/bountyd/internal/config"
	"github.com/bountyhub/bountyd/internal/escrow"
	"github.com/bountyhub/bountyd/internal/event"
	"github.com/bountyhub/bountyd/internal/execqueue"
	"github.com/bountyhub/bountyd/internal/llm"
	"github.com/bountyhub/bountyd/internal/logging"
	"github.com/bountyhub/bountyd/internal/model"
	"github.com/bountyhub/bountyd/internal/orchestrator"
	"github.com/bountyhub/bountyd/internal/payment"
	"github.com/bountyhub/bountyd/internal/sandbox"
	"github.com/bountyhub/bountyd/internal/store"
	"github.com/bountyhub/bountyd/internal/vault"
	"github.com/bountyhub/bountyd/internal/verify"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bounty pipeline and its HTTP API",
	Long: `Start the daemon: open the store, recover executions and audits left
behind by a previous run, and serve the HTTP API until interrupted.

Configuration changes to verification thresholds are picked up without a
restart. Everything else needs one.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

const promptSystem = "You are completing a bounty task. Follow the instructions exactly and reply with the deliverable only."

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger, err := logging.NewLoggerWithRotation(cfg.Logging.Dir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer d.close()

	if cfg.Payment.WebhookSecret == "" {
		logger.Warn("payment.webhook_secret is empty; every payment webhook will be rejected")
	}

	config.Watch(func(next *config.Config) {
		d.engine.Reload(next)
	}, func(err error) {
		logger.Warn("config reload rejected", "error", err)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           d.api.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		fmt.Fprintf(cmd.OutOrStdout(), "bountyd listening on %s\n", cfg.Server.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return d.shutdown(shutdownCtx)
}

// daemon is the wired pipeline.
type daemon struct {
	logger *logging.Logger
	lock   *store.DirLock
	store  store.Store
	queue  *execqueue.Queue
	engine *verify.Engine
	orch   *orchestrator.Orchestrator
	api    *api.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *daemon, err error) {
	d := &daemon{logger: logger}
	defer func() {
		if err != nil {
			_ = d.shutdown(context.WithoutCancel(ctx))
			d.close()
		}
	}()

	if cfg.Store.Driver == store.DriverSQLite && cfg.Store.DSN != ":memory:" {
		d.lock = store.NewDirLock(filepath.Dir(cfg.Store.DSN))
		ok, lockErr := d.lock.TryLock()
		if lockErr != nil {
			return nil, lockErr
		}
		if !ok {
			d.lock = nil
			return nil, fmt.Errorf("another bountyd is serving %s", cfg.Store.DSN)
		}
	}

	d.store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	bus := event.NewBus(logger)

	var provider llm.Provider
	if cfg.Verification.Provider != "none" {
		provider = llm.NewGuard(llm.NewClient(cfg.LLM), cfg.LLM.MaxFailures, cfg.LLM.Cooldown)
	}

	executorOpts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithBackend(model.WorkerProcess, &sandbox.ProcessBackend{
			WorkDir:      cfg.Execution.WorkDir,
			PollInterval: cfg.Execution.PollInterval,
			Logger:       logger.WithComponent("sandbox"),
		}),
	}
	verifyOpts := []verify.Option{
		verify.WithBus(bus),
		verify.WithLogger(logger),
		verify.WithThresholds(cfg.Verification.PassThreshold, cfg.Verification.FailFloor),
	}
	if provider != nil {
		executorOpts = append(executorOpts, sandbox.WithBackend(model.WorkerPrompt, &sandbox.PromptBackend{
			Provider: provider,
			System:   promptSystem,
		}))
		verifyOpts = append(verifyOpts, verify.WithProvider(provider))
	}

	// The sandbox gateway stands in for a card processor until one is
	// configured; holds and captures are recorded in memory only.
	ledger := escrow.New(d.store, payment.NewSandbox(), cfg.Escrow, escrow.WithBus(bus), escrow.WithLogger(logger))
	d.engine = verify.New(d.store, verifyOpts...)
	d.queue = execqueue.New(d.store, sandbox.NewExecutor(executorOpts...), cfg.Execution,
		execqueue.WithBus(bus),
		execqueue.WithVault(vault.NewMemory(vault.EnvSource)),
		execqueue.WithLogger(logger),
	)
	d.orch = orchestrator.New(d.store, d.queue, d.engine, ledger, bus, cfg.Settlement, orchestrator.WithLogger(logger))

	// Subscribe before anything is replayed so no event is missed.
	d.orch.Start(ctx)
	if n, err := d.queue.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover executions: %w", err)
	} else if n > 0 {
		logger.Info("requeued interrupted executions", "count", n)
	}
	if n, err := d.orch.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover tasks: %w", err)
	} else if n > 0 {
		logger.Info("resumed tasks", "count", n)
	}
	d.queue.Start(ctx)

	d.api = api.NewServer(api.Deps{
		Store:    d.store,
		Tasks:    d.orch,
		Funds:    ledger,
		Reviews:  d.engine,
		Queue:    d.queue,
		Webhooks: payment.NewVerifier(cfg.Payment.WebhookSecret, cfg.Payment.SignatureTolerance),
	}, logger)
	return d, nil
}

// shutdown drains running executions, then background settlement work.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if d.queue != nil {
		if err := d.queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("execution queue: %w", err))
		}
	}
	if d.orch != nil {
		if err := d.orch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *daemon) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close store", "error", err)
		}
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
}
