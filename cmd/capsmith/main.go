package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"capsmith/internal/config"
	"capsmith/internal/deploy"
	"capsmith/internal/health"
	"capsmith/internal/hotswap"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
	"capsmith/internal/migrate"
	"capsmith/internal/notify"
	"capsmith/internal/oracle"
	"capsmith/internal/registry"
	"capsmith/internal/review"
	"capsmith/internal/rollback"
	"capsmith/internal/server"
	"capsmith/internal/validation"
)

var (
	verbose    bool
	listenAddr string
	dbPath     string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "capsmith",
	Short: "capsmith - governed self-modifying capability pipeline",
	Long: `capsmith runs the capability pipeline daemon: it takes machine- or
human-authored code through sandboxed validation, human review, atomic
hot-swap deployment, health monitoring, and snapshot-based rollback,
while serving live traffic for deployed capabilities.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daemon and capability dispatcher",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate <file.go>",
	Short: "Run the validation pipeline against a local source file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := config.Save(cfg); err != nil {
			return err
		}
		path, _ := config.File()
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := registry.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	m := metrics.New()

	var client oracle.Client = oracle.Disabled{}
	if cfg.APIKey != "" {
		gemini, err := oracle.NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return fmt.Errorf("failed to create inference client: %w", err)
		}
		client = gemini
	} else {
		logger.Warn("no API key configured, analysis and patching disabled")
	}

	scanner := validation.NewScanner(logger)
	sandbox := validation.NewSandbox(validation.SandboxConfig{
		MaxConcurrent: int64(cfg.Sandbox.MaxConcurrent),
		Timeout:       cfg.Sandbox.Timeout,
		ScratchRoot:   cfg.Sandbox.ScratchRoot,
		MaxOutputKB:   cfg.Sandbox.MaxOutputKB,
	}, logger)
	synth := validation.NewSynthesizer(sandbox, logger)
	pipeline := validation.NewPipeline(scanner, sandbox, synth, m, logger)

	if cfg.PolicyPath != "" {
		watcher, err := validation.NewPolicyWatcher(cfg.PolicyPath, scanner, logger)
		if err != nil {
			return fmt.Errorf("failed to watch scan policy: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start policy watcher: %w", err)
		}
		defer watcher.Stop()
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NotifyURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyURL, logger)
	}

	hostname, _ := os.Hostname()
	loader := hotswap.NewLoader(logger)
	table := hotswap.NewTable()
	migrator := migrate.New(store.DB(), hostname, logger)
	locks := registry.NewLocks()
	rbmgr := rollback.NewManager(store, loader, table, migrator, notifier, locks, m, logger)
	engine := deploy.NewEngine(store, loader, table, migrator, rbmgr, locks, m, logger)
	gate := review.NewGate(store, logger)
	detector := health.NewDetector(store, m, logger)
	breakers := health.NewBreakers(cfg.Breaker, m, logger)
	analyzer := health.NewLLMAnalyzer(client, logger)
	patches := health.NewPatchGenerator(client, sandbox, store, logger)

	if err := detector.SyncGauge(ctx); err != nil {
		logger.Warn("failed to sync incident gauge", zap.Error(err))
	}
	if err := restoreDeployed(ctx, store, loader, table, logger); err != nil {
		return err
	}

	srv := server.New(cfg.ListenAddr, server.Options{
		Store:    store,
		Pipeline: pipeline,
		Gate:     gate,
		Engine:   engine,
		Rollback: rbmgr,
		Table:    table,
		Loader:   loader,
		Detector: detector,
		Breakers: breakers,
		Analyzer: analyzer,
		Patches:  patches,
		Metrics:  m,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// runValidate checks a source file offline: scan, sandbox smoke run,
// synthesized tests. Nothing is persisted; the exit code reports the
// verdict.
func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	m := metrics.New()
	scanner := validation.NewScanner(logger)
	sandbox := validation.NewSandbox(validation.SandboxConfig{
		MaxConcurrent: int64(cfg.Sandbox.MaxConcurrent),
		Timeout:       cfg.Sandbox.Timeout,
		ScratchRoot:   cfg.Sandbox.ScratchRoot,
		MaxOutputKB:   cfg.Sandbox.MaxOutputKB,
	}, logger)
	pipeline := validation.NewPipeline(scanner, sandbox, validation.NewSynthesizer(sandbox, logger), m, logger)

	result, failure := pipeline.Run(cmd.Context(), &registry.Capability{
		Name:    args[0],
		Version: "0.0.0",
		Kind:    registry.KindEndpoint,
		Source:  string(source),
	})

	for _, f := range result.Scan.Findings {
		fmt.Printf("scan %-8s %s: %s\n", f.Severity, f.Rule, f.Detail)
	}
	for _, tc := range result.Tests.Cases {
		verdict := "pass"
		if !tc.Passed {
			verdict = "FAIL"
		}
		fmt.Printf("test %-4s %s\n", verdict, tc.Name)
	}
	fmt.Printf("confidence %.2f\n", result.Confidence)

	if failure != "" {
		return fmt.Errorf("validation failed at %s", failure)
	}
	fmt.Println("validation passed")
	return nil
}

// restoreDeployed reloads every deployed capability's module and route
// bindings after a restart. A capability whose source no longer loads is
// logged and skipped; traffic to it fails at dispatch rather than
// blocking startup.
func restoreDeployed(ctx context.Context, store *registry.Store, loader *hotswap.Loader, table *hotswap.Table, logger *zap.Logger) error {
	deployed, err := store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deployed capabilities: %w", err)
	}
	for _, c := range deployed {
		if c.Kind == registry.KindMigration {
			continue
		}
		if err := loader.Load(ctx, c.Name, c.Version, string(c.Kind), c.Source); err != nil {
			logger.Error("failed to restore deployed module",
				zap.String("capability_id", c.ID), zap.Error(err))
			continue
		}
		if len(c.Routes) > 0 {
			if err := table.Register(c.ID, c.Routes); err != nil {
				logger.Error("failed to restore routes",
					zap.String("capability_id", c.ID), zap.Error(err))
			}
		}
	}
	logger.Info("runtime restored", zap.Int("deployed", len(deployed)))
	return nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
