// Command govdd is the governance daemon: it loads config, wires every
// subsystem together, and serves the HTTP/WS surface described by
// internal/api until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/govd/govd/internal/api"
	"github.com/govd/govd/internal/config"
	"github.com/govd/govd/internal/consent"
	"github.com/govd/govd/internal/decision"
	"github.com/govd/govd/internal/fanout"
	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/role"
	"github.com/govd/govd/internal/spend"
	"github.com/govd/govd/internal/storage"
	"github.com/govd/govd/internal/template"
	"github.com/govd/govd/internal/token"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configFile string
	var listenOverride string

	rootCmd := &cobra.Command{
		Use:   "govdd",
		Short: "Local agent governance daemon",
		Long:  "govdd enforces per-agent action policy, capability tokens, spend caps, and input filtering for AI agents, and journals every decision for audit and replay.",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and its HTTP/WS surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, listenOverride)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: ./govd.yaml)")
	serveCmd.Flags().StringVar(&listenOverride, "listen", "", "Override the HTTP/WS listen address")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("govdd %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
}

// exitCoder lets a subcommand request a specific process exit code for a
// known failure class, per the daemon's 0/2/3 contract: 0 normal shutdown,
// 2 configuration error, 3 storage error.
type exitCoder struct {
	code int
	err  error
}

func (e *exitCoder) Error() string { return e.err.Error() }

func runServe(configFile, listenOverride string) error {
	if err := doServe(configFile, listenOverride); err != nil {
		if ec, ok := err.(*exitCoder); ok {
			fmt.Fprintln(os.Stderr, ec.err)
			os.Exit(ec.code)
		}
		return err
	}
	return nil
}

func doServe(configFile, listenOverride string) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return &exitCoder{2, fmt.Errorf("failed to load config: %w", err)}
		}
	} else {
		// No file found anywhere: fall back to the zero-config defaults by
		// loading a path that does not exist.
		_ = cfgLoader.Load("govd.yaml")
	}

	cfg := cfgLoader.Current()
	if listenOverride != "" {
		cfg.Listen.Address = listenOverride
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting govdd", "version", version, "data_dir", cfg.DataDir, "listen", cfg.Listen.Address)

	if len(cfg.APIKeys) == 0 {
		logger.Warn("no apiKeys configured; every authenticated endpoint will reject every request")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return &exitCoder{2, fmt.Errorf("failed to create data directory: %w", err)}
	}

	store, err := storage.Open(cfg.DBPath())
	if err != nil {
		return &exitCoder{3, fmt.Errorf("failed to open storage: %w", err)}
	}
	defer func() { _ = store.Close() }()
	if err := store.Initialize(); err != nil {
		return &exitCoder{3, fmt.Errorf("failed to initialize storage schema: %w", err)}
	}

	j := journal.New(store, logger)

	templates := template.NewStore(cfg.TemplatesDir(), logger)
	if err := templates.LoadAll(); err != nil {
		return &exitCoder{2, fmt.Errorf("failed to load templates: %w", err)}
	}

	roles := role.NewResolver(templates, store, logger)
	if err := roles.Restore(); err != nil {
		logger.Warn("failed to restore role assignments", "error", err)
	}

	// A template hot-reload changes what a template named by a role means,
	// so every resolved policy is rebuilt from the now-current template set.
	if err := templates.Watch(func(name string) {
		logger.Info("template reloaded, re-resolving affected roles", "template", name)
		roles.Reresolve()
	}); err != nil {
		logger.Warn("failed to start template watcher", "error", err)
	}
	defer templates.StopWatch()

	tokens := token.NewStore(cfg.Capability.MaxTokenTTL.Std(), store, logger)
	if err := tokens.Restore(); err != nil {
		logger.Warn("failed to restore tokens", "error", err)
	}

	backend, closeBackend, err := spendBackend(cfg.Spend)
	if err != nil {
		return &exitCoder{2, fmt.Errorf("failed to initialize spend backend: %w", err)}
	}
	if closeBackend != nil {
		defer closeBackend()
	}
	ledger := spend.NewLedger(backend, logger)

	broker := consent.New(cfg.Consent.DefaultDeadline.Std(), cfg.Consent.MaxDeadline.Std(), cfg.Overload.MaxAskTicketsPerAgent, logger)
	defer broker.Close()

	engine := decision.New(roles, tokens, ledger, broker, j, logger)

	bus := fanout.New(fanout.Options{
		MaxSubscriptions:   cfg.Overload.MaxSubscriptions,
		QueueSize:          cfg.Overload.SubscriptionQueueSize,
		WebhookRetryWindow: cfg.Overload.WebhookRetryWindow.Std(),
	}, logger)
	defer bus.Close()
	engine.SetPublisher(bus.Publish)

	existingWebhooks, err := store.LoadWebhooks()
	if err != nil {
		logger.Warn("failed to restore webhooks", "error", err)
	}
	for _, w := range existingWebhooks {
		bus.RegisterWebhook(w.URL, w.Secret)
	}

	server := api.New(cfg, engine, broker, tokens, templates, roles, ledger, j, bus, store, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return &exitCoder{2, fmt.Errorf("http server error: %w", err)}
		}
	case <-sigCh:
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}

	return nil
}

// spendBackend builds the ledger's bucket store from config, returning an
// optional close func for backends that own a connection.
func spendBackend(cfg config.SpendConfig) (spend.Backend, func(), error) {
	if strings.EqualFold(cfg.Backend, "redis") {
		if cfg.Address == "" {
			return nil, nil, fmt.Errorf("spend.address is required when spend.backend is redis")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Address})
		return spend.NewRedisBackend(client), func() { _ = client.Close() }, nil
	}
	return spend.NewMemoryBackend(), nil, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func findConfigFile() string {
	candidates := []string{"govd.yaml", "govd.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home+"/.config/govd/govd.yaml")
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
