package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saferun-dev/saferun/pkg/api"
	"github.com/saferun-dev/saferun/pkg/approval"
	"github.com/saferun-dev/saferun/pkg/config"
	"github.com/saferun-dev/saferun/pkg/engine"
	"github.com/saferun-dev/saferun/pkg/notify"
	"github.com/saferun-dev/saferun/pkg/observability"
	"github.com/saferun-dev/saferun/pkg/policy"
	"github.com/saferun-dev/saferun/pkg/provider"
	"github.com/saferun-dev/saferun/pkg/provider/github"
	"github.com/saferun-dev/saferun/pkg/scheduler"
	"github.com/saferun-dev/saferun/pkg/store"
	"github.com/saferun-dev/saferun/pkg/tenant"
	"github.com/saferun-dev/saferun/pkg/vault"
	"github.com/saferun-dev/saferun/pkg/webhook"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; no arguments runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "migrate-tokens":
		return runMigrateTokens(stdout, stderr)
	case "keygen":
		return runKeygen(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "SafeRun — approval gateway for privileged API operations")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: saferun <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server          Run the HTTP server (default)")
	fmt.Fprintln(w, "  migrate-tokens  Re-encrypt legacy plaintext credential rows")
	fmt.Fprintln(w, "  keygen          Print a fresh base64 encryption key")
	fmt.Fprintln(w, "  help            Show this help")
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}

func openStore(ctx context.Context, cfg *config.Config, v *vault.Vault) (store.Store, error) {
	if cfg.StorageBackend == "sqlite" {
		return store.NewSQLiteStore(ctx, cfg.SQLitePath, v)
	}
	return store.NewPostgresStore(ctx, cfg.DatabaseURL, v)
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	profile, err := config.LoadProfile(os.Getenv("SAFERUN_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	profile.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("vault init failed", "error", err)
		return 1
	}
	st, err := openStore(ctx, cfg, v)
	if err != nil {
		logger.Error("store init failed", "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    api.ServiceName,
		ServiceVersion: api.ServiceVersion,
		Environment:    getenv("SAFERUN_ENV", "development"),
		Enabled:        true,
	})
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	notifyOpts := []notify.Option{notify.WithMetrics(metrics)}
	if profile != nil {
		notifyOpts = append(notifyOpts, notify.WithDefaults(notify.Defaults{
			SlackChannel:      profile.Notifications.SlackChannel,
			SlackWebhookURL:   profile.Notifications.SlackWebhookURL,
			GenericWebhookURL: profile.Notifications.GenericWebhookURL,
		}))
	}
	notifier := notify.New(st, logger.With("component", "notify"), notifyOpts...)
	notifier.Start(ctx)

	adapter := github.New()
	registry := provider.NewRegistry(adapter)

	var engineOpts []engine.Option
	var webhookOpts []webhook.Option
	if cfg.GitHubAppID != "" && cfg.GitHubPrivateKeyPEM != "" {
		minter := github.NewAppTokenMinter(cfg.GitHubAppID, []byte(cfg.GitHubPrivateKeyPEM))
		engineOpts = append(engineOpts, engine.WithTokenMinter(minter))
		webhookOpts = append(webhookOpts, webhook.WithTokenMinter(minter))
	}
	policyJSON := cfg.DefaultPolicyJSON
	if policyJSON == "" && profile != nil && len(profile.Policy.Rules) > 0 {
		if b, err := json.Marshal(map[string]any{"mode": profile.Policy.Mode, "rules": profile.Policy.Rules}); err == nil {
			policyJSON = string(b)
		}
	}
	if policyJSON != "" {
		rules, err := policy.Parse([]byte(policyJSON))
		if err != nil {
			logger.Error("default policy invalid", "error", err)
			return 1
		}
		engineOpts = append(engineOpts, engine.WithDefaultPolicy(rules))
	}
	engineOpts = append(engineOpts,
		engine.WithBaseURLs(cfg.ApproveBaseURL, cfg.RevertBaseURL),
		engine.WithProviderTimeout(cfg.ProviderTimeout),
	)
	webhookOpts = append(webhookOpts, webhook.WithRevertBaseURL(cfg.AppBaseURL+"/webhooks/github/revert"))

	eng := engine.New(registry, st, notifier, logger.With("component", "engine"), engineOpts...)
	gateway := approval.New(st, eng, logger.With("component", "approval"))
	hooks := webhook.New(st, notifier, registry, logger.With("component", "webhook"),
		cfg.GitHubWebhookSecret, cfg.GitHubBotLogin, webhookOpts...)
	tenants := tenant.New(st, logger.With("component", "tenant"))

	var limiter tenant.RateLimiter
	switch cfg.RateLimitBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url invalid", "error", err)
			return 1
		}
		limiter = tenant.NewRedisRateLimiter(redis.NewClient(opts), cfg.RateLimitWindow, cfg.RateLimitMax)
	default:
		mem := tenant.NewMemoryRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
		defer mem.Stop()
		limiter = mem
	}

	sweeper := scheduler.New(st, notifier, logger.With("component", "scheduler"), cfg.SweepInterval).
		WithMetrics(metrics)
	go sweeper.Run(ctx)

	server := api.New(cfg, st, tenants, eng, gateway, hooks, limiter, metrics, logger.With("component", "api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port, "backend", cfg.StorageBackend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	stop()
	notifier.Wait()
	return 0
}

// runMigrateTokens re-encrypts legacy plaintext credential rows in place.
func runMigrateTokens(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	ctx := context.Background()
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	st, err := openStore(ctx, cfg, v)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = st.Close() }()

	n, err := st.MigrateTokensToEncrypted(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "re-encrypted %d rows\n", n)
	return 0
}

func runKeygen(stdout, stderr io.Writer) int {
	key, err := vault.GenerateKey()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, key)
	return 0
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
