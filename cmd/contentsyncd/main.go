package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/schaermu/contentsyncd/internal/config"
	"github.com/schaermu/contentsyncd/internal/content"
	"github.com/schaermu/contentsyncd/internal/fetch"
	"github.com/schaermu/contentsyncd/internal/plan"
	"github.com/schaermu/contentsyncd/internal/progress"
	"github.com/schaermu/contentsyncd/internal/sync"
	"github.com/schaermu/contentsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Sync command flags
	dryRun     bool
	clean      bool
	profile    string
	noRetry    bool
	retryCount int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "contentsyncd",
	Short: "Keep a local multiplayer content directory in sync with its remote manifest",
	Long: `contentsyncd downloads the files listed in a remote content manifest into a
local directory and verifies every file against its MD5 hash, re-downloading
only the files that are missing or corrupted.

It can run as a oneshot sync (via systemd timer) or as a long-running webhook
daemon that syncs whenever it is notified of a manifest change.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync of the content directory",
	Long: `Sync fetches the remote manifest, selects the shared files plus the files of
the configured game profile and downloads them into the content directory.

A missing content directory (or --clean) downloads everything first. Every run
then verifies all files and re-downloads the mismatched ones until they verify
or the retry budget is used up.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then listens for signed manifest change
notifications, triggering a debounced sync for each accepted notification.

The listener is taken from systemd socket activation when available.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("contentsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/contentsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report which files would be downloaded without making changes")
	syncCmd.Flags().BoolVar(&clean, "clean", false, "remove the content directory and download everything")
	syncCmd.Flags().StringVar(&profile, "profile", "", "game profile to sync (ets2, ats); overrides the config file")
	syncCmd.Flags().BoolVar(&noRetry, "no-retry", false, "fail on the first verification pass that leaves files unverified")
	syncCmd.Flags().IntVar(&retryCount, "retry-count", -1, "number of download retries; -1 keeps the config file value")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applySyncFlags(cfg); err != nil {
		return err
	}

	counter := &progress.Counter{Next: progress.NewLogSink(logger)}
	report, err := newEngine(cfg, counter, logger, dryRun).Run(ctx)

	totals := counter.Totals()
	logger.Info("sync finished",
		"phase", report.Phase,
		"passes", report.Passes,
		"downloads", totals.Finished,
		"failed_downloads", totals.Failed,
		"bytes", totals.Bytes)

	var failed *sync.FailedError
	if errors.As(err, &failed) {
		for _, path := range failed.Residual {
			logger.Error("file did not verify", "path", path)
		}
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration (set serve.enabled)")
	}

	runner := webhook.RunnerFunc(func(ctx context.Context) (*sync.Report, error) {
		return newEngine(cfg, progress.NewLogSink(logger), logger, false).Run(ctx)
	})

	server, err := webhook.NewServer(cfg, runner, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}
	return server.Start(ctx)
}

// applySyncFlags overrides configuration values with sync command flags
func applySyncFlags(cfg *config.Config) error {
	if profile != "" {
		if _, err := plan.ParseProfile(profile); err != nil {
			return err
		}
		cfg.Sync.Profile = profile
	}
	if clean {
		cfg.Sync.Clean = true
	}
	if noRetry {
		retry := false
		cfg.Sync.Retry = &retry
	}
	switch {
	case retryCount >= 0:
		count := retryCount
		cfg.Sync.RetryCount = &count
	case retryCount != -1:
		return fmt.Errorf("invalid --retry-count %d (must be >= 0)", retryCount)
	}
	return nil
}

// newEngine wires a sync engine with a transport scoped to a single run
func newEngine(cfg *config.Config, sink progress.Sink, logger *slog.Logger, dryRun bool) *sync.Engine {
	client := fetch.NewHTTPClient(fetch.Options{
		ManifestURL: cfg.Remote.ManifestURL,
		UserAgent:   userAgent(cfg),
		Timeout:     cfg.Sync.FetchTimeout,
	})
	root := content.OpenDir(cfg.Paths.ContentDir)
	return sync.NewEngine(cfg, client, root, sink, logger, dryRun)
}

func userAgent(cfg *config.Config) string {
	if cfg.Remote.UserAgent != "" {
		return cfg.Remote.UserAgent
	}
	return "contentsyncd/" + version
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func defaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "contentsyncd", "config.yaml")
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"manifest_url", cfg.Remote.ManifestURL,
		"download_url", cfg.Remote.DownloadURL,
		"content_dir", cfg.Paths.ContentDir,
		"profile", cfg.Sync.Profile,
		"concurrency", cfg.Sync.Concurrency)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
