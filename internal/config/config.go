package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/contentsyncd/internal/plan"
)

const (
	DefaultManifestURL  = "https://update.ets2mp.com/files.json"
	DefaultDownloadURL  = "https://download-new.ets2mp.com/files/"
	DefaultProfile      = "ets2"
	DefaultRetryCount   = 3
	DefaultConcurrency  = 8
	DefaultFetchTimeout = 5 * time.Minute
	DefaultListenAddr   = "127.0.0.1:8787"
	DefaultDebounce     = 2 * time.Second
)

// Config represents the complete contentsyncd configuration
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// RemoteConfig configures where the manifest and content files are fetched from
type RemoteConfig struct {
	ManifestURL string `yaml:"manifest_url"`
	DownloadURL string `yaml:"download_url"`
	UserAgent   string `yaml:"user_agent"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	ContentDir string `yaml:"content_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Profile      string        `yaml:"profile"`
	Clean        bool          `yaml:"clean"`
	Retry        *bool         `yaml:"retry"`
	RetryCount   *int          `yaml:"retry_count"`
	Concurrency  int           `yaml:"concurrency"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// RetryEnabled reports whether residual files are re-downloaded
func (s SyncConfig) RetryEnabled() bool {
	return s.Retry == nil || *s.Retry
}

// Retries returns the retry budget of a sync run
func (s SyncConfig) Retries() int {
	if s.RetryCount == nil {
		return DefaultRetryCount
	}
	return *s.RetryCount
}

// ServeConfig configures the webhook daemon
type ServeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ListenAddr        string        `yaml:"listen_addr"`
	WebhookSecretFile string        `yaml:"webhook_secret_file"`
	Debounce          time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.ManifestURL = os.ExpandEnv(c.Remote.ManifestURL)
	c.Remote.DownloadURL = os.ExpandEnv(c.Remote.DownloadURL)
	c.Remote.UserAgent = os.ExpandEnv(c.Remote.UserAgent)
	c.Paths.ContentDir = os.ExpandEnv(c.Paths.ContentDir)
	c.Sync.Profile = os.ExpandEnv(c.Sync.Profile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.ManifestURL == "" {
		c.Remote.ManifestURL = DefaultManifestURL
	}
	if c.Remote.DownloadURL == "" {
		c.Remote.DownloadURL = DefaultDownloadURL
	}
	if c.Paths.ContentDir == "" {
		c.Paths.ContentDir = DefaultContentDir()
	}
	if c.Sync.Profile == "" {
		c.Sync.Profile = DefaultProfile
	}
	if c.Sync.Retry == nil {
		retry := true
		c.Sync.Retry = &retry
	}
	if c.Sync.RetryCount == nil {
		count := DefaultRetryCount
		c.Sync.RetryCount = &count
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultConcurrency
	}
	if c.Sync.FetchTimeout == 0 {
		c.Sync.FetchTimeout = DefaultFetchTimeout
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultDebounce
	}
}

// DefaultContentDir returns the content directory below the user's data home
func DefaultContentDir() string {
	return filepath.Join(xdg.DataHome, "contentsyncd", "content")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validateHTTPURL("remote.manifest_url", c.Remote.ManifestURL); err != nil {
		return err
	}
	if err := validateHTTPURL("remote.download_url", c.Remote.DownloadURL); err != nil {
		return err
	}

	if c.Paths.ContentDir == "" {
		return fmt.Errorf("paths.content_dir is required")
	}
	if !filepath.IsAbs(c.Paths.ContentDir) {
		return fmt.Errorf("paths.content_dir must be an absolute path: %s", c.Paths.ContentDir)
	}
	if filepath.Clean(c.Paths.ContentDir) == filepath.Dir(filepath.Clean(c.Paths.ContentDir)) {
		return fmt.Errorf("paths.content_dir must not be a filesystem root: %s", c.Paths.ContentDir)
	}

	if _, err := plan.ParseProfile(c.Sync.Profile); err != nil {
		return fmt.Errorf("sync.profile: %w", err)
	}
	if c.Sync.Retries() < 0 {
		return fmt.Errorf("sync.retry_count must not be negative: %d", c.Sync.Retries())
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1: %d", c.Sync.Concurrency)
	}
	if c.Sync.FetchTimeout < 0 {
		return fmt.Errorf("sync.fetch_timeout must not be negative: %s", c.Sync.FetchTimeout)
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https: %s", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %s", field, raw)
	}
	return nil
}
