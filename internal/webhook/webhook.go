package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/contentsyncd/internal/activation"
	"github.com/schaermu/contentsyncd/internal/config"
	contentsync "github.com/schaermu/contentsyncd/internal/sync"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Signature-256"

// Notification announces that the remote manifest changed
type Notification struct {
	ManifestURL string `json:"manifest_url"`
	Revision    string `json:"revision"`
}

// Runner runs one sync
type Runner interface {
	Run(ctx context.Context) (*contentsync.Report, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) (*contentsync.Report, error)

// Run calls f(ctx)
func (f RunnerFunc) Run(ctx context.Context) (*contentsync.Report, error) {
	return f(ctx)
}

// Server implements the webhook HTTP server
type Server struct {
	cfg         *config.Config
	runner      Runner
	logger      *slog.Logger
	secret      []byte
	baseCtx     context.Context
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, runner Runner, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.WebhookSecretFile)
	}

	delay := cfg.Serve.Debounce
	if delay <= 0 {
		delay = config.DefaultDebounce
	}

	return &Server{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		secret:   secret,
		baseCtx:  context.Background(),
		debounce: &debouncer{delay: delay},
	}, nil
}

// Start performs an initial sync and then serves notifications until ctx is
// cancelled. The listener comes from socket activation when available.
func (s *Server) Start(ctx context.Context) error {
	ln, err := activation.Listen(s.cfg.Serve.ListenAddr, s.logger)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is like Start but uses the given listener. It closes ln on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.syncMu.Lock()
	s.baseCtx = ctx
	s.syncMu.Unlock()

	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx)

	if ctx.Err() != nil {
		_ = ln.Close()
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.debounce.stop()
		return err
	}
}

// handleWebhook handles incoming change notifications
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && !strings.HasPrefix(contentType, "application/json;") {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.logger.Error("failed to parse notification payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if n.ManifestURL != s.cfg.Remote.ManifestURL {
		s.logger.Info("ignoring notification for other manifest", "manifest_url", n.ManifestURL)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Manifest not configured for sync\n")
		return
	}

	s.logger.Info("notification accepted",
		"manifest_url", n.ManifestURL,
		"revision", n.Revision)

	s.debounce.trigger(func() {
		s.syncMu.Lock()
		ctx := s.baseCtx
		s.syncMu.Unlock()
		s.performSync(ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		report, err := s.runner.Run(ctx)
		var failed *contentsync.FailedError
		switch {
		case errors.As(err, &failed):
			s.logger.Error("sync left unverified files", "count", len(failed.Residual), "paths", failed.Residual)
		case err != nil:
			s.logger.Error("sync failed", "error", err)
		case report != nil:
			s.logger.Info("sync completed successfully", "files", report.WorkingSet, "downloads", report.Downloads)
		}

		s.syncMu.Lock()
		if !s.syncPending || ctx.Err() != nil {
			s.syncPending = false
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
