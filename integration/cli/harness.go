//go:build integration

package cli

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/contentsyncd/internal/testutil"
)

// Harness runs the contentsyncd binary against an in-process content server
type Harness struct {
	t          *testing.T
	bin        string
	server     *httptest.Server
	ContentDir string
	ConfigPath string

	mu      sync.Mutex
	files   map[string]remoteFile
	fetches map[string]int
}

type remoteFile struct {
	category string
	body     string
	corrupt  bool
}

// NewHarness builds the binary and starts an empty content server
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	h := &Harness{
		t:          t,
		bin:        testutil.BuildBinary(t),
		ContentDir: filepath.Join(t.TempDir(), "content"),
		files:      make(map[string]remoteFile),
		fetches:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/files.json", h.serveManifest)
	mux.HandleFunc("/files/", h.serveFile)
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)

	h.ConfigPath = filepath.Join(t.TempDir(), "config.yaml")
	h.WriteConfig("")
	return h
}

// WriteConfig writes a config pointing at the harness server; extra is appended
// below the sync section.
func (h *Harness) WriteConfig(extra string) {
	h.t.Helper()
	cfg := fmt.Sprintf(`remote:
  manifest_url: "%s/files.json"
  download_url: "%s/files/"
paths:
  content_dir: "%s"
sync:
  concurrency: 4
  fetch_timeout: 10s
%s`, h.server.URL, h.server.URL, h.ContentDir, extra)
	if err := os.WriteFile(h.ConfigPath, []byte(cfg), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// AddFile publishes a file in the manifest
func (h *Harness) AddFile(path, category, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = remoteFile{category: category, body: body}
}

// Corrupt makes the server send bytes that never match path's hash
func (h *Harness) Corrupt(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.files[path]
	f.corrupt = true
	h.files[path] = f
}

// Fetches returns how often path was downloaded
func (h *Harness) Fetches(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches[path]
}

// Run executes the binary with args and returns its combined output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, int) {
	h.t.Helper()

	args = append([]string{"--config", h.ConfigPath, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			h.t.Fatalf("run %v: %v", args, err)
		}
		code = exitErr.ExitCode()
	}
	return out.String(), code
}

// MustRun runs the binary and fails the test on a non-zero exit code
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	out, code := h.Run(ctx, args...)
	if code != 0 {
		h.t.Fatalf("contentsyncd %s exited with %d\n%s", strings.Join(args, " "), code, out)
	}
	return out
}

// ReadContent reads a file below the content directory
func (h *Harness) ReadContent(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.ContentDir, filepath.FromSlash(path)))
	return string(data), err
}

// WriteContent overwrites a file below the content directory
func (h *Harness) WriteContent(path, body string) {
	h.t.Helper()
	full := filepath.Join(h.ContentDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

func (h *Harness) serveManifest(w http.ResponseWriter, _ *http.Request) {
	type file struct {
		Md5      string `json:"Md5"`
		Type     string `json:"Type"`
		FilePath string `json:"FilePath"`
	}

	h.mu.Lock()
	doc := struct {
		Files []file `json:"Files"`
	}{Files: make([]file, 0, len(h.files))}
	for path, f := range h.files {
		sum := md5.Sum([]byte(f.body))
		doc.Files = append(doc.Files, file{Md5: hex.EncodeToString(sum[:]), Type: f.category, FilePath: "/" + path})
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (h *Harness) serveFile(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/files/")

	h.mu.Lock()
	f, ok := h.files[path]
	h.fetches[path]++
	h.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	body := f.body
	if f.corrupt {
		body = "corrupted:" + body
	}
	_, _ = w.Write([]byte(body))
}
