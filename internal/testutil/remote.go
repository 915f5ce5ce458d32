package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schaermu/contentsyncd/internal/fetch"
)

// BaseURL is the download base used by FakeRemote locators
const BaseURL = "https://download.test/files/"

// RemoteFile is a file served by FakeRemote
type RemoteFile struct {
	Path     string
	Category string
	Content  []byte
}

// FakeRemote implements fetch.Client in memory. It serves a manifest built from
// its files and can be told to fail or corrupt individual downloads.
type FakeRemote struct {
	Files []RemoteFile
	Delay time.Duration
	// RawManifest, when set, is served instead of the generated manifest.
	RawManifest []byte

	mu          sync.Mutex
	failures    map[string]int
	corruptions map[string]int
	fetches     map[string]int
	manifestErr error

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewFakeRemote creates a remote serving files
func NewFakeRemote(files ...RemoteFile) *FakeRemote {
	return &FakeRemote{
		Files:       files,
		failures:    make(map[string]int),
		corruptions: make(map[string]int),
		fetches:     make(map[string]int),
	}
}

// MD5 returns the lowercase hex MD5 of b
func MD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// FailNext makes the next n fetches of path fail with a 503 transport error
func (r *FakeRemote) FailNext(path string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[path] += n
}

// CorruptNext makes the next n fetches of path return bytes that do not match the manifest
func (r *FakeRemote) CorruptNext(path string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corruptions[path] += n
}

// FailManifest makes FetchManifest return err
func (r *FakeRemote) FailManifest(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifestErr = err
}

// Fetches returns how often path was fetched
func (r *FakeRemote) Fetches(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[path]
}

// TotalFetches returns the number of content fetches
func (r *FakeRemote) TotalFetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.fetches {
		total += n
	}
	return total
}

// Peak returns the highest number of concurrent fetches observed
func (r *FakeRemote) Peak() int {
	return int(r.peak.Load())
}

// ManifestJSON renders the manifest document for the remote's files
func (r *FakeRemote) ManifestJSON() []byte {
	type file struct {
		Md5      string `json:"Md5"`
		Type     string `json:"Type"`
		FilePath string `json:"FilePath"`
	}
	doc := struct {
		Files []file `json:"Files"`
	}{Files: make([]file, 0, len(r.Files))}

	for _, f := range r.Files {
		category := f.Category
		if category == "" {
			category = "system"
		}
		doc.Files = append(doc.Files, file{Md5: MD5(f.Content), Type: category, FilePath: "/" + f.Path})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

// FetchManifest implements fetch.Client
func (r *FakeRemote) FetchManifest(_ context.Context) ([]byte, error) {
	r.mu.Lock()
	err := r.manifestErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if r.RawManifest != nil {
		return r.RawManifest, nil
	}
	return r.ManifestJSON(), nil
}

// Fetch implements fetch.Client
func (r *FakeRemote) Fetch(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, 0, &fetch.TransportError{Locator: locator, Err: ctx.Err()}
		}
	}

	path := strings.TrimPrefix(locator, BaseURL)

	r.mu.Lock()
	r.fetches[path]++
	fail := r.failures[path] > 0
	if fail {
		r.failures[path]--
	}
	corrupt := !fail && r.corruptions[path] > 0
	if corrupt {
		r.corruptions[path]--
	}
	r.mu.Unlock()

	if fail {
		return nil, 0, &fetch.TransportError{Locator: locator, Status: http.StatusServiceUnavailable}
	}

	for _, f := range r.Files {
		if f.Path != path {
			continue
		}
		content := f.Content
		if corrupt {
			content = append([]byte("corrupted:"), content...)
		}
		return io.NopCloser(bytes.NewReader(content)), int64(len(content)), nil
	}
	return nil, 0, &fetch.TransportError{Locator: locator, Status: http.StatusNotFound}
}
