package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single fetch, including reading the response body
const DefaultTimeout = 5 * time.Minute

// DefaultMaxManifestSize caps the manifest document read into memory
const DefaultMaxManifestSize = 64 << 20

// ErrManifestTooLarge is wrapped by the TransportError returned for a manifest
// document larger than the configured cap.
var ErrManifestTooLarge = errors.New("manifest too large")

// Client retrieves the manifest and content files from the remote
type Client interface {
	// FetchManifest returns the raw manifest document
	FetchManifest(ctx context.Context) ([]byte, error)
	// Fetch opens the resource at locator. The returned size is -1 when unknown.
	Fetch(ctx context.Context, locator string) (io.ReadCloser, int64, error)
}

// TransportError describes a failed request
type TransportError struct {
	Locator string
	Status  int // zero when no response was received
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("failed to fetch %s: %d %s", e.Locator, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.Locator, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Options configures an HTTPClient
type Options struct {
	ManifestURL string
	UserAgent   string
	Timeout     time.Duration
	// MaxManifestSize defaults to DefaultMaxManifestSize
	MaxManifestSize int64
	// Transport overrides the HTTP transport, mainly for tests
	Transport http.RoundTripper
}

// HTTPClient implements Client over HTTP(S)
type HTTPClient struct {
	manifestURL   string
	manifestLimit int64
	userAgent     string
	timeout       time.Duration
	http          *http.Client
}

// NewHTTPClient creates a client scoped to one sync run
func NewHTTPClient(opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := opts.MaxManifestSize
	if limit <= 0 {
		limit = DefaultMaxManifestSize
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &HTTPClient{
		manifestURL:   opts.ManifestURL,
		manifestLimit: limit,
		userAgent:     opts.UserAgent,
		timeout:       timeout,
		http:          &http.Client{Transport: transport},
	}
}

// FetchManifest downloads the manifest document. A document over the size cap
// is rejected rather than truncated.
func (c *HTTPClient) FetchManifest(ctx context.Context) ([]byte, error) {
	body, _, err := c.Fetch(ctx, c.manifestURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(body, c.manifestLimit+1))
	if err != nil {
		return nil, &TransportError{Locator: c.manifestURL, Err: err}
	}
	if int64(len(data)) > c.manifestLimit {
		return nil, &TransportError{
			Locator: c.manifestURL,
			Err:     fmt.Errorf("%w: exceeds %d bytes", ErrManifestTooLarge, c.manifestLimit),
		}
	}
	return data, nil
}

// Fetch issues a GET for locator. The per-fetch timeout stays in effect until
// the returned body is closed.
func (c *HTTPClient) Fetch(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		cancel()
		return nil, 0, &TransportError{Locator: locator, Err: err}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, 0, &TransportError{Locator: locator, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, 0, &TransportError{Locator: locator, Status: resp.StatusCode}
	}

	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, resp.ContentLength, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Locator builds the download URL of a content path below base
func Locator(base, path string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return base + strings.Join(segments, "/")
}
