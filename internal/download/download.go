package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/schaermu/contentsyncd/internal/fetch"
	"github.com/schaermu/contentsyncd/internal/gate"
	"github.com/schaermu/contentsyncd/internal/manifest"
	"github.com/schaermu/contentsyncd/internal/progress"
)

// EntryError is the failure of a single entry within a batch
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// BatchError is returned when at least one entry of a batch failed
type BatchError struct {
	Failed []*EntryError
	errs   *multierror.Error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of the batch's downloads failed: %v", len(e.Failed), e.errs)
}

func (e *BatchError) Unwrap() error {
	return e.errs.ErrorOrNil()
}

// Paths returns the paths of the failed entries
func (e *BatchError) Paths() []string {
	paths := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		paths[i] = f.Path
	}
	return paths
}

// Downloader fetches content files into a content root
type Downloader struct {
	client fetch.Client
	fs     billy.Filesystem
	base   string
	gate   *gate.Gate
	sink   progress.Sink
	logger *slog.Logger
}

// New creates a downloader writing below fsys. Files are fetched from base joined
// with the entry path. A nil sink discards progress events.
func New(client fetch.Client, fsys billy.Filesystem, base string, g *gate.Gate, sink progress.Sink, logger *slog.Logger) *Downloader {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &Downloader{
		client: client,
		fs:     fsys,
		base:   base,
		gate:   g,
		sink:   sink,
		logger: logger,
	}
}

// DownloadBatch downloads every entry, at most gate.Limit() at a time. A failing
// entry never affects its siblings; successful downloads stay on disk when others
// fail. The returned error is a *BatchError listing the failed entries, or the
// admission error when the gate could not be acquired.
func (d *Downloader) DownloadBatch(ctx context.Context, entries []manifest.Entry) error {
	d.sink.BatchTotal(len(entries))

	errs, err := gate.ForEach(ctx, d.gate, entries, func(ctx context.Context, e manifest.Entry) error {
		err := d.download(ctx, e)
		d.sink.EntryFinished(e.Path, err)
		return err
	})
	if err != nil {
		return err
	}

	var batch BatchError
	for i, err := range errs {
		if err == nil {
			continue
		}
		entryErr := &EntryError{Path: entries[i].Path, Err: err}
		batch.Failed = append(batch.Failed, entryErr)
		batch.errs = multierror.Append(batch.errs, entryErr)
	}
	if len(batch.Failed) > 0 {
		batch.errs.ErrorFormat = listFormat
		return &batch
	}
	return nil
}

func (d *Downloader) download(ctx context.Context, e manifest.Entry) error {
	if dir := path.Dir(e.Path); dir != "." {
		if err := d.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	body, size, err := d.client.Fetch(ctx, fetch.Locator(d.base, e.Path))
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	d.sink.EntryStarted(e.Path, size)
	d.logger.Debug("downloading file", "path", e.Path, "size", size)

	f, err := d.fs.OpenFile(e.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(progress.Writer(d.sink, e.Path, f), body); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

func listFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
