package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/contentsyncd/internal/config"
	"github.com/schaermu/contentsyncd/internal/content"
	"github.com/schaermu/contentsyncd/internal/download"
	"github.com/schaermu/contentsyncd/internal/fetch"
	"github.com/schaermu/contentsyncd/internal/gate"
	"github.com/schaermu/contentsyncd/internal/manifest"
	"github.com/schaermu/contentsyncd/internal/plan"
	"github.com/schaermu/contentsyncd/internal/progress"
	"github.com/schaermu/contentsyncd/internal/verify"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	client fetch.Client
	root   *content.Root
	sink   progress.Sink
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new sync engine. A nil sink discards progress events.
func NewEngine(cfg *config.Config, client fetch.Client, root *content.Root, sink progress.Sink, logger *slog.Logger, dryRun bool) *Engine {
	if sink == nil {
		sink = progress.Nop{}
	}
	return &Engine{
		cfg:    cfg,
		client: client,
		root:   root,
		sink:   sink,
		logger: logger,
		dryRun: dryRun,
	}
}

// Run executes the complete sync process. The returned report is never nil and
// reflects how far the run got, also when an error is returned.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{Phase: PhasePlanning, DryRun: e.dryRun}

	e.logger.Info("starting sync",
		"manifest_url", e.cfg.Remote.ManifestURL,
		"profile", e.cfg.Sync.Profile,
		"content_dir", e.root.Name(),
		"dry_run", e.dryRun)

	ws, err := e.workingSet(ctx)
	if err != nil {
		return e.fail(report, err)
	}
	report.WorkingSet = len(ws)
	e.logger.Info("working set planned", "files", len(ws))

	g := gate.New(e.cfg.Sync.Concurrency)

	exists, err := e.root.Exists()
	if err != nil {
		return e.fail(report, fmt.Errorf("failed to inspect content root: %w", err))
	}

	if e.dryRun {
		return e.dryRunPass(ctx, g, ws, exists, report)
	}

	firstDownload := !exists || e.cfg.Sync.Clean
	if err := e.prepareRoot(exists); err != nil {
		return e.fail(report, err)
	}

	fsys, err := e.root.FS()
	if err != nil {
		return e.fail(report, fmt.Errorf("failed to open content root: %w", err))
	}
	dl := download.New(e.client, fsys, e.cfg.Remote.DownloadURL, g, e.sink, e.logger)
	verifier := verify.New(fsys)

	if firstDownload {
		e.transition(report, PhaseFirstDownload)
		if err := e.download(ctx, dl, ws, report); err != nil {
			return e.fail(report, err)
		}
	}

	retries := &budget{enabled: e.cfg.Sync.RetryEnabled(), remaining: e.cfg.Sync.Retries()}
	maxPasses := retries.passes()

	for pass := 1; pass <= maxPasses; pass++ {
		e.transition(report, PhaseVerifying)
		report.Passes = pass

		result, err := verifier.VerifyAll(ctx, g, ws)
		if err != nil {
			return e.fail(report, err)
		}
		if err := result.Err(); err != nil {
			return e.fail(report, err)
		}

		report.Residual = plan.WorkingSet(result.Residual).Paths()
		e.logger.Info("verification pass complete",
			"pass", pass,
			"verified", len(ws)-len(result.Residual),
			"residual", len(result.Residual))

		if len(result.Residual) == 0 {
			e.transition(report, PhaseDone)
			e.logger.Info("sync completed successfully",
				"passes", report.Passes,
				"downloads", report.Downloads,
				"retries", report.RetriesUsed)
			return report, nil
		}

		if err := retries.take(); err != nil {
			return e.fail(report, &FailedError{Residual: report.Residual, Err: err})
		}
		report.RetriesUsed++

		e.transition(report, PhaseRetryDownload)
		if err := e.download(ctx, dl, result.Residual, report); err != nil {
			return e.fail(report, err)
		}
	}

	return e.fail(report, &FailedError{Residual: report.Residual, Err: ErrRetryBudgetExhausted})
}

// workingSet fetches and parses the manifest and derives the working set
func (e *Engine) workingSet(ctx context.Context) (plan.WorkingSet, error) {
	profile, err := plan.ParseProfile(e.cfg.Sync.Profile)
	if err != nil {
		return nil, err
	}

	raw, err := e.client.FetchManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("manifest parsed",
		"entries", len(m.Entries),
		"shared", len(m.Shared),
		"ets2", len(m.ETS2),
		"ats", len(m.ATS))

	return plan.Plan(m, profile)
}

// prepareRoot creates the content root, or recreates it when clean is set
func (e *Engine) prepareRoot(exists bool) error {
	switch {
	case exists && e.cfg.Sync.Clean:
		e.logger.Info("cleaning content root", "content_dir", e.root.Name())
		if err := e.root.Reset(); err != nil {
			return fmt.Errorf("failed to clean content root: %w", err)
		}
	case !exists:
		e.logger.Info("creating content root", "content_dir", e.root.Name())
		if err := e.root.Create(); err != nil {
			return fmt.Errorf("failed to create content root: %w", err)
		}
	}
	return nil
}

// download runs one batch. Per-entry failures are left to the next
// verification pass; only admission failures abort the run.
func (e *Engine) download(ctx context.Context, dl *download.Downloader, entries []manifest.Entry, report *Report) error {
	report.Downloads += len(entries)

	err := dl.DownloadBatch(ctx, entries)
	var batchErr *download.BatchError
	if errors.As(err, &batchErr) {
		e.logger.Warn("some downloads failed",
			"failed", len(batchErr.Failed),
			"paths", batchErr.Paths())
		return nil
	}
	return err
}

// dryRunPass verifies the working set once without touching the content root
func (e *Engine) dryRunPass(ctx context.Context, g *gate.Gate, ws plan.WorkingSet, exists bool, report *Report) (*Report, error) {
	residual := []manifest.Entry(ws)

	if exists {
		fsys, err := e.root.FS()
		if err != nil {
			return e.fail(report, fmt.Errorf("failed to open content root: %w", err))
		}

		e.transition(report, PhaseVerifying)
		report.Passes = 1
		result, err := verify.New(fsys).VerifyAll(ctx, g, ws)
		if err != nil {
			return e.fail(report, err)
		}
		if err := result.Err(); err != nil {
			return e.fail(report, err)
		}
		residual = result.Residual
	}

	report.Residual = plan.WorkingSet(residual).Paths()
	for _, path := range report.Residual {
		e.logger.Info("[dry-run] would download", "path", path)
	}
	e.transition(report, PhaseDone)
	e.logger.Info("dry-run complete, no changes applied", "residual", len(report.Residual))
	return report, nil
}

func (e *Engine) transition(report *Report, next Phase) {
	e.logger.Debug("sync phase", "from", report.Phase, "to", next)
	report.Phase = next
}

func (e *Engine) fail(report *Report, err error) (*Report, error) {
	e.logger.Error("sync failed", "phase", report.Phase, "error", err)
	report.Phase = PhaseFailed
	return report, err
}
