package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"github.com/schaermu/contentsyncd/internal/config"
	"github.com/schaermu/contentsyncd/internal/content"
	"github.com/schaermu/contentsyncd/internal/gate"
	"github.com/schaermu/contentsyncd/internal/manifest"
	"github.com/schaermu/contentsyncd/internal/progress"
	"github.com/schaermu/contentsyncd/internal/testutil"
	"github.com/schaermu/contentsyncd/internal/verify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	retry := true
	count := 3
	return &config.Config{
		Remote: config.RemoteConfig{
			ManifestURL: "https://update.test/files.json",
			DownloadURL: testutil.BaseURL,
		},
		Sync: config.SyncConfig{
			Profile:     "ets2",
			Retry:       &retry,
			RetryCount:  &count,
			Concurrency: 8,
		},
	}
}

func testRemote() *testutil.FakeRemote {
	return testutil.NewFakeRemote(
		testutil.RemoteFile{Path: "core/core_ets2mp.dll", Content: []byte("shared dll")},
		testutil.RemoteFile{Path: "data/ets2.scs", Category: "ets2", Content: []byte("ets2 data")},
		testutil.RemoteFile{Path: "data/ats.scs", Category: "ats", Content: []byte("ats data")},
	)
}

// seed writes the remote's files into an existing content root
func seed(t *testing.T, root *content.Root, remote *testutil.FakeRemote) billy.Filesystem {
	t.Helper()
	if err := root.Create(); err != nil {
		t.Fatal(err)
	}
	fsys, err := root.FS()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range remote.Files {
		if err := util.WriteFile(fsys, f.Path, f.Content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return fsys
}

func readFile(t *testing.T, fsys billy.Filesystem, path string) string {
	t.Helper()
	data, err := util.ReadFile(fsys, path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func rootFS(t *testing.T, root *content.Root) billy.Filesystem {
	t.Helper()
	fsys, err := root.FS()
	if err != nil {
		t.Fatal(err)
	}
	return fsys
}

func TestRun_FreshRoot(t *testing.T) {
	remote := testRemote()
	root := content.NewRoot(memfs.New(), "content")

	counter := &progress.Counter{}
	report, err := NewEngine(testConfig(), remote, root, counter, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := &Report{Phase: PhaseDone, WorkingSet: 2, Passes: 1, Downloads: 2}
	if diff := cmp.Diff(want, report, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	fsys := rootFS(t, root)
	if got := readFile(t, fsys, "core/core_ets2mp.dll"); got != "shared dll" {
		t.Errorf("unexpected shared content %q", got)
	}
	if got := readFile(t, fsys, "data/ets2.scs"); got != "ets2 data" {
		t.Errorf("unexpected profile content %q", got)
	}
	if _, err := fsys.Stat("data/ats.scs"); !os.IsNotExist(err) {
		t.Errorf("expected other profile's file not to be downloaded, stat error: %v", err)
	}
	if remote.Fetches("data/ats.scs") != 0 {
		t.Error("expected other profile's file never to be fetched")
	}
	if totals := counter.Totals(); totals.Batches != 1 || totals.Finished != 2 || totals.Failed != 0 {
		t.Errorf("unexpected progress totals %+v", totals)
	}
}

func TestRun_ExistingRootUpToDate(t *testing.T) {
	remote := testRemote()
	root := content.NewRoot(memfs.New(), "content")
	seed(t, root, remote)

	report, err := NewEngine(testConfig(), remote, root, nil, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Phase != PhaseDone || report.Passes != 1 || report.Downloads != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if remote.TotalFetches() != 0 {
		t.Errorf("expected no fetches for an up to date root, got %d", remote.TotalFetches())
	}
}

func TestRun_ExistingRootRepairsResidual(t *testing.T) {
	remote := testRemote()
	root := content.NewRoot(memfs.New(), "content")
	fsys := seed(t, root, remote)
	if err := util.WriteFile(fsys, "data/ets2.scs", []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Remove("core/core_ets2mp.dll"); err != nil {
		t.Fatal(err)
	}

	report, err := NewEngine(testConfig(), remote, root, nil, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := &Report{Phase: PhaseDone, WorkingSet: 2, Passes: 2, Downloads: 2, RetriesUsed: 1}
	if diff := cmp.Diff(want, report, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if readFile(t, fsys, "data/ets2.scs") != "ets2 data" {
		t.Error("expected mismatched file to be repaired")
	}
	if readFile(t, fsys, "core/core_ets2mp.dll") != "shared dll" {
		t.Error("expected missing file to be restored")
	}
}

func TestRun_ConvergesAfterRetries(t *testing.T) {
	remote := testRemote()
	remote.CorruptNext("data/ets2.scs", 2)
	root := content.NewRoot(memfs.New(), "content")

	report, err := NewEngine(testConfig(), remote, root, nil, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Passes != 3 || report.RetriesUsed != 2 {
		t.Errorf("expected 3 passes and 2 retries, got %+v", report)
	}
	if n := remote.Fetches("data/ets2.scs"); n != 3 {
		t.Errorf("expected 3 fetches of the corrupted file, got %d", n)
	}
	if n := remote.Fetches("core/core_ets2mp.dll"); n != 1 {
		t.Errorf("expected the verified file to be fetched once, got %d", n)
	}
}

func TestRun_TransientDownloadFailureIsRetried(t *testing.T) {
	remote := testRemote()
	remote.FailNext("core/core_ets2mp.dll", 1)
	root := content.NewRoot(memfs.New(), "content")

	report, err := NewEngine(testConfig(), remote, root, nil, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Phase != PhaseDone || report.RetriesUsed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if readFile(t, rootFS(t, root), "core/core_ets2mp.dll") != "shared dll" {
		t.Error("expected failed download to be recovered")
	}
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	remote := testRemote()
	remote.CorruptNext("data/ets2.scs", 100)
	root := content.NewRoot(memfs.New(), "content")

	report, err := NewEngine(testConfig(), remote, root, nil, testLogger(), false).Run(context.Background())
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected ErrRetryBudgetExhausted, got %v", err)
	}

	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected *FailedError, got %T", err)
	}
	if diff := cmp.Diff([]string{"data/ets2.scs"}, failed.Residual); diff != "" {
		t.Errorf("residual mismatch (-want +got):\n%s", diff)
	}

	if report.Phase != PhaseFailed || report.Passes != 4 || report.RetriesUsed != 3 {
		t.Errorf("unexpected report %+v", report)
	}
	// One first download plus one per retry
	if n := remote.Fetches("data/ets2.scs"); n != 4 {
		t.Errorf("expected 4 fetches, got %d", n)
	}
}

func TestRun_ZeroRetryBudget(t *testing.T) {
	remote := testRemote()
	remote.CorruptNext("data/ets2.scs", 1)
	cfg := testConfig()
	zero := 0
	cfg.Sync.RetryCount = &zero

	report, err := NewEngine(cfg, remote, content.NewRoot(memfs.New(), "content"), nil, testLogger(), false).Run(context.Background())
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected ErrRetryBudgetExhausted, got %v", err)
	}
	if report.Passes != 1 || remote.Fetches("data/ets2.scs") != 1 {
		t.Errorf("expected a single pass without retries, got %+v", report)
	}
}

func TestRun_RetriesDisabled(t *testing.T) {
	remote := testRemote()
	remote.CorruptNext("data/ets2.scs", 1)
	cfg := testConfig()
	disabled := false
	cfg.Sync.Retry = &disabled

	report, err := NewEngine(cfg, remote, content.NewRoot(memfs.New(), "content"), nil, testLogger(), false).Run(context.Background())
	if !errors.Is(err, ErrRetriesDisabled) {
		t.Fatalf("expected ErrRetriesDisabled, got %v", err)
	}
	if report.Passes != 1 || report.RetriesUsed != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if n := remote.Fetches("data/ets2.scs"); n != 1 {
		t.Errorf("expected no re-download, got %d fetches", n)
	}
}

func TestRun_MalformedManifestLeavesRootUntouched(t *testing.T) {
	tests := []struct {
		name   string
		remote func() *testutil.FakeRemote
		target error
	}{
		{
			name: "invalid json",
			remote: func() *testutil.FakeRemote {
				r := testRemote()
				r.RawManifest = []byte("{")
				return r
			},
			target: manifest.ErrMalformed,
		},
		{
			name: "path escapes root",
			remote: func() *testutil.FakeRemote {
				r := testRemote()
				r.RawManifest = []byte(`{"Files":[{"Md5":"9e107d9d372bb6826bd81d3542a419d6","Type":"system","FilePath":"/../evil.dll"}]}`)
				return r
			},
			target: manifest.ErrMalformed,
		},
		{
			name: "manifest unreachable",
			remote: func() *testutil.FakeRemote {
				r := testRemote()
				r.FailManifest(errors.New("connection refused"))
				return r
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := tt.remote()
			root := content.NewRoot(memfs.New(), "content")

			report, err := NewEngine(testConfig(), remote, root, nil, testLogger(), false).Run(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
			if report.Phase != PhaseFailed {
				t.Errorf("expected failed phase, got %s", report.Phase)
			}

			exists, err := root.Exists()
			if err != nil {
				t.Fatal(err)
			}
			if exists {
				t.Error("expected content root not to be created")
			}
			if remote.TotalFetches() != 0 {
				t.Errorf("expected no content fetches, got %d", remote.TotalFetches())
			}
		})
	}
}

func TestRun_Clean(t *testing.T) {
	remote := testRemote()
	root := content.NewRoot(memfs.New(), "content")
	fsys := seed(t, root, remote)
	if err := util.WriteFile(fsys, "stale/leftover.txt", []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Sync.Clean = true

	report, err := NewEngine(cfg, remote, root, nil, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Downloads != 2 {
		t.Errorf("expected full re-download, got %d downloads", report.Downloads)
	}
	if _, err := fsys.Stat("stale/leftover.txt"); !os.IsNotExist(err) {
		t.Errorf("expected clean to remove unrelated files, stat error: %v", err)
	}
	if readFile(t, fsys, "data/ets2.scs") != "ets2 data" {
		t.Error("expected working set to be restored after clean")
	}
}

func TestRun_DryRun(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		remote := testRemote()
		root := content.NewRoot(memfs.New(), "content")

		report, err := NewEngine(testConfig(), remote, root, nil, testLogger(), true).Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		want := &Report{
			Phase:      PhaseDone,
			WorkingSet: 2,
			Residual:   []string{"core/core_ets2mp.dll", "data/ets2.scs"},
			DryRun:     true,
		}
		if diff := cmp.Diff(want, report, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("report mismatch (-want +got):\n%s", diff)
		}

		exists, err := root.Exists()
		if err != nil {
			t.Fatal(err)
		}
		if exists {
			t.Error("expected dry-run not to create the content root")
		}
		if remote.TotalFetches() != 0 {
			t.Errorf("expected no fetches, got %d", remote.TotalFetches())
		}
	})

	t.Run("existing root", func(t *testing.T) {
		remote := testRemote()
		root := content.NewRoot(memfs.New(), "content")
		fsys := seed(t, root, remote)
		if err := util.WriteFile(fsys, "data/ets2.scs", []byte("tampered"), 0644); err != nil {
			t.Fatal(err)
		}

		cfg := testConfig()
		cfg.Sync.Clean = true

		report, err := NewEngine(cfg, remote, root, nil, testLogger(), true).Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if diff := cmp.Diff([]string{"data/ets2.scs"}, report.Residual); diff != "" {
			t.Errorf("residual mismatch (-want +got):\n%s", diff)
		}
		if readFile(t, fsys, "data/ets2.scs") != "tampered" {
			t.Error("expected dry-run not to modify files")
		}
		if remote.TotalFetches() != 0 {
			t.Errorf("expected no fetches, got %d", remote.TotalFetches())
		}
	})
}

func TestRun_ConcurrencyBound(t *testing.T) {
	files := make([]testutil.RemoteFile, 50)
	for i := range files {
		files[i] = testutil.RemoteFile{
			Path:     fmt.Sprintf("data/file%02d.scs", i),
			Category: "ets2",
			Content:  []byte(fmt.Sprintf("content %d", i)),
		}
	}
	remote := testutil.NewFakeRemote(files...)
	remote.Delay = 2 * time.Millisecond

	report, err := NewEngine(testConfig(), remote, content.NewRoot(memfs.New(), "content"), nil, testLogger(), false).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Downloads != 50 {
		t.Errorf("expected 50 downloads, got %d", report.Downloads)
	}
	if remote.Peak() > 8 {
		t.Errorf("observed %d concurrent fetches, limit is 8", remote.Peak())
	}
}

func TestRun_AdmissionFailureIsFatal(t *testing.T) {
	remote := testRemote()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewEngine(testConfig(), remote, content.NewRoot(memfs.New(), "content"), nil, testLogger(), false).Run(ctx)
	if !errors.Is(err, gate.ErrAdmission) {
		t.Fatalf("expected ErrAdmission, got %v", err)
	}
	if report.Phase != PhaseFailed {
		t.Errorf("expected failed phase, got %s", report.Phase)
	}
	if remote.TotalFetches() != 0 {
		t.Errorf("expected no fetches, got %d", remote.TotalFetches())
	}
}

func TestRun_VerifyIOErrorIsFatal(t *testing.T) {
	remote := testRemote()
	dir := filepath.Join(t.TempDir(), "content")
	if err := os.MkdirAll(filepath.Join(dir, "data", "ets2.scs"), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := NewEngine(testConfig(), remote, content.OpenDir(dir), nil, testLogger(), false).Run(context.Background())
	var ioErr *verify.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *verify.IOError, got %v", err)
	}
	if ioErr.Path != "data/ets2.scs" {
		t.Errorf("unexpected path %q", ioErr.Path)
	}
}

func TestBudget(t *testing.T) {
	b := &budget{enabled: true, remaining: 2}
	if b.passes() != 3 {
		t.Errorf("expected 3 passes, got %d", b.passes())
	}
	for i := 0; i < 2; i++ {
		if err := b.take(); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if err := b.take(); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Errorf("expected ErrRetryBudgetExhausted, got %v", err)
	}

	disabled := &budget{enabled: false, remaining: 5}
	if disabled.passes() != 1 {
		t.Errorf("expected 1 pass when disabled, got %d", disabled.passes())
	}
	if err := disabled.take(); !errors.Is(err, ErrRetriesDisabled) {
		t.Errorf("expected ErrRetriesDisabled, got %v", err)
	}
}
