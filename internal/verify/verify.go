package verify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"syscall"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/contentsyncd/internal/gate"
	"github.com/schaermu/contentsyncd/internal/manifest"
)

// chunkSize is the read buffer used while hashing
const chunkSize = 8 * 1024

// Result is the state of a local file compared to its manifest entry
type Result int

const (
	Match Result = iota
	Mismatch
	Missing
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	case Missing:
		return "missing"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// IOError is returned when a file exists but cannot be read for verification
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to verify %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Verifier checks files in a content root against their manifest hashes
type Verifier struct {
	fs billy.Filesystem
}

// New creates a verifier for the given content root
func New(fsys billy.Filesystem) *Verifier {
	return &Verifier{fs: fsys}
}

// Verify hashes the entry's local file and compares it to the manifest hash.
// A missing file is reported as Missing, never as an error. That includes a
// path whose parent is a regular file.
func (v *Verifier) Verify(ctx context.Context, entry manifest.Entry) (Result, error) {
	if _, err := v.fs.Stat(entry.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return Missing, nil
		}
		return 0, &IOError{Path: entry.Path, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sum, err := v.hash(entry.Path)
	if err != nil {
		return 0, &IOError{Path: entry.Path, Err: err}
	}
	if sum != entry.Hash {
		return Mismatch, nil
	}
	return Match, nil
}

func (v *Verifier) hash(path string) (string, error) {
	f, err := v.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := md5.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, onlyReader{f}, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// onlyReader hides WriterTo/ReaderFrom so io.CopyBuffer uses the fixed buffer.
type onlyReader struct {
	io.Reader
}

// Outcome is the verification outcome of one working set entry
type Outcome struct {
	Entry  manifest.Entry
	Result Result
	Err    error
}

// Pass is the result of verifying a whole working set
type Pass struct {
	Outcomes []Outcome
	Residual []manifest.Entry
}

// Err returns the first verification I/O error of the pass, if any
func (p *Pass) Err() error {
	for _, o := range p.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// VerifyAll verifies every entry concurrently behind the gate. Outcomes are
// returned in input order; Residual lists the Missing and Mismatch entries.
func (v *Verifier) VerifyAll(ctx context.Context, g *gate.Gate, entries []manifest.Entry) (*Pass, error) {
	outcomes, err := gate.ForEach(ctx, g, entries, func(ctx context.Context, e manifest.Entry) Outcome {
		res, err := v.Verify(ctx, e)
		return Outcome{Entry: e, Result: res, Err: err}
	})
	if err != nil {
		return nil, err
	}

	pass := &Pass{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err == nil && o.Result != Match {
			pass.Residual = append(pass.Residual, o.Entry)
		}
	}
	return pass, nil
}
