package sync

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is a state of the sync state machine
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseFirstDownload Phase = "first-download"
	PhaseVerifying     Phase = "verifying"
	PhaseRetryDownload Phase = "retry-download"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

var (
	// ErrRetryBudgetExhausted means files still mismatched after the last allowed retry
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrRetriesDisabled means files mismatched and retries are turned off
	ErrRetriesDisabled = errors.New("retries disabled")
)

// FailedError is returned when a run ends with files that never verified
type FailedError struct {
	Residual []string
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("sync failed with %d unverified files (%v): %s",
		len(e.Residual), e.Err, strings.Join(e.Residual, ", "))
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Report summarizes a sync run
type Report struct {
	Phase       Phase
	WorkingSet  int
	Passes      int
	Downloads   int
	RetriesUsed int
	Residual    []string
	DryRun      bool
}

// budget counts the remaining re-download rounds of a run
type budget struct {
	enabled   bool
	remaining int
}

// take consumes one retry. It returns the terminal error when none is left.
func (b *budget) take() error {
	if !b.enabled {
		return ErrRetriesDisabled
	}
	if b.remaining <= 0 {
		return ErrRetryBudgetExhausted
	}
	b.remaining--
	return nil
}

// passes is the maximum number of verification passes the budget allows
func (b *budget) passes() int {
	if !b.enabled {
		return 1
	}
	return b.remaining + 1
}
