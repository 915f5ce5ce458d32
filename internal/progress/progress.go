// Package progress defines the observational event sink used by batch downloads.
package progress

import (
	"io"
	"log/slog"
	"sync/atomic"
)

// Sink receives progress notifications. Implementations must return quickly and
// must not block; they have no way to fail the operation they observe.
type Sink interface {
	BatchTotal(n int)
	EntryStarted(path string, size int64)
	EntryBytes(path string, n int)
	EntryFinished(path string, err error)
}

// Nop discards every notification
type Nop struct{}

func (Nop) BatchTotal(int)              {}
func (Nop) EntryStarted(string, int64)  {}
func (Nop) EntryBytes(string, int)      {}
func (Nop) EntryFinished(string, error) {}

// LogSink reports batch totals at info level and per-entry events at debug level
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) BatchTotal(n int) {
	s.logger.Info("downloading files", "count", n)
}

func (s *LogSink) EntryStarted(path string, size int64) {
	s.logger.Debug("download started", "path", path, "size", size)
}

func (s *LogSink) EntryBytes(string, int) {}

func (s *LogSink) EntryFinished(path string, err error) {
	if err != nil {
		s.logger.Warn("download failed", "path", path, "error", err)
		return
	}
	s.logger.Debug("download finished", "path", path)
}

// Counter tallies events and forwards them to an optional next sink
type Counter struct {
	Next Sink

	batches  atomic.Int64
	started  atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
	bytes    atomic.Int64
}

// Totals is a snapshot of a Counter
type Totals struct {
	Batches  int
	Started  int
	Finished int
	Failed   int
	Bytes    int64
}

func (c *Counter) BatchTotal(n int) {
	c.batches.Add(1)
	if c.Next != nil {
		c.Next.BatchTotal(n)
	}
}

func (c *Counter) EntryStarted(path string, size int64) {
	c.started.Add(1)
	if c.Next != nil {
		c.Next.EntryStarted(path, size)
	}
}

func (c *Counter) EntryBytes(path string, n int) {
	c.bytes.Add(int64(n))
	if c.Next != nil {
		c.Next.EntryBytes(path, n)
	}
}

func (c *Counter) EntryFinished(path string, err error) {
	c.finished.Add(1)
	if err != nil {
		c.failed.Add(1)
	}
	if c.Next != nil {
		c.Next.EntryFinished(path, err)
	}
}

// Totals returns the current counts
func (c *Counter) Totals() Totals {
	return Totals{
		Batches:  int(c.batches.Load()),
		Started:  int(c.started.Load()),
		Finished: int(c.finished.Load()),
		Failed:   int(c.failed.Load()),
		Bytes:    c.bytes.Load(),
	}
}

// Writer wraps w and reports every successful write to sink as EntryBytes for path
func Writer(sink Sink, path string, w io.Writer) io.Writer {
	return &countingWriter{sink: sink, path: path, w: w}
}

type countingWriter struct {
	sink Sink
	path string
	w    io.Writer
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.sink.EntryBytes(cw.path, n)
	}
	return n, err
}
