// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes to the modem, for diagnosing channel-level misbehaviour.
package trace

import (
	"io"

	"github.com/charmbracelet/log"
)

// Trace is a trace log on an io.ReadWriter.
// All reads and writes are logged via the given logger.
type Trace struct {
	rw  io.ReadWriter
	log *log.Logger
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriter, logging at debug level.
func New(rw io.ReadWriter, l *log.Logger, opts ...Option) *Trace {
	t := &Trace{rw: rw, log: l}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithLogger overrides the logger installed by New.
func WithLogger(l *log.Logger) Option {
	return func(t *Trace) {
		t.log = l
	}
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.log.Debug("modem", "dir", "rx", "bytes", string(p[:n]))
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.log.Debug("modem", "dir", "tx", "bytes", string(p[:n]))
	}
	return n, err
}

// Close closes the underlying transport if it is an io.Closer.
func (t *Trace) Close() error {
	if c, ok := t.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
