// Package journal records shell input in one or more storage backends.
// A WriteThrough fans every entry out to all of them at once.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencog/cogserver-net/internal/logger"
	"github.com/opencog/cogserver-net/internal/metrics"
)

// Entry is one line of input from one session.
type Entry struct {
	Session string    `json:"session"`
	Remote  string    `json:"remote"`
	Line    string    `json:"line"`
	At      time.Time `json:"at"`
}

// Backend stores entries.
type Backend interface {
	Name() string
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Historian is implemented by backends that can replay a session.
type Historian interface {
	History(ctx context.Context, session string) ([]Entry, error)
}

// WriteThrough sends each entry to every backend concurrently. A failing
// backend does not stop the others.
type WriteThrough struct {
	backends []Backend
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// Option customizes a WriteThrough.
type Option func(*WriteThrough)

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *WriteThrough) { w.metrics = m }
}

// WithTimeout bounds each Append across all backends.
func WithTimeout(d time.Duration) Option {
	return func(w *WriteThrough) { w.timeout = d }
}

func New(backends []Backend, opts ...Option) *WriteThrough {
	w := &WriteThrough{backends: backends}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WriteThrough) Len() int { return len(w.backends) }

// Names lists the backends in the order they were configured.
func (w *WriteThrough) Names() []string {
	names := make([]string, len(w.backends))
	for i, b := range w.backends {
		names[i] = b.Name()
	}
	return names
}

// Append writes e to every backend and joins their errors. With no
// backends it does nothing.
func (w *WriteThrough) Append(ctx context.Context, e Entry) error {
	if len(w.backends) == 0 {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	errs := make([]error, len(w.backends))
	var g errgroup.Group
	for i, b := range w.backends {
		i, b := i, b
		g.Go(func() error {
			err := b.Append(ctx, e)
			w.metrics.JournalWrite(b.Name(), err)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", b.Name(), err)
				logger.Warning("Journal write failed", "backend", b.Name(), "session", e.Session, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// History replays a session from the first backend that keeps one.
func (w *WriteThrough) History(ctx context.Context, session string) ([]Entry, error) {
	for _, b := range w.backends {
		if h, ok := b.(Historian); ok {
			return h.History(ctx, session)
		}
	}
	return nil, ErrNoHistory
}

// Close closes every backend.
func (w *WriteThrough) Close() error {
	var errs []error
	for _, b := range w.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ErrNoHistory means no configured backend can replay a session.
var ErrNoHistory = errors.New("no journal backend keeps history")
