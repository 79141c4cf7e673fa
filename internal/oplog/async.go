package oplog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultQueueSize  = 256
	defaultMaxRetries = 3
)

// AsyncRecorder queues records and writes them to a Store from a single
// background worker. Record never blocks: when the queue is full the record
// is dropped and counted.
type AsyncRecorder struct {
	store      Store
	queue      chan Record
	maxRetries uint
	backOff    func() backoff.BackOff

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// AsyncOption configures an AsyncRecorder
type AsyncOption func(*AsyncRecorder)

// WithQueueSize sets the number of records buffered before dropping
func WithQueueSize(size int) AsyncOption {
	return func(a *AsyncRecorder) {
		if size > 0 {
			a.queue = make(chan Record, size)
		}
	}
}

// WithRetries sets how many times a failed write is attempted
func WithRetries(tries uint, newBackOff func() backoff.BackOff) AsyncOption {
	return func(a *AsyncRecorder) {
		if tries > 0 {
			a.maxRetries = tries
		}
		if newBackOff != nil {
			a.backOff = newBackOff
		}
	}
}

// NewAsyncRecorder starts a recorder writing to store
func NewAsyncRecorder(store Store, opts ...AsyncOption) *AsyncRecorder {
	a := &AsyncRecorder{
		store:      store,
		queue:      make(chan Record, defaultQueueSize),
		maxRetries: defaultMaxRetries,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.run()
	return a
}

// Record implements Recorder
func (a *AsyncRecorder) Record(_ context.Context, rec Record) {
	rec = rec.withDefaults()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		slog.Warn("Operation recorder closed, dropping record", "id", rec.ID, "repository", rec.Repository)
		return
	}

	select {
	case a.queue <- rec:
	default:
		a.dropped.Add(1)
		slog.Warn("Operation log queue full, dropping record",
			"id", rec.ID,
			"operation", rec.Operation,
			"repository", rec.Repository)
	}
}

// Dropped returns the number of records discarded because the queue was full
func (a *AsyncRecorder) Dropped() int64 {
	return a.dropped.Load()
}

// Failed returns the number of records the store could not persist
func (a *AsyncRecorder) Failed() int64 {
	return a.failed.Load()
}

// Close stops accepting records and waits for queued ones to be written.
// Records still queued when ctx expires are lost.
func (a *AsyncRecorder) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncRecorder) run() {
	defer close(a.done)

	for rec := range a.queue {
		if err := a.write(rec); err != nil {
			a.failed.Add(1)
			slog.Error("Failed to persist operation record",
				"id", rec.ID,
				"repository", rec.Repository,
				"error", err)
		}
	}
}

func (a *AsyncRecorder) write(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := a.store.Append(ctx, rec)
		if errors.Is(err, ErrStoreClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(a.backOff()),
		backoff.WithMaxTries(a.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("Retrying operation record write", "id", rec.ID, "error", err, "retry_in", next)
		}),
	)
	return err
}
