// Package fslock provides the metadata server's global reader/writer lock.
//
// Holding the write lock is represented by a WriteToken. Code that must only
// run under the write lock takes the token as an argument instead of taking
// the lock itself, so the caller stays in charge of when the lock is held.
package fslock

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Mode names the way a lock was held.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// HoldObserver receives how long the lock was held after each release.
type HoldObserver func(mode Mode, held time.Duration)

// Option configures a Lock.
type Option func(*Lock)

// WithHoldObserver reports every hold duration to fn.
func WithHoldObserver(fn HoldObserver) Option {
	return func(l *Lock) {
		l.observer = fn
	}
}

// WithHoldLimit logs a warning whenever the lock is held longer than d.
func WithHoldLimit(d time.Duration) Option {
	return func(l *Lock) {
		l.holdLimit = d
	}
}

// WithLogger sets the logger used for slow-hold warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) {
		l.logger = logger
	}
}

// Lock is the global namespace lock.
type Lock struct {
	mu        sync.RWMutex
	writer    atomic.Bool
	observer  HoldObserver
	holdLimit time.Duration
	logger    *slog.Logger
}

// New creates an unlocked Lock.
func New(opts ...Option) *Lock {
	l := &Lock{logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WriteToken proves the global write lock is held.
type WriteToken struct {
	lock     *Lock
	acquired time.Time
	released atomic.Bool
}

// ReadToken proves the global read lock is held.
type ReadToken struct {
	lock     *Lock
	acquired time.Time
	released atomic.Bool
}

// AcquireWrite blocks until the write lock is held.
func (l *Lock) AcquireWrite() *WriteToken {
	l.mu.Lock()
	l.writer.Store(true)
	return &WriteToken{lock: l, acquired: time.Now()}
}

// AcquireRead blocks until the read lock is held.
func (l *Lock) AcquireRead() *ReadToken {
	l.mu.RLock()
	return &ReadToken{lock: l, acquired: time.Now()}
}

// HasWriteLock reports whether some goroutine holds the write lock.
func (l *Lock) HasWriteLock() bool {
	return l.writer.Load()
}

// WithWriteLock runs fn with the write lock held.
func (l *Lock) WithWriteLock(fn func(tok *WriteToken)) {
	tok := l.AcquireWrite()
	defer tok.Release()
	fn(tok)
}

// WithReadLock runs fn with the read lock held.
func (l *Lock) WithReadLock(fn func(tok *ReadToken)) {
	tok := l.AcquireRead()
	defer tok.Release()
	fn(tok)
}

// Held reports whether the token still holds the write lock.
func (t *WriteToken) Held() bool {
	return t != nil && !t.released.Load()
}

// Release drops the write lock. Releasing twice is a no-op.
func (t *WriteToken) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	held := time.Since(t.acquired)
	t.lock.writer.Store(false)
	t.lock.mu.Unlock()
	t.lock.observe(ModeWrite, held)
}

// Held reports whether the token still holds the read lock.
func (t *ReadToken) Held() bool {
	return t != nil && !t.released.Load()
}

// Release drops the read lock. Releasing twice is a no-op.
func (t *ReadToken) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	held := time.Since(t.acquired)
	t.lock.mu.RUnlock()
	t.lock.observe(ModeRead, held)
}

func (l *Lock) observe(mode Mode, held time.Duration) {
	if l.observer != nil {
		l.observer(mode, held)
	}
	if l.holdLimit > 0 && held > l.holdLimit {
		l.logger.Warn("global lock held too long",
			"mode", string(mode),
			"held", held,
			"limit", l.holdLimit,
		)
	}
}
