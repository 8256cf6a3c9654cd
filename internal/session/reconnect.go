package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Connector is the part of [Manager] a [Reconnector] drives.
type Connector interface {
	Connect(ctx context.Context) error
	Status() Status
	Subscribe() (<-chan Snapshot, func())
}

// Reconnector watches a [Connector] and, when a session ends in
// [StatusError], connects again with exponential backoff.
//
// A user Disconnect or a normal remote close never triggers a retry. A retry
// cycle is abandoned as soon as the status leaves StatusError for any other
// reason, for example because the user connected or disconnected manually.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	target      Connector
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	mu       sync.Mutex
	attempts int
	done     chan struct{}
	stopOnce sync.Once
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Target is the session manager to supervise.
	Target Connector

	// MaxRetries is the maximum number of reconnection attempts per failure
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection. May be nil.
	OnReconnect func()
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		target:      cfg.Target,
		maxRetries:  maxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		done:        make(chan struct{}),
	}
}

// Run supervises the target until ctx is cancelled or Stop is called.
func (r *Reconnector) Run(ctx context.Context) {
	updates, cancel := r.target.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Status != StatusError {
				continue
			}
			for r.attemptReconnect(ctx) {
				// A reconnected session may already have failed again while
				// this cycle ran; its snapshot was discarded below.
				if r.target.Status() != StatusError {
					break
				}
			}
			drain(updates)
		}
	}
}

// Stop halts supervision. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// Attempts returns the total number of reconnection attempts made.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// attemptReconnect tries to connect with exponential backoff. It reports
// whether a connection attempt succeeded.
func (r *Reconnector) attemptReconnect(ctx context.Context) bool {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		case <-time.After(currentBackoff):
		}

		if st := r.target.Status(); st != StatusError {
			slog.Debug("reconnect: abandoned, status changed", "status", st.String())
			return false
		}

		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)
		r.mu.Lock()
		r.attempts++
		r.mu.Unlock()

		err := r.target.Connect(ctx)
		if err == nil {
			slog.Info("reconnection successful", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return true
		}
		if errors.Is(err, ErrSessionActive) {
			return false
		}

		slog.Warn("reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
	return false
}

// drain discards every snapshot already queued on ch.
func drain(ch <-chan Snapshot) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
