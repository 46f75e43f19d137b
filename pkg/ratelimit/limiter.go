// Package ratelimit implements the request gate for the upstream CVE API.
// All outbound requests pass through a single Limiter that enforces a
// requests-per-window budget over a sliding window and honors explicit
// 429 suspensions signaled by upstream.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit gating.
var (
	limiterWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvd_rate_limit_waits_total",
		Help: "Total number of acquisitions that had to wait for a free slot",
	})

	limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nvd_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a request slot",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
	})

	limiterSuspensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nvd_rate_limit_suspensions_total",
		Help: "Total number of upstream 429 suspensions applied",
	})
)

// ErrAcquireTimeout is returned when no slot frees up within the
// configured maximum wait. The fetcher treats it as a timeout condition
// rather than blocking a run forever.
var ErrAcquireTimeout = errors.New("rate limiter: maximum wait exceeded")

// Limiter grants request slots under a budget of requests per sliding
// window. It is mutex-guarded: fetches are sequential by design, but
// batch loads may run on other goroutines and must not race the clock.
type Limiter struct {
	mu             sync.Mutex
	budget         int
	window         time.Duration
	maxWait        time.Duration
	grants         []time.Time
	suspendedUntil time.Time
	logger         zerolog.Logger
}

// New creates a Limiter allowing budget requests per window. Acquire
// waits at most maxWait before giving up with ErrAcquireTimeout.
func New(budget int, window, maxWait time.Duration, logger zerolog.Logger) *Limiter {
	if budget <= 0 {
		budget = 1
	}
	return &Limiter{
		budget:  budget,
		window:  window,
		maxWait: maxWait,
		logger:  logger,
	}
}

// Acquire blocks cooperatively until a request slot is available under
// the budget, then reserves it. It returns the context error if ctx is
// cancelled while waiting and ErrAcquireTimeout when the wait would
// exceed the configured maximum.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	deadline := start.Add(l.maxWait)
	waited := false

	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)
		wait := l.nextSlot(now)
		if wait <= 0 {
			l.grants = append(l.grants, now)
			l.mu.Unlock()
			if waited {
				limiterWaitSeconds.Observe(time.Since(start).Seconds())
			}
			return nil
		}
		l.mu.Unlock()

		if now.Add(wait).After(deadline) {
			l.logger.Warn().
				Dur("wait", wait).
				Dur("max_wait", l.maxWait).
				Msg("Rate limiter starved beyond maximum wait")
			return ErrAcquireTimeout
		}

		if !waited {
			waited = true
			limiterWaitsTotal.Inc()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check under the lock; another caller may have taken
			// the slot in the meantime.
		}
	}
}

// ReleaseOn429 suspends all future grants until retryAfter has elapsed,
// regardless of the local budget. Called by the fetcher when upstream
// explicitly signals rate limiting.
func (l *Limiter) ReleaseOn429(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}

	l.mu.Lock()
	until := time.Now().Add(retryAfter)
	if until.After(l.suspendedUntil) {
		l.suspendedUntil = until
	}
	l.mu.Unlock()

	limiterSuspensionsTotal.Inc()
	l.logger.Warn().
		Dur("retry_after", retryAfter).
		Msg("Upstream rate limit signal - suspending acquisitions")
}

// prune drops grant timestamps that have aged out of the window.
// Callers must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// nextSlot returns how long the caller must wait for a slot, or 0 if one
// is available now. Callers must hold l.mu and have pruned first.
func (l *Limiter) nextSlot(now time.Time) time.Duration {
	if now.Before(l.suspendedUntil) {
		return l.suspendedUntil.Sub(now)
	}
	if len(l.grants) < l.budget {
		return 0
	}
	// Oldest in-window grant frees a slot once it ages out.
	return l.grants[len(l.grants)-l.budget].Add(l.window).Sub(now)
}
