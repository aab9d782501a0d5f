package moonbot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Connection admission defaults: 10 attempts per 60-second sliding window.
const (
	defaultRateWindow      = time.Minute
	defaultRateMaxAttempts = 10
)

// RateLimiter is a dual-axis sliding-window attempt counter for connection
// admission. One axis keys on the peer address, the other on a SHA-256
// digest of the presented auth token, so a stolen token cannot be sprayed
// across many peers and a single peer cannot cycle tokens. Token plaintext
// is never stored.
type RateLimiter struct {
	mu            sync.Mutex
	addrAttempts  map[string][]time.Time
	tokenAttempts map[string][]time.Time
	window        time.Duration
	maxAttempts   int
	logger        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateWindow sets the sliding window duration. Default: 1 minute.
func WithRateWindow(d time.Duration) RateLimiterOption {
	return func(r *RateLimiter) { r.window = d }
}

// WithRateMaxAttempts sets the attempts allowed per window per key. Default: 10.
func WithRateMaxAttempts(n int) RateLimiterOption {
	return func(r *RateLimiter) { r.maxAttempts = n }
}

// WithRateLogger sets a structured logger for denial events.
func WithRateLogger(l *slog.Logger) RateLimiterOption {
	return func(r *RateLimiter) { r.logger = l }
}

// NewRateLimiter creates a RateLimiter with the given options.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		addrAttempts:  make(map[string][]time.Time),
		tokenAttempts: make(map[string][]time.Time),
		window:        defaultRateWindow,
		maxAttempts:   defaultRateMaxAttempts,
		logger:        nopLogger,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckAddr records one attempt from the peer address and reports whether
// it is admitted.
func (r *RateLimiter) CheckAddr(addr string) bool {
	return r.check(r.addrAttempts, addr, "addr")
}

// CheckToken records one attempt for the given auth token and reports
// whether it is admitted. The token is hashed before use as a map key.
func (r *RateLimiter) CheckToken(token string) bool {
	sum := sha256.Sum256([]byte(token))
	return r.check(r.tokenAttempts, hex.EncodeToString(sum[:]), "token")
}

// check prunes the key's window, rejects at capacity, otherwise records now.
func (r *RateLimiter) check(m map[string][]time.Time, key, axis string) bool {
	now := time.Now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	window := pruneTimes(m[key], cutoff)
	if len(window) >= r.maxAttempts {
		m[key] = window
		r.logger.Warn("rate limit exceeded", "axis", axis, "attempts", len(window))
		return false
	}
	m[key] = append(window, now)
	return true
}

// StartSweep launches a background sweep that removes keys whose windows
// have fully drained, once per window. Stops when ctx is done or Stop is
// called.
func (r *RateLimiter) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case now := <-ticker.C:
				r.sweep(now)
			}
		}
	}()
}

// Stop terminates the background sweep. Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-r.window)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range []map[string][]time.Time{r.addrAttempts, r.tokenAttempts} {
		for key, window := range m {
			if pruned := pruneTimes(window, cutoff); len(pruned) == 0 {
				delete(m, key)
			} else {
				m[key] = pruned
			}
		}
	}
}

// pruneTimes removes entries older than cutoff from a sorted time slice.
func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && !s[i].After(cutoff) {
		i++
	}
	return s[i:]
}
