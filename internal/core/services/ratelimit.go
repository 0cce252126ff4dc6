package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/evergreen-sync/internal/core/domain"
)

// Quota is a provider's sustained request rate and burst
type Quota struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimiter holds one token bucket per connection. Callers block until a
// token is available. A provider throttle drains the bucket and pauses every
// caller of that connection until the provider's retry hint has elapsed.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	quotas       map[domain.ProviderKind]Quota
	defaultQuota Quota
	defaultPause time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

type bucket struct {
	limiter     *rate.Limiter
	pausedUntil time.Time
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Quotas       map[domain.ProviderKind]Quota
	DefaultQuota Quota         // Used for providers without an entry (default: 5 rps, burst 10)
	DefaultPause time.Duration // Pause when a throttle carries no hint (default: 30s)
	Logger       *slog.Logger
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	def := cfg.DefaultQuota
	if def.RequestsPerSecond <= 0 {
		def = Quota{RequestsPerSecond: 5, Burst: 10}
	}
	pause := cfg.DefaultPause
	if pause <= 0 {
		pause = 30 * time.Second
	}
	quotas := make(map[domain.ProviderKind]Quota, len(cfg.Quotas))
	for k, q := range cfg.Quotas {
		quotas[k] = q
	}
	return &RateLimiter{
		buckets:      make(map[string]*bucket),
		quotas:       quotas,
		defaultQuota: def,
		defaultPause: pause,
		logger:       logger,
		now:          time.Now,
	}
}

func (r *RateLimiter) bucketFor(connectionID string, provider domain.ProviderKind) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[connectionID]
	if !ok {
		q, ok := r.quotas[provider]
		if !ok {
			q = r.defaultQuota
		}
		burst := q.Burst
		if burst < 1 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(q.RequestsPerSecond), burst)}
		r.buckets[connectionID] = b
	}
	return b
}

// Wait blocks until the connection may issue one request.
func (r *RateLimiter) Wait(ctx context.Context, connectionID string, provider domain.ProviderKind) error {
	b := r.bucketFor(connectionID, provider)
	for {
		r.mu.Lock()
		pause := b.pausedUntil.Sub(r.now())
		r.mu.Unlock()

		if pause > 0 {
			if deadline, ok := ctx.Deadline(); ok && r.now().Add(pause).After(deadline) {
				return errWaitPastDeadline(fmt.Errorf("paused for %s", pause.Round(time.Millisecond)))
			}
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		if err := b.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errWaitPastDeadline(err)
		}

		// A throttle may have landed while this caller was waiting for a token.
		r.mu.Lock()
		paused := r.now().Before(b.pausedUntil)
		r.mu.Unlock()
		if !paused {
			return nil
		}
	}
}

// errWaitPastDeadline reports a token that would only be granted after the
// caller's deadline.
func errWaitPastDeadline(cause error) error {
	return domain.NewSyncError(domain.ErrorKindTimeout, "rate_limit",
		"rate limit wait exceeds the job deadline",
		fmt.Errorf("%w: %v", context.DeadlineExceeded, cause))
}

// Throttle records a provider throttle: the bucket is drained and all callers
// pause for retryAfter (or the default pause when no hint was given).
func (r *RateLimiter) Throttle(connectionID string, provider domain.ProviderKind, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = r.defaultPause
	}
	b := r.bucketFor(connectionID, provider)

	r.mu.Lock()
	now := r.now()
	until := now.Add(retryAfter)
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	r.mu.Unlock()

	if tokens := int(b.limiter.TokensAt(now)); tokens > 0 {
		b.limiter.AllowN(now, tokens)
	}

	r.logger.Warn("provider throttled connection",
		"connection_id", connectionID,
		"retry_after", retryAfter,
	)
}

// PausedUntil returns when a throttled connection may resume.
func (r *RateLimiter) PausedUntil(connectionID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[connectionID]; ok {
		return b.pausedUntil
	}
	return time.Time{}
}

// Forget drops the bucket of a disconnected connection.
func (r *RateLimiter) Forget(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, connectionID)
}
