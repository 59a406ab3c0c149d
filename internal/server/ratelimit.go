package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimitConfig tunes the request throttles. GlobalRPS bounds the whole
// listener, while WebhookLimit bounds webhook deliveries per source IP per
// WebhookWindow. When RedisAddr is set the per-IP webhook counters live in
// Redis so multiple replicas share one budget.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	WebhookLimit  int
	WebhookWindow time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global *tokenBucket
	logger *slog.Logger

	webhookLimit  int
	webhookWindow time.Duration

	mu      sync.Mutex
	buckets map[string]*windowCounter

	counters counterStore
}

type windowCounter struct {
	count   int
	resetAt time.Time
}

// counterStore abstracts the shared webhook counters so the in-process
// fallback and the Redis implementation are interchangeable.
type counterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *rateLimiter {
	limiter := &rateLimiter{
		logger:        logger,
		webhookLimit:  cfg.WebhookLimit,
		webhookWindow: cfg.WebhookWindow,
		buckets:       make(map[string]*windowCounter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
		}
		limiter.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if limiter.webhookWindow <= 0 {
		limiter.webhookWindow = time.Minute
	}
	if cfg.RedisAddr != "" {
		limiter.counters = newRedisCounterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisTimeout)
	}
	return limiter
}

// AllowRequest consumes one token from the global bucket. A limiter without
// a configured global rate admits everything.
func (l *rateLimiter) AllowRequest() bool {
	if l == nil || l.global == nil {
		return true
	}
	return l.global.take()
}

// AllowWebhook enforces the per-IP webhook budget. Redis failures fall back
// to the local counters rather than rejecting deliveries.
func (l *rateLimiter) AllowWebhook(ctx context.Context, ip string) bool {
	if l == nil || l.webhookLimit <= 0 || ip == "" {
		return true
	}
	if l.counters != nil {
		count, err := l.counters.Increment(ctx, "mediaflow:webhook:"+ip, l.webhookWindow)
		if err == nil {
			return count <= int64(l.webhookLimit)
		}
		if l.logger != nil {
			l.logger.Warn("webhook counter store unavailable, using local counters", "error", err)
		}
	}
	return l.allowLocal(ip)
}

func (l *rateLimiter) allowLocal(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupLocked(now)
	counter, ok := l.buckets[ip]
	if !ok || now.After(counter.resetAt) {
		l.buckets[ip] = &windowCounter{count: 1, resetAt: now.Add(l.webhookWindow)}
		return true
	}
	counter.count++
	return counter.count <= l.webhookLimit
}

func (l *rateLimiter) cleanupLocked(now time.Time) {
	for ip, counter := range l.buckets {
		if now.After(counter.resetAt) {
			delete(l.buckets, ip)
		}
	}
}

func (l *rateLimiter) Close() {
	if l == nil || l.counters == nil {
		return
	}
	if err := l.counters.Close(); err != nil && l.logger != nil {
		l.logger.Warn("closing webhook counter store", "error", err)
	}
}

// tokenBucket is a minimal leaky bucket refilled on each take.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
