package rate_limiter

import (
	"log/slog"
	"sync"
	"time"
)

// Config tunes the shared bucket parameters. Zero values fall back to the
// package defaults.
type Config struct {
	PerSecond       float64
	Burst           int
	KeyExpiry       time.Duration
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = int(c.PerSecond)
	}
	if c.KeyExpiry <= 0 {
		c.KeyExpiry = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	return c
}

type bucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	lastActivity time.Time
}

// Limiter is a keyed token bucket: every key gets Burst tokens refilled at
// PerSecond. Buckets idle past KeyExpiry are evicted by a background sweep
// so per-client keys do not accumulate forever.
type Limiter struct {
	config  Config
	logger  *slog.Logger
	buckets sync.Map

	closeOnce sync.Once
	done      chan struct{}
}

func New(config Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		config: config.withDefaults(),
		logger: logger.With("component", "rate-limiter"),
		done:   make(chan struct{}),
	}
	go l.evictIdle()
	return l
}

// Allow takes one token from key's bucket, reporting false when it is empty.
func (l *Limiter) Allow(key string) bool {
	b := l.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens = min(b.tokens+now.Sub(b.lastRefill).Seconds()*l.config.PerSecond, float64(l.config.Burst))
	b.lastRefill = now
	b.lastActivity = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Limiter) bucket(key string) *bucket {
	if value, ok := l.buckets.Load(key); ok {
		return value.(*bucket)
	}
	now := time.Now()
	value, _ := l.buckets.LoadOrStore(key, &bucket{
		tokens:       float64(l.config.Burst),
		lastRefill:   now,
		lastActivity: now,
	})
	return value.(*bucket)
}

func (l *Limiter) evictIdle() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := time.Now()
			evicted := 0
			l.buckets.Range(func(key, value interface{}) bool {
				b := value.(*bucket)
				b.mu.Lock()
				idle := now.Sub(b.lastActivity) > l.config.KeyExpiry
				b.mu.Unlock()
				if idle {
					l.buckets.Delete(key)
					evicted++
				}
				return true
			})
			if evicted > 0 {
				l.logger.Debug("evicted idle rate limit buckets", "count", evicted)
			}
		}
	}
}
