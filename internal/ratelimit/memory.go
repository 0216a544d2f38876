package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rustkas/beamline-gateway/internal/observability"
)

// Memory limiter defaults.
const (
	// DefaultKeyTTL is how long an idle key's limiter is retained.
	DefaultKeyTTL = 10 * time.Minute

	// DefaultCleanupInterval is the interval between stale-key sweeps.
	DefaultCleanupInterval = time.Minute
)

var _ io.Closer = (*MemoryLimiter)(nil)

// keyEntry holds a limiter and its last access time for TTL cleanup.
type keyEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter rate-limits per key using token buckets in process memory.
// A background goroutine evicts idle keys; call Close when done.
type MemoryLimiter struct {
	mu     sync.Mutex
	keys   map[string]*keyEntry
	rps    rate.Limit
	burst  int
	ttl    time.Duration
	logger observability.Logger
	stopCh chan struct{}
	once   sync.Once
}

// NewMemoryLimiter creates a memory limiter allowing cfg.Requests per
// cfg.Window with bursts of cfg.Burst.
func NewMemoryLimiter(cfg *Config, logger observability.Logger) *MemoryLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Requests
	}

	l := &MemoryLimiter{
		keys:   make(map[string]*keyEntry),
		rps:    rate.Limit(float64(cfg.Requests) / window.Seconds()),
		burst:  burst,
		ttl:    DefaultKeyTTL,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (*Result, error) {
	l.mu.Lock()
	entry, ok := l.keys[key]
	if !ok {
		entry = &keyEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.keys[key] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	res := entry.limiter.Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return &Result{
			Allowed:    false,
			Limit:      l.burst,
			Remaining:  0,
			RetryAfter: delay,
		}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: int(entry.limiter.Tokens()),
	}, nil
}

// cleanupLoop evicts keys idle longer than the TTL.
func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *MemoryLimiter) cleanup() {
	now := time.Now()
	l.mu.Lock()
	for key, entry := range l.keys {
		if now.Sub(entry.lastAccess) > l.ttl {
			delete(l.keys, key)
		}
	}
	l.mu.Unlock()
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.once.Do(func() {
		close(l.stopCh)
	})
	return nil
}
