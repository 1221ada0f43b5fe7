package sip

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures per-source INVITE rate limiting.
type RateLimiterConfig struct {
	// Rate is the number of new INVITEs allowed per second per source IP.
	// Zero disables limiting.
	Rate rate.Limit
	// Burst is the maximum burst size per source IP.
	Burst int
	// CleanupInterval is how often idle entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimiterConfig allows 20 INVITEs per second with a burst of 40.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks a token bucket per source address.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[netip.Addr]*rateLimitEntry
	cfg     RateLimiterConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a limiter and starts background cleanup. A limiter
// with a zero rate allows everything and runs no cleanup.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		entries: make(map[netip.Addr]*rateLimitEntry),
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		stopCh:  make(chan struct{}),
	}
	if rl.Enabled() && cfg.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Enabled reports whether limiting is active.
func (rl *RateLimiter) Enabled() bool {
	return rl.cfg.Rate > 0
}

// Allow reports whether another INVITE from addr may be processed now.
func (rl *RateLimiter) Allow(addr netip.Addr) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	entry, ok := rl.entries[addr]
	if !ok {
		entry = &rateLimitEntry{
			limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst),
		}
		rl.entries[addr] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes entries not seen within MaxAge.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for addr, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, addr)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}
