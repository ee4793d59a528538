package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks a per-key limiter and its last access time.
type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter bounds the number of attempts per key within a rolling window
// using a token bucket, with LRU eviction to prevent unbounded memory growth
// when keyed by client fingerprints.
//
// A bucket configured with maxAttempts=N and window=W holds at most N tokens
// and refills at N/W tokens per second, so no more than N consumptions
// succeed in any W interval.
type RateLimiter struct {
	limiters    map[string]*list.Element // key -> list element
	lruList     *list.List               // LRU list of *limiterEntry
	mu          sync.RWMutex
	maxAttempts int
	window      time.Duration
	maxEntries  int
	logger      *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a rate limiter allowing maxAttempts consumptions per
// key per window. Default max tracked keys is 10,000; use
// NewRateLimiterWithConfig for a custom cap.
func NewRateLimiter(maxAttempts int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(maxAttempts, window, 10000, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom cap on the
// number of unique keys tracked simultaneously. When the cap is reached the
// least recently used entries are evicted. Set maxEntries to 0 for unlimited
// (not recommended for production).
func NewRateLimiterWithConfig(maxAttempts int, window time.Duration, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxEntries < 0 {
		maxEntries = 10000
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		maxAttempts:     maxAttempts,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Consume attempts to take one attempt for the given key. It returns whether
// the attempt is allowed and, on denial, a hint for how long the caller
// should wait before retrying. Consume never blocks.
func (rl *RateLimiter) Consume(key string) (allowed bool, retryAfter time.Duration) {
	limiter := rl.limiterFor(key)

	res := limiter.Reserve()
	if !res.OK() {
		return false, rl.window
	}
	if delay := res.Delay(); delay > 0 {
		// Not enough budget right now; give the token back.
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Allow reports whether one attempt for the key is allowed, without a retry hint.
func (rl *RateLimiter) Allow(key string) bool {
	allowed, _ := rl.Consume(key)
	return allowed
}

// limiterFor returns the limiter for a key, creating and LRU-tracking it as needed.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[key]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(float64(rl.maxAttempts)/rl.window.Seconds()), rl.maxAttempts),
		lastAccess: now,
	}
	elem := rl.lruList.PushFront(entry)
	rl.limiters[key] = elem

	return entry.limiter
}

// evictLRU removes the least recently used entry. Must be called with the
// mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.key)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"key", entry.key,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

// cleanupLoop periodically removes inactive limiters to prevent memory leaks.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that haven't been accessed for the given duration.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.key)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// Stats holds rate limiter statistics for monitoring.
type Stats struct {
	CurrentEntries int     // Current number of tracked keys
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics for monitoring and alerting.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(stats.MaxEntries) * 100.0
	}

	return stats
}
