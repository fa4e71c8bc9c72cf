package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter decides request admission per API key. Decisions never
// touch change state.
type RateLimiter interface {
	// Allow reports whether the key may proceed and, when denied, how
	// long to wait.
	Allow(ctx context.Context, apiKey string) (bool, time.Duration, error)
}

// MemoryRateLimiter keeps a windowed limiter per key in process memory.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	keys    map[string]*keyLimiter
	window  time.Duration
	max     int
	stopped chan struct{}
}

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryRateLimiter allows max requests per window per key. A
// background sweep drops idle entries.
func NewMemoryRateLimiter(window time.Duration, max int) *MemoryRateLimiter {
	rl := &MemoryRateLimiter{
		keys:    make(map[string]*keyLimiter),
		window:  window,
		max:     max,
		stopped: make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *MemoryRateLimiter) Allow(ctx context.Context, apiKey string) (bool, time.Duration, error) {
	rl.mu.Lock()
	entry, ok := rl.keys[apiKey]
	if !ok {
		entry = &keyLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.max)/rl.window.Seconds()), rl.max),
		}
		rl.keys[apiKey] = entry
	}
	entry.lastSeen = time.Now()
	lim := entry.limiter
	rl.mu.Unlock()

	if lim.Allow() {
		return true, 0, nil
	}
	res := lim.Reserve()
	wait := res.Delay()
	res.Cancel()
	return false, wait, nil
}

// Stop ends the cleanup goroutine.
func (rl *MemoryRateLimiter) Stop() { close(rl.stopped) }

// cleanup drops entries idle for three windows.
func (rl *MemoryRateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopped:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, entry := range rl.keys {
				if time.Since(entry.lastSeen) > 3*rl.window {
					delete(rl.keys, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RedisRateLimiter shares a windowed counter across processes.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
}

// NewRedisRateLimiter builds a limiter over an existing client.
func NewRedisRateLimiter(client *redis.Client, window time.Duration, max int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, window: window, max: max}
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, apiKey string) (bool, time.Duration, error) {
	now := time.Now()
	bucket := now.Truncate(rl.window)
	key := fmt.Sprintf("saferun:rl:%s:%d", apiKey, bucket.Unix())

	pipe := rl.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		// Unreachable backend admits the request; the caller logs err.
		return true, 0, err
	}
	if count.Val() > int64(rl.max) {
		return false, bucket.Add(rl.window).Sub(now), nil
	}
	return true, 0, nil
}
