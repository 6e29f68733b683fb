package api

import (
	"log"
	"sync"
	"time"
)

// Limiter enforces a per-key fixed-window rate limit. Windows roll over after
// a minute; a background sweep drops stale keys.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*limiterWindow
	perMin  int
	logger  *log.Logger
}

type limiterWindow struct {
	count       int
	windowStart time.Time
}

func NewLimiter(perMin int) *Limiter {
	if perMin <= 0 {
		perMin = 60
	}
	l := &Limiter{
		windows: make(map[string]*limiterWindow),
		perMin:  perMin,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go l.cleanup()
	return l
}

// Allow reports whether the key may proceed, counting the attempt either way.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		l.windows[key] = &limiterWindow{count: 1, windowStart: now}
		return true
	}

	w.count++
	if w.count > l.perMin {
		rateLimited.Inc()
		l.logger.Printf("🚫 rate limit exceeded: key=%s count=%d limit=%d", key, w.count, l.perMin)
		return false
	}
	return true
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := time.Now()
		for key, w := range l.windows {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}
