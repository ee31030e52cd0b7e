// Package ratelimit provides per-key fixed-window rate limiting for
// inbound messages.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerWindow is the number of requests allowed per window.
	RequestsPerWindow int `yaml:"requests_per_window"`
	// Window is the fixed window length.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 20,
		Window:            time.Minute,
		Enabled:           true,
	}
}

func (c Config) normalized() Config {
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = 20
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// window counts requests within one fixed window per key.
type window struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	limit   int
	length  time.Duration
	touched time.Time
}

func (w *window) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.touched = now
	if now.Sub(w.start) >= w.length {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

func (w *window) waitTime(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) >= w.length || w.count < w.limit {
		return 0
	}
	return w.start.Add(w.length).Sub(now)
}

func (w *window) idleSince(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.touched)
}

// Limiter manages fixed-window counters for multiple keys (senders,
// channels, composite keys).
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		config:  config.normalized(),
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow reports whether a request for the given key fits in the current
// window and consumes one slot if so.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getWindow(key).allow(l.now())
}

// WaitTime returns how long the key must wait before a request would be
// allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	return l.getWindow(key).waitTime(l.now())
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()
	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if w, exists = l.windows[key]; exists {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.prune()
	}

	now := l.now()
	w = &window{
		start:   now,
		limit:   l.config.RequestsPerWindow,
		length:  l.config.Window,
		touched: now,
	}
	l.windows[key] = w
	return w
}

// prune removes windows untouched for at least two window lengths (must be
// called with the write lock held).
func (l *Limiter) prune() {
	now := l.now()
	for key, w := range l.windows {
		if w.idleSince(now) >= 2*l.config.Window {
			delete(l.windows, key)
		}
	}
}

// CompositeKey joins key parts into one rate limit key.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
