// Package ratelimit guards outbound provider sessions against bursts that get
// a WhatsApp number flagged.
//
// Each outbound channel (one connected WhatsApp instance) gets a sliding window
// of recent sends plus a minimum spacing between consecutive sends. Checks never
// block; callers decide whether to wait, surface the delay, or give up.
//
// The table lives in process memory. Several processes driving the same provider
// session each see only their own sends, so this is a local best-effort guard and
// not a guarantee that the provider's own limits are respected.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"inbox-sync/internal/observability"
)

// Reason explains why a send was rejected.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonWindowExceeded Reason = "window exceeded"
	ReasonSpacing        Reason = "spacing"
)

// Config holds the tuning constants of the limiter.
type Config struct {
	Window     time.Duration
	Capacity   int
	MinSpacing time.Duration
}

// DefaultConfig is 15 sends per minute, at least 3 seconds apart.
var DefaultConfig = Config{
	Window:     60 * time.Second,
	Capacity:   15,
	MinSpacing: 3 * time.Second,
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Wait    time.Duration `json:"-"`
	WaitMs  int64         `json:"wait_ms"`
	Reason  Reason        `json:"reason,omitempty"`
}

// Status reports the occupancy of a channel.
type Status struct {
	CountInWindow   int   `json:"count_in_window"`
	MaxPerWindow    int   `json:"max_per_window"`
	NextAllowedInMs int64 `json:"next_allowed_in_ms"`
}

type entry struct {
	sends []time.Time
	last  time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New builds a limiter. Zero fields of cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = DefaultConfig.MinSpacing
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanSend reports whether channel may send right now.
func (l *Limiter) CanSend(channel string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(channel, l.now())
}

// RecordSent registers a send attempt. Call it once per attempt, right before
// the provider call, so overlapping attempts see each other.
func (l *Limiter) RecordSent(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(channel, l.now())
}

// Acquire checks and, when allowed, records the send under a single lock.
func (l *Limiter) Acquire(channel string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	d := l.check(channel, now)
	if d.Allowed {
		l.record(channel, now)
	}
	return d
}

// Status reports the current window occupancy of channel.
func (l *Limiter) Status(channel string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	d := l.evaluate(channel, now)
	count := 0
	if e, ok := l.entries[channel]; ok {
		count = len(e.sends)
	}
	return Status{
		CountInWindow:   count,
		MaxPerWindow:    l.cfg.Capacity,
		NextAllowedInMs: d.WaitMs,
	}
}

// WaitForRateLimit sleeps once for the wait the limiter currently asks for.
// It does not re-check afterwards.
func (l *Limiter) WaitForRateLimit(ctx context.Context, channel string) error {
	d := l.CanSend(channel)
	if d.Allowed {
		return nil
	}
	timer := time.NewTimer(d.Wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config returns the limiter's tuning.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) check(channel string, now time.Time) Decision {
	d := l.evaluate(channel, now)
	if !d.Allowed {
		observability.IncRateLimitRejection(string(d.Reason))
	}
	return d
}

func (l *Limiter) evaluate(channel string, now time.Time) Decision {
	e, ok := l.entries[channel]
	if !ok {
		return Decision{Allowed: true}
	}
	l.prune(e, now)

	if len(e.sends) >= l.cfg.Capacity {
		wait := e.sends[0].Add(l.cfg.Window).Sub(now)
		return rejected(ReasonWindowExceeded, wait)
	}
	if !e.last.IsZero() {
		if elapsed := now.Sub(e.last); elapsed < l.cfg.MinSpacing {
			return rejected(ReasonSpacing, l.cfg.MinSpacing-elapsed)
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) record(channel string, now time.Time) {
	e, ok := l.entries[channel]
	if !ok {
		e = &entry{}
		l.entries[channel] = e
	}
	l.prune(e, now)
	e.sends = append(e.sends, now)
	e.last = now
}

// prune drops sends that are at least one window old. sends is kept in
// insertion order, which is time order.
func (l *Limiter) prune(e *entry, now time.Time) {
	cut := 0
	for cut < len(e.sends) && now.Sub(e.sends[cut]) >= l.cfg.Window {
		cut++
	}
	if cut > 0 {
		e.sends = append(e.sends[:0], e.sends[cut:]...)
	}
}

func rejected(reason Reason, wait time.Duration) Decision {
	if wait < 0 {
		wait = 0
	}
	return Decision{Allowed: false, Wait: wait, WaitMs: wait.Milliseconds(), Reason: reason}
}
