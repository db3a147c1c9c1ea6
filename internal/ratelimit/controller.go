package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls the backoff window opened after 429-class errors.
type Config struct {
	InitialWait time.Duration // first window length
	MaxWait     time.Duration // window length cap
	Multiplier  float64       // growth factor per consecutive error
	MaxRaises   int           // consecutive errors counted toward growth
}

// DefaultConfig mirrors the executor defaults.
func DefaultConfig() Config {
	return Config{
		InitialWait: time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2,
		MaxRaises:   5,
	}
}

type window struct {
	waitUntil         time.Time
	consecutiveErrors int
}

// Controller tracks one backoff window per endpoint. A successful call
// clears the error counter but an already-started window keeps running.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	logger  *logrus.Entry
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a rate-limit controller.
func New(cfg Config) *Controller {
	if cfg.InitialWait <= 0 {
		cfg = DefaultConfig()
	}
	return &Controller{
		cfg:     cfg,
		windows: make(map[string]*window),
		logger:  logrus.WithField("component", "ratelimit"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsLimited reports whether the endpoint is inside a backoff window.
func (c *Controller) IsLimited(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[endpoint]
	return ok && c.now().Before(w.waitUntil)
}

// RecordLimited opens (or extends) the endpoint's backoff window using
// wait = min(base * k^(n-1), cap) where n is the consecutive error count.
func (c *Controller) RecordLimited(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[endpoint]
	if !ok {
		w = &window{}
		c.windows[endpoint] = w
	}

	if w.consecutiveErrors < c.cfg.MaxRaises {
		w.consecutiveErrors++
	}

	wait := time.Duration(float64(c.cfg.InitialWait) * math.Pow(c.cfg.Multiplier, float64(w.consecutiveErrors-1)))
	if wait > c.cfg.MaxWait {
		wait = c.cfg.MaxWait
	}
	w.waitUntil = c.now().Add(wait)

	c.logger.Warnf("endpoint %s rate limited, backing off %v (streak %d)", endpoint, wait, w.consecutiveErrors)
}

// Clear resets the error streak after a successful call. The current window
// deadline is honored; only the growth counter resets.
func (c *Controller) Clear(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.windows[endpoint]; ok {
		w.consecutiveErrors = 0
	}
}

// WaitIfLimited blocks until the endpoint's window expires or ctx ends.
func (c *Controller) WaitIfLimited(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	var remaining time.Duration
	if w, ok := c.windows[endpoint]; ok {
		remaining = w.waitUntil.Sub(c.now())
	}
	c.mu.Unlock()

	if remaining <= 0 {
		return nil
	}
	return c.sleep(ctx, remaining)
}

// WaitRemaining returns how long the endpoint stays limited.
func (c *Controller) WaitRemaining(endpoint string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.windows[endpoint]; ok {
		if d := w.waitUntil.Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}
