// Package backoff paces outbound requests per search backend and escalates
// blocked backends into timed cooldowns.
package backoff

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pwr-usr/argos-scraper/config"
)

// Outcome classifies the result of one request to a backend.
type Outcome int

const (
	// Success resets the backend's failure streak.
	Success Outcome = iota
	// RateLimited marks an explicit block signal and always starts a cooldown.
	RateLimited
	// Error marks an ordinary failure; repeated errors escalate to a cooldown.
	Error
)

// Well-known backend names used alongside the configured search backends.
const (
	// DirectBackend paces same-site search requests, which tolerate a
	// shorter fixed-window delay than third-party engines.
	DirectBackend = "direct"
	// ScrapeBackend paces product-page fetches between identifiers.
	ScrapeBackend = "scrape"
)

// errorCooldownThreshold is how many consecutive ordinary errors on one
// backend force a cooldown. Explicit rate-limit signals escalate immediately.
const errorCooldownThreshold = 3

// Health is the persisted per-backend record.
type Health struct {
	LastRequest         time.Time `json:"last_request,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Controller tracks request timing and failure streaks per backend. It is the
// only mutator of backend health.
type Controller struct {
	cfg   *config.Config
	clock Clock

	mu       sync.Mutex
	rand     *rand.Rand
	backends map[string]*Health
}

// NewController builds a controller with an empty health table.
func NewController(cfg *config.Config, clock Clock) *Controller {
	if clock == nil {
		clock = RealClock()
	}
	return &Controller{
		cfg:      cfg,
		clock:    clock,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		backends: make(map[string]*Health),
	}
}

// Restore seeds backend health from a previous run.
func (c *Controller) Restore(healths map[string]Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, h := range healths {
		copied := h
		c.backends[name] = &copied
	}
}

// Snapshot copies the current health table for persistence.
func (c *Controller) Snapshot() map[string]Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Health, len(c.backends))
	for name, h := range c.backends {
		out[name] = *h
	}
	return out
}

// Delay computes how long to wait before the next request to backend. The
// result accounts for time already elapsed since the last request, so it is
// "at least N seconds since the previous call", not a blind sleep.
func (c *Controller) Delay(backend string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	h := c.health(backend)

	if remaining := c.cooldownRemainingLocked(h, now); remaining > 0 {
		return remaining
	}

	var delay time.Duration
	switch backend {
	case DirectBackend, ScrapeBackend:
		delay = c.cfg.DirectSearchDelay + c.jitter(2*time.Second)
	default:
		if h.ConsecutiveFailures > 0 {
			delay = c.escalatedDelay(h.ConsecutiveFailures)
		} else {
			delay = c.uniform(c.cfg.MinDelay, c.cfg.MaxDelay)
		}
		delay += c.jitter(5 * time.Second)
	}

	if !h.LastRequest.IsZero() {
		elapsed := now.Sub(h.LastRequest)
		if elapsed >= delay {
			return 0
		}
		delay -= elapsed
	}
	return delay
}

// Wait sleeps for Delay(backend) and stamps the backend's last-request time.
func (c *Controller) Wait(ctx context.Context, backend string) error {
	delay := c.Delay(backend)
	if delay > 0 {
		slog.Debug("pacing request",
			slog.String("backend", backend),
			slog.Duration("delay", delay),
		)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.health(backend).LastRequest = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// Report updates backend health after a request.
func (c *Controller) Report(backend string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.health(backend)
	switch outcome {
	case Success:
		h.ConsecutiveFailures = 0
		h.CooldownUntil = time.Time{}
	case RateLimited:
		h.ConsecutiveFailures++
		c.startCooldownLocked(backend, h)
	case Error:
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= errorCooldownThreshold {
			c.startCooldownLocked(backend, h)
		}
	}
}

// InCooldown reports whether backend is currently unavailable. A cooldown
// whose deadline has passed is cleared as a side effect.
func (c *Controller) InCooldown(backend string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownRemainingLocked(c.health(backend), c.clock.Now()) > 0
}

// CooldownRemaining returns how long until backend becomes eligible again.
func (c *Controller) CooldownRemaining(backend string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownRemainingLocked(c.health(backend), c.clock.Now())
}

func (c *Controller) startCooldownLocked(backend string, h *Health) {
	d := c.escalatedDelay(h.ConsecutiveFailures)
	h.CooldownUntil = c.clock.Now().Add(d)
	slog.Warn("backend entering cooldown",
		slog.String("backend", backend),
		slog.Int("failures", h.ConsecutiveFailures),
		slog.Duration("cooldown", d),
	)
}

// escalatedDelay is the pure backoff function: min(maxBackoff, min·mult^n).
func (c *Controller) escalatedDelay(failures int) time.Duration {
	scaled := float64(c.cfg.MinDelay) * math.Pow(c.cfg.BackoffMultiplier, float64(failures))
	if scaled > float64(c.cfg.MaxBackoffDelay) || scaled < 0 {
		return c.cfg.MaxBackoffDelay
	}
	return time.Duration(scaled)
}

func (c *Controller) cooldownRemainingLocked(h *Health, now time.Time) time.Duration {
	if h.CooldownUntil.IsZero() {
		return 0
	}
	if !now.Before(h.CooldownUntil) {
		h.CooldownUntil = time.Time{}
		return 0
	}
	return h.CooldownUntil.Sub(now)
}

func (c *Controller) health(backend string) *Health {
	h, ok := c.backends[backend]
	if !ok {
		h = &Health{}
		c.backends[backend] = h
	}
	return h
}

func (c *Controller) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rand.Int63n(int64(hi-lo)))
}

func (c *Controller) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(c.rand.Int63n(int64(max)))
}
