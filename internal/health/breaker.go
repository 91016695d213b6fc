package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"capsmith/internal/config"
	"capsmith/internal/metrics"
)

// CircuitState is the per-route breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

type sample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

type circuit struct {
	state    CircuitState
	samples  []sample
	openedAt time.Time
	probing  bool
}

// Breakers tracks one sliding-window circuit breaker per dispatched
// route. A breaker opens when, over the configured window with at least
// MinSamples observations, either the error rate or the median latency
// crosses its threshold. After the cooldown a single probe request is
// let through; its outcome decides between closing and re-opening.
type Breakers struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      config.BreakerConfig
	metrics  *metrics.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewBreakers creates the breaker set.
func NewBreakers(cfg config.BreakerConfig, m *metrics.Registry, logger *zap.Logger) *Breakers {
	return &Breakers{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

func (b *Breakers) circuitFor(route string) *circuit {
	c, ok := b.circuits[route]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[route] = c
	}
	return c
}

// Allow reports whether a request for the route may proceed. An open
// circuit whose cooldown has elapsed moves to half-open and admits
// exactly one probe; further requests are refused until the probe
// reports back.
func (b *Breakers) Allow(route string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(route)
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(c.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transition(route, c, CircuitHalfOpen)
		c.probing = true
		return true
	case CircuitHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

// Record feeds one request outcome into the route's window. In
// half-open state the outcome is the probe result and decides the next
// state; in closed state the thresholds are evaluated against the
// trimmed window.
func (b *Breakers) Record(route string, latency time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(route)
	now := b.now()

	if c.state == CircuitHalfOpen {
		c.probing = false
		if failed || latency > b.cfg.LatencyLimit {
			c.openedAt = now
			b.transition(route, c, CircuitOpen)
		} else {
			c.samples = nil
			b.transition(route, c, CircuitClosed)
		}
		return
	}

	c.samples = append(c.samples, sample{at: now, latency: latency, failed: failed})
	b.trim(c, now)

	if c.state != CircuitClosed || len(c.samples) < b.cfg.MinSamples {
		return
	}
	if b.errorRate(c) >= b.cfg.ErrorRate || b.medianLatency(c) > b.cfg.LatencyLimit {
		c.openedAt = now
		b.transition(route, c, CircuitOpen)
		b.logger.Warn("circuit opened",
			zap.String("route", route),
			zap.Float64("error_rate", b.errorRate(c)),
			zap.Duration("median_latency", b.medianLatency(c)),
			zap.Strings("suggested_actions", []string{
				"roll back the most recent deployment on this route",
				"inspect open incidents for this capability",
			}))
	}
}

// State returns the route's current breaker state.
func (b *Breakers) State(route string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[route]
	if !ok {
		return CircuitClosed
	}
	return c.state
}

// Open lists every route whose circuit is not closed.
func (b *Breakers) Open() map[string]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]CircuitState)
	for route, c := range b.circuits {
		if c.state != CircuitClosed {
			out[route] = c.state
		}
	}
	return out
}

func (b *Breakers) transition(route string, c *circuit, to CircuitState) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	b.metrics.CircuitTransitions.WithLabelValues(route, string(to)).Inc()
	b.logger.Info("circuit transition",
		zap.String("route", route),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// trim drops samples older than the window. Samples arrive in time
// order, so the cut point is the first sample still inside the window.
func (b *Breakers) trim(c *circuit, now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

func (b *Breakers) errorRate(c *circuit) float64 {
	if len(c.samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range c.samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(c.samples))
}

func (b *Breakers) medianLatency(c *circuit) time.Duration {
	if len(c.samples) == 0 {
		return 0
	}
	lat := make([]time.Duration, len(c.samples))
	for i, s := range c.samples {
		lat[i] = s.latency
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	return lat[len(lat)/2]
}
