// Package admission provides inflight-request admission control for the
// Beamline gateway. It tracks inflight counts per connection and globally
// and gates acceptance before any other request work happens.
package admission

import (
	"sync"

	"github.com/rustkas/beamline-gateway/internal/observability"
)

// Default admission limits.
const (
	// DefaultGlobalMax is the default maximum number of inflight requests
	// across all connections.
	DefaultGlobalMax = 1000

	// DefaultPerConnMax is the default maximum number of inflight requests
	// per connection.
	DefaultPerConnMax = 10

	// MaxConnections is the size of the connection slot space. Connection
	// IDs outside [0, MaxConnections) are never accepted.
	MaxConnections = 64
)

// Config holds admission controller configuration.
type Config struct {
	// GlobalMax is the maximum number of inflight requests across all
	// connections.
	GlobalMax int

	// PerConnMax is the maximum number of inflight requests per connection.
	PerConnMax int
}

// DefaultConfig returns a Config with default limits.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:  DefaultGlobalMax,
		PerConnMax: DefaultPerConnMax,
	}
}

// Stats is a point-in-time snapshot of the controller's counters.
type Stats struct {
	// GlobalInflight is the current number of inflight requests.
	GlobalInflight int

	// Rejections is the total number of rejected request starts.
	Rejections uint64
}

// Controller tracks inflight requests and gates acceptance. All operations
// are serialized through a single mutex; none of them block. The invariant
// held at all times is that the global count equals the sum of all slot
// counts and no counter is ever negative.
type Controller struct {
	mu sync.Mutex

	globalMax  int
	perConnMax int

	globalInflight int
	slots          [MaxConnections]int
	rejections     uint64

	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink for the controller.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController creates a new admission controller. A nil config or
// non-positive limits fall back to the defaults.
func NewController(cfg *Config, opts ...Option) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	globalMax := cfg.GlobalMax
	if globalMax <= 0 {
		globalMax = DefaultGlobalMax
	}
	perConnMax := cfg.PerConnMax
	if perConnMax <= 0 {
		perConnMax = DefaultPerConnMax
	}

	c := &Controller{
		globalMax:  globalMax,
		perConnMax: perConnMax,
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CanAccept reports whether a request on the given connection may start.
// It has no side effects. Connection IDs outside the slot range are always
// rejected. The global limit is checked before the per-connection limit.
func (c *Controller) CanAccept(connID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canAcceptLocked(connID)
}

func (c *Controller) canAcceptLocked(connID int) bool {
	if connID < 0 || connID >= MaxConnections {
		return false
	}
	if c.globalInflight >= c.globalMax {
		return false
	}
	if c.slots[connID] >= c.perConnMax {
		return false
	}
	return true
}

// RequestStart admits a request on the given connection, incrementing both
// the global and per-connection counters. It re-checks acceptance, so
// callers that skip CanAccept are still protected: a start that would
// exceed a limit increments the rejection counter and changes no state.
// The return value reports whether the request was admitted.
func (c *Controller) RequestStart(connID int) bool {
	c.mu.Lock()

	if !c.canAcceptLocked(connID) {
		c.rejections++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordAdmissionRejection()
		}
		c.logger.Debug("request rejected by admission controller",
			observability.Int("conn_id", connID),
		)
		return false
	}

	c.globalInflight++
	c.slots[connID]++
	global := c.globalInflight
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetAdmissionInflight(global)
	}
	return true
}

// RequestComplete releases a previously admitted request, decrementing both
// counters. Decrements are clamped at zero so an unmatched complete never
// drives a counter negative.
func (c *Controller) RequestComplete(connID int) {
	c.mu.Lock()

	if connID < 0 || connID >= MaxConnections {
		c.mu.Unlock()
		return
	}

	// Clamp both counters independently so the invariant survives
	// unmatched completes.
	if c.globalInflight > 0 && c.slots[connID] > 0 {
		c.globalInflight--
		c.slots[connID]--
	}
	global := c.globalInflight
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetAdmissionInflight(global)
	}
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		GlobalInflight: c.globalInflight,
		Rejections:     c.rejections,
	}
}

// ConnInflight returns the current inflight count for a connection. Out of
// range IDs report zero.
func (c *Controller) ConnInflight(connID int) int {
	if connID < 0 || connID >= MaxConnections {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[connID]
}
