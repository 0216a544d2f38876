package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/rustkas/beamline-gateway/internal/observability"
)

// Dispatch errors.
var (
	// ErrRouterUnavailable indicates the Router could not be reached: a
	// transport failure, a timeout, or an open circuit. Classified as 503.
	ErrRouterUnavailable = errors.New("router unavailable")

	// ErrInvalidSubject indicates a dispatch on a non-canonical subject.
	ErrInvalidSubject = errors.New("invalid subject")
)

// Default client settings.
const (
	// DefaultRequestTimeout is the timeout applied to Router requests when
	// the caller's context carries no deadline.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultReconnectWait is the pause between NATS reconnect attempts.
	DefaultReconnectWait = 2 * time.Second

	// DefaultMaxReconnects is the number of reconnect attempts before the
	// connection is abandoned.
	DefaultMaxReconnects = 60
)

// Conn is the subset of the NATS connection used by the client, extracted
// for test injection.
type Conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Close()
}

// Config holds Router client configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// RequestTimeout is the per-request timeout.
	RequestTimeout time.Duration

	// BreakerThreshold is the minimum number of observed requests before
	// the circuit may trip.
	BreakerThreshold uint32

	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		URL:              nats.DefaultURL,
		RequestTimeout:   DefaultRequestTimeout,
		BreakerThreshold: 5,
		BreakerTimeout:   10 * time.Second,
	}
}

// Client dispatches request envelopes to the Router over NATS request/reply,
// protected by a circuit breaker so a dead Router fails fast instead of
// holding every handler for the full timeout.
type Client struct {
	conn    Conn
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink for the client.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Connect establishes a NATS connection and returns a client over it.
func Connect(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(DefaultMaxReconnects),
		nats.ReconnectWait(DefaultReconnectWait),
		nats.Timeout(cfg.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	return NewClient(nc, cfg, opts...), nil
}

// NewClient creates a client over an existing connection.
func NewClient(conn Conn, cfg *Config, opts ...Option) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c := &Client{
		conn:    conn,
		timeout: timeout,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 10 * time.Second
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "router",
		MaxRequests: threshold,
		Interval:    breakerTimeout,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info("router circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return c
}

// Decide sends a request envelope on the decide subject and returns the raw
// Router response. Transport failures, timeouts, and an open circuit all
// surface as ErrRouterUnavailable.
func (c *Client) Decide(ctx context.Context, payload []byte) ([]byte, error) {
	return c.Request(ctx, SubjectRouterDecide, payload)
}

// Cancel sends a cancellation for an in-progress decision.
func (c *Client) Cancel(ctx context.Context, payload []byte) ([]byte, error) {
	return c.Request(ctx, SubjectRouterCancel, payload)
}

// Request performs a request/reply exchange on a canonical subject.
func (c *Client) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	if !ValidSubject(subject) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	reply, err := c.cb.Execute(func() (interface{}, error) {
		return c.conn.RequestWithContext(ctx, subject, payload)
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordRouterUnavailable()
		}
		c.logger.Warn("router request failed",
			observability.String("subject", subject),
			observability.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrRouterUnavailable, err)
	}

	msg, ok := reply.(*nats.Msg)
	if !ok || msg == nil {
		return nil, ErrRouterUnavailable
	}
	return msg.Data, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
