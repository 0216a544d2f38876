package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/rustkas/beamline-gateway/internal/admission"
	"github.com/rustkas/beamline-gateway/internal/auth"
	"github.com/rustkas/beamline-gateway/internal/observability"
)

// Transport headers.
const (
	// TenantHeader carries the authoritative tenant identifier.
	TenantHeader = "X-Tenant-ID"

	// TraceHeader carries the beamline trace context.
	TraceHeader = "X-Beamline-Trace"

	// PolicyHeader optionally names the policy to apply.
	PolicyHeader = "X-Policy-ID"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:       ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the HTTP transport for the gateway. It derives request
// metadata from transport headers and feeds every request through the
// pipeline.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	pipeline   *Pipeline
	metrics    *observability.Metrics
	logger     observability.Logger
	tracker    *observability.Tracer
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics sink and exposes the metrics endpoint.
func WithServerMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithServerTracer sets the OTLP tracer for per-request spans.
func WithServerTracer(t *observability.Tracer) ServerOption {
	return func(s *Server) {
		s.tracker = t
	}
}

// NewServer creates the HTTP transport over the given pipeline.
func NewServer(cfg *ServerConfig, pipeline *Pipeline, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		pipeline: pipeline,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery())
	s.routes()

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.engine.POST("/v1/routes/decide", s.handleDecide)
	s.engine.GET("/v1/ws", s.handleWebSocket)
}

// Engine returns the underlying gin engine, for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("http server starting",
		observability.String("addr", s.httpServer.Addr),
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDecide(c *gin.Context) {
	start := time.Now()

	body, err := c.GetRawData()
	if err != nil {
		body = nil
	}

	meta := s.requestMeta(c)
	ctx := c.Request.Context()

	if s.tracker != nil {
		var span oteltrace.Span
		ctx, span = s.tracker.StartSpan(ctx, "gateway.decide", meta.TraceHeader)
		defer span.End()
	}

	outcome := s.pipeline.Decide(ctx, meta, body)

	if outcome.TraceID != "" {
		c.Header(TraceHeader, outcome.TraceID)
	}
	c.Data(outcome.Status, "application/json", outcome.Body)

	if s.metrics != nil {
		s.metrics.RecordRequest("/v1/routes/decide", outcome.Status, time.Since(start).Seconds())
	}
}

// requestMeta derives pipeline metadata from transport headers. The
// connection slot is derived from the client address so one misbehaving
// peer cannot exhaust every slot.
func (s *Server) requestMeta(c *gin.Context) RequestMeta {
	return RequestMeta{
		ConnID:      connSlot(c.ClientIP()),
		TenantID:    c.GetHeader(TenantHeader),
		TraceHeader: c.GetHeader(TraceHeader),
		APIKey:      auth.ExtractKey(c.Request),
		PolicyID:    c.GetHeader(PolicyHeader),
	}
}

// connSlot hashes a client address into the admission slot space.
func connSlot(addr string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return int(h.Sum32() % uint32(admission.MaxConnections))
}
