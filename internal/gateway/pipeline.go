// Package gateway orchestrates the Beamline gateway request pipeline:
// admission gate, rate limiting, authentication, contract translation,
// Router dispatch, response interpretation, and error classification. Every
// transport adapter feeds requests through the same pipeline so the
// classification logic exists exactly once.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rustkas/beamline-gateway/internal/admission"
	"github.com/rustkas/beamline-gateway/internal/auth"
	"github.com/rustkas/beamline-gateway/internal/classify"
	"github.com/rustkas/beamline-gateway/internal/contract"
	"github.com/rustkas/beamline-gateway/internal/observability"
	"github.com/rustkas/beamline-gateway/internal/ratelimit"
	"github.com/rustkas/beamline-gateway/internal/trace"
)

// DefaultPolicyID is applied when neither the connection nor the body names
// a policy.
const DefaultPolicyID = "default"

// anonymousTenant keys the rate limiter for requests without a tenant.
const anonymousTenant = "anonymous"

// RouterDispatcher sends a serialized request envelope to the Router and
// returns the raw response.
type RouterDispatcher interface {
	Decide(ctx context.Context, payload []byte) ([]byte, error)
}

// RequestMeta carries the transport-derived context of one request.
type RequestMeta struct {
	// ConnID is the transport connection slot used for admission control.
	ConnID int

	// TenantID is the authoritative tenant from transport metadata.
	TenantID string

	// TraceHeader is the upstream beamline trace header, when present.
	TraceHeader string

	// APIKey is the presented gateway API key, when any.
	APIKey string

	// PolicyID optionally names the policy to apply.
	PolicyID string
}

// Outcome is the single response produced for a request.
type Outcome struct {
	// Status is the HTTP status to emit; 200 on success.
	Status int

	// Body is the response payload: the Router's raw result on success, an
	// error envelope otherwise.
	Body []byte

	// TraceID is the beamline trace header assigned to the request.
	TraceID string
}

// Pipeline wires the gateway components together. Safe for concurrent use.
type Pipeline struct {
	admission  *admission.Controller
	propagator *trace.Propagator
	dispatcher RouterDispatcher
	logger     observability.Logger
	metrics    *observability.Metrics

	// limiter and verifier are swappable at runtime via config reload.
	mu       sync.RWMutex
	limiter  ratelimit.Limiter
	verifier *auth.Verifier
}

// PipelineOption is a functional option for configuring the pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger for the pipeline.
func WithLogger(logger observability.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink for the pipeline.
func WithMetrics(m *observability.Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithRateLimiter sets the rate limiter.
func WithRateLimiter(l ratelimit.Limiter) PipelineOption {
	return func(p *Pipeline) {
		p.limiter = l
	}
}

// WithAuthVerifier sets the authentication verifier.
func WithAuthVerifier(v *auth.Verifier) PipelineOption {
	return func(p *Pipeline) {
		p.verifier = v
	}
}

// NewPipeline creates a pipeline over the given admission controller and
// Router dispatcher.
func NewPipeline(ctrl *admission.Controller, dispatcher RouterDispatcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		admission:  ctrl,
		propagator: trace.NewPropagator(),
		dispatcher: dispatcher,
		logger:     observability.NopLogger(),
		limiter:    ratelimit.NewNoopLimiter(),
		verifier:   auth.NewVerifier(nil, nil),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// SetRateLimiter swaps the rate limiter, for config hot reload.
func (p *Pipeline) SetRateLimiter(l ratelimit.Limiter) {
	p.mu.Lock()
	p.limiter = l
	p.mu.Unlock()
}

// SetAuthVerifier swaps the authentication verifier, for config hot reload.
func (p *Pipeline) SetAuthVerifier(v *auth.Verifier) {
	p.mu.Lock()
	p.verifier = v
	p.mu.Unlock()
}

func (p *Pipeline) currentLimiter() ratelimit.Limiter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limiter
}

func (p *Pipeline) currentVerifier() *auth.Verifier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verifier
}

// Decide handles a decide request whose body is the raw input payload, the
// shape used by the HTTP transport. The body must satisfy the gateway's
// decide schema before an envelope is built.
func (p *Pipeline) Decide(ctx context.Context, meta RequestMeta, body []byte) *Outcome {
	msg := &contract.ClientMessage{
		MessageType: "decide",
		PolicyID:    meta.PolicyID,
		Payload:     json.RawMessage(body),
	}
	return p.run(ctx, meta, msg, contract.ValidateDecideInput(msg.Payload))
}

// Submit handles a framed client message, the shape used by the WebSocket
// transport. The message is validated against the gateway schema before an
// envelope is built.
func (p *Pipeline) Submit(ctx context.Context, meta RequestMeta, raw []byte) *Outcome {
	msg, err := contract.ValidateClientMessage(raw)
	if err != nil {
		msg = &contract.ClientMessage{}
	}
	if meta.PolicyID != "" {
		msg.PolicyID = meta.PolicyID
	}
	return p.run(ctx, meta, msg, err)
}

// run is the shared pipeline. Gateway-local failures short-circuit before
// dispatch; the failure conditions observed along the way resolve to
// exactly one classified error.
func (p *Pipeline) run(ctx context.Context, meta RequestMeta, msg *contract.ClientMessage, validationErr error) *Outcome {
	traceCtx := p.propagator.Derive(meta.TraceHeader, true)
	traceHeader := traceCtx.String()
	ctx = observability.ContextWithTraceID(ctx, traceHeader)
	if meta.TenantID != "" {
		ctx = observability.ContextWithTenantID(ctx, meta.TenantID)
	}
	logger := p.logger.WithContext(ctx)

	tenant := meta.TenantID
	if tenant == "" {
		tenant = anonymousTenant
	}

	result, err := p.currentLimiter().Allow(ctx, tenant)
	if err != nil {
		logger.Warn("rate limiter failed, allowing request", observability.Error(err))
	} else if !result.Allowed {
		if p.metrics != nil {
			p.metrics.RecordRateLimitHit(tenant)
		}
		return p.fail(traceHeader, msg.MessageID, classify.Conditions{RateLimited: true})
	}

	if err := p.currentVerifier().Verify(meta.APIKey); err != nil {
		if p.metrics != nil {
			p.metrics.RecordAuthFailure()
		}
		logger.Warn("authentication failed", observability.Error(err))
		return p.fail(traceHeader, msg.MessageID, classify.Conditions{AuthFailed: true})
	}

	if validationErr != nil {
		return p.fail(traceHeader, msg.MessageID, classify.Conditions{
			RequestInvalid:    true,
			ValidationMessage: validationErr.Error(),
		})
	}

	// Admission gates dispatch. A rejected start surfaces as overload,
	// which classifies the same as a rate limit.
	if !p.admission.RequestStart(meta.ConnID) {
		logger.Warn("request rejected: admission limits reached",
			observability.Int("conn_id", meta.ConnID),
		)
		return p.fail(traceHeader, msg.MessageID, classify.Conditions{RateLimited: true})
	}
	defer p.admission.RequestComplete(meta.ConnID)

	req := contract.BuildRequest(contract.ConnContext{
		TenantID: meta.TenantID,
		TraceID:  traceHeader,
	}, msg)
	if req.PolicyID == "" {
		req.PolicyID = DefaultPolicyID
	}

	if err := req.Validate(); err != nil {
		return p.fail(traceHeader, req.MessageID, classify.Conditions{
			RequestInvalid:    true,
			ValidationMessage: err.Error(),
		})
	}

	payload, err := req.Marshal()
	if err != nil {
		return p.fail(traceHeader, req.MessageID, classify.Conditions{
			RequestInvalid:    true,
			ValidationMessage: err.Error(),
		})
	}

	raw, err := p.dispatcher.Decide(ctx, payload)
	if err != nil {
		logger.Error("router dispatch failed", observability.Error(err))
		return p.fail(traceHeader, req.MessageID, classify.Conditions{RouterUnreachable: true})
	}

	resp, err := contract.ParseResponse(raw)
	if err != nil {
		// An unparseable response degrades to unavailable, never success.
		logger.Error("malformed router response", observability.Error(err))
		if p.metrics != nil {
			p.metrics.RecordRouterRequest("error")
		}
		return p.fail(traceHeader, req.MessageID, classify.Conditions{RouterUnreachable: true})
	}

	if resp.OK {
		if p.metrics != nil {
			p.metrics.RecordRouterRequest("ok")
		}
		return &Outcome{
			Status:  200,
			Body:    resp.Result,
			TraceID: traceHeader,
		}
	}

	if p.metrics != nil {
		p.metrics.RecordRouterRequest("error")
	}

	messageID := resp.MessageID
	if messageID == "" {
		messageID = req.MessageID
	}
	return p.fail(traceHeader, messageID, classify.Conditions{
		RouterErr: &classify.RouterError{
			Code:            resp.Err.Code,
			Message:         resp.Err.Message,
			IntakeErrorCode: resp.Err.IntakeErrorCode,
		},
	})
}

// fail resolves the observed conditions to the single surfaced error and
// renders the error envelope.
func (p *Pipeline) fail(traceHeader, messageID string, cond classify.Conditions) *Outcome {
	cerr := classify.Resolve(cond)
	if p.metrics != nil {
		p.metrics.RecordClassifiedError(cerr.Source.String(), cerr.Code)
	}

	body := errorBody(messageID, cerr)
	return &Outcome{
		Status:  cerr.HTTPStatus,
		Body:    body,
		TraceID: traceHeader,
	}
}

// errorEnvelope is the external error response shape.
type errorEnvelope struct {
	OK        bool           `json:"ok"`
	MessageID string         `json:"message_id,omitempty"`
	Error     errorBodyInner `json:"error"`
}

type errorBodyInner struct {
	Code            string  `json:"code"`
	Message         string  `json:"message"`
	Source          string  `json:"source"`
	IntakeErrorCode *string `json:"intake_error_code"`
}

func errorBody(messageID string, cerr *classify.Error) []byte {
	env := errorEnvelope{
		MessageID: messageID,
		Error: errorBodyInner{
			Code:            cerr.Code,
			Message:         cerr.Message,
			Source:          cerr.Source.String(),
			IntakeErrorCode: cerr.IntakeErrorCode,
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return []byte(`{"ok":false,"error":{"code":"internal","message":"encoding failed"}}`)
	}
	return body
}
