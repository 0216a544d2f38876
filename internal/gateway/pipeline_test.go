package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustkas/beamline-gateway/internal/admission"
	"github.com/rustkas/beamline-gateway/internal/auth"
	"github.com/rustkas/beamline-gateway/internal/ratelimit"
	"github.com/rustkas/beamline-gateway/internal/trace"
)

// fakeDispatcher scripts the Router side of the pipeline and captures the
// payload it was handed.
type fakeDispatcher struct {
	response []byte
	err      error
	payload  []byte
	calls    int
}

func (f *fakeDispatcher) Decide(_ context.Context, payload []byte) ([]byte, error) {
	f.calls++
	f.payload = payload
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

// denyLimiter always rejects.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (*ratelimit.Result, error) {
	return &ratelimit.Result{Allowed: false}, nil
}

// brokenLimiter always errors, to exercise fail-open behavior.
type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (*ratelimit.Result, error) {
	return nil, errors.New("limiter backend down")
}

func newTestPipeline(d RouterDispatcher, opts ...PipelineOption) *Pipeline {
	return NewPipeline(admission.NewController(admission.DefaultConfig()), d, opts...)
}

func decodeErrorEnvelope(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &env))
	require.Contains(t, env, "error")
	return env
}

func TestPipelineDecideSuccess(t *testing.T) {
	raw := []byte(`{"ok":true,"message_id":"m-1","decision":{"route":"a"}}`)
	d := &fakeDispatcher{response: raw}
	p := newTestPipeline(d)

	out := p.Decide(context.Background(), RequestMeta{TenantID: "acme"},
		[]byte(`{"task_type":"chat","file":"prompt.txt"}`))

	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, raw, []byte(out.Body))

	parsed, err := trace.Parse(out.TraceID)
	require.NoError(t, err)
	assert.True(t, parsed.Valid())
}

func TestPipelineDecideEnvelope(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := newTestPipeline(d)

	input := []byte(`{"task_type":"chat","file":"prompt.txt"}`)
	out := p.Decide(context.Background(), RequestMeta{TenantID: "acme"}, input)
	require.Equal(t, http.StatusOK, out.Status)

	var env struct {
		Version   string          `json:"version"`
		MessageID string          `json:"message_id"`
		TraceID   string          `json:"trace_id"`
		TenantID  string          `json:"tenant_id"`
		PolicyID  string          `json:"policy_id"`
		Input     json.RawMessage `json:"input"`
	}
	require.NoError(t, json.Unmarshal(d.payload, &env))

	assert.Equal(t, "1.0", env.Version)
	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, out.TraceID, env.TraceID)
	assert.Equal(t, "acme", env.TenantID)
	assert.Equal(t, DefaultPolicyID, env.PolicyID)
	assert.JSONEq(t, string(input), string(env.Input))
}

func TestPipelineDecidePolicyFromMeta(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := newTestPipeline(d)

	out := p.Decide(context.Background(),
		RequestMeta{TenantID: "acme", PolicyID: "strict"},
		[]byte(`{"task_type":"chat","file":"prompt.txt"}`))
	require.Equal(t, http.StatusOK, out.Status)

	var env struct {
		PolicyID string `json:"policy_id"`
	}
	require.NoError(t, json.Unmarshal(d.payload, &env))
	assert.Equal(t, "strict", env.PolicyID)
}

func TestPipelineDecideTracePropagation(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := newTestPipeline(d)

	upstream := "00000000000000aa-00000000000000bb-00000000000000cc-1"
	out := p.Decide(context.Background(),
		RequestMeta{TraceHeader: upstream},
		[]byte(`{"task_type":"chat","file":"prompt.txt"}`))
	require.Equal(t, http.StatusOK, out.Status)

	parsed, err := trace.Parse(out.TraceID)
	require.NoError(t, err)

	// Same trace, fresh span.
	assert.Equal(t, uint64(0xaa), parsed.TraceHigh)
	assert.Equal(t, uint64(0xbb), parsed.TraceLow)
	assert.NotEqual(t, uint64(0xcc), parsed.SpanID)
	assert.True(t, parsed.Sampled)
}

func TestPipelineDecideInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"missing file", []byte(`{"task_type":"chat"}`)},
		{"missing task_type", []byte(`{"file":"a.txt"}`)},
		{"not an object", []byte(`[1,2,3]`)},
		{"invalid json", []byte(`{nope`)},
		{"empty body", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
			p := newTestPipeline(d)

			out := p.Decide(context.Background(), RequestMeta{}, tt.body)

			assert.Equal(t, http.StatusBadRequest, out.Status)
			assert.Zero(t, d.calls, "invalid request must not be dispatched")

			env := decodeErrorEnvelope(t, out.Body)
			errObj := env["error"].(map[string]interface{})
			assert.Equal(t, "invalid_request", errObj["code"])
			assert.Equal(t, "request_gateway", errObj["source"])
			assert.Nil(t, errObj["intake_error_code"])
		})
	}
}

func TestPipelineRateLimitPrecedesAuth(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := newTestPipeline(d,
		WithRateLimiter(denyLimiter{}),
		WithAuthVerifier(auth.NewVerifier(&auth.Config{Required: true, Keys: []string{"k"}}, nil)),
	)

	// Rate limit, auth, and validation all fail; only the rate limit
	// surfaces.
	out := p.Decide(context.Background(), RequestMeta{}, []byte(`{nope`))

	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	env := decodeErrorEnvelope(t, out.Body)
	errObj := env["error"].(map[string]interface{})
	assert.Equal(t, "rate_limit_exceeded", errObj["code"])
	assert.Equal(t, "rate_limit", errObj["source"])
	assert.Zero(t, d.calls)
}

func TestPipelineAuthPrecedesValidation(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := newTestPipeline(d,
		WithAuthVerifier(auth.NewVerifier(&auth.Config{Required: true, Keys: []string{"k"}}, nil)),
	)

	out := p.Decide(context.Background(), RequestMeta{APIKey: "wrong"}, []byte(`{nope`))

	assert.Equal(t, http.StatusUnauthorized, out.Status)
	env := decodeErrorEnvelope(t, out.Body)
	errObj := env["error"].(map[string]interface{})
	assert.Equal(t, "unauthorized", errObj["code"])
	assert.Equal(t, "auth_gateway", errObj["source"])
	assert.Zero(t, d.calls)
}

func TestPipelineLimiterErrorFailsOpen(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := newTestPipeline(d, WithRateLimiter(brokenLimiter{}))

	out := p.Decide(context.Background(), RequestMeta{},
		[]byte(`{"task_type":"chat","file":"prompt.txt"}`))

	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, 1, d.calls)
}

func TestPipelineAdmissionRejection(t *testing.T) {
	ctrl := admission.NewController(&admission.Config{GlobalMax: 1, PerConnMax: 1})
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := NewPipeline(ctrl, d)

	// Occupy the single global slot from another connection.
	require.True(t, ctrl.RequestStart(5))

	out := p.Decide(context.Background(), RequestMeta{ConnID: 7},
		[]byte(`{"task_type":"chat","file":"prompt.txt"}`))

	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	env := decodeErrorEnvelope(t, out.Body)
	errObj := env["error"].(map[string]interface{})
	assert.Equal(t, "rate_limit_exceeded", errObj["code"])
	assert.Zero(t, d.calls)

	// The slot is released after the request finishes, so the next one
	// proceeds.
	ctrl.RequestComplete(5)
	out = p.Decide(context.Background(), RequestMeta{ConnID: 7},
		[]byte(`{"task_type":"chat","file":"prompt.txt"}`))
	assert.Equal(t, http.StatusOK, out.Status)

	stats := ctrl.Stats()
	assert.Equal(t, 0, stats.GlobalInflight)
}

func TestPipelineRouterErrorMapping(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{"invalid_request", http.StatusBadRequest},
		{"unauthorized", http.StatusUnauthorized},
		{"validator_blocked", http.StatusForbidden},
		{"policy_not_found", http.StatusNotFound},
		{"extension_not_found", http.StatusNotFound},
		{"internal", http.StatusInternalServerError},
		{"decision_failed", http.StatusInternalServerError},
		{"extension_error", http.StatusInternalServerError},
		{"post_processor_failed", http.StatusInternalServerError},
		{"extension_unavailable", http.StatusServiceUnavailable},
		{"extension_timeout", http.StatusGatewayTimeout},
		{"something_new", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			resp, err := json.Marshal(map[string]interface{}{
				"ok":         false,
				"message_id": "m-9",
				"error":      map[string]string{"code": tt.code, "message": "upstream"},
			})
			require.NoError(t, err)

			d := &fakeDispatcher{response: resp}
			p := newTestPipeline(d)

			out := p.Decide(context.Background(), RequestMeta{},
				[]byte(`{"task_type":"chat","file":"prompt.txt"}`))

			assert.Equal(t, tt.status, out.Status)
			env := decodeErrorEnvelope(t, out.Body)
			assert.Equal(t, "m-9", env["message_id"])
			errObj := env["error"].(map[string]interface{})
			assert.Equal(t, tt.code, errObj["code"])
			assert.Equal(t, "upstream", errObj["message"])
		})
	}
}

func TestPipelineRouterUnreachable(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("no responders")}
	p := newTestPipeline(d)

	out := p.Decide(context.Background(), RequestMeta{},
		[]byte(`{"task_type":"chat","file":"prompt.txt"}`))

	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	env := decodeErrorEnvelope(t, out.Body)
	errObj := env["error"].(map[string]interface{})
	assert.Equal(t, "router_unavailable", errObj["code"])
}

func TestPipelineMalformedRouterResponse(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
	}{
		{"invalid json", []byte(`{broken`)},
		{"missing ok", []byte(`{"message_id":"m"}`)},
		{"string ok", []byte(`{"ok":"true"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{response: tt.resp}
			p := newTestPipeline(d)

			out := p.Decide(context.Background(), RequestMeta{},
				[]byte(`{"task_type":"chat","file":"prompt.txt"}`))

			assert.Equal(t, http.StatusServiceUnavailable, out.Status)
			env := decodeErrorEnvelope(t, out.Body)
			errObj := env["error"].(map[string]interface{})
			assert.Equal(t, "router_unavailable", errObj["code"])
		})
	}
}

func TestPipelineSubmitFramedMessage(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true,"message_id":"m-2"}`)}
	p := newTestPipeline(d)

	frame := []byte(`{"message_id":"m-2","message_type":"decide","tenant_id":"body-tenant","payload":{"q":1}}`)
	out := p.Submit(context.Background(), RequestMeta{TenantID: "meta-tenant"}, frame)
	require.Equal(t, http.StatusOK, out.Status)

	var env struct {
		MessageID string          `json:"message_id"`
		TenantID  string          `json:"tenant_id"`
		Input     json.RawMessage `json:"input"`
	}
	require.NoError(t, json.Unmarshal(d.payload, &env))

	assert.Equal(t, "m-2", env.MessageID)
	// Connection metadata wins over the body.
	assert.Equal(t, "meta-tenant", env.TenantID)
	assert.JSONEq(t, `{"q":1}`, string(env.Input))
}

func TestPipelineSubmitInvalidFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"missing message_id", []byte(`{"message_type":"decide"}`)},
		{"missing message_type", []byte(`{"message_id":"m"}`)},
		{"not an object", []byte(`42`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
			p := newTestPipeline(d)

			out := p.Submit(context.Background(), RequestMeta{}, tt.frame)

			assert.Equal(t, http.StatusBadRequest, out.Status)
			assert.Zero(t, d.calls)
		})
	}
}

func TestPipelineHotSwap(t *testing.T) {
	d := &fakeDispatcher{response: []byte(`{"ok":true}`)}
	p := newTestPipeline(d)

	body := []byte(`{"task_type":"chat","file":"prompt.txt"}`)
	out := p.Decide(context.Background(), RequestMeta{}, body)
	require.Equal(t, http.StatusOK, out.Status)

	p.SetRateLimiter(denyLimiter{})
	out = p.Decide(context.Background(), RequestMeta{}, body)
	assert.Equal(t, http.StatusTooManyRequests, out.Status)

	p.SetRateLimiter(ratelimit.NewNoopLimiter())
	p.SetAuthVerifier(auth.NewVerifier(&auth.Config{Required: true, Keys: []string{"k"}}, nil))
	out = p.Decide(context.Background(), RequestMeta{}, body)
	assert.Equal(t, http.StatusUnauthorized, out.Status)
}
