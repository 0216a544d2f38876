package contract

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the single supported Router protocol version.
const Version = "1.0"

// Request is the canonical envelope sent to the Router. Field order matters
// on the wire: version, message_id, trace_id (omitted when empty),
// tenant_id, policy_id, input.
type Request struct {
	Version   string          `json:"version"`
	MessageID string          `json:"message_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	TenantID  string          `json:"tenant_id"`
	PolicyID  string          `json:"policy_id"`
	Input     json.RawMessage `json:"input"`
}

// ConnContext carries the transport-derived values for a request: the
// authoritative tenant and the upstream trace, both taken from connection
// metadata rather than the request body.
type ConnContext struct {
	TenantID string
	TraceID  string
}

// BuildRequest constructs a Router request envelope by merging the
// connection context over the body-supplied values. The context always wins
// for tenant_id and trace_id so a client cannot spoof its tenant through
// the body. A missing message_id is generated; an absent input defaults to
// an empty object.
func BuildRequest(connCtx ConnContext, msg *ClientMessage) *Request {
	req := &Request{
		Version: Version,
		Input:   json.RawMessage("{}"),
	}

	if msg != nil {
		req.MessageID = msg.MessageID
		req.TenantID = msg.TenantID
		req.TraceID = msg.TraceID
		req.PolicyID = msg.PolicyID
		if len(msg.Payload) > 0 {
			req.Input = msg.Payload
		}
	}

	// Transport-derived values override whatever the body carried.
	if connCtx.TenantID != "" {
		req.TenantID = connCtx.TenantID
	}
	if connCtx.TraceID != "" {
		req.TraceID = connCtx.TraceID
	}

	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	return req
}

// Validate checks the envelope before transmission. The checks run in a
// fixed order and the first failure determines the error: empty version,
// unsupported version, empty required field, absent input.
func (r *Request) Validate() error {
	if r.Version == "" {
		return ErrEmptyVersion
	}
	if r.Version != Version {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.Version)
	}
	if r.MessageID == "" {
		return fmt.Errorf("%w: message_id", ErrEmptyRequired)
	}
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant_id", ErrEmptyRequired)
	}
	if r.PolicyID == "" {
		return fmt.Errorf("%w: policy_id", ErrEmptyRequired)
	}
	if len(r.Input) == 0 {
		return ErrMissingInput
	}
	return nil
}

// Marshal renders the envelope as wire JSON. Struct field order gives the
// canonical key order; the input payload is embedded verbatim.
func (r *Request) Marshal() ([]byte, error) {
	out := *r
	if len(out.Input) == 0 {
		out.Input = json.RawMessage("{}")
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal router request: %w", err)
	}
	return data, nil
}
