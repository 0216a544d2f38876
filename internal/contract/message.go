package contract

import (
	"encoding/json"
	"fmt"
)

// ClientMessage is the gateway's own inbound schema, independent of the
// Router's. Every client payload carries at least a message ID and a
// message type; the rest is passed through opaquely.
type ClientMessage struct {
	MessageID   string          `json:"message_id"`
	MessageType string          `json:"message_type"`
	TenantID    string          `json:"tenant_id,omitempty"`
	PolicyID    string          `json:"policy_id,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ValidateClientMessage validates a raw inbound payload against the gateway
// schema and returns the decoded message. Failures are, in order: not
// syntactically valid JSON, not a JSON object, missing message_id, missing
// message_type.
func ValidateClientMessage(raw []byte) (*ClientMessage, error) {
	if !json.Valid(raw) {
		return nil, ErrInvalidJSON
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrInvalidJSON
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, ErrNotObject
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if msg.MessageID == "" {
		return nil, fmt.Errorf("%w: message_id", ErrMissingField)
	}
	if msg.MessageType == "" {
		return nil, fmt.Errorf("%w: message_type", ErrMissingField)
	}

	return &msg, nil
}

// ValidateDecideInput validates the input payload of a decide request: a
// JSON object carrying task_type and file.
func ValidateDecideInput(input json.RawMessage) error {
	if len(input) == 0 {
		return fmt.Errorf("%w: input", ErrMissingField)
	}
	if !json.Valid(input) {
		return ErrInvalidJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return ErrNotObject
	}
	if _, ok := fields["task_type"]; !ok {
		return fmt.Errorf("%w: task_type", ErrMissingField)
	}
	if _, ok := fields["file"]; !ok {
		return fmt.Errorf("%w: file", ErrMissingField)
	}
	return nil
}
