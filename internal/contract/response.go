package contract

import (
	"encoding/json"
	"fmt"
)

// Field length bounds carried over from the original wire contract. Longer
// values are truncated, not rejected.
const (
	// MaxErrorCodeLen bounds error.code.
	MaxErrorCodeLen = 63

	// MaxErrorMessageLen bounds error.message.
	MaxErrorMessageLen = 255
)

// ResponseError is the error object of a failed Router response.
type ResponseError struct {
	Code            string          `json:"code"`
	Message         string          `json:"message"`
	Context         json.RawMessage `json:"context,omitempty"`
	IntakeErrorCode *string         `json:"intake_error_code,omitempty"`
}

// Response is the interpreted Router response envelope. Immutable after
// construction.
type Response struct {
	// OK reports whether the Router accepted the request. Set only on an
	// explicit, unambiguous ok:true marker.
	OK bool

	// MessageID echoes the request's message ID when the Router sent one.
	MessageID string

	// Result holds the entire raw response on success, retained opaquely
	// for passthrough to the client.
	Result json.RawMessage

	// Err holds the extracted error on failure; nil on success.
	Err *ResponseError
}

// rawResponse mirrors the Router response wire shape.
type rawResponse struct {
	OK        *bool           `json:"ok"`
	MessageID string          `json:"message_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
}

// ParseResponse interprets a raw Router response. Success is asserted only
// on an explicit boolean ok:true; anything malformed or ambiguous is an
// error, never a success. On failure, error.code and error.message are
// extracted best-effort: absent fields stay empty.
func ParseResponse(raw []byte) (*Response, error) {
	var parsed rawResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	resp := &Response{
		MessageID: parsed.MessageID,
	}

	if parsed.OK != nil && *parsed.OK {
		resp.OK = true
		resp.Result = json.RawMessage(raw)
		return resp, nil
	}

	respErr := &ResponseError{}
	if parsed.Error != nil {
		respErr.Code = truncate(parsed.Error.Code, MaxErrorCodeLen)
		respErr.Message = truncate(parsed.Error.Message, MaxErrorMessageLen)
		respErr.Context = parsed.Error.Context
		respErr.IntakeErrorCode = parsed.Error.IntakeErrorCode
	}
	resp.Err = respErr

	return resp, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
