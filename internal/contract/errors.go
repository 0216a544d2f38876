// Package contract implements the gateway's side of the Router protocol:
// validation of inbound client payloads, construction of the canonical
// Router request envelope, and interpretation of Router responses.
package contract

import "errors"

// Client payload validation errors. Clients receive the specific failure,
// so these stay distinct.
var (
	// ErrInvalidJSON indicates a payload that is not syntactically valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON")

	// ErrNotObject indicates a payload that is valid JSON but not an object.
	ErrNotObject = errors.New("payload must be a JSON object")

	// ErrMissingField indicates a required payload field that is absent or
	// empty. Wrapped with the field name at the failure site.
	ErrMissingField = errors.New("missing required field")
)

// Envelope validation errors. The four checks run in a fixed order and the
// first failure determines the reported error.
var (
	// ErrEmptyVersion indicates an envelope with no protocol version.
	ErrEmptyVersion = errors.New("protocol version is empty")

	// ErrUnsupportedVersion indicates a protocol version other than the
	// single supported one.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrEmptyRequired indicates an empty message_id, tenant_id, or
	// policy_id.
	ErrEmptyRequired = errors.New("required field is empty")

	// ErrMissingInput indicates an absent input payload. An empty object is
	// valid input; absence is not.
	ErrMissingInput = errors.New("input payload is missing")
)

// ErrMalformedResponse indicates a Router response that could not be parsed.
// It is never treated as success.
var ErrMalformedResponse = errors.New("malformed router response")
