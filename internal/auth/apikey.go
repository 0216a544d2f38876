// Package auth provides gateway-level API key authentication. When auth is
// not required every request passes; when required, the key must match one
// of the configured keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/rustkas/beamline-gateway/internal/observability"
)

// Header names the key is extracted from.
const (
	// APIKeyHeader is the primary API key header.
	APIKeyHeader = "X-API-Key"

	// AuthorizationHeader is the fallback header; a Bearer prefix is
	// tolerated.
	AuthorizationHeader = "Authorization"

	bearerPrefix = "Bearer "
)

// Authentication errors.
var (
	// ErrMissingAPIKey indicates that no API key was presented.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey indicates that the presented API key is not known.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Config holds authentication configuration.
type Config struct {
	// Required gates the whole check; when false Verify always succeeds.
	Required bool

	// Keys is the set of accepted API keys.
	Keys []string
}

// Verifier validates presented API keys against the configured set. Keys
// are stored as SHA-256 digests and compared in constant time.
type Verifier struct {
	required bool
	digests  [][32]byte
	logger   observability.Logger
}

// NewVerifier creates a verifier from the given configuration.
func NewVerifier(cfg *Config, logger observability.Logger) *Verifier {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	v := &Verifier{
		required: cfg.Required,
		logger:   logger,
	}
	for _, key := range cfg.Keys {
		if key == "" {
			continue
		}
		v.digests = append(v.digests, sha256.Sum256([]byte(key)))
	}
	return v
}

// Required reports whether authentication is enforced.
func (v *Verifier) Required() bool {
	return v.required
}

// Verify checks a presented key. When auth is not required it always
// succeeds. The comparison runs against every configured digest so timing
// does not reveal which key matched.
func (v *Verifier) Verify(key string) error {
	if !v.required {
		return nil
	}
	if key == "" {
		return ErrMissingAPIKey
	}

	digest := sha256.Sum256([]byte(key))
	matched := 0
	for i := range v.digests {
		matched |= subtle.ConstantTimeCompare(digest[:], v.digests[i][:])
	}
	if matched != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// ExtractKey pulls the API key from a request: the X-API-Key header first,
// then a Bearer token in Authorization.
func ExtractKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return strings.TrimSpace(key)
	}
	if value := r.Header.Get(AuthorizationHeader); strings.HasPrefix(value, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(value, bearerPrefix))
	}
	return ""
}
