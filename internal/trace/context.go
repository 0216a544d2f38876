// Package trace implements the beamline trace context: a 128-bit trace
// identifier, a 64-bit span identifier, and a sampling flag, serialized as
// a four-field hyphen-separated header that correlates a request across the
// gateway and the Router.
package trace

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strconv"
	"strings"
	"sync"
)

// Header parsing errors.
var (
	// ErrInvalidHeader indicates a trace header that does not have exactly
	// four hyphen-separated fields or carries non-hex identifiers.
	ErrInvalidHeader = errors.New("invalid trace header")
)

// Context identifies one hop of one logical request.
type Context struct {
	// TraceHigh and TraceLow are the two halves of the 128-bit trace ID.
	TraceHigh uint64
	TraceLow  uint64

	// SpanID identifies this hop within the trace.
	SpanID uint64

	// Sampled carries the sampling decision for the whole trace.
	Sampled bool
}

// Valid reports whether the context carries a usable trace identifier.
// A context with both trace halves zero is absent.
func (c Context) Valid() bool {
	return c.TraceHigh != 0 || c.TraceLow != 0
}

// String renders the context in the beamline header format:
// {trace_high:016x}-{trace_low:016x}-{span:016x}-{sampled:0|1}.
func (c Context) String() string {
	sampled := 0
	if c.Sampled {
		sampled = 1
	}
	return fmt.Sprintf("%016x-%016x-%016x-%d", c.TraceHigh, c.TraceLow, c.SpanID, sampled)
}

// Parse parses a beamline trace header. It accepts exactly four
// hyphen-separated fields and rejects anything else.
func Parse(s string) (Context, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return Context{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidHeader, len(parts))
	}

	high, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Context{}, fmt.Errorf("%w: trace high: %v", ErrInvalidHeader, err)
	}
	low, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return Context{}, fmt.Errorf("%w: trace low: %v", ErrInvalidHeader, err)
	}
	span, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil {
		return Context{}, fmt.Errorf("%w: span: %v", ErrInvalidHeader, err)
	}

	var sampled bool
	switch parts[3] {
	case "0":
		sampled = false
	case "1":
		sampled = true
	default:
		return Context{}, fmt.Errorf("%w: sampled flag %q", ErrInvalidHeader, parts[3])
	}

	return Context{
		TraceHigh: high,
		TraceLow:  low,
		SpanID:    span,
		Sampled:   sampled,
	}, nil
}

// Propagator generates trace contexts and child spans. It owns its random
// source explicitly instead of relying on process-wide state, so it is
// injectable for tests. Safe for concurrent use.
type Propagator struct {
	mu  sync.Mutex
	src mathrand.Source64
}

// NewPropagator creates a propagator seeded from the OS entropy source.
func NewPropagator() *Propagator {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// Entropy exhaustion is not recoverable here; a zero seed still
		// yields a working (if predictable) generator.
		return NewPropagatorWithSource(mathrand.NewSource(0).(mathrand.Source64))
	}
	s := int64(binary.LittleEndian.Uint64(seed[:]))
	return NewPropagatorWithSource(mathrand.NewSource(s).(mathrand.Source64))
}

// NewPropagatorWithSource creates a propagator over the given source.
func NewPropagatorWithSource(src mathrand.Source64) *Propagator {
	return &Propagator{src: src}
}

func (p *Propagator) random() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src.Uint64()
}

// Generate creates a fresh root context with the given sampling decision.
func (p *Propagator) Generate(sampled bool) Context {
	return Context{
		TraceHigh: p.random(),
		TraceLow:  p.random(),
		SpanID:    p.random(),
		Sampled:   sampled,
	}
}

// ChildSpan derives a child context: it inherits the parent's trace
// identifier and sampling decision and receives a fresh span identifier.
func (p *Propagator) ChildSpan(parent Context) Context {
	return Context{
		TraceHigh: parent.TraceHigh,
		TraceLow:  parent.TraceLow,
		SpanID:    p.random(),
		Sampled:   parent.Sampled,
	}
}

// Derive returns a child of the context parsed from header, or a fresh root
// context when the header is absent or invalid.
func (p *Propagator) Derive(header string, sampled bool) Context {
	if header == "" {
		return p.Generate(sampled)
	}
	parent, err := Parse(header)
	if err != nil || !parent.Valid() {
		return p.Generate(sampled)
	}
	return p.ChildSpan(parent)
}
