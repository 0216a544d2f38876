package trace

import (
	mathrand "math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPropagator(seed int64) *Propagator {
	return NewPropagatorWithSource(mathrand.NewSource(seed).(mathrand.Source64))
}

func TestContext_StringFormat(t *testing.T) {
	ctx := Context{
		TraceHigh: 0x0123456789abcdef,
		TraceLow:  0xfedcba9876543210,
		SpanID:    0x0000000000000001,
		Sampled:   true,
	}

	assert.Equal(t, "0123456789abcdef-fedcba9876543210-0000000000000001-1", ctx.String())

	ctx.Sampled = false
	assert.Equal(t, "0123456789abcdef-fedcba9876543210-0000000000000001-0", ctx.String())
}

func TestParse_RoundTrip(t *testing.T) {
	p := newTestPropagator(42)

	for i := 0; i < 100; i++ {
		ctx := p.Generate(i%2 == 0)
		parsed, err := Parse(ctx.String())
		require.NoError(t, err)
		assert.Equal(t, ctx, parsed)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"three fields", "0123456789abcdef-fedcba9876543210-0000000000000001"},
		{"five fields", "01-02-03-1-extra"},
		{"non-hex trace", "zzzz456789abcdef-fedcba9876543210-0000000000000001-1"},
		{"non-hex span", "0123456789abcdef-fedcba9876543210-notaspan-1"},
		{"bad sampled flag", "0123456789abcdef-fedcba9876543210-0000000000000001-2"},
		{"signed sampled flag", "0123456789abcdef-fedcba9876543210-0000000000000001--1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			assert.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestContext_Valid(t *testing.T) {
	assert.False(t, Context{}.Valid())
	assert.False(t, Context{SpanID: 1, Sampled: true}.Valid())
	assert.True(t, Context{TraceHigh: 1}.Valid())
	assert.True(t, Context{TraceLow: 1}.Valid())
}

func TestPropagator_ChildSpan(t *testing.T) {
	p := newTestPropagator(7)

	parent := p.Generate(true)
	child := p.ChildSpan(parent)

	assert.Equal(t, parent.TraceHigh, child.TraceHigh)
	assert.Equal(t, parent.TraceLow, child.TraceLow)
	assert.Equal(t, parent.Sampled, child.Sampled)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
}

func TestPropagator_Derive(t *testing.T) {
	p := newTestPropagator(11)

	parent := p.Generate(true)
	child := p.Derive(parent.String(), false)
	assert.Equal(t, parent.TraceHigh, child.TraceHigh)
	assert.Equal(t, parent.TraceLow, child.TraceLow)
	assert.True(t, child.Sampled, "sampling decision inherited from parent")

	// Absent or invalid headers yield a fresh root context.
	root := p.Derive("", true)
	assert.True(t, root.Valid())
	assert.True(t, root.Sampled)

	root = p.Derive("not-a-trace-header", false)
	assert.True(t, root.Valid())
}

func TestPropagator_ConcurrentGenerate(t *testing.T) {
	p := NewPropagator()

	var wg sync.WaitGroup
	seen := make(chan Context, 1000)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				seen <- p.Generate(true)
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[string]struct{})
	for ctx := range seen {
		assert.True(t, ctx.Valid())
		unique[ctx.String()] = struct{}{}
	}
	assert.Len(t, unique, 1000, "generated contexts should be distinct")
}
