package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scripted Conn for tests.
type fakeConn struct {
	reply    []byte
	err      error
	requests int
	lastSubj string
	lastData []byte
	closed   bool
}

func (f *fakeConn) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.requests++
	f.lastSubj = subj
	f.lastData = data
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func (f *fakeConn) Close() {
	f.closed = true
}

func TestClient_Decide(t *testing.T) {
	conn := &fakeConn{reply: []byte(`{"ok":true,"message_id":"m-1"}`)}
	client := NewClient(conn, nil)

	data, err := client.Decide(context.Background(), []byte(`{"version":"1.0"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true,"message_id":"m-1"}`, string(data))
	assert.Equal(t, SubjectRouterDecide, conn.lastSubj)
	assert.Equal(t, `{"version":"1.0"}`, string(conn.lastData))
}

func TestClient_TransportFailure(t *testing.T) {
	conn := &fakeConn{err: nats.ErrNoResponders}
	client := NewClient(conn, nil)

	_, err := client.Decide(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrRouterUnavailable)
}

func TestClient_InvalidSubject(t *testing.T) {
	client := NewClient(&fakeConn{}, nil)

	_, err := client.Request(context.Background(), "not.beamline.decide", nil)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = client.Request(context.Background(), "beamline.router.>", nil)
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection refused")}
	client := NewClient(conn, &Config{
		RequestTimeout:   time.Second,
		BreakerThreshold: 3,
		BreakerTimeout:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		_, err := client.Decide(context.Background(), nil)
		assert.ErrorIs(t, err, ErrRouterUnavailable)
	}

	// Once open, the breaker fails fast without touching the transport.
	before := conn.requests
	_, err := client.Decide(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRouterUnavailable)
	assert.Equal(t, before, conn.requests, "open circuit must not reach the connection")
}

func TestClient_Close(t *testing.T) {
	conn := &fakeConn{}
	client := NewClient(conn, nil)
	client.Close()
	assert.True(t, conn.closed)
}
