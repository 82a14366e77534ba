// ABOUTME: Tests for the socket client using an in-memory transport.
// ABOUTME: Covers room/sender filtering, echo suppression, and the reconnect budget.

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purl-chat/purl-client/internal/wire"
)

const (
	testRoom  = "room-1"
	testAgent = "agent-A"
	testUser  = "user-U"
)

var errTransportDown = errors.New("transport down")

// fakeTransport delivers scripted frames and records writes.
type fakeTransport struct {
	in     chan []byte
	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errTransportDown
	case data := <-f.in:
		return data, nil
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errTransportDown
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) writtenFrames(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Envelope, 0, len(f.writes))
	for _, w := range f.writes {
		var env Envelope
		require.NoError(t, json.Unmarshal(w, &env))
		out = append(out, env)
	}
	return out
}

// deliver pushes a broadcast frame into the transport.
func (f *fakeTransport) deliver(t *testing.T, payload any) {
	t.Helper()
	frame, err := marshalEnvelope(FrameMessageBroadcast, payload)
	require.NoError(t, err)
	f.in <- frame
}

type received struct {
	mu   sync.Mutex
	msgs []*wire.Message
}

func (r *received) add(m *wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *received) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.ID
	}
	return out
}

func newConnectedClient(t *testing.T, ft *fakeTransport, rec *received, opts ...func(*Options)) *Client {
	t.Helper()

	o := Options{
		RoomID:             testRoom,
		AgentID:            testAgent,
		AgentName:          "Purl",
		UserID:             testUser,
		ReconnectBaseDelay: time.Millisecond,
		MaxReconnects:      5,
		OnMessage:          rec.add,
		dial: func(ctx context.Context) (transport, error) {
			return ft, nil
		},
	}
	for _, fn := range opts {
		fn(&o)
	}

	c := New(o)
	require.NoError(t, c.Connect(t.Context()))
	t.Cleanup(c.Close)
	return c
}

func TestConnect_JoinsRoom(t *testing.T) {
	ft := newFakeTransport()
	newConnectedClient(t, ft, &received{})

	frames := ft.writtenFrames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, FrameRoomJoin, frames[0].Type)

	var join joinPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &join))
	assert.Equal(t, testRoom, join.RoomID)
	assert.Equal(t, testUser, join.EntityID)
}

func TestReceive_AgentBroadcast(t *testing.T) {
	ft := newFakeTransport()
	rec := &received{}
	newConnectedClient(t, ft, rec)

	ft.deliver(t, map[string]any{
		"id":       "m1",
		"text":     "purr",
		"senderId": testAgent,
		"roomId":   testRoom,
	})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"m1"}, rec.ids())
}

func TestReceive_WrongRoomDropped(t *testing.T) {
	ft := newFakeTransport()
	rec := &received{}
	newConnectedClient(t, ft, rec)

	ft.deliver(t, map[string]any{
		"id":       "m1",
		"text":     "not for us",
		"senderId": testAgent,
		"roomId":   "some-other-room",
	})
	ft.deliver(t, map[string]any{
		"id":       "m2",
		"text":     "for us",
		"senderId": testAgent,
		"roomId":   testRoom,
	})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"m2"}, rec.ids(), "cross-room event must not reach the transcript")
}

func TestReceive_RoomlessBroadcastDropped(t *testing.T) {
	ft := newFakeTransport()
	rec := &received{}
	newConnectedClient(t, ft, rec)

	ft.deliver(t, map[string]any{
		"id":       "m1",
		"text":     "no room named",
		"senderId": testAgent,
	})
	ft.deliver(t, map[string]any{
		"id":       "m2",
		"text":     "addressed to us",
		"senderId": testAgent,
		"roomId":   testRoom,
	})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"m2"}, rec.ids(), "a broadcast naming no room must not reach the transcript")
}

func TestReceive_NonAgentSenderDropped(t *testing.T) {
	ft := newFakeTransport()
	rec := &received{}
	newConnectedClient(t, ft, rec)

	ft.deliver(t, map[string]any{
		"id":       "m1",
		"text":     "another human in the room",
		"senderId": "user-other",
		"roomId":   testRoom,
	})
	ft.deliver(t, map[string]any{
		"id":         "m2",
		"text":       "agent matched by name marker",
		"senderName": "purl",
		"roomId":     testRoom,
	})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"m2"}, rec.ids())
}

func TestSend_EchoSuppressed(t *testing.T) {
	ft := newFakeTransport()
	rec := &received{}
	c := newConnectedClient(t, ft, rec)

	msgID, err := c.Send(t.Context(), "hello")
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	frames := ft.writtenFrames(t)
	require.Len(t, frames, 2) // join + send
	assert.Equal(t, FrameSendMessage, frames[1].Type)

	var sent sendPayload
	require.NoError(t, json.Unmarshal(frames[1].Payload, &sent))
	assert.Equal(t, msgID, sent.MessageID)
	assert.Equal(t, testUser, sent.SenderID)

	// The transport echoes our message back, attributed to the agent's id.
	// The echo check runs before the agent check, so it is still dropped.
	ft.deliver(t, map[string]any{
		"id":       msgID,
		"text":     "hello",
		"senderId": testAgent,
		"roomId":   testRoom,
	})
	ft.deliver(t, map[string]any{
		"id":       "real-reply",
		"text":     "purr",
		"senderId": testAgent,
		"roomId":   testRoom,
	})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"real-reply"}, rec.ids())
}

func TestReconnect_ExhaustsBudgetThenTerminal(t *testing.T) {
	ft := newFakeTransport()
	var dials atomic.Int64
	terminal := make(chan error, 1)

	rec := &received{}
	newConnectedClient(t, ft, rec,
		func(o *Options) {
			o.MaxReconnects = 5
			o.OnError = func(err error) { terminal <- err }
			o.dial = func(ctx context.Context) (transport, error) {
				if dials.Add(1) == 1 {
					return ft, nil
				}
				return nil, errors.New("dial refused")
			}
		},
	)

	// Drop the connection; every reconnect dial fails
	ft.Close()

	var err error
	select {
	case err = <-terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal connection error")
	}

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Terminal)
	assert.Equal(t, 5, connErr.Attempts)

	// 1 initial dial + exactly 5 reconnect attempts, never a 6th
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 6, dials.Load())
}

func TestReconnect_RecoversAndKeepsReceiving(t *testing.T) {
	ft1 := newFakeTransport()
	ft2 := newFakeTransport()
	var dials atomic.Int64

	rec := &received{}
	newConnectedClient(t, ft1, rec, func(o *Options) {
		o.dial = func(ctx context.Context) (transport, error) {
			if dials.Add(1) == 1 {
				return ft1, nil
			}
			return ft2, nil
		}
	})

	ft1.Close()

	// After reconnecting, broadcasts on the new transport are delivered
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, time.Second, time.Millisecond)
	ft2.deliver(t, map[string]any{
		"id":       "after-reconnect",
		"text":     "still here",
		"senderId": testAgent,
		"roomId":   testRoom,
	})

	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"after-reconnect"}, rec.ids())

	// The new transport received a fresh room join
	frames := ft2.writtenFrames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, FrameRoomJoin, frames[0].Type)
}

func TestClose_NoReconnect(t *testing.T) {
	ft := newFakeTransport()
	var dials atomic.Int64
	terminal := make(chan error, 1)

	rec := &received{}
	c := newConnectedClient(t, ft, rec, func(o *Options) {
		o.OnError = func(err error) { terminal <- err }
		o.dial = func(ctx context.Context) (transport, error) {
			dials.Add(1)
			return ft, nil
		}
	})

	c.Close()

	assert.False(t, c.Connected())
	select {
	case err := <-terminal:
		t.Fatalf("deliberate close must not produce a connection error, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.EqualValues(t, 1, dials.Load(), "deliberate close must not reconnect")
}
