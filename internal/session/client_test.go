// ABOUTME: Tests for the session client against an httptest agent service.
// ABOUTME: Covers lifecycle, optimistic sends, throttling, merge dedupe, and teardown.

package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purl-chat/purl-client/internal/wire"
)

const (
	testAgentID = "agent-A"
	testUserID  = "user-U"
)

// fakeService is a minimal in-memory stand-in for the agent messaging API.
type fakeService struct {
	t *testing.T

	sessionID    string
	sendStatus   int
	inlineReply  *wire.RawMessage
	history      []wire.RawMessage
	hasMore      bool
	sendCalls    atomic.Int64
	deleteCalls  atomic.Int64
	deleteStatus int
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/messaging/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(f.t, testAgentID, req.AgentID)
		assert.Equal(f.t, testUserID, req.UserID)
		json.NewEncoder(w).Encode(map[string]string{"sessionId": f.sessionID})
	})

	mux.HandleFunc("POST /api/messaging/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.sendCalls.Add(1)
		if f.sendStatus != 0 && f.sendStatus != http.StatusOK {
			http.Error(w, `{"error":"send rejected"}`, f.sendStatus)
			return
		}
		if f.inlineReply != nil {
			json.NewEncoder(w).Encode(f.inlineReply)
			return
		}
		w.Write([]byte(`{}`))
	})

	mux.HandleFunc("GET /api/messaging/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != f.sessionID {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": f.history,
			"hasMore":  f.hasMore,
		})
	})

	mux.HandleFunc("DELETE /api/messaging/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.deleteCalls.Add(1)
		if f.deleteStatus != 0 {
			w.WriteHeader(f.deleteStatus)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func newTestClient(t *testing.T, f *fakeService, opts ...func(*Options)) *Client {
	t.Helper()
	if f.sessionID == "" {
		f.sessionID = "sess-1"
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	o := Options{
		BaseURL:            srv.URL,
		AgentID:            testAgentID,
		AgentName:          "Purl",
		UserID:             testUserID,
		MinMessageInterval: 50 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func TestStart_ReturnsSessionID(t *testing.T) {
	c := newTestClient(t, &fakeService{t: t, sessionID: "sess-abc"})

	id, err := c.Start(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "sess-abc", id)
	assert.Equal(t, "sess-abc", c.SessionID())
}

func TestStart_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"agent unavailable"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{BaseURL: srv.URL, AgentID: testAgentID, UserID: testUserID})

	_, err := c.Start(t.Context())

	var scErr *SessionCreationError
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, http.StatusServiceUnavailable, scErr.StatusCode)
	assert.Contains(t, scErr.Message, "agent unavailable")
	assert.Empty(t, c.SessionID(), "no session exists until Start resolves")
}

func TestSend_EmptyContent(t *testing.T) {
	f := &fakeService{t: t}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	_, sendErr := c.Send(t.Context(), "   \n\t ")

	var vErr *ValidationError
	assert.ErrorAs(t, sendErr, &vErr)
	assert.Empty(t, c.Messages(), "rejected send leaves no trace")
	assert.Zero(t, f.sendCalls.Load())
}

func TestSend_OptimisticDelivery(t *testing.T) {
	f := &fakeService{t: t}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	m, err := c.Send(t.Context(), "hello purl")
	require.NoError(t, err)

	assert.Equal(t, wire.StatusDelivered, m.Status)
	assert.Equal(t, testUserID, m.AuthorID)

	msgs := c.Messages()
	// The user message plus the thinking placeholder
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello purl", msgs[0].Content)
	assert.Equal(t, wire.StatusDelivered, msgs[0].Status)
	assert.True(t, msgs[1].IsThinking())
	assert.True(t, c.Thinking())
}

func TestSend_RateLimited(t *testing.T) {
	f := &fakeService{t: t}
	c := newTestClient(t, f, func(o *Options) { o.MinMessageInterval = time.Minute })
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	_, err = c.Send(t.Context(), "first")
	require.NoError(t, err)

	_, err = c.Send(t.Context(), "second")

	var rlErr *RateLimitedError
	require.ErrorAs(t, err, &rlErr)
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))
	assert.EqualValues(t, 1, f.sendCalls.Load(), "throttled send must not reach the network")

	// Only the first optimistic message exists (plus placeholder)
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
}

func TestSend_FailureKeepsOptimisticMessage(t *testing.T) {
	f := &fakeService{t: t, sendStatus: http.StatusBadGateway}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	m, err := c.Send(t.Context(), "doomed")

	var msErr *MessageSendError
	require.ErrorAs(t, err, &msErr)
	assert.Equal(t, http.StatusBadGateway, msErr.StatusCode)

	msgs := c.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, m.ID, msgs[0].ID, "failed message stays in the transcript")
	assert.Equal(t, wire.StatusError, msgs[0].Status)
}

func TestSend_InlineAgentReplyClearsThinking(t *testing.T) {
	f := &fakeService{t: t, inlineReply: &wire.RawMessage{
		ID:       "reply-1",
		Content:  "purr",
		SenderID: testAgentID,
	}}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	_, err = c.Send(t.Context(), "hi")
	require.NoError(t, err)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "purr", msgs[1].Content)
	assert.True(t, msgs[1].FromAgent)
	assert.False(t, c.Thinking(), "inline reply clears the placeholder")
}

func TestSend_EchoNotMerged(t *testing.T) {
	// The service echoes the user's own message back in the send response
	f := &fakeService{t: t, inlineReply: &wire.RawMessage{
		ID:       "echo-1",
		Content:  "hi",
		SenderID: testUserID,
	}}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	_, err = c.Send(t.Context(), "hi")
	require.NoError(t, err)

	msgs := c.Messages()
	// User message + thinking placeholder only; the echo was dropped
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsThinking())
	assert.True(t, c.Thinking())
}

func TestGetMessages_RoundTrip(t *testing.T) {
	f := &fakeService{t: t, history: []wire.RawMessage{
		{ID: "m1", Content: "hello purl", SenderID: testUserID, CreatedAt: time.Now().UnixMilli()},
		{ID: "m2", Content: "purr", SenderID: testAgentID, CreatedAt: time.Now().UnixMilli()},
	}}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	page, err := c.GetMessages(t.Context(), GetMessagesOptions{Limit: 10})
	require.NoError(t, err)

	require.Len(t, page.Messages, 2)
	assert.False(t, page.HasMore)
	assert.Equal(t, "hello purl", page.Messages[0].Content)
	assert.Equal(t, testUserID, page.Messages[0].AuthorID)
	assert.False(t, page.Messages[0].FromAgent)
	assert.True(t, page.Messages[1].FromAgent)
}

func TestGetMessages_MissingSessionIsEmpty(t *testing.T) {
	f := &fakeService{t: t, sessionID: "sess-known"}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	// Point the transcript at a session the service no longer knows
	c.transcript.setSession("sess-gone")

	page, err := c.GetMessages(t.Context(), GetMessagesOptions{})
	require.NoError(t, err, "history retrieval is best-effort")
	assert.Empty(t, page.Messages)
}

func TestEnd_ClearsLocalStateEvenOnRemoteFailure(t *testing.T) {
	f := &fakeService{t: t, deleteStatus: http.StatusInternalServerError}
	c := newTestClient(t, f)
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	_, err = c.Send(t.Context(), "hello")
	require.NoError(t, err)

	c.End(t.Context())

	assert.Empty(t, c.SessionID())
	assert.Empty(t, c.Messages())
	assert.False(t, c.Thinking())
	assert.EqualValues(t, 1, f.deleteCalls.Load())
}

func TestMerge_DeduplicatesByID(t *testing.T) {
	c := newTestClient(t, &fakeService{t: t})
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	m := &wire.Message{ID: "m1", Content: "purr", AuthorID: testAgentID, FromAgent: true}

	assert.Equal(t, 1, c.Merge(m))
	assert.Equal(t, 0, c.Merge(m), "second merge of the same ID is a no-op")

	dup := &wire.Message{ID: "m1", Content: "different body, same id", AuthorID: testAgentID, FromAgent: true}
	assert.Equal(t, 0, c.Merge(dup))

	assert.Len(t, c.Messages(), 1)
}

func TestMerge_SkipsNonAgentMessages(t *testing.T) {
	c := newTestClient(t, &fakeService{t: t})
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	n := c.Merge(&wire.Message{ID: "m1", Content: "from someone else", AuthorID: "other-user", FromAgent: false})

	assert.Zero(t, n)
	assert.Empty(t, c.Messages())
}

func TestMerge_PreservesArrivalOrder(t *testing.T) {
	c := newTestClient(t, &fakeService{t: t})
	_, err := c.Start(t.Context())
	require.NoError(t, err)

	c.Merge(
		&wire.Message{ID: "m1", Content: "one", AuthorID: testAgentID, FromAgent: true},
		&wire.Message{ID: "m2", Content: "two", AuthorID: testAgentID, FromAgent: true},
	)
	c.Merge(&wire.Message{ID: "m3", Content: "three", AuthorID: testAgentID, FromAgent: true})

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}
