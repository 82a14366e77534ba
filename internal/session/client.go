// ABOUTME: Session lifecycle and message send/fetch against the agent service REST API.
// ABOUTME: Optimistic sends with client-side throttling; best-effort teardown.

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/purl-chat/purl-client/internal/dedupe"
	"github.com/purl-chat/purl-client/internal/store"
	"github.com/purl-chat/purl-client/internal/wire"
)

const (
	requestTimeout = 30 * time.Second

	// Seen-ID cache bounds. The window only has to outlive the poll overlap,
	// not the whole session; the transcript itself is the long-term record.
	seenTTL     = 30 * time.Minute
	seenMaxSize = 4096
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	AgentID   string
	AgentName string
	UserID    string
	Metadata  map[string]string

	// MinMessageInterval is the cooperative client-side send throttle.
	MinMessageInterval time.Duration

	// Cache, when set, receives a write-through copy of every transcript
	// change. Cache failures are logged and never block the chat flow.
	Cache *store.TranscriptCache

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client manages one conversation session. Safe for concurrent use; the
// polling loop and the socket client merge into the same transcript.
type Client struct {
	httpc     *http.Client
	baseURL   string
	apiKey    string
	agentID   string
	agentName string
	userID    string
	metadata  map[string]string
	limiter   *rate.Limiter
	cache     *store.TranscriptCache
	logger    *slog.Logger

	transcript transcript
}

// New creates a session client. The session itself is not created until
// Start is called.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: requestTimeout}
	}
	interval := opts.MinMessageInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	c := &Client{
		httpc:     httpc,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		agentID:   opts.AgentID,
		agentName: opts.AgentName,
		userID:    opts.UserID,
		metadata:  opts.Metadata,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		cache:     opts.Cache,
		logger:    logger.With("component", "session"),
	}
	c.transcript.seen = dedupe.New(seenTTL, seenMaxSize)
	return c
}

type startRequest struct {
	AgentID  string            `json:"agentId"`
	UserID   string            `json:"userId"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
}

// Start creates the session on the agent service and returns its ID. The
// session does not exist until this resolves; callers must not send before.
func (c *Client) Start(ctx context.Context) (string, error) {
	body, err := json.Marshal(startRequest{
		AgentID:  c.agentID,
		UserID:   c.userID,
		Metadata: c.metadata,
	})
	if err != nil {
		return "", &SessionCreationError{Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/messaging/sessions", body)
	if err != nil {
		return "", &SessionCreationError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &SessionCreationError{
			StatusCode: resp.StatusCode,
			Message:    serverMessage(resp.Body),
		}
	}

	var sr startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", &SessionCreationError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	if sr.SessionID == "" {
		return "", &SessionCreationError{Message: "server returned no session id"}
	}

	c.transcript.setSession(sr.SessionID)
	c.logger.Info("session started", "session_id", sr.SessionID, "agent_id", c.agentID)
	return sr.SessionID, nil
}

// SessionID returns the current session ID, or "" before Start / after End.
func (c *Client) SessionID() string {
	return c.transcript.sessionID()
}

type sendRequest struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Send validates and throttles a user message, appends it optimistically
// (status pending), then delivers it. The optimistic message transitions to
// delivered or error; it is never rolled back, so the user can see and retry
// a failed send inline.
func (c *Client) Send(ctx context.Context, content string) (*wire.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ValidationError{Reason: "message content is empty"}
	}
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil, &MessageSendError{Err: errNoSession}
	}

	// Throttle before any state change: a rejected send must leave no trace
	// and issue no network call.
	res := c.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return nil, &RateLimitedError{RetryAfter: delay}
	}

	msg := &wire.Message{
		ID:        uuid.New().String(),
		Content:   content,
		AuthorID:  c.userID,
		FromAgent: false,
		CreatedAt: time.Now(),
		Status:    wire.StatusPending,
	}
	c.transcript.appendLocal(msg)
	c.persist(msg)

	body, err := json.Marshal(sendRequest{Content: content, Metadata: c.metadata})
	if err != nil {
		c.failMessage(msg.ID)
		return msg, &MessageSendError{MessageID: msg.ID, Err: err}
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/messaging/sessions/"+sessionID+"/messages", body)
	if err != nil {
		c.failMessage(msg.ID)
		return msg, &MessageSendError{MessageID: msg.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.failMessage(msg.ID)
		return msg, &MessageSendError{MessageID: msg.ID, StatusCode: resp.StatusCode}
	}

	c.transcript.setStatus(msg.ID, wire.StatusDelivered)
	msg.Status = wire.StatusDelivered
	c.persist(msg)

	// The send response may carry an immediate inline agent reply
	c.mergeInlineReply(resp.Body)

	return msg, nil
}

// mergeInlineReply inspects a send response body for an agent reply and
// merges it. Echoes of the user's own message are discarded: the sender
// check runs before the agent check, so an ambiguous payload is treated as
// an echo rather than shown twice.
func (c *Client) mergeInlineReply(body io.Reader) {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return
	}

	var raw wire.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	m := wire.Normalize(&raw, c.agentID, c.agentName)
	if m.ID == "" || m.AuthorID == c.userID || !m.FromAgent {
		return
	}
	c.Merge(m)
}

// GetMessagesOptions narrows a history fetch.
type GetMessagesOptions struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

// Page is one page of remote history.
type Page struct {
	Messages []wire.Message
	HasMore  bool
}

type messagesResponse struct {
	Messages []wire.RawMessage `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

// GetMessages fetches a history page from the agent service. History is
// best-effort: a missing session yields an empty page, not an error.
func (c *Client) GetMessages(ctx context.Context, opts GetMessagesOptions) (*Page, error) {
	id := c.SessionID()
	if id == "" {
		return &Page{}, nil
	}

	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Before != nil {
		q.Set("before", strconv.FormatInt(opts.Before.UnixMilli(), 10))
	}
	if opts.After != nil {
		q.Set("after", strconv.FormatInt(opts.After.UnixMilli(), 10))
	}

	path := "/api/messaging/sessions/" + id + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Page{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching messages: status %d", resp.StatusCode)
	}

	var mr messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}

	page := &Page{HasMore: mr.HasMore, Messages: make([]wire.Message, 0, len(mr.Messages))}
	for i := range mr.Messages {
		page.Messages = append(page.Messages, *wire.Normalize(&mr.Messages[i], c.agentID, c.agentName))
	}
	return page, nil
}

// End deletes the session on the agent service (best-effort) and always
// clears local state. Local cleanup never depends on remote success.
func (c *Client) End(ctx context.Context) {
	id := c.SessionID()
	if id != "" {
		resp, err := c.do(ctx, http.MethodDelete, "/api/messaging/sessions/"+id, nil)
		if err != nil {
			c.logger.Warn("session delete failed", "session_id", id, "error", err)
		} else {
			resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				c.logger.Warn("session delete rejected", "session_id", id, "status", resp.StatusCode)
			}
		}
	}

	c.transcript.reset()
	if c.cache != nil && id != "" {
		if err := c.cache.ClearSession(ctx, id); err != nil {
			c.logger.Warn("clearing cached transcript failed", "session_id", id, "error", err)
		}
	}
	c.logger.Info("session ended", "session_id", id)
}

// Merge admits remote agent messages into the transcript, skipping
// duplicates by ID and anything not authored by the agent. The first merged
// message clears the thinking placeholder. Returns the number admitted.
func (c *Client) Merge(msgs ...*wire.Message) int {
	added := c.transcript.merge(msgs)
	for _, m := range added {
		c.persist(m)
	}
	if len(added) > 0 {
		c.logger.Debug("merged agent messages", "count", len(added))
	}
	return len(added)
}

// Messages returns a snapshot of the transcript, with the thinking
// placeholder appended while it is active.
func (c *Client) Messages() []wire.Message {
	return c.transcript.snapshot()
}

// Thinking reports whether the placeholder is active (user sent, no agent
// reply yet).
func (c *Client) Thinking() bool {
	return c.transcript.thinkingActive()
}

// AgentID returns the agent identity this session talks to.
func (c *Client) AgentID() string { return c.agentID }

// AgentName returns the configured agent display name, if any.
func (c *Client) AgentName() string { return c.agentName }

// UserID returns the local user identity.
func (c *Client) UserID() string { return c.userID }

func (c *Client) failMessage(id string) {
	c.transcript.setStatus(id, wire.StatusError)
	if m := c.transcript.get(id); m != nil {
		c.persist(m)
	}
}

func (c *Client) persist(m *wire.Message) {
	if c.cache == nil || m.IsThinking() {
		return
	}
	id := c.SessionID()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cache.Save(ctx, id, m); err != nil {
		c.logger.Warn("transcript cache write failed", "message_id", m.ID, "error", err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	return c.httpc.Do(req)
}

// serverMessage extracts a human-readable error from a response body.
func serverMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
