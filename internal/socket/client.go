// ABOUTME: Realtime socket client: room join, filtered broadcast delivery, echo suppression.
// ABOUTME: Reconnects with exponential backoff up to a capped attempt count.

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/purl-chat/purl-client/internal/dedupe"
	"github.com/purl-chat/purl-client/internal/wire"
)

// echo-suppression window; only has to cover transport round-trip latency
const (
	echoTTL     = 5 * time.Minute
	echoMaxSize = 1024
)

// ConnectionError reports a realtime transport failure. Terminal means the
// reconnection budget is exhausted and the client will not retry.
type ConnectionError struct {
	Attempts int
	Terminal bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("realtime connection lost after %d reconnect attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("realtime connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// transport is the minimal surface of a websocket connection the client
// uses. Tests substitute an in-memory implementation.
type transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a transport. The default dials the service's websocket
// endpoint with coder/websocket.
type DialFunc func(ctx context.Context) (transport, error)

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL    string
	APIKey string

	RoomID    string
	AgentID   string
	AgentName string
	UserID    string

	ReconnectBaseDelay time.Duration
	MaxReconnects      int

	// OnMessage receives every accepted agent message, already normalized.
	// Called from the read goroutine.
	OnMessage func(*wire.Message)
	// OnError receives terminal connection errors. May be nil.
	OnError func(error)

	Logger *slog.Logger

	dial DialFunc // test hook
}

// Client is a push-based alternative to the polling loop. One Client serves
// one room.
type Client struct {
	opts   Options
	logger *slog.Logger
	echo   *dedupe.Cache

	mu        sync.Mutex
	conn      transport
	connected atomic.Bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a socket client. Call Connect to open the transport.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.dial == nil {
		opts.dial = defaultDialer(opts.URL, opts.APIKey)
	}

	return &Client{
		opts:   opts,
		logger: logger.With("component", "socket", "room_id", opts.RoomID),
		echo:   dedupe.New(echoTTL, echoMaxSize),
	}
}

func defaultDialer(url, apiKey string) DialFunc {
	return func(ctx context.Context) (transport, error) {
		var opts websocket.DialOptions
		if apiKey != "" {
			opts.HTTPHeader = http.Header{"X-API-Key": []string{apiKey}}
		}
		c, _, err := websocket.Dial(ctx, url, &opts)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: c}, nil
	}
}

// wsTransport adapts coder/websocket to the transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsTransport) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsTransport) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "client closing")
}

// Connect dials the transport, joins the room, and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialAndJoin(ctx)
	if err != nil {
		return &ConnectionError{Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.run(runCtx)

	c.logger.Info("realtime connection established")
	return nil
}

// Connected reports transport liveness.
func (c *Client) Connected() bool {
	return c.connected.Load() && !c.closed.Load()
}

// Closed reports whether Close was called deliberately.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Send emits a message into the room and returns the client-generated
// message ID used for echo suppression.
func (c *Client) Send(ctx context.Context, content string) (string, error) {
	if !c.Connected() {
		return "", &ConnectionError{Err: errors.New("not connected")}
	}

	msgID := uuid.New().String()
	frame, err := marshalEnvelope(FrameSendMessage, sendPayload{
		SenderID:  c.opts.UserID,
		Message:   content,
		RoomID:    c.opts.RoomID,
		MessageID: msgID,
		Source:    "purl-client",
	})
	if err != nil {
		return "", fmt.Errorf("encoding message frame: %w", err)
	}

	// Mark before writing: the echo can race the write returning
	c.echo.Mark(msgID)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Write(ctx, frame); err != nil {
		return "", &ConnectionError{Err: err}
	}
	return msgID, nil
}

// Close tears the connection down deliberately. No reconnection follows.
// Idempotent.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.connected.Store(false)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.logger.Info("realtime connection closed")
}

func (c *Client) dialAndJoin(ctx context.Context) (transport, error) {
	conn, err := c.opts.dial(ctx)
	if err != nil {
		return nil, err
	}

	frame, err := marshalEnvelope(FrameRoomJoin, joinPayload{
		RoomID:   c.opts.RoomID,
		EntityID: c.opts.UserID,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encoding join frame: %w", err)
	}
	if err := conn.Write(ctx, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining room: %w", err)
	}
	return conn, nil
}

// run reads frames until the connection drops, then reconnects with
// exponential backoff. Exhausting the attempt budget reports a terminal
// ConnectionError instead of retrying forever.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		readErr := c.readLoop(ctx)
		if c.closed.Load() || ctx.Err() != nil {
			return
		}
		c.connected.Store(false)
		c.logger.Warn("realtime connection dropped", "error", readErr)

		if !c.reconnect(ctx, readErr) {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

// reconnect tries to re-establish the connection. Returns true when
// connected again, false when the budget is exhausted or the client closed.
func (c *Client) reconnect(ctx context.Context, cause error) bool {
	delay := c.opts.ReconnectBaseDelay
	lastErr := cause

	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if c.closed.Load() {
			return false
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := c.dialAndJoin(dialCtx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.connected.Store(true)
			c.logger.Info("realtime connection re-established", "attempt", attempt)
			return true
		}

		lastErr = err
		c.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", c.opts.MaxReconnects,
			"next_delay", delay*2,
			"error", err,
		)
		delay *= 2
	}

	terminal := &ConnectionError{Attempts: c.opts.MaxReconnects, Terminal: true, Err: lastErr}
	c.logger.Error("reconnect budget exhausted", "attempts", c.opts.MaxReconnects, "error", lastErr)
	if c.opts.OnError != nil {
		c.opts.OnError(terminal)
	}
	return false
}

// handleFrame filters and normalizes one incoming frame. The transport may
// multiplex unrelated rooms and senders; anything that is not an agent
// message for our room is dropped silently.
func (c *Client) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("discarding malformed frame", "error", err)
		return
	}
	if env.Type != FrameMessageBroadcast {
		return
	}

	var raw wire.RawMessage
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		c.logger.Debug("discarding malformed broadcast payload", "error", err)
		return
	}

	// Room filter first: only traffic addressed to our room is ours. A
	// broadcast that names no room is dropped rather than guessed at.
	if raw.Room() != c.opts.RoomID {
		return
	}

	m := wire.Normalize(&raw, c.opts.AgentID, c.opts.AgentName)
	if m.ID == "" {
		return
	}

	// Echo check precedes the agent check: our own message reflected back
	// must never re-enter the transcript, however it is attributed
	if c.echo.Seen(m.ID) || strings.EqualFold(m.AuthorID, c.opts.UserID) {
		return
	}
	if !m.FromAgent {
		return
	}

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
}
