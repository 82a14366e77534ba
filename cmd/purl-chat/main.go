// ABOUTME: Interactive terminal client for chatting with a hosted Purl agent.
// ABOUTME: Polls by default; --realtime switches to the websocket transport.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/purl-chat/purl-client/internal/config"
	"github.com/purl-chat/purl-client/internal/conn"
	"github.com/purl-chat/purl-client/internal/export"
	"github.com/purl-chat/purl-client/internal/poll"
	"github.com/purl-chat/purl-client/internal/profile"
	"github.com/purl-chat/purl-client/internal/session"
	"github.com/purl-chat/purl-client/internal/socket"
	"github.com/purl-chat/purl-client/internal/store"
	"github.com/purl-chat/purl-client/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _
  _ __  _   _ _ __| |
 | '_ \| | | | '__| |
 | |_) | |_| | |  | |
 | .__/ \__,_|_|  |_|
 |_|
`

// getConfigPath returns the path to the client config file.
// Priority: PURL_CONFIG env var > XDG_CONFIG_HOME/purl/purl.yaml > ~/.config/purl/purl.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PURL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "purl.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "purl", "purl.yaml")
}

// getCachePath returns the default transcript cache location.
// Priority: XDG_DATA_HOME/purl > ~/.local/share/purl
func getCachePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "transcripts.db" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "purl", "transcripts.db")
}

func main() {
	configPath := flag.String("config", getConfigPath(), "Path to config file")
	realtime := flag.Bool("realtime", false, "Use the websocket transport instead of polling")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *realtime); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath string, realtime bool) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	profilePath, err := profile.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving profile path: %w", err)
	}
	prof, err := profile.Load(profilePath)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	cachePath := cfg.Cache.Path
	if cachePath == "" {
		cachePath = getCachePath()
	}
	cache, err := store.Open(cachePath)
	if err != nil {
		return fmt.Errorf("opening transcript cache: %w", err)
	}
	defer cache.Close()

	mode := "polling"
	if realtime {
		mode = "realtime"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Server:  %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Agent:   %s\n", cfg.Chat.AgentID)
	green.Print("    ▶ ")
	fmt.Printf("Mode:    %s\n\n", mode)

	sess := session.New(session.Options{
		BaseURL:            cfg.Server.BaseURL,
		APIKey:             cfg.Server.APIKey,
		AgentID:            cfg.Chat.AgentID,
		AgentName:          cfg.Chat.AgentName,
		UserID:             prof.UserID,
		Metadata:           prof.Metadata(),
		MinMessageInterval: cfg.Chat.MinMessageInterval,
		Cache:              cache,
		Logger:             logger,
	})

	sessionID, err := sess.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	gray.Printf("session %s\n", sessionID)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	printer := &transcriptPrinter{sess: sess}

	if realtime {
		wsEndpoint, err := wsURL(cfg.Server.BaseURL)
		if err != nil {
			return err
		}

		manager := conn.NewManager(func(ctx context.Context, agentID, userID string) (*socket.Client, error) {
			c := socket.New(socket.Options{
				URL:                wsEndpoint,
				APIKey:             cfg.Server.APIKey,
				RoomID:             sessionID,
				AgentID:            agentID,
				AgentName:          cfg.Chat.AgentName,
				UserID:             userID,
				ReconnectBaseDelay: cfg.Socket.ReconnectBaseDelay,
				MaxReconnects:      cfg.Socket.MaxReconnects,
				OnMessage: func(m *wire.Message) {
					sess.Merge(m)
					printer.printNew()
				},
				OnError: func(err error) {
					color.Red("\n[connection] %v", err)
					fmt.Println("Falling back is not automatic; restart without --realtime to poll.")
				},
				Logger: logger,
			})
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}, cfg.Socket.ReleaseGrace, logger)
		defer manager.Close()

		_, release, err := manager.Get(ctx, cfg.Chat.AgentID, prof.UserID)
		if err != nil {
			return fmt.Errorf("connecting realtime transport: %w", err)
		}
		defer release()
	} else {
		poller := poll.New(sess, poll.Options{
			Interval: cfg.Chat.PollInterval,
			Limit:    cfg.Chat.HistoryLimit,
			OnUpdate: func(int) { printer.printNew() },
			Logger:   logger,
		})
		poller.Start(ctx)
		defer poller.Stop()
	}

	err = inputLoop(ctx, sess, printer, cfg.Chat.AgentName)

	// Teardown is best-effort on the remote but always clears local state
	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer endCancel()
	sess.End(endCtx)

	return err
}

func inputLoop(ctx context.Context, sess *session.Client, printer *transcriptPrinter, agentName string) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		if input == "/history" {
			if err := showHistory(ctx, sess); err != nil {
				color.Red("[error] %v", err)
			}
			fmt.Println()
			continue
		}

		if strings.HasPrefix(input, "/export") {
			path := strings.TrimSpace(strings.TrimPrefix(input, "/export"))
			if path == "" {
				path = fmt.Sprintf("purl-transcript-%s.html", time.Now().Format("20060102-150405"))
			}
			if err := exportTranscript(sess, agentName, path); err != nil {
				color.Red("[error] %v", err)
			} else {
				fmt.Printf("Exported to %s\n", path)
			}
			fmt.Println()
			continue
		}

		if input == "/end" {
			endCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			sess.End(endCtx)
			cancel()
			fmt.Println("Session ended.")
			return nil
		}

		sendInput(ctx, sess, printer, input)
	}
}

// sendInput delivers one user message and reports throttling or failure
// without terminating the loop.
func sendInput(ctx context.Context, sess *session.Client, printer *transcriptPrinter, content string) {
	_, err := sess.Send(ctx, content)
	if err != nil {
		var rateErr *session.RateLimitedError
		if errors.As(err, &rateErr) {
			color.Yellow("Slow down: try again in %s", rateErr.RetryAfter.Round(100*time.Millisecond))
			return
		}
		color.Red("[send failed] %v", err)
		return
	}
	printer.markSent()
	if sess.Thinking() {
		color.New(color.FgHiBlack).Println("… thinking")
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /history        Fetch and show remote message history")
	fmt.Println("  /export [file]  Export the transcript as HTML")
	fmt.Println("  /end            End the session and exit")
	fmt.Println("  /help           Show this help")
	fmt.Println("  /quit           Exit (session ends on the way out)")
}

// showHistory fetches a remote page and merges it, then prints the full
// transcript. A session unknown to the server shows as empty, not an error.
func showHistory(ctx context.Context, sess *session.Client) error {
	page, err := sess.GetMessages(ctx, session.GetMessagesOptions{Limit: 50})
	if err != nil {
		return err
	}

	msgs := make([]*wire.Message, 0, len(page.Messages))
	for i := range page.Messages {
		msgs = append(msgs, &page.Messages[i])
	}
	sess.Merge(msgs...)

	transcript := sess.Messages()
	if len(transcript) == 0 {
		fmt.Println("No messages yet")
		return nil
	}

	fmt.Println(strings.Repeat("-", 60))
	for i := range transcript {
		printMessage(&transcript[i])
	}
	if page.HasMore {
		color.New(color.FgHiBlack).Println("... more history available")
	}
	fmt.Println(strings.Repeat("-", 60))
	return nil
}

func exportTranscript(sess *session.Client, agentName string, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	return export.HTML(f, sess.Messages(), export.Options{
		Title:     "Purl transcript",
		AgentName: agentName,
	})
}

// transcriptPrinter prints agent messages exactly once, in transcript
// order, from whichever goroutine merged them.
type transcriptPrinter struct {
	sess *session.Client

	mu      sync.Mutex
	printed map[string]bool
}

// markSent records the user's own messages so they are not re-printed as
// transcript updates.
func (p *transcriptPrinter) markSent() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.printed == nil {
		p.printed = make(map[string]bool)
	}
	for _, m := range p.sess.Messages() {
		if !m.FromAgent {
			p.printed[m.ID] = true
		}
	}
}

// printNew prints transcript entries that have not been shown yet.
func (p *transcriptPrinter) printNew() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.printed == nil {
		p.printed = make(map[string]bool)
	}

	fresh := false
	for _, m := range p.sess.Messages() {
		if m.IsThinking() || p.printed[m.ID] {
			continue
		}
		if !fresh {
			fmt.Println()
			fresh = true
		}
		printMessage(&m)
		p.printed[m.ID] = true
	}
	if fresh {
		fmt.Print("> ")
	}
}

func printMessage(m *wire.Message) {
	if m.IsThinking() {
		color.New(color.FgHiBlack).Println("… thinking")
		return
	}

	if m.FromAgent {
		color.New(color.FgGreen).Print("← ")
	} else {
		color.New(color.FgCyan).Print("→ ")
	}
	fmt.Print(m.Content)
	switch m.Status {
	case wire.StatusPending:
		color.New(color.FgHiBlack).Print("  [sending]")
	case wire.StatusError:
		color.Red("  [failed]")
	}
	fmt.Println()
	if m.Thought != "" {
		color.New(color.FgHiBlack).Printf("  [thought] %s\n", m.Thought)
	}
}

// wsURL derives the websocket endpoint from the HTTP base URL.
func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q in base URL", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		// Chat output owns stdout; keep log noise down unless asked
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
