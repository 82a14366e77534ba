// ABOUTME: Fixed-interval polling loop that discovers new agent messages.
// ABOUTME: Failed ticks are logged and skipped; Stop never leaves an orphaned ticker.

package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/purl-chat/purl-client/internal/session"
	"github.com/purl-chat/purl-client/internal/wire"
)

// Session is the slice of the session client the poller needs: fetch a
// recent page and merge what is new. Merge owns duplicate suppression.
type Session interface {
	GetMessages(ctx context.Context, opts session.GetMessagesOptions) (*session.Page, error)
	Merge(msgs ...*wire.Message) int
}

// Poller repeatedly fetches recent messages and merges agent-authored ones
// into the local transcript. The interval is deliberately coarse: the agent
// service rate-limits aggressive pollers, so this knob trades latency for
// staying under that limit.
type Poller struct {
	session  Session
	interval time.Duration
	limit    int
	onUpdate func(added int)
	logger   *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	Limit    int // page size per tick

	// OnUpdate is invoked from the polling goroutine after a tick that
	// merged at least one new message. May be nil.
	OnUpdate func(added int)

	Logger *slog.Logger
}

// New creates a poller. Call Start to begin ticking.
func New(sess Session, opts Options) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	return &Poller{
		session:  sess,
		interval: interval,
		limit:    limit,
		onUpdate: opts.OnUpdate,
		logger:   logger.With("component", "poller"),
		done:     make(chan struct{}),
	}
}

// Start launches the polling goroutine. The loop stops when Stop is called
// or ctx is cancelled, whichever comes first.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop terminates the loop and waits for the in-flight tick to finish.
// Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick fetches one page and merges it. A failing fetch is logged and
// skipped; no single failure terminates polling.
func (p *Poller) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	page, err := p.session.GetMessages(tickCtx, session.GetMessagesOptions{Limit: p.limit})
	if err != nil {
		p.logger.Warn("poll tick failed", "error", err)
		return
	}

	msgs := make([]*wire.Message, 0, len(page.Messages))
	for i := range page.Messages {
		msgs = append(msgs, &page.Messages[i])
	}

	added := p.session.Merge(msgs...)
	if added > 0 {
		p.logger.Debug("poll merged new messages", "count", added)
		if p.onUpdate != nil {
			p.onUpdate(added)
		}
	}
}
