// Package collector runs the background poll loop that drains a YouTube live
// chat into the store. One collector owns at most one active session; starting
// a new chat stops the previous loop first.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/ingesttrace"
	"github.com/you/chat-raffle/internal/ytapi"
)

const (
	minPollDelay = 500 * time.Millisecond
	maxPollDelay = 2 * time.Second
	errorBackoff = 5 * time.Second
)

// Source fetches chat pages. Satisfied by *ytapi.Client.
type Source interface {
	FetchChatPage(ctx context.Context, liveChatID, pageToken string) (ytapi.ChatPage, error)
}

// Cursors persists the paging state of a session. Satisfied by
// *store.SQLiteStore.
type Cursors interface {
	UpdateSessionCursor(ctx context.Context, sessionID int64, nextPageToken string, totalMessages int64) error
}

// Writer receives each collected message. Satisfied by the store writer
// chain.
type Writer interface {
	Write(core.Message, *ingesttrace.MessageTrace) error
}

// Session carries the paging state the poll loop needs. Mapped from the
// store's session row by the caller.
type Session struct {
	ID            int64
	LiveChatID    string
	VideoURL      string
	NextPageToken string
	TotalMessages int64
}

// Status is a point-in-time snapshot of the collector.
type Status struct {
	Collecting    bool   `json:"collecting"`
	LiveChatID    string `json:"live_chat_id,omitempty"`
	VideoURL      string `json:"video_url,omitempty"`
	TotalMessages int64  `json:"total_messages"`
	LastError     string `json:"last_error,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
}

type Metrics interface {
	IncMessagesCollected(n int)
	IncStoreWriteErrors()
}

type Options struct {
	Source  Source
	Cursors Cursors
	Writer  Writer
	Logger  *slog.Logger
	Metrics Metrics

	// DebugTrace enables per-message pipeline traces.
	DebugTrace bool
}

type Collector struct {
	source  Source
	cursors Cursors
	writer  Writer
	logger  *slog.Logger
	metrics Metrics
	debug   bool

	// startMu serializes Start and Stop transitions so overlapping calls
	// cannot both observe the same previous loop and spawn two replacements.
	// It is never held while the loop runs, only across a handover.
	startMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	session Session
	running bool
	started time.Time
	total   int64
	lastErr string
}

func New(opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:  opts.Source,
		cursors: opts.Cursors,
		writer:  opts.Writer,
		logger:  logger,
		metrics: opts.Metrics,
		debug:   opts.DebugTrace,
	}
}

// Start begins polling the session's live chat. A collector already running
// against another chat is stopped first; starting the same chat again is a
// no-op.
func (c *Collector) Start(ctx context.Context, session Session) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.running && c.session.LiveChatID == session.LiveChatID {
		c.mu.Unlock()
		return
	}
	prevCancel, prevDone := c.cancel, c.done
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.session = session
	c.running = true
	c.started = time.Now()
	c.total = session.TotalMessages
	c.lastErr = ""
	c.mu.Unlock()

	c.logger.Info("collector: starting",
		"live_chat_id", session.LiveChatID, "video_url", session.VideoURL)

	go c.loop(loopCtx, session, done)
}

// Stop halts the poll loop and waits for it to exit. Safe to call repeatedly.
func (c *Collector) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Collecting:    c.running,
		TotalMessages: c.total,
		LastError:     c.lastErr,
	}
	if c.running {
		st.LiveChatID = c.session.LiveChatID
		st.VideoURL = c.session.VideoURL
		st.StartedAt = c.started.UTC().Format(time.RFC3339)
	}
	return st
}

func (c *Collector) loop(ctx context.Context, session Session, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.logger.Info("collector: stopped", "live_chat_id", session.LiveChatID)
	}()

	pageToken := session.NextPageToken
	for {
		if ctx.Err() != nil {
			return
		}

		page, err := c.source.FetchChatPage(ctx, session.LiveChatID, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordError(err)
			if !sleepContext(ctx, errorBackoff) {
				return
			}
			continue
		}

		written := 0
		for _, msg := range page.Messages {
			trace := c.traceFor(session.LiveChatID, msg)
			trace.IncCounter(ingesttrace.StageKept)
			if err := c.writer.Write(msg, trace); err != nil {
				c.recordError(err)
				if c.metrics != nil {
					c.metrics.IncStoreWriteErrors()
				}
				continue
			}
			written++
			trace.LogTrace(c.logger, "collector: message traced")
		}

		c.mu.Lock()
		c.total += int64(written)
		c.lastErr = ""
		total := c.total
		c.mu.Unlock()

		if c.metrics != nil && written > 0 {
			c.metrics.IncMessagesCollected(written)
		}

		pageToken = page.NextPageToken
		if err := c.cursors.UpdateSessionCursor(ctx, session.ID, pageToken, total); err != nil {
			c.recordError(err)
		}

		if !sleepContext(ctx, clampDelay(page.PollingInterval)) {
			return
		}
	}
}

func (c *Collector) recordError(err error) {
	c.logger.Error("collector: poll failed", "err", err)
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *Collector) traceFor(liveChatID string, msg core.Message) *ingesttrace.MessageTrace {
	if !c.debug {
		return nil
	}
	return ingesttrace.NewTrace(liveChatID, msg.AuthorName, snippet(msg.Text))
}

func snippet(text string) string {
	const max = 48
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func clampDelay(d time.Duration) time.Duration {
	if d < minPollDelay {
		return minPollDelay
	}
	if d > maxPollDelay {
		return maxPollDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
