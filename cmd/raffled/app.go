package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/you/chat-raffle/internal/collector"
	"github.com/you/chat-raffle/internal/httpapi"
	"github.com/you/chat-raffle/internal/store"
	"github.com/you/chat-raffle/internal/ytapi"
	"github.com/you/chat-raffle/internal/yturl"
)

// app wires the store, the YouTube client and the collector together and
// implements the API's Controller.
type app struct {
	baseCtx context.Context
	store   *store.SQLiteStore
	source  *ytapi.Client
	opts    appOptions

	mu       sync.Mutex
	api      *httpapi.Server
	coll     *collector.Collector
	buffered *store.BufferedWriter
}

type appOptions struct {
	store      *store.SQLiteStore
	source     *ytapi.Client
	batchSize  int
	flushEvery time.Duration
	debugTrace bool
}

func newApp(ctx context.Context, opts appOptions) *app {
	return &app{
		baseCtx: ctx,
		store:   opts.store,
		source:  opts.source,
		opts:    opts,
	}
}

// SetAPI attaches the HTTP server after construction; the server and the app
// reference each other.
func (a *app) SetAPI(api *httpapi.Server) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.api = api
}

// StartCollector resolves a watch or channel URL to an active live chat and
// begins collecting it. Collection outlives the triggering request.
func (a *app) StartCollector(ctx context.Context, rawURL string) (collector.Status, error) {
	session, err := a.resolveSession(ctx, rawURL)
	if err != nil {
		return collector.Status{}, err
	}

	a.StopCollector()

	writer := a.buildWriter(session.ID)

	coll := collector.New(collector.Options{
		Source:     a.source,
		Cursors:    a.store,
		Writer:     writer,
		Metrics:    a.apiMetrics(),
		DebugTrace: a.opts.debugTrace,
	})
	coll.Start(a.baseCtx, collector.Session{
		ID:            session.ID,
		LiveChatID:    session.LiveChatID,
		VideoURL:      session.VideoURL,
		NextPageToken: session.NextPageToken,
		TotalMessages: session.TotalMessages,
	})

	a.mu.Lock()
	a.coll = coll
	a.mu.Unlock()

	return coll.Status(), nil
}

func (a *app) StopCollector() {
	a.mu.Lock()
	coll, buffered := a.coll, a.buffered
	a.coll = nil
	a.buffered = nil
	a.mu.Unlock()

	if coll != nil {
		coll.Stop()
	}
	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("raffled: flush buffered writer: %v", err)
		}
	}
}

func (a *app) CollectorStatus() collector.Status {
	a.mu.Lock()
	coll := a.coll
	a.mu.Unlock()
	if coll == nil {
		return collector.Status{}
	}
	return coll.Status()
}

// resolveSession maps a URL onto a live chat session row. Channel URLs pick
// the channel's first active live stream.
func (a *app) resolveSession(ctx context.Context, rawURL string) (store.Session, error) {
	session := store.Session{Origin: "video"}

	if yturl.IsChannelURL(rawURL) {
		channelID, err := a.source.ResolveChannelID(ctx, rawURL)
		if err != nil {
			return store.Session{}, err
		}
		streams, err := a.source.ActiveLiveStreams(ctx, channelID)
		if err != nil {
			return store.Session{}, err
		}
		if len(streams) == 0 {
			return store.Session{}, ytapi.ErrNotLive
		}
		session.Origin = "channel"
		session.ChannelURL = rawURL
		session.VideoID = streams[0].VideoID
		session.VideoURL = streams[0].WatchURL
	} else {
		videoID, err := yturl.VideoID(rawURL)
		if err != nil {
			return store.Session{}, err
		}
		session.VideoID = videoID
		session.VideoURL = yturl.WatchURL(videoID)
	}

	liveChatID, err := a.source.LiveChatIDForVideo(ctx, session.VideoID)
	if err != nil {
		return store.Session{}, err
	}
	session.LiveChatID = liveChatID

	return a.store.GetOrCreateSession(ctx, session)
}

// buildWriter assembles session writer -> broadcast -> optional batching.
func (a *app) buildWriter(sessionID int64) collector.Writer {
	a.mu.Lock()
	api := a.api
	a.mu.Unlock()

	sessionWriter := a.store.WriterForSession(sessionID)

	var writer store.Writer = sessionWriter
	if api != nil {
		writer = store.WithAPI(sessionWriter, api)
	}

	if a.opts.batchSize > 1 || a.opts.flushEvery > 0 {
		buffered := store.NewBufferedWriter(writer, store.BufferedOptions{
			BatchSize:     a.opts.batchSize,
			FlushInterval: a.opts.flushEvery,
		})
		a.mu.Lock()
		a.buffered = buffered
		a.mu.Unlock()
		writer = buffered
	}

	return writer
}

func (a *app) apiMetrics() collector.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil
	}
	return a.api.CollectorMetrics()
}
