// Package httpapi exposes the raffle service over HTTP: raffle draws,
// collector control, stored message queries and live feeds over SSE and
// WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/you/chat-raffle/internal/collector"
	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/raffle"
	"github.com/you/chat-raffle/internal/ytapi"
	"github.com/you/chat-raffle/internal/yturl"
)

// Store reads persisted chat messages.
type Store interface {
	CountMessages(ctx context.Context, filters Filters) (int64, error)
	ListMessages(ctx context.Context, filters Filters) ([]core.Message, error)
	CurrentSessionMessages(ctx context.Context) ([]core.Message, error)
}

// ChatSource performs one-shot chat collection for URL raffles. Satisfied by
// *ytapi.Client.
type ChatSource interface {
	LiveChatIDForVideo(ctx context.Context, videoID string) (string, error)
	CollectMessages(ctx context.Context, liveChatID string, maxMessages int) ([]core.Message, error)
}

// Controller drives the background collector.
type Controller interface {
	StartCollector(ctx context.Context, videoURL string) (collector.Status, error)
	StopCollector()
	CollectorStatus() collector.Status
}

type Server struct {
	httpServer *http.Server
	store      Store
	source     ChatSource
	ctrl       Controller
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy

	mu      sync.Mutex
	clients map[chan core.Message]clientInfo
	closed  bool
}

type clientInfo struct {
	transport string
	filters   Filters
}

type Options struct {
	Addr           string
	Build          BuildInfo
	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int
	EnableGzip     bool

	// MaxFetch bounds one-shot URL raffles. Zero means the source default.
	MaxFetch int

	// MaxEntries is the per-author entry cap applied when a raffle request
	// does not carry its own. Zero means raffle.DefaultMaxEntries.
	MaxEntries int

	// ConfigSummary is the redacted configuration served on /api/config.
	ConfigSummary map[string]string

	// RequestTimeout bounds one-shot collection per raffle request.
	RequestTimeout time.Duration
}

func New(store Store, source ChatSource, ctrl Controller, opts Options) *Server {
	srv := &Server{
		store:   store,
		source:  source,
		ctrl:    ctrl,
		opts:    opts,
		metrics: newMetrics(),
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.AllowedOrigins),
		clients: make(map[chan core.Message]clientInfo),
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", srv.wrap("/healthz", classRead, srv.handleHealthz))
	mux.Handle("/api/info", srv.wrap("/api/info", classRead, srv.handleInfo))
	mux.Handle("/api/config", srv.wrap("/api/config", classRead, srv.handleConfig))
	mux.Handle("/api/raffle", srv.wrap("/api/raffle", classDraw, srv.handleRaffle))
	mux.Handle("/api/raffle/tiktok", srv.wrap("/api/raffle/tiktok", classDraw, srv.handleTikTok))
	mux.Handle("/api/collector/start", srv.wrap("/api/collector/start", classDraw, srv.handleCollectorStart))
	mux.Handle("/api/collector/stop", srv.wrap("/api/collector/stop", classDraw, srv.handleCollectorStop))
	mux.Handle("/api/collector/status", srv.wrap("/api/collector/status", classRead, srv.handleCollectorStatus))
	mux.Handle("/api/messages", srv.wrap("/api/messages", classRead, srv.handleMessages))
	mux.Handle("/api/count", srv.wrap("/api/count", classRead, srv.handleCount))
	mux.Handle("/api/stream", srv.wrap("/api/stream", classRead, srv.handleStream))
	mux.Handle("/api/ws", srv.wrap("/api/ws", classRead, srv.handleWS))
	mux.Handle("/metrics", srv.metrics.Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routing stack for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Mux exposes the underlying mux so extra routes (admin) can be attached
// before Start.
func (s *Server) Mux() *http.ServeMux {
	return s.httpServer.Handler.(*http.ServeMux)
}

// CollectorMetrics exposes the pipeline counters for the collector.
func (s *Server) CollectorMetrics() *Metrics { return s.metrics }

// wrap applies CORS, class-aware rate limiting, access logging, metrics and
// optional gzip around a handler.
func (s *Server) wrap(route string, class limitClass, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cors.handle(w, r) {
			return
		}
		if !s.limiter.Allow(remoteIP(r), class) {
			s.metrics.IncRateLimited()
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		started := time.Now()
		aw := newAccessWriter(w, r, s.opts.EnableGzip)

		handler(aw, r)
		_ = aw.Close()

		dur := time.Since(started)
		s.metrics.ObserveRequest(route, r.Method, aw.Status(), dur)
		log.Printf("http: %s %s %d %dB %s ip=%s",
			r.Method, r.URL.Path, aw.Status(), aw.Bytes(),
			dur.Round(time.Millisecond), remoteIP(r))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.ConfigSummary)
}

type raffleRequest struct {
	VideoURL   string `json:"video_url"`
	Seed       *int64 `json:"seed,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

type raffleResponse struct {
	Winner            string `json:"winner"`
	WinnerID          string `json:"winner_id"`
	WinningMessage    string `json:"winning_message"`
	Weight            int    `json:"weight"`
	MessageCount      int    `json:"message_count"`
	TotalMessages     int    `json:"total_messages"`
	TotalParticipants int    `json:"total_participants"`
}

func (s *Server) handleRaffle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req raffleRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	var (
		messages []core.Message
		err      error
	)
	if req.VideoURL != "" {
		messages, err = s.collectFromURL(ctx, req.VideoURL)
	} else {
		messages, err = s.store.CurrentSessionMessages(ctx)
	}
	if err != nil {
		s.metrics.IncDrawErrors(drawErrorReason(err))
		s.writeRaffleError(w, err)
		return
	}

	maxEntries := req.MaxEntries
	if maxEntries <= 0 {
		maxEntries = s.opts.MaxEntries
	}
	if maxEntries <= 0 {
		maxEntries = raffle.DefaultMaxEntries
	}

	var rng *rand.Rand
	if req.Seed != nil {
		rng = rand.New(rand.NewSource(*req.Seed))
	}

	result, err := raffle.Run(messages, maxEntries, rng)
	if err != nil {
		s.metrics.IncDrawErrors(drawErrorReason(err))
		s.writeRaffleError(w, err)
		return
	}

	s.metrics.IncDraws()
	writeJSON(w, http.StatusOK, raffleResponse{
		Winner:            result.Winner.DisplayName,
		WinnerID:          result.Winner.AuthorID,
		WinningMessage:    result.WinningText,
		Weight:            result.Winner.Weight,
		MessageCount:      result.Winner.MessageCnt,
		TotalMessages:     result.TotalMessages,
		TotalParticipants: result.TotalParticipants,
	})
}

func (s *Server) handleTikTok(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeError(w, http.StatusNotImplemented, "TikTok raffles are not implemented")
}

func (s *Server) collectFromURL(ctx context.Context, rawURL string) ([]core.Message, error) {
	videoID, err := yturl.VideoID(rawURL)
	if err != nil {
		return nil, err
	}
	liveChatID, err := s.source.LiveChatIDForVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return s.source.CollectMessages(ctx, liveChatID, s.opts.MaxFetch)
}

type startRequest struct {
	VideoURL string `json:"video_url"`
}

func (s *Server) handleCollectorStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req startRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.VideoURL == "" {
		writeError(w, http.StatusBadRequest, "video_url is required")
		return
	}

	status, err := s.ctrl.StartCollector(r.Context(), req.VideoURL)
	if err != nil {
		s.writeRaffleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCollectorStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.ctrl.StopCollector()
	writeJSON(w, http.StatusOK, s.ctrl.CollectorStatus())
}

func (s *Server) handleCollectorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.CollectorStatus())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.store.ListMessages(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	if rows == nil {
		rows = []core.Message{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.store.CountMessages(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}

	clientCh, ok := s.subscribe("sse", filters.CloneForStream())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer s.unsubscribe("sse", clientCh)

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
			s.metrics.IncMessagesSent("sse")
		}
	}
}

func (s *Server) subscribe(transport string, filters Filters) (chan core.Message, bool) {
	clientCh := make(chan core.Message, 256)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[clientCh] = clientInfo{transport: transport, filters: filters}
	switch transport {
	case "sse":
		s.metrics.IncSSEClients(1)
	case "ws":
		s.metrics.IncWSClients(1)
	}
	return clientCh, true
}

func (s *Server) unsubscribe(transport string, clientCh chan core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientCh]; !ok {
		return
	}
	delete(s.clients, clientCh)
	switch transport {
	case "sse":
		s.metrics.IncSSEClients(-1)
	case "ws":
		s.metrics.IncWSClients(-1)
	}
}

// Broadcast fans a persisted message out to connected clients. Slow clients
// drop messages rather than block the collector.
func (s *Server) Broadcast(msg core.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch, info := range s.clients {
		if !info.filters.Matches(msg) {
			continue
		}
		select {
		case ch <- msg:
		default:
			s.metrics.IncBroadcastDrops(info.transport)
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[chan core.Message]clientInfo)
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// writeRaffleError maps domain errors onto HTTP statuses: no entries reads as
// not found, bad streams as client errors, upstream API failures as 502.
func (s *Server) writeRaffleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, raffle.ErrNoEntries):
		writeError(w, http.StatusNotFound, "no comments found")
	case errors.Is(err, yturl.ErrNoVideoID):
		writeError(w, http.StatusBadRequest, "could not extract a video id from the url")
	case errors.Is(err, ytapi.ErrVideoMissing):
		writeError(w, http.StatusBadRequest, "video not found")
	case errors.Is(err, ytapi.ErrNotLive), errors.Is(err, ytapi.ErrNoLiveChat):
		writeError(w, http.StatusBadRequest, "video is not an active live stream")
	case errors.Is(err, ytapi.ErrChatEnded):
		writeError(w, http.StatusBadRequest, "live chat has ended")
	case errors.Is(err, ytapi.ErrChatDisabled):
		writeError(w, http.StatusBadRequest, "live chat is disabled")
	case errors.Is(err, ytapi.ErrTooMany):
		writeError(w, http.StatusBadRequest, "too many chat messages for a one-shot raffle")
	case errors.Is(err, ytapi.ErrNoKey):
		writeError(w, http.StatusInternalServerError, "no API key configured")
	default:
		writeError(w, http.StatusBadGateway, "upstream chat source failed")
	}
}

func drawErrorReason(err error) string {
	switch {
	case errors.Is(err, raffle.ErrNoEntries):
		return "no_entries"
	case errors.Is(err, ytapi.ErrNotLive), errors.Is(err, ytapi.ErrNoLiveChat),
		errors.Is(err, ytapi.ErrChatEnded), errors.Is(err, ytapi.ErrChatDisabled):
		return "not_live"
	case errors.Is(err, yturl.ErrNoVideoID):
		return "bad_url"
	default:
		return "source"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
