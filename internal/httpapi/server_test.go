package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/you/chat-raffle/internal/collector"
	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/ytapi"
)

type fakeStore struct {
	rows        []core.Message
	sessionMsgs []core.Message
}

func (f *fakeStore) CountMessages(_ context.Context, filters Filters) (int64, error) {
	var n int64
	for _, m := range f.rows {
		if filters.Matches(m) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListMessages(_ context.Context, filters Filters) ([]core.Message, error) {
	out := make([]core.Message, 0, len(f.rows))
	for _, m := range f.rows {
		if filters.Matches(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) CurrentSessionMessages(_ context.Context) ([]core.Message, error) {
	return f.sessionMsgs, nil
}

type fakeChatSource struct {
	liveChatID  string
	liveChatErr error
	messages    []core.Message
	collectErr  error
}

func (f *fakeChatSource) LiveChatIDForVideo(_ context.Context, _ string) (string, error) {
	if f.liveChatErr != nil {
		return "", f.liveChatErr
	}
	return f.liveChatID, nil
}

func (f *fakeChatSource) CollectMessages(_ context.Context, _ string, _ int) ([]core.Message, error) {
	if f.collectErr != nil {
		return nil, f.collectErr
	}
	return f.messages, nil
}

type fakeController struct {
	status   collector.Status
	startErr error
	started  string
	stopped  bool
}

func (f *fakeController) StartCollector(_ context.Context, videoURL string) (collector.Status, error) {
	if f.startErr != nil {
		return collector.Status{}, f.startErr
	}
	f.started = videoURL
	return f.status, nil
}

func (f *fakeController) StopCollector() { f.stopped = true }

func (f *fakeController) CollectorStatus() collector.Status { return f.status }

func newTestServer(store *fakeStore, source *fakeChatSource, ctrl *fakeController, opts Options) *Server {
	if store == nil {
		store = &fakeStore{}
	}
	if source == nil {
		source = &fakeChatSource{liveChatID: "CHAT"}
	}
	if ctrl == nil {
		ctrl = &fakeController{}
	}
	return New(store, source, ctrl, opts)
}

func chatMessages(author string, n int) []core.Message {
	out := make([]core.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, core.Message{
			ID:          author + "-" + string(rune('a'+i)),
			AuthorID:    "id-" + author,
			AuthorName:  author,
			Text:        "msg from " + author,
			PublishedAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		})
	}
	return out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRaffleOneShotDeterministicWithSeed(t *testing.T) {
	source := &fakeChatSource{liveChatID: "CHAT", messages: append(chatMessages("alice", 3), chatMessages("bob", 2)...)}
	srv := newTestServer(nil, source, nil, Options{})

	draw := func() string {
		body := strings.NewReader(`{"video_url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ","seed":42}`)
		req := httptest.NewRequest(http.MethodPost, "/api/raffle", body)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp raffleResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.TotalMessages != 5 || resp.TotalParticipants != 2 {
			t.Fatalf("unexpected totals: %+v", resp)
		}
		return resp.Winner
	}

	if first, second := draw(), draw(); first != second {
		t.Fatalf("same seed drew different winners: %q vs %q", first, second)
	}
}

func TestRaffleUsesSessionWhenNoURL(t *testing.T) {
	store := &fakeStore{sessionMsgs: chatMessages("carol", 4)}
	srv := newTestServer(store, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/raffle", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp raffleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Winner != "carol" || resp.MessageCount != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRaffleCapsEntriesAtFive(t *testing.T) {
	store := &fakeStore{sessionMsgs: chatMessages("dana", 9)}
	srv := newTestServer(store, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/raffle", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp raffleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Weight != 5 || resp.MessageCount != 9 {
		t.Fatalf("expected weight capped at 5 with 9 messages, got %+v", resp)
	}
}

func TestRaffleUsesConfiguredEntryCap(t *testing.T) {
	store := &fakeStore{sessionMsgs: chatMessages("dana", 9)}
	srv := newTestServer(store, nil, nil, Options{MaxEntries: 2})

	req := httptest.NewRequest(http.MethodPost, "/api/raffle", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp raffleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Weight != 2 || resp.MessageCount != 9 {
		t.Fatalf("expected configured cap 2 applied, got %+v", resp)
	}

	// A cap carried in the request body still wins over the configured one.
	req = httptest.NewRequest(http.MethodPost, "/api/raffle", strings.NewReader(`{"max_entries":4}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Weight != 4 {
		t.Fatalf("expected request cap 4 to win, got %+v", resp)
	}
}

func TestRaffleEmptySessionIs404(t *testing.T) {
	srv := newTestServer(&fakeStore{}, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/raffle", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no comments found") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestRaffleNotLiveIs400(t *testing.T) {
	source := &fakeChatSource{liveChatErr: ytapi.ErrNotLive}
	srv := newTestServer(nil, source, nil, Options{})

	body := strings.NewReader(`{"video_url":"https://youtu.be/dQw4w9WgXcQ"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/raffle", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRaffleBadURLIs400(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{})

	body := strings.NewReader(`{"video_url":"https://example.com/nope"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/raffle", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTikTokRaffleNotImplemented(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/raffle/tiktok", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestRaffleRequiresPost(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/raffle", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCollectorStartForwardsURL(t *testing.T) {
	ctrl := &fakeController{status: collector.Status{Collecting: true, LiveChatID: "CHAT"}}
	srv := newTestServer(nil, nil, ctrl, Options{})

	body := strings.NewReader(`{"video_url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/collector/start", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ctrl.started == "" {
		t.Fatal("controller was not started")
	}

	var status collector.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Collecting || status.LiveChatID != "CHAT" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCollectorStartRequiresURL(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/collector/start", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCollectorStop(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(nil, nil, ctrl, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/collector/stop", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !ctrl.stopped {
		t.Fatal("controller was not stopped")
	}
}

func TestMessagesEndpointAppliesFilters(t *testing.T) {
	store := &fakeStore{rows: append(chatMessages("alice", 2), chatMessages("bob", 1)...)}
	srv := newTestServer(store, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/messages?author=alice", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rows []core.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 alice rows, got %d", len(rows))
	}
}

func TestMessagesEndpointRejectsBadLimit(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/messages?limit=nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCountEndpoint(t *testing.T) {
	store := &fakeStore{rows: chatMessages("alice", 3)}
	srv := newTestServer(store, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/count", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var payload struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 3 {
		t.Fatalf("expected count 3, got %d", payload.Count)
	}
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{Build: BuildInfo{Version: "1.2.3", Revision: "abc"}})

	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp infoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "1.2.3" || resp.Revision != "abc" || resp.Go == "" {
		t.Fatalf("unexpected info: %+v", resp)
	}
}

func TestConfigEndpointServesSnapshot(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{ConfigSummary: map[string]string{"sqlite_path": "raffle.db"}})

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var snapshot map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot["sqlite_path"] != "raffle.db" {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}
}

func TestRateLimiting(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{RateLimitRPS: 1, RateLimitBurst: 1})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rec.Code)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{AllowedOrigins: []string{"https://raffle.example"}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestBroadcastHonoursFilters(t *testing.T) {
	srv := newTestServer(nil, nil, nil, Options{})

	aliceOnly, ok := srv.subscribe("sse", Filters{Authors: []string{"alice"}})
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer srv.unsubscribe("sse", aliceOnly)

	all, ok := srv.subscribe("ws", Filters{})
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer srv.unsubscribe("ws", all)

	srv.Broadcast(core.Message{ID: "1", AuthorName: "bob", Text: "hi"})

	select {
	case msg := <-all:
		if msg.AuthorName != "bob" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatal("unfiltered client should receive the message")
	}

	select {
	case msg := <-aliceOnly:
		t.Fatalf("filtered client should not receive %+v", msg)
	default:
	}
}
