package httpapi

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAccessWriterCompressesWhenAccepted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/count", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	aw := newAccessWriter(rec, req, true)
	if _, err := aw.Write([]byte(`{"count":3}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if enc := rec.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", enc)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != `{"count":3}` {
		t.Fatalf("unexpected body: %q", body)
	}
	if aw.Status() != http.StatusOK || aw.Bytes() == 0 {
		t.Fatalf("unexpected accounting: status=%d bytes=%d", aw.Status(), aw.Bytes())
	}
}

func TestAccessWriterSkipsStreamsAndUpgrades(t *testing.T) {
	cases := []struct {
		name   string
		header func(*http.Request)
	}{
		{"no accept-encoding", func(_ *http.Request) {}},
		{"sse", func(r *http.Request) {
			r.Header.Set("Accept-Encoding", "gzip")
			r.Header.Set("Accept", "text/event-stream")
		}},
		{"upgrade", func(r *http.Request) {
			r.Header.Set("Accept-Encoding", "gzip")
			r.Header.Set("Upgrade", "websocket")
		}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
		tc.header(req)
		rec := httptest.NewRecorder()

		aw := newAccessWriter(rec, req, true)
		if _, err := aw.Write([]byte("data")); err != nil {
			t.Fatalf("%s: write: %v", tc.name, err)
		}
		_ = aw.Close()

		if rec.Header().Get("Content-Encoding") == "gzip" {
			t.Fatalf("%s: must not compress", tc.name)
		}
		if rec.Body.String() != "data" {
			t.Fatalf("%s: unexpected body %q", tc.name, rec.Body.String())
		}
	}
}

func TestBaseWriterUnwraps(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)

	aw := newAccessWriter(rec, req, true)
	if got := baseWriter(aw); got != http.ResponseWriter(rec) {
		t.Fatal("expected the underlying writer back")
	}
	if got := baseWriter(rec); got != http.ResponseWriter(rec) {
		t.Fatal("plain writers pass through unchanged")
	}
}

func TestRateLimiterDrawClassHasSmallerBudget(t *testing.T) {
	l := newIPRateLimiter(8, 8)

	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.1", classDraw) {
			t.Fatalf("draw %d should pass within burst", i)
		}
	}
	if l.Allow("10.0.0.1", classDraw) {
		t.Fatal("third draw should exhaust the quarter budget")
	}
	// Reads keep their full budget for the same visitor.
	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1", classRead) {
			t.Fatalf("read %d should still pass", i)
		}
	}
}

func TestRateLimiterNilAllowsEverything(t *testing.T) {
	var l *ipRateLimiter
	if !l.Allow("10.0.0.1", classDraw) {
		t.Fatal("disabled limiter must allow")
	}
	if newIPRateLimiter(0, 0) != nil {
		t.Fatal("zero config must disable the limiter")
	}
}

func TestRemoteIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.7:4567"

	if got := remoteIP(req); got != "192.0.2.7" {
		t.Fatalf("expected host from RemoteAddr, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := remoteIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	policy := newCORSPolicy([]string{"https://raffle.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/raffle", nil)
	req.Header.Set("Origin", "https://raffle.example")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()

	if policy.handle(rec, req) {
		t.Fatal("preflight must be answered by the policy")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://raffle.example" {
		t.Fatalf("unexpected allow-origin: %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatal("POST must be preflight-allowed")
	}
	if rec.Header().Get("Access-Control-Allow-Headers") != "content-type" {
		t.Fatal("requested headers must be echoed")
	}
}

func TestCORSWildcardAndSchemes(t *testing.T) {
	policy := newCORSPolicy([]string{"*"})
	if !policy.allowed("https://anywhere.example") {
		t.Fatal("wildcard must allow any http(s) origin")
	}
	if policy.allowed("file:///etc/passwd") {
		t.Fatal("non-http schemes are never allowed")
	}
	if newCORSPolicy(nil) != nil {
		t.Fatal("no configured origins must disable the policy")
	}
}
