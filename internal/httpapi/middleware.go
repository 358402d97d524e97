package httpapi

import (
	"compress/gzip"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// accessWriter is the single wrapper the route stack puts in front of a
// handler. It records status and byte counts for the access log and, when
// negotiated, compresses the body. One wrapper instead of a recorder/gzip
// stack keeps http.Flusher visible to the streaming handlers.
type accessWriter struct {
	base    http.ResponseWriter
	gz      *gzip.Writer
	status  int
	written int64
}

func newAccessWriter(w http.ResponseWriter, r *http.Request, compress bool) *accessWriter {
	aw := &accessWriter{base: w}
	if compress && compressible(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		aw.gz = gzip.NewWriter(w)
	}
	return aw
}

// compressible reports whether the response body may be gzipped. Upgrade
// requests and SSE streams are always left uncompressed.
func compressible(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return false
	}
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	return !strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (a *accessWriter) Header() http.Header { return a.base.Header() }

func (a *accessWriter) WriteHeader(code int) {
	if a.status == 0 {
		a.status = code
	}
	a.base.WriteHeader(code)
}

func (a *accessWriter) Write(b []byte) (int, error) {
	if a.status == 0 {
		a.status = http.StatusOK
	}
	var (
		n   int
		err error
	)
	if a.gz != nil {
		n, err = a.gz.Write(b)
	} else {
		n, err = a.base.Write(b)
	}
	a.written += int64(n)
	return n, err
}

func (a *accessWriter) Flush() {
	if a.gz != nil {
		_ = a.gz.Flush()
	}
	if f, ok := a.base.(http.Flusher); ok {
		f.Flush()
	}
}

// Close flushes the gzip stream, if any. Must run after the handler returns.
func (a *accessWriter) Close() error {
	if a.gz == nil {
		return nil
	}
	return a.gz.Close()
}

func (a *accessWriter) Status() int {
	if a.status == 0 {
		return http.StatusOK
	}
	return a.status
}

func (a *accessWriter) Bytes() int64 { return a.written }

// baseWriter returns the ResponseWriter underneath our wrapper for handlers
// that need its concrete interfaces. WebSocket upgrades need http.Hijacker
// on HTTP/1.1, which the wrapper does not forward.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if aw, ok := w.(*accessWriter); ok {
		return aw.base
	}
	return w
}

// limitClass splits the per-IP budget by what a route costs us. Draws and
// collector control hit the YouTube API, so they share a quarter of the
// configured rate; message reads and status checks get the full one.
type limitClass int

const (
	classRead limitClass = iota
	classDraw
)

const (
	visitorLifetime  = 5 * time.Minute
	visitorSweepSize = 1024
)

type visitor struct {
	read     *rate.Limiter
	draw     *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	readLimit rate.Limit
	readBurst int
	drawLimit rate.Limit
	drawBurst int
}

func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		visitors:  make(map[string]*visitor),
		readLimit: rate.Limit(rps),
		readBurst: burst,
		drawLimit: rate.Limit(max(1, rps/4)),
		drawBurst: max(1, burst/4),
	}
}

func (l *ipRateLimiter) Allow(ip string, class limitClass) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		if len(l.visitors) >= visitorSweepSize {
			l.sweep(time.Now())
		}
		v = &visitor{
			read: rate.NewLimiter(l.readLimit, l.readBurst),
			draw: rate.NewLimiter(l.drawLimit, l.drawBurst),
		}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()

	if class == classDraw {
		return v.draw.Allow()
	}
	return v.read.Allow()
}

func (l *ipRateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-visitorLifetime)
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type corsPolicy struct {
	allowAll bool
	origins  []string
}

func newCORSPolicy(origins []string) *corsPolicy {
	policy := &corsPolicy{}
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		switch o {
		case "":
		case "*":
			policy.allowAll = true
			policy.origins = nil
			return policy
		default:
			policy.origins = append(policy.origins, o)
		}
	}
	if len(policy.origins) == 0 {
		return nil
	}
	return policy
}

func (c *corsPolicy) allowed(origin string) bool {
	if c == nil {
		return false
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	return c.allowAll || slices.Contains(c.origins, origin)
}

// handle applies the CORS policy to a request. It returns false when the
// request was fully answered here, either as a preflight response or as a
// rejected origin.
func (c *corsPolicy) handle(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return true
	}
	if !c.allowed(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")

	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			h.Set("Access-Control-Allow-Headers", reqHeaders)
		}
		h.Set("Access-Control-Max-Age", "300")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}
