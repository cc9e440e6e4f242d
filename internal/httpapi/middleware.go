package httpapi

import (
	"bytes"
	"compress/gzip"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

/***************
 * Access log recorder
 ***************/

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

/***************
 * Size-gated gzip
 ***************/

// gzipMinBytes is the body size below which responses go out uncompressed.
// Spam lists and info payloads stay under it; chat log dumps do not.
const gzipMinBytes = 1024

// sizeGatedGzip holds the status and the first gzipMinBytes of the body. Once
// the body outgrows the buffer the response switches to gzip; a response that
// finishes smaller is flushed as is.
type sizeGatedGzip struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	gz     *gzip.Writer
	done   bool
}

func acceptsGzip(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return false
	}
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

func (g *sizeGatedGzip) WriteHeader(code int) {
	if g.status == 0 {
		g.status = code
	}
}

func (g *sizeGatedGzip) Write(b []byte) (int, error) {
	if g.status == 0 {
		g.status = http.StatusOK
	}
	if g.gz != nil {
		return g.gz.Write(b)
	}
	if g.done {
		return g.ResponseWriter.Write(b)
	}
	if g.buf.Len()+len(b) < gzipMinBytes {
		return g.buf.Write(b)
	}

	h := g.Header()
	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	g.ResponseWriter.WriteHeader(g.status)
	g.gz = gzip.NewWriter(g.ResponseWriter)
	if _, err := g.gz.Write(g.buf.Bytes()); err != nil {
		return 0, err
	}
	g.buf.Reset()
	return g.gz.Write(b)
}

// Close sends whatever is still held back. It must run after the handler.
func (g *sizeGatedGzip) Close() error {
	if g.gz != nil {
		return g.gz.Close()
	}
	if g.done {
		return nil
	}
	g.done = true
	if g.status == 0 {
		g.status = http.StatusOK
	}
	g.Header().Add("Vary", "Accept-Encoding")
	g.ResponseWriter.WriteHeader(g.status)
	if g.buf.Len() == 0 {
		return nil
	}
	_, err := g.ResponseWriter.Write(g.buf.Bytes())
	return err
}

/***************
 * Per-IP rate limiting
 ***************/

// Request costs in limiter tokens. Routes that scan the stored chat log pay
// more than lookups of persisted rankings; probes and scrapes are free.
const (
	costFree   = 0
	costLookup = 1
	costScan   = 4
)

func routeCost(path string) int {
	switch path {
	case "/healthz", "/metrics":
		return costFree
	case "/chatlog", "/spam/live", "/viewership":
		return costScan
	default:
		return costLookup
	}
}

type ipRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
}

func newIPRateLimiter(rps int, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     5 * time.Minute,
	}
}

// Allow spends cost tokens from the client's bucket. A cost above the burst is
// clamped so expensive routes stay reachable.
func (l *ipRateLimiter) Allow(ip string, cost int) bool {
	if l == nil || cost <= 0 {
		return true
	}
	if cost > l.burst {
		cost = l.burst
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = lim
	}
	l.lastSeen[ip] = now
	if now.Sub(l.lastSweep) > l.idle {
		l.sweep(now)
	}
	return lim.AllowN(now, cost)
}

func (l *ipRateLimiter) sweep(now time.Time) {
	l.lastSweep = now
	for ip, seen := range l.lastSeen {
		if now.Sub(seen) > l.idle {
			delete(l.lastSeen, ip)
			delete(l.limiters, ip)
		}
	}
}

// remoteIP returns the client address used as the rate limit key. The
// X-Forwarded-For header is only honoured when the server sits behind a
// trusted proxy.
func remoteIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

/***************
 * CORS policy
 ***************/

// corsPolicy is an origin allowlist for browser dashboards. "*" allows any
// http(s) origin. A nil policy sends no CORS headers.
type corsPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newCORSPolicy(origins []string) *corsPolicy {
	policy := &corsPolicy{origins: make(map[string]struct{})}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			policy.any = true
		default:
			policy.origins[o] = struct{}{}
		}
	}
	if !policy.any && len(policy.origins) == 0 {
		return nil
	}
	return policy
}

func (c *corsPolicy) allows(origin string) bool {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if c.any {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// handle applies the policy. It returns true when the request was answered:
// a preflight, or a disallowed origin.
func (c *corsPolicy) handle(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return false
	}
	if !c.allows(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	if r.Method != http.MethodOptions {
		return false
	}
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "300")
	w.WriteHeader(http.StatusNoContent)
	return true
}
