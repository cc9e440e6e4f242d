// Package httpapi serves the read-side chat analytics over HTTP: persisted
// and live spam rankings, filtered chat log queries and viewership buckets.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/you/gnasty-spam/internal/core"
	"github.com/you/gnasty-spam/internal/filter"
	"github.com/you/gnasty-spam/internal/metrics"
)

// Service is the read side of platform.Service.
type Service interface {
	GetTopSpam(ctx context.Context, scope core.Scope) ([]core.SpamCandidate, error)
	TopSpamFromLog(ctx context.Context, scope core.Scope) ([]core.SpamCandidate, error)
	QueryChatLog(ctx context.Context, exprs []string) ([]core.Message, error)
	Viewership(ctx context.Context, scope core.Scope) ([]core.Viewership, error)
}

type Options struct {
	Addr           string
	CORSOrigins    []string
	RateRPS        int
	RateBurst      int
	TrustForwarded bool
	AccessLog      bool

	Build         BuildInfo
	StoreName     string
	SpamThreshold int

	// Ping reports store health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	httpServer *http.Server
	svc        Service
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	handler    http.Handler
}

var routes = map[string]struct{}{
	"/healthz":    {},
	"/info":       {},
	"/metrics":    {},
	"/spam":       {},
	"/spam/live":  {},
	"/chatlog":    {},
	"/viewership": {},
}

func New(svc Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		svc:     svc,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/info", getOnly(srv.handleInfo))
	mux.Handle("/metrics", opts.Metrics.Handler())
	mux.HandleFunc("/spam", getOnly(srv.handleSpam))
	mux.HandleFunc("/spam/live", getOnly(srv.handleLiveSpam))
	mux.HandleFunc("/chatlog", getOnly(srv.handleChatLog))
	mux.HandleFunc("/viewership", getOnly(srv.handleViewership))

	srv.handler = srv.wrap(mux)
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := remoteIP(r, s.opts.TrustForwarded)

		var gz *sizeGatedGzip
		if acceptsGzip(r) {
			gz = &sizeGatedGzip{ResponseWriter: w}
			w = gz
		}
		rec := &responseRecorder{ResponseWriter: w}
		defer func() {
			dur := time.Since(start)
			s.metrics.ObserveRequest(routeLabel(r.URL.Path), r.Method, rec.Status(), dur)
			if s.opts.AccessLog {
				s.logger.Info("httpapi: request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.Status(),
					"bytes", rec.bytes,
					"gzip", gz != nil && gz.gz != nil,
					"dur", dur,
					"ip", ip,
				)
			}
		}()
		if gz != nil {
			defer gz.Close()
		}

		if s.cors.handle(rec, r) {
			return
		}
		if !s.limiter.Allow(ip, routeCost(r.URL.Path)) {
			s.metrics.IncRateLimited()
			rec.Header().Set("Retry-After", "1")
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(rec, r)
	})
}

func routeLabel(path string) string {
	if _, ok := routes[path]; ok {
		return path
	}
	return "other"
}

func getOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *filter.InvalidFilterError
	if errors.As(err, &invalid) {
		http.Error(w, invalid.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Error("httpapi: request failed", "path", r.URL.Path, "err", err)
	http.Error(w, "store error", http.StatusInternalServerError)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			s.logger.Warn("httpapi: health check failed", "err", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleSpam(w http.ResponseWriter, r *http.Request) {
	s.serveSpam(w, r, s.svc.GetTopSpam)
}

func (s *Server) handleLiveSpam(w http.ResponseWriter, r *http.Request) {
	s.serveSpam(w, r, s.svc.TopSpamFromLog)
}

func (s *Server) serveSpam(w http.ResponseWriter, r *http.Request, load func(context.Context, core.Scope) ([]core.SpamCandidate, error)) {
	scope, err := ParseScope(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cands, err := load(r.Context(), scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, core.SpamRecords(cands))
}

func (s *Server) handleChatLog(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.QueryChatLog(r.Context(), FilterExprs(r.URL.Query()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, core.MessageRecords(msgs))
}

func (s *Server) handleViewership(w http.ResponseWriter, r *http.Request) {
	scope, err := ParseScope(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.svc.Viewership(r.Context(), scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) Start() error {
	s.logger.Info("httpapi: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
