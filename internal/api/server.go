// Package api exposes the HTTP interface for the scrape service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/lens-scraper/internal/browser"
	"github.com/JakeFAU/lens-scraper/internal/lens"
	"github.com/JakeFAU/lens-scraper/internal/metrics"
	"github.com/JakeFAU/lens-scraper/internal/sysinfo"
)

// Scraper is the job surface the handlers drive.
type Scraper interface {
	Submit(ctx context.Context, req lens.Request) (lens.Job, error)
	Get(ctx context.Context, id string) (lens.Job, error)
	Wait(ctx context.Context, id string) (lens.Job, error)
	Cancel(ctx context.Context, id string) (lens.Job, error)
}

// PoolChecker reports browser pool liveness.
type PoolChecker interface {
	Check(ctx context.Context, timeout time.Duration) error
	Stats() browser.Stats
}

// Options configures a Server.
type Options struct {
	Scraper Scraper
	Pool    PoolChecker
	Logger  *zap.Logger

	RequestTimeout time.Duration
	// ProbeTimeout bounds the /health pool check.
	ProbeTimeout time.Duration
	// SearchTimeout bounds how long /search waits for a terminal status.
	SearchTimeout time.Duration
	AuthEnabled   bool
	APIKey        string

	// SystemInfo overrides the host snapshot used by /system-info.
	SystemInfo func(ctx context.Context) (sysinfo.Info, error)
}

// Server wires HTTP handlers to the scheduler and pool.
type Server struct {
	router     chi.Router
	scraper    Scraper
	pool       PoolChecker
	logger     *zap.Logger
	opts       Options
	systemInfo func(ctx context.Context) (sysinfo.Info, error)
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = opts.RequestTimeout
	}
	s := &Server{
		scraper:    opts.Scraper,
		pool:       opts.Pool,
		logger:     opts.Logger.Named("api"),
		opts:       opts,
		systemInfo: opts.SystemInfo,
	}
	if s.systemInfo == nil {
		s.systemInfo = sysinfo.Snapshot
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	// Container health checks carry no credentials.
	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Handle("/metrics", metrics.Handler())
		// /search holds the request open until the job ends and bounds itself.
		r.Post("/search", s.search)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/system-info", s.systemInfoHandler)
			r.Route("/scrape", func(r chi.Router) {
				r.Post("/", s.submit)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Delete("/", s.cancel)
					r.Post("/cancel", s.cancel)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
