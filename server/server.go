// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"roster-alerts/metrics"
	"roster-alerts/pipeline"
	"roster-alerts/pkg/roster"
	"roster-alerts/push"
)

// Runner executes pipeline runs and manual inserts.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*roster.Result, error)
	Insert(ctx context.Context, candidates []roster.Candidate) (*roster.InsertResult, error)
}

// Store interface for the ledger and subscriber reads and writes the API needs.
type Store interface {
	Recent(ctx context.Context, limit int) ([]roster.Transaction, error)
	Upsert(ctx context.Context, sub roster.Subscriber) error
	ListActive(ctx context.Context) ([]roster.Subscriber, error)
}

// Pusher sends notifications outside a pipeline run.
type Pusher interface {
	Notify(ctx context.Context, txs []roster.Transaction, subs []roster.Subscriber) push.Report
	SendTest(ctx context.Context, sub roster.PushSubscription, title, body string) error
}

// Server handles HTTP requests.
type Server struct {
	runner         Runner
	store          Store
	pusher         Pusher
	gatherer       prometheus.Gatherer
	logger         *slog.Logger
	limiter        *ipLimiter
	vapidPublicKey string
	apiKey         string
}

// Config holds server configuration.
type Config struct {
	Runner         Runner
	Store          Store
	Pusher         Pusher
	Gatherer       prometheus.Gatherer // Nil disables /metrics
	Logger         *slog.Logger
	VAPIDPublicKey string
	APIKey         string     // Required in x-api-key on operator routes; empty disables the check
	SubscribeRate  rate.Limit // Per-IP subscribe rate; zero means 5 per hour
	SubscribeBurst int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit, burst := cfg.SubscribeRate, cfg.SubscribeBurst
	if limit == 0 {
		limit = rate.Every(12 * time.Minute)
	}
	if burst <= 0 {
		burst = 5
	}
	return &Server{
		runner:         cfg.Runner,
		store:          cfg.Store,
		pusher:         cfg.Pusher,
		gatherer:       cfg.Gatherer,
		logger:         cfg.Logger,
		limiter:        newIPLimiter(limit, burst),
		vapidPublicKey: cfg.VAPIDPublicKey,
		apiKey:         cfg.APIKey,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	r.Get("/transactions", s.handleRecent)
	r.Get("/subscription/config", s.handleSubscriptionConfig)
	r.With(s.rateLimit).Post("/subscribe", s.handleSubscribe)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/pollz", s.handlePoll)
		r.Post("/transactions/manual", s.handleManualInsert)
		r.Post("/subscription/send-push", s.handleSendPush)
		r.Get("/subscription/test-push", s.handleTestPush)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // A pipeline run is synchronous
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := s.limiter.startCleanup(10 * time.Minute)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("x-api-key")), []byte(s.apiKey)) != 1 {
			s.logger.Warn("Rejected request with bad API key", "path", r.URL.Path, "ip", clientIP(r))
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests. Please try again later."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP prefers the first X-Forwarded-For hop set by the Cloud Run front end.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
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

// flag accepts 1, true and yes, case-insensitively.
func flag(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
