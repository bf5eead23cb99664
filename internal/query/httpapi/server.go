// Package httpapi exposes internal/query's read-only projections over
// HTTP, grounded on the teacher's internal/interfaces/http.Server: a
// gorilla/mux router, local-only listener, structured request logging,
// and a middleware chain of request ID, logging, timeout, and JSON
// content type (no CORS headers are set). Every route is read-only per spec.md section 6.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/query"
	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// Config holds the listener and timeout settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig mirrors the teacher's local-only default.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the read-only HTTP surface over a query.Facade.
type Server struct {
	router *mux.Router
	server *http.Server
	facade *query.Facade
	cfg    Config
}

// New constructs a Server bound to Config.Host:Port. It verifies the
// port is available before returning, matching the teacher's
// fail-fast-at-construction behavior.
func New(cfg Config, facade *query.Facade) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: port %d busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{router: mux.NewRouter(), facade: facade, cfg: cfg}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.jsonContentTypeMiddleware)

	s.router.HandleFunc("/snapshots/{mint}", s.handleSnapshot).Methods("GET")
	s.router.HandleFunc("/snapshots", s.handleAllSnapshots).Methods("GET")
	s.router.HandleFunc("/history/{mint}", s.handlePriceHistory).Methods("GET")
	s.router.HandleFunc("/trends/{mint}/{window}", s.handleTrend).Methods("GET")
	s.router.HandleFunc("/trends", s.handleAllTrends).Methods("GET")
	s.router.HandleFunc("/volume/{mint}", s.handleVolumeAnalysis).Methods("GET")
	s.router.HandleFunc("/cleanup-history", s.handleCleanupHistory).Methods("GET")
	s.router.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	writeResult(w, s.facade.Snapshot(mint))
}

func (s *Server) handleAllSnapshots(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.facade.AllSnapshots())
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	bucket := sink.Bucket(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = sink.Bucket5m
	}
	tr := parseTimeRange(r)
	writeResult(w, s.facade.PriceHistory(r.Context(), mint, tr, bucket))
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeResult(w, s.facade.Trend(vars["mint"], types.TrendWindow(vars["window"])))
}

func (s *Server) handleAllTrends(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.facade.AllTrends())
}

func (s *Server) handleVolumeAnalysis(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	filter := sink.VolumeFilter{Mint: mint, Range: parseTimeRange(r)}
	writeResult(w, s.facade.VolumeAnalysis(r.Context(), filter))
}

func (s *Server) handleCleanupHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sink.CleanupEventFilter{
		Mint:   q.Get("mint"),
		Reason: types.CleanupReason(q.Get("reason")),
		Range:  parseTimeRange(r),
	}
	if limStr := q.Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil {
			filter.Limit = lim
		}
	}
	writeResult(w, s.facade.CleanupHistory(r.Context(), filter))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.facade.Alerts())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	if err := json.NewEncoder(w).Encode(query.Result{Success: false, Error: "route not found"}); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode response")
	}
}

func parseTimeRange(r *http.Request) sink.TimeRange {
	q := r.URL.Query()
	now := time.Now().UTC()
	tr := sink.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if fromStr := q.Get("from"); fromStr != "" {
		if from, err := time.Parse(time.RFC3339, fromStr); err == nil {
			tr.From = from
		}
	}
	if toStr := q.Get("to"); toStr != "" {
		if to, err := time.Parse(time.RFC3339, toStr); err == nil {
			tr.To = to
		}
	}
	return tr
}

// writeResult writes a query.Result as JSON; its HTTP status mirrors
// Success, matching spec.md section 7's "{success: false, error,
// queryType}" contract for invalid arguments or an unreachable sink.
func writeResult(w http.ResponseWriter, res query.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode response")
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("httpapi: request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Start serves until the listener errors or is closed.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("httpapi: starting read-only query server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
