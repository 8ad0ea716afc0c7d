// Package router wires the admin HTTP surface: health checks, the
// Prometheus exposition endpoint, and a read-only traffic-router
// status endpoint. There is no public proxy surface here — product
// ingestion and scraping run off the scheduler, not off inbound HTTP.
package router

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pricewatch-cl/pricewatch/internal/obsmetrics"
	"github.com/pricewatch-cl/pricewatch/internal/traffic"
)

// New builds the admin router: request logging, panic recovery, body
// size limits, health endpoints, the metrics endpoint, and a status
// endpoint reporting the Traffic Router's current direct/proxy split.
func New(appLogger zerolog.Logger, metrics *obsmetrics.Metrics, trafficRouter *traffic.Router) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(1 << 20))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"pricewatch"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"pricewatch"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"pricewatch"}`))
	})

	if metrics != nil {
		r.Get("/metrics", metrics.Handler().ServeHTTP)
	}

	if trafficRouter != nil {
		r.Get("/traffic/stats", trafficStatsHandler(trafficRouter))
	}

	return r
}

// trafficStatsHandler exposes the Traffic Router's in-memory stats as
// JSON, for operators checking the current direct/proxy split without
// scraping Prometheus.
func trafficStatsHandler(tr *traffic.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := tr.Stats()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(stats)
	}
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("PRICEWATCH_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

// mwRequestLogger logs one structured line per completed request.
func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
