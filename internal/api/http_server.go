package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/database"
	"marketsync/internal/domain"
	"marketsync/internal/metrics"
	"marketsync/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HTTPServer exposes the read-only operational surface: queue health per
// tenant and the snapshot/ownership tables the dashboard consumes. It never
// mutates engine state and never leaks stack traces.
type HTTPServer struct {
	cfg    config.APIConfig
	db     *database.DB
	stats  domain.StatsRepository
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, db *database.DB, stats domain.StatsRepository, logger zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, db: db, stats: stats, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/queue/status", srv.handleQueueStatus)
	mux.HandleFunc("/api/v1/rate-limits", srv.handleRateLimitState)
	mux.HandleFunc("/api/v1/products/", srv.handleProduct)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("status API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleQueueStatus serves pending/processing/error counts for one tenant,
// through the stats cache when it is warm.
func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("queue_status")

	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	if s.stats != nil {
		if cached, err := s.stats.GetQueueStats(r.Context(), tenantID); err == nil && cached != nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	stats, err := s.db.QueueStats(r.Context(), tenantID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("queue stats query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.stats != nil {
		_ = s.stats.SetQueueStats(r.Context(), stats)
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRateLimitState serves the persisted token bucket for one
// api/endpoint/tenant key, so operators can see how close a marketplace
// quota is to exhaustion.
func (s *HTTPServer) handleRateLimitState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("rate_limit_state")

	q := r.URL.Query()
	key := models.RateLimitKey{
		APIName:  strings.TrimSpace(q.Get("api")),
		Endpoint: strings.TrimSpace(q.Get("endpoint")),
		TenantID: strings.TrimSpace(q.Get("tenant")),
	}
	if key.APIName == "" || key.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "api and endpoint are required")
		return
	}

	state, err := s.db.GetRateLimitState(r.Context(), key)
	if err != nil {
		s.logger.Error().Err(err).Str("api", key.APIName).Str("endpoint", key.Endpoint).Msg("rate limit state query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no rate limit state for key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api":              state.Key.APIName,
		"endpoint":         state.Key.Endpoint,
		"tenant_id":        state.Key.TenantID,
		"calls_per_second": state.CallsPerSecond,
		"burst_size":       state.BurstSize,
		"tokens_available": state.TokensAvailable,
		"last_refill_at":   state.LastRefillAt,
		"calls_today":      state.CallsToday,
		"calls_this_hour":  state.CallsThisHour,
	})
}

// handleProduct routes /api/v1/products/{id}/{ownership|snapshots|latest}.
func (s *HTTPServer) handleProduct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/products/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	productID, resource := parts[0], parts[1]

	switch resource {
	case "ownership":
		metrics.IncHTTP("product_ownership")
		periods, err := s.db.GetPeriods(r.Context(), productID)
		if err != nil {
			s.logger.Error().Err(err).Str("product_id", productID).Msg("ownership query failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"product_id": productID, "periods": periods})

	case "snapshots":
		metrics.IncHTTP("product_snapshots")
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			limit = parsed
		}
		snaps, err := s.db.GetSnapshots(r.Context(), productID, limit)
		if err != nil {
			s.logger.Error().Err(err).Str("product_id", productID).Msg("snapshots query failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"product_id": productID, "snapshots": snaps})

	case "latest":
		metrics.IncHTTP("product_latest")
		if s.stats != nil {
			if cached, err := s.stats.GetLatestSnapshot(r.Context(), productID); err == nil && cached != nil {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}
		snap, err := s.db.LatestSnapshot(r.Context(), productID)
		if err != nil {
			s.logger.Error().Err(err).Str("product_id", productID).Msg("latest snapshot query failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if snap == nil {
			writeError(w, http.StatusNotFound, "no snapshots for product")
			return
		}
		if s.stats != nil {
			_ = s.stats.SetLatestSnapshot(r.Context(), snap)
		}
		writeJSON(w, http.StatusOK, snap)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
