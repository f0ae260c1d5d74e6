package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/auth"
	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/health"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/pressure"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// maxSegmentBody bounds one ingested segment.
const maxSegmentBody = 64 << 20

// SegmentWriter adds a segment to a primary shard hosted on the node. It becomes part of
// the next refresh.
type SegmentWriter interface {
	WriteSegment(id checkpoint.ShardID, data []byte) (store.FileMetadata, error)
}

// AdminOptions configures the admin HTTP handler.
type AdminOptions struct {
	NodeID  string
	Metrics *metrics.Registry
	Stats   *pressure.Service
	// Shards lists the shards hosted on the node, included in the stats listing.
	Shards func() []checkpoint.ShardID
	// Health answers /health and its probes; a bare checker is used when nil.
	Health *health.HealthChecker
	// Segments enables POST /segments/{index}/{shard}; ingestion is off when nil.
	Segments SegmentWriter
	// Auth, when set, requires a bearer token with a role that may ingest on
	// POST /segments. Read routes stay open.
	Auth   auth.TokenValidator
	Logger logging.Logger
}

type adminHandler struct {
	opts    AdminOptions
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewAdminHandler serves /metrics, /health and the segment replication stats endpoints.
func NewAdminHandler(opts AdminOptions) http.Handler {
	if opts.Health == nil {
		opts.Health = health.NewHealthChecker(opts.NodeID)
	}
	h := &adminHandler{
		opts:    opts,
		logger:  logging.OrDefault(opts.Logger, "http"),
		metrics: metrics.OrDefault(opts.Metrics),
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h.metrics.Handler())
	mux.HandleFunc("GET /health", opts.Health.HTTPHandler())
	mux.HandleFunc("GET /health/ready", opts.Health.ReadinessHandler())
	mux.HandleFunc("GET /health/live", opts.Health.LivenessHandler())
	mux.HandleFunc("GET /stats/segment_replication", h.handleStats)
	mux.HandleFunc("GET /stats/segment_replication/{index}/{shard}", h.handleShardStats)
	if opts.Segments != nil {
		mux.HandleFunc("POST /segments/{index}/{shard}", h.requireIngest(h.handleWriteSegment))
	}
	return h.metricsMiddleware(mux)
}

func pathShardID(r *http.Request) (checkpoint.ShardID, bool) {
	n, err := strconv.Atoi(r.PathValue("shard"))
	if err != nil || n < 0 {
		return checkpoint.ShardID{}, false
	}
	return checkpoint.NewShardID(r.PathValue("index"), n), true
}

func (h *adminHandler) shards() []checkpoint.ShardID {
	if h.opts.Shards == nil {
		return nil
	}
	return h.opts.Shards()
}

func (h *adminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.opts.Stats == nil {
		h.respondJSON(w, http.StatusOK, []pressure.ShardStats{})
		return
	}
	h.respondJSON(w, http.StatusOK, h.opts.Stats.Stats(h.shards()...))
}

func (h *adminHandler) handleShardStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathShardID(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "shard must be a non-negative integer")
		return
	}
	if h.opts.Stats == nil {
		h.respondError(w, http.StatusNotFound, "segment replication stats are not enabled")
		return
	}
	h.respondJSON(w, http.StatusOK, h.opts.Stats.ShardStats(id))
}

func (h *adminHandler) handleWriteSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathShardID(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "shard must be a non-negative integer")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSegmentBody))
	if err != nil {
		h.respondError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(data) == 0 {
		h.respondError(w, http.StatusBadRequest, "empty segment")
		return
	}
	md, err := h.opts.Segments.WriteSegment(id, data)
	switch {
	case errors.Is(err, shard.ErrShardNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, shard.ErrNotPrimary):
		h.respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pressure.ErrBackpressure):
		h.respondError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		h.logger.Error("segment write failed", logging.ShardID(id), logging.Error(err))
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.metrics.RecordIngest(id.String(), len(data))
	h.respondJSON(w, http.StatusCreated, md)
}

// requireIngest validates the request's bearer token when the handler has a validator.
func (h *adminHandler) requireIngest(next http.HandlerFunc) http.HandlerFunc {
	if h.opts.Auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="segrep"`)
			h.respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims, err := h.opts.Auth.ValidateToken(r.Context(), token)
		if err != nil {
			h.logger.Debug("token validation failed",
				logging.String("validator", h.opts.Auth.Name()),
				logging.Error(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="segrep", error="invalid_token"`)
			h.respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if !claims.CanIngest() {
			h.logger.Warn("segment write denied",
				logging.String("subject", claims.Subject),
				logging.String("role", claims.Role))
			h.respondError(w, http.StatusForbidden, "role may not write segments")
			return
		}
		next(w, r)
	}
}

func (h *adminHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("error encoding JSON response", logging.Error(err))
	}
}

func (h *adminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

// metricsMiddleware tracks HTTP request metrics, labelled by route pattern.
func (h *adminHandler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		h.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
