package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dbhive/dbhive/internal/access"
	"github.com/dbhive/dbhive/internal/api/middleware"
	"github.com/dbhive/dbhive/internal/api/response"
	"github.com/dbhive/dbhive/internal/pool"
)

// StatsSource exposes pool and rate limit statistics.
type StatsSource interface {
	PoolStats(ref string) *pool.Stats
	AllPoolStats() map[string]pool.Stats
	RateLimitStats(key string) *access.WindowStats
}

// poolStatsResponse is the API representation of one pool's statistics.
type poolStatsResponse struct {
	ProjectRef    string `json:"projectRef"`
	Total         int32  `json:"total"`
	Idle          int32  `json:"idle"`
	Acquired      int32  `json:"acquired"`
	Max           int32  `json:"max"`
	EmptyAcquires int64  `json:"emptyAcquires"`
}

func toPoolStatsResponse(s pool.Stats) poolStatsResponse {
	return poolStatsResponse{
		ProjectRef:    s.ProjectRef,
		Total:         s.Total,
		Idle:          s.Idle,
		Acquired:      s.Acquired,
		Max:           s.Max,
		EmptyAcquires: s.EmptyAcquires,
	}
}

// rateLimitResponse is the API representation of one rate limit window.
type rateLimitResponse struct {
	Key         string `json:"key"`
	Count       int    `json:"count"`
	MaxRequests int    `json:"maxRequests"`
	ResetsAt    string `json:"resetsAt"`
}

// StatsHandler handles pool and rate limit inspection endpoints.
type StatsHandler struct {
	source StatsSource
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(source StatsSource) *StatsHandler {
	return &StatsHandler{source: source}
}

// ProjectPool handles GET /projects/{ref}/pool.
func (h *StatsHandler) ProjectPool(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	ref := chi.URLParam(r, "ref")

	stats := h.source.PoolStats(ref)
	if stats == nil {
		response.Err(w, http.StatusNotFound, "NOT_FOUND", "No live pool for this project", requestID)
		return
	}
	response.Success(w, http.StatusOK, toPoolStatsResponse(*stats), requestID)
}

// AllPools handles GET /pools.
func (h *StatsHandler) AllPools(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	all := h.source.AllPoolStats()
	out := make([]poolStatsResponse, 0, len(all))
	for _, s := range all {
		out = append(out, toPoolStatsResponse(s))
	}
	response.Success(w, http.StatusOK, out, requestID)
}

// RateLimit handles GET /ratelimits/{key}.
func (h *StatsHandler) RateLimit(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	key := chi.URLParam(r, "key")

	stats := h.source.RateLimitStats(key)
	if stats == nil {
		response.Err(w, http.StatusNotFound, "NOT_FOUND", "No active window for this key", requestID)
		return
	}
	response.Success(w, http.StatusOK, rateLimitResponse{
		Key:         stats.Key,
		Count:       stats.Count,
		MaxRequests: stats.MaxRequests,
		ResetsAt:    stats.ResetsAt.UTC().Format("2006-01-02T15:04:05Z"),
	}, requestID)
}
