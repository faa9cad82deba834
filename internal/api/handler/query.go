package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dbhive/dbhive/internal/access"
	"github.com/dbhive/dbhive/internal/api/middleware"
	"github.com/dbhive/dbhive/internal/api/response"
	"github.com/dbhive/dbhive/internal/api/validation"
)

// QueryRouter is the routing surface the query endpoint needs.
type QueryRouter interface {
	ValidateProjectAccess(ctx context.Context, ref, userID string) bool
	CheckRateLimit(key string) access.Decision
	QueryMaps(ctx context.Context, ref, sql string, args ...any) ([]map[string]any, error)
}

// queryRequest is the request body for POST /projects/{ref}/query.
type queryRequest struct {
	UserID string `json:"userId"`
	Query  string `json:"query"`
	Params []any  `json:"params,omitempty"`
}

type queryResponse struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
}

// QueryHandler handles routed project queries.
type QueryHandler struct {
	router QueryRouter
}

// NewQueryHandler creates a new QueryHandler.
func NewQueryHandler(router QueryRouter) *QueryHandler {
	return &QueryHandler{router: router}
}

// Query handles POST /projects/{ref}/query. Requests are rate limited
// per project and rejected when the user does not own the project.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	ref := chi.URLParam(r, "ref")

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", requestID)
		return
	}

	errs := validation.ValidateQueryRequest(validation.QueryRequest{
		UserID: req.UserID,
		Query:  req.Query,
	})
	if len(errs) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", errs, requestID)
		return
	}

	if decision := h.router.CheckRateLimit(ref); !decision.Allowed {
		response.Err(w, http.StatusTooManyRequests, "RATE_LIMITED", decision.Reason, requestID)
		return
	}

	if !h.router.ValidateProjectAccess(r.Context(), ref, req.UserID) {
		response.Err(w, http.StatusForbidden, "FORBIDDEN", "Access to this project is denied", requestID)
		return
	}

	rows, err := h.router.QueryMaps(r.Context(), ref, req.Query, req.Params...)
	if err != nil {
		slog.Error("routed query failed", "project", ref, "error", err, "requestId", requestID)
		response.Err(w, http.StatusBadGateway, "QUERY_FAILED", "Query execution failed", requestID)
		return
	}

	response.Success(w, http.StatusOK, queryResponse{
		Rows:     rows,
		RowCount: len(rows),
	}, requestID)
}
