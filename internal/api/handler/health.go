package handler

import (
	"context"
	"net/http"

	"github.com/dbhive/dbhive/internal/api/middleware"
	"github.com/dbhive/dbhive/internal/api/response"
)

// DBPinger checks admin database connectivity.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles the GET /health endpoint.
type HealthHandler struct {
	pinger  DBPinger
	version string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(pinger DBPinger, version string) *HealthHandler {
	return &HealthHandler{
		pinger:  pinger,
		version: version,
	}
}

type databaseStatus struct {
	Connected bool    `json:"connected"`
	Error     *string `json:"error,omitempty"`
}

type healthData struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Database databaseStatus `json:"database"`
}

// ServeHTTP handles the health check request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	status := "healthy"
	db := databaseStatus{Connected: true}
	if err := h.pinger.Ping(r.Context()); err != nil {
		status = "degraded"
		msg := err.Error()
		db = databaseStatus{Connected: false, Error: &msg}
	}

	data := healthData{
		Status:   status,
		Version:  h.version,
		Database: db,
	}

	response.Success(w, http.StatusOK, data, requestID)
}
