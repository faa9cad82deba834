package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dbhive/dbhive/internal/api/middleware"
	"github.com/dbhive/dbhive/internal/api/response"
	"github.com/dbhive/dbhive/internal/migration"
	"github.com/dbhive/dbhive/internal/project"
)

// Migrator runs project data migrations.
type Migrator interface {
	Run(ctx context.Context, ref, dbName string) (*migration.Result, error)
}

type migrateResponse struct {
	BackupID  string           `json:"backupId"`
	Completed []migration.Step `json:"completed"`
	RowCounts map[string]int64 `json:"rowCounts"`
	Verified  bool             `json:"verified"`
}

// MigrateHandler handles POST /projects/{ref}/migrate.
type MigrateHandler struct {
	migrator Migrator
	repo     project.Repository
}

// NewMigrateHandler creates a new MigrateHandler.
func NewMigrateHandler(migrator Migrator, repo project.Repository) *MigrateHandler {
	return &MigrateHandler{
		migrator: migrator,
		repo:     repo,
	}
}

// Migrate runs a migration for one project. Failures surface the step
// that failed and the backup id to recover from.
func (h *MigrateHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	ref := chi.URLParam(r, "ref")

	p, err := h.repo.GetByRef(r.Context(), ref)
	if err != nil {
		if project.CodeOf(err) == project.CodeNotFound {
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "Project not found", requestID)
			return
		}
		slog.Error("fetching project failed", "ref", ref, "error", err, "requestId", requestID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch project", requestID)
		return
	}

	res, err := h.migrator.Run(r.Context(), ref, p.DatabaseName)
	if err != nil {
		slog.Error("migration failed", "ref", ref, "error", err, "requestId", requestID)

		var merr *migration.Error
		if errors.As(err, &merr) {
			response.ErrWithDetails(w, http.StatusInternalServerError, "MIGRATION_FAILED", err.Error(), map[string]any{
				"step":     merr.Step,
				"backupId": merr.BackupID,
				"restored": merr.Restored,
			}, requestID)
			return
		}
		response.Err(w, http.StatusInternalServerError, "MIGRATION_FAILED", "Migration failed", requestID)
		return
	}

	response.Success(w, http.StatusOK, migrateResponse{
		BackupID:  res.BackupID,
		Completed: res.Completed,
		RowCounts: res.RowCounts,
		Verified:  res.Verified,
	}, requestID)
}
