package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dbhive/dbhive/internal/api/middleware"
	"github.com/dbhive/dbhive/internal/api/response"
	"github.com/dbhive/dbhive/internal/api/validation"
	"github.com/dbhive/dbhive/internal/project"
	"github.com/dbhive/dbhive/internal/provision"
)

// Provisioner creates and tears down projects.
type Provisioner interface {
	Create(ctx context.Context, req provision.Request) (*provision.Credentials, error)
	Teardown(ctx context.Context, ref string) error
}

// createProjectRequest is the request body for POST /projects.
type createProjectRequest struct {
	Name        string `json:"name"`
	OwnerUserID string `json:"ownerUserId"`
	OrgID       string `json:"orgId"`
}

// createProjectResponse carries the one-time credentials back to the
// caller. The password is not persisted and cannot be retrieved again.
type createProjectResponse struct {
	Ref          string `json:"ref"`
	DatabaseName string `json:"databaseName"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	ConnString   string `json:"connString"`
}

// projectResponse is the API representation of a project record.
type projectResponse struct {
	ID           string `json:"id"`
	Ref          string `json:"ref"`
	DatabaseName string `json:"databaseName"`
	Username     string `json:"username"`
	OwnerUserID  string `json:"ownerUserId"`
	OrgID        string `json:"orgId,omitempty"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// toProjectResponse converts a project model to its API representation.
// Connection strings stay server-side; they embed credentials.
func toProjectResponse(p *project.Project) projectResponse {
	return projectResponse{
		ID:           p.ID.String(),
		Ref:          p.Ref,
		DatabaseName: p.DatabaseName,
		Username:     p.Username,
		OwnerUserID:  p.OwnerUserID,
		OrgID:        p.OrgID,
		Status:       p.Status,
		CreatedAt:    p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:    p.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// ProjectHandler handles project lifecycle endpoints.
type ProjectHandler struct {
	provisioner Provisioner
	repo        project.Repository
}

// NewProjectHandler creates a new ProjectHandler.
func NewProjectHandler(provisioner Provisioner, repo project.Repository) *ProjectHandler {
	return &ProjectHandler{
		provisioner: provisioner,
		repo:        repo,
	}
}

// Create handles POST /projects.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", requestID)
		return
	}

	errs := validation.ValidateCreateRequest(validation.CreateProjectRequest{
		Name:        req.Name,
		OwnerUserID: req.OwnerUserID,
	})
	if len(errs) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", errs, requestID)
		return
	}

	creds, err := h.provisioner.Create(r.Context(), provision.Request{
		ProjectName: req.Name,
		OwnerUserID: req.OwnerUserID,
		OrgID:       req.OrgID,
	})
	if err != nil {
		slog.Error("project provisioning failed", "name", req.Name, "error", err, "requestId", requestID)
		response.Err(w, http.StatusInternalServerError, "PROVISIONING_FAILED", "Project could not be provisioned", requestID)
		return
	}

	response.Success(w, http.StatusCreated, createProjectResponse{
		Ref:          creds.Ref,
		DatabaseName: creds.DatabaseName,
		Username:     creds.Username,
		Password:     creds.Password,
		ConnString:   creds.ConnString,
	}, requestID)
}

// List handles GET /projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var (
		projects []project.Project
		err      error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		projects, err = h.repo.ListByOwner(r.Context(), owner)
	} else if org := r.URL.Query().Get("org"); org != "" {
		projects, err = h.repo.ListByOrg(r.Context(), org)
	} else {
		projects, err = h.repo.List(r.Context())
	}
	if err != nil {
		slog.Error("listing projects failed", "error", err, "requestId", requestID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list projects", requestID)
		return
	}

	out := make([]projectResponse, 0, len(projects))
	for i := range projects {
		out = append(out, toProjectResponse(&projects[i]))
	}
	response.Success(w, http.StatusOK, out, requestID)
}

// Get handles GET /projects/{ref}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
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
	response.Success(w, http.StatusOK, toProjectResponse(p), requestID)
}

// Delete handles DELETE /projects/{ref}.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	ref := chi.URLParam(r, "ref")

	if err := h.provisioner.Teardown(r.Context(), ref); err != nil {
		if project.CodeOf(err) == project.CodeNotFound {
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "Project not found", requestID)
			return
		}
		slog.Error("project teardown failed", "ref", ref, "error", err, "requestId", requestID)
		response.Err(w, http.StatusInternalServerError, "TEARDOWN_FAILED", "Project could not be torn down", requestID)
		return
	}
	response.NoContent(w)
}
