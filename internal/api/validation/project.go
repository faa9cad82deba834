package validation

import (
	"strings"
)

// FieldError represents a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// CreateProjectRequest mirrors the fields needed for create validation.
type CreateProjectRequest struct {
	Name        string
	OwnerUserID string
}

// ValidateCreateRequest validates the fields of a create project request.
// Returns a slice of field errors; empty slice means valid.
func ValidateCreateRequest(req CreateProjectRequest) []FieldError {
	var errs []FieldError

	name := strings.TrimSpace(req.Name)
	if name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "name is required"})
	} else if len(name) > 63 {
		errs = append(errs, FieldError{Field: "name", Message: "name must be at most 63 characters"})
	}

	if req.OwnerUserID == "" {
		errs = append(errs, FieldError{Field: "ownerUserId", Message: "ownerUserId is required"})
	}

	return errs
}

// QueryRequest mirrors the fields needed for query validation.
type QueryRequest struct {
	UserID string
	Query  string
}

// ValidateQueryRequest validates the fields of a project query request.
func ValidateQueryRequest(req QueryRequest) []FieldError {
	var errs []FieldError

	if req.UserID == "" {
		errs = append(errs, FieldError{Field: "userId", Message: "userId is required"})
	}
	if strings.TrimSpace(req.Query) == "" {
		errs = append(errs, FieldError{Field: "query", Message: "query is required"})
	}

	return errs
}
