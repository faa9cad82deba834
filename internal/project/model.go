package project

import (
	"time"

	"github.com/google/uuid"
)

// Statuses a project record moves through.
const (
	StatusProvisioning = "provisioning"
	StatusActive       = "active"
	StatusDeleting     = "deleting"
)

// Project is a tenant record: one isolated database plus one scoped role,
// addressed externally by Ref.
type Project struct {
	ID           uuid.UUID
	Ref          string // unique external reference
	DatabaseName string // unique
	Username     string
	ConnString   string // opaque, contains credentials
	OwnerUserID  string
	OrgID        string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpdateFields holds updatable fields. Nil fields are not touched.
type UpdateFields struct {
	ConnString  *string
	OwnerUserID *string
	Status      *string
}
