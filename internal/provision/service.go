// Package provision orchestrates end to end project creation: unique
// credentials, a template-cloned database, an isolated role, stored
// metadata, and a live pool registration. Failures roll back whatever
// already succeeded so a half-provisioned project never lingers.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbhive/dbhive/internal/credential"
	"github.com/dbhive/dbhive/internal/dbuser"
	"github.com/dbhive/dbhive/internal/naming"
	"github.com/dbhive/dbhive/internal/pool"
	"github.com/dbhive/dbhive/internal/project"
)

// DatabaseManager is the subset of database lifecycle operations the
// provisioner needs.
type DatabaseManager interface {
	CreateWithRetry(ctx context.Context, name, template, owner string, maxRetries int, baseDelay time.Duration) error
	Delete(ctx context.Context, name string) error
}

// UserManager is the subset of role lifecycle operations the
// provisioner needs.
type UserManager interface {
	Create(ctx context.Context, username, password, databaseName, projectRef string) error
	Delete(ctx context.Context, username string) error
}

// NameSource produces unique identifiers, falling back to alternate
// strategies when the primary generation fails.
type NameSource interface {
	GenerateUnique(ctx context.Context, humanName string, kind naming.Kind, exclude map[string]struct{}, maxRetries int) (string, error)
	GenerateWithFallback(ctx context.Context, humanName string, kind naming.Kind, exclude map[string]struct{}, primaryErr error) (string, credential.Strategy, error)
}

// Registrar wires and unwires projects into the query routing layer.
type Registrar interface {
	RegisterProject(cfg pool.Config)
	UnregisterProject(ref string)
}

// Config carries the provisioner's static settings.
type Config struct {
	// TemplateDatabase is cloned for every new project.
	TemplateDatabase string
	// HostPort is where project connection strings point, e.g.
	// "127.0.0.1:5432".
	HostPort string
	// MaxRetries and BaseDelay tune the create-database backoff.
	MaxRetries int
	BaseDelay  time.Duration
}

// Request describes a project to provision.
type Request struct {
	ProjectName string
	OwnerUserID string
	OrgID       string
}

// Credentials is what a successful provision hands back to the caller.
// Password is only available here; it is never persisted.
type Credentials struct {
	Ref          string
	DatabaseName string
	Username     string
	Password     string
	ConnString   string
}

// Service provisions and tears down projects.
type Service struct {
	names     NameSource
	databases DatabaseManager
	users     UserManager
	repo      project.Repository
	registrar Registrar
	cfg       Config
	logger    *slog.Logger

	newPassword func() (string, error)
}

// NewService constructs a provisioning service.
func NewService(names NameSource, databases DatabaseManager, users UserManager, repo project.Repository, registrar Registrar, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Service{
		names:       names,
		databases:   databases,
		users:       users,
		repo:        repo,
		registrar:   registrar,
		cfg:         cfg,
		logger:      logger,
		newPassword: dbuser.GeneratePassword,
	}
}

// generate resolves a unique identifier, trying fallback strategies
// when the primary path fails.
func (s *Service) generate(ctx context.Context, name string, kind naming.Kind, exclude map[string]struct{}) (string, error) {
	id, err := s.names.GenerateUnique(ctx, name, kind, exclude, credential.DefaultMaxRetries)
	if err == nil {
		return id, nil
	}
	s.logger.Warn("primary name generation failed, trying fallbacks",
		"project", name, "kind", kind.String(), "error", err)
	id, strategy, fbErr := s.names.GenerateWithFallback(ctx, name, kind, exclude, err)
	if fbErr != nil {
		return "", fbErr
	}
	s.logger.Info("name generated by fallback strategy",
		"project", name, "strategy", string(strategy), "identifier", id)
	return id, nil
}

// Create provisions a project. On any failure the steps that already
// completed are undone in reverse order and the original error is
// returned.
func (s *Service) Create(ctx context.Context, req Request) (*Credentials, error) {
	dbName, err := s.generate(ctx, req.ProjectName, naming.KindDatabase, nil)
	if err != nil {
		return nil, fmt.Errorf("generate database name: %w", err)
	}
	username, err := s.generate(ctx, req.ProjectName, naming.KindUser, map[string]struct{}{dbName: {}})
	if err != nil {
		return nil, fmt.Errorf("generate username: %w", err)
	}
	pw, err := s.newPassword()
	if err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}

	ref := strings.TrimPrefix(dbName, "db_")
	connString := s.connString(username, pw, dbName)

	// Undo steps accumulate as each stage succeeds.
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	if err := s.databases.CreateWithRetry(ctx, dbName, s.cfg.TemplateDatabase, "", s.cfg.MaxRetries, s.cfg.BaseDelay); err != nil {
		return nil, fmt.Errorf("create database %q: %w", dbName, err)
	}
	undo = append(undo, func() {
		if err := s.databases.Delete(context.WithoutCancel(ctx), dbName); err != nil {
			s.logger.Error("rollback: drop database failed", "database", dbName, "error", err)
		}
	})

	if err := s.users.Create(ctx, username, pw, dbName, ref); err != nil {
		rollback()
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	undo = append(undo, func() {
		if err := s.users.Delete(context.WithoutCancel(ctx), username); err != nil {
			s.logger.Error("rollback: drop user failed", "username", username, "error", err)
		}
	})

	now := time.Now().UTC()
	p := &project.Project{
		ID:           uuid.New(),
		Ref:          ref,
		DatabaseName: dbName,
		Username:     username,
		ConnString:   connString,
		OwnerUserID:  req.OwnerUserID,
		OrgID:        req.OrgID,
		Status:       project.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Save(ctx, p); err != nil {
		rollback()
		return nil, fmt.Errorf("save project metadata: %w", err)
	}
	undo = append(undo, func() {
		if err := s.repo.Delete(context.WithoutCancel(ctx), ref); err != nil {
			s.logger.Error("rollback: delete metadata failed", "project", ref, "error", err)
		}
	})

	s.registrar.RegisterProject(pool.Config{
		ProjectRef:   ref,
		DatabaseName: dbName,
		ConnString:   connString,
	})

	s.logger.Info("project provisioned",
		"project", ref, "database", dbName, "username", username)
	return &Credentials{
		Ref:          ref,
		DatabaseName: dbName,
		Username:     username,
		Password:     pw,
		ConnString:   connString,
	}, nil
}

// Teardown removes a project: registration, role, database, metadata.
// Each step is attempted even when an earlier one fails; the first
// error wins.
func (s *Service) Teardown(ctx context.Context, ref string) error {
	p, err := s.repo.GetByRef(ctx, ref)
	if err != nil {
		return err
	}

	if _, err := s.repo.Update(ctx, ref, project.UpdateFields{Status: strptr(project.StatusDeleting)}); err != nil {
		s.logger.Warn("mark project deleting failed", "project", ref, "error", err)
	}

	s.registrar.UnregisterProject(ref)

	var firstErr error
	if err := s.users.Delete(ctx, p.Username); err != nil {
		firstErr = fmt.Errorf("drop user %q: %w", p.Username, err)
		s.logger.Error("teardown: drop user failed", "project", ref, "error", err)
	}
	if err := s.databases.Delete(ctx, p.DatabaseName); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("drop database %q: %w", p.DatabaseName, err)
		}
		s.logger.Error("teardown: drop database failed", "project", ref, "error", err)
	}
	if firstErr != nil {
		return firstErr
	}

	if err := s.repo.Delete(ctx, ref); err != nil {
		return fmt.Errorf("delete project metadata: %w", err)
	}
	s.logger.Info("project torn down", "project", ref)
	return nil
}

func (s *Service) connString(username, password, database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		url.QueryEscape(username), url.QueryEscape(password), s.cfg.HostPort, database)
}

func strptr(s string) *string { return &s }
