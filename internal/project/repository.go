// Package project persists tenant metadata: which database and role back
// each external project reference.
package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Code is the closed error taxonomy for the metadata store.
type Code string

const (
	CodeAlreadyExists Code = "PROJECT_ALREADY_EXISTS"
	CodeNotFound      Code = "PROJECT_NOT_FOUND"
	CodeInvalidData   Code = "INVALID_PROJECT_DATA"
)

// Error carries a taxonomy code for caller dispatch.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("project: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from an error chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Repository provides CRUD over project records. Ref and DatabaseName are
// unique; persistence technology is hidden behind this contract.
type Repository interface {
	Save(ctx context.Context, p *Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*Project, error)
	GetByRef(ctx context.Context, ref string) (*Project, error)
	GetByDatabase(ctx context.Context, databaseName string) (*Project, error)
	ListByOrg(ctx context.Context, orgID string) ([]Project, error)
	ListByOwner(ctx context.Context, ownerUserID string) ([]Project, error)
	List(ctx context.Context) ([]Project, error)
	Update(ctx context.Context, ref string, fields UpdateFields) (*Project, error)
	Delete(ctx context.Context, ref string) error
}

// PostgresRepository implements Repository using pgxpool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Repository backed by the given pool.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the projects table when absent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS projects (
			id            uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			ref           text NOT NULL UNIQUE,
			database_name text NOT NULL UNIQUE,
			username      text NOT NULL,
			conn_string   text NOT NULL,
			owner_user_id text NOT NULL,
			org_id        text NOT NULL DEFAULT '',
			status        text NOT NULL DEFAULT 'provisioning',
			created_at    timestamptz NOT NULL DEFAULT now(),
			updated_at    timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensuring projects schema: %w", err)
	}
	return nil
}

const projectColumns = `id, ref, database_name, username, conn_string, owner_user_id, org_id, status, created_at, updated_at`

// Save inserts a new project record. Required fields are checked before
// any I/O; uniqueness collisions on ref or database_name map to
// PROJECT_ALREADY_EXISTS.
func (r *PostgresRepository) Save(ctx context.Context, p *Project) error {
	if p.Ref == "" || p.DatabaseName == "" || p.OwnerUserID == "" || p.ConnString == "" {
		return &Error{
			Code:    CodeInvalidData,
			Message: "ref, database_name, conn_string, and owner_user_id are required",
		}
	}
	if p.Status == "" {
		p.Status = StatusProvisioning
	}

	query := `
		INSERT INTO projects (ref, database_name, username, conn_string, owner_user_id, org_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		p.Ref, p.DatabaseName, p.Username, p.ConnString, p.OwnerUserID, p.OrgID, p.Status,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &Error{
				Code:    CodeAlreadyExists,
				Message: fmt.Sprintf("project ref %q or database %q already exists", p.Ref, p.DatabaseName),
				cause:   err,
			}
		}
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// GetByID retrieves a project by its UUID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Project, error) {
	return r.scanOne(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE id = $1", projectColumns), id)
}

// GetByRef retrieves a project by its external reference.
func (r *PostgresRepository) GetByRef(ctx context.Context, ref string) (*Project, error) {
	return r.scanOne(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE ref = $1", projectColumns), ref)
}

// GetByDatabase retrieves a project by its database name.
func (r *PostgresRepository) GetByDatabase(ctx context.Context, databaseName string) (*Project, error) {
	return r.scanOne(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE database_name = $1", projectColumns), databaseName)
}

// ListByOrg retrieves all projects for an organization.
func (r *PostgresRepository) ListByOrg(ctx context.Context, orgID string) ([]Project, error) {
	return r.scanMany(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE org_id = $1 ORDER BY created_at DESC", projectColumns), orgID)
}

// ListByOwner retrieves all projects owned by a user.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerUserID string) ([]Project, error) {
	return r.scanMany(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE owner_user_id = $1 ORDER BY created_at DESC", projectColumns), ownerUserID)
}

// List retrieves every project record.
func (r *PostgresRepository) List(ctx context.Context) ([]Project, error) {
	return r.scanMany(ctx,
		fmt.Sprintf("SELECT %s FROM projects ORDER BY created_at DESC", projectColumns))
}

// Update modifies the given fields on a project addressed by ref.
func (r *PostgresRepository) Update(ctx context.Context, ref string, fields UpdateFields) (*Project, error) {
	setClauses := []string{"updated_at = now()"}
	args := []any{}
	argIdx := 1

	if fields.ConnString != nil {
		setClauses = append(setClauses, fmt.Sprintf("conn_string = $%d", argIdx))
		args = append(args, *fields.ConnString)
		argIdx++
	}
	if fields.OwnerUserID != nil {
		setClauses = append(setClauses, fmt.Sprintf("owner_user_id = $%d", argIdx))
		args = append(args, *fields.OwnerUserID)
		argIdx++
	}
	if fields.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *fields.Status)
		argIdx++
	}

	query := fmt.Sprintf("UPDATE projects SET %s WHERE ref = $%d RETURNING %s",
		strings.Join(setClauses, ", "), argIdx, projectColumns)
	args = append(args, ref)

	p, err := r.scanRow(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("project %q not found", ref)}
		}
		return nil, fmt.Errorf("updating project: %w", err)
	}
	return p, nil
}

// Delete removes a project record by ref.
func (r *PostgresRepository) Delete(ctx context.Context, ref string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM projects WHERE ref = $1", ref)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("project %q not found", ref)}
	}
	return nil
}

func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...any) (*Project, error) {
	p, err := r.scanRow(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &Error{Code: CodeNotFound, Message: "project not found"}
		}
		return nil, fmt.Errorf("fetching project: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) scanMany(ctx context.Context, query string, args ...any) ([]Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		var p Project
		if err := rows.Scan(
			&p.ID, &p.Ref, &p.DatabaseName, &p.Username, &p.ConnString,
			&p.OwnerUserID, &p.OrgID, &p.Status, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}
	return projects, nil
}

func (r *PostgresRepository) scanRow(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(
		&p.ID, &p.Ref, &p.DatabaseName, &p.Username, &p.ConnString,
		&p.OwnerUserID, &p.OrgID, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
