// Package dbuser manages project-scoped database roles and verifies
// cross-tenant isolation.
package dbuser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-password/password"

	"github.com/dbhive/dbhive/internal/naming"
	"github.com/dbhive/dbhive/internal/sqlexec"
)

// MinPasswordLength is the minimum accepted role password length.
const MinPasswordLength = 12

// GeneratedPasswordLength is used for platform-generated role passwords.
const GeneratedPasswordLength = 32

// Code is the closed error taxonomy for role lifecycle operations.
type Code string

const (
	CodeInvalidUsername         Code = "INVALID_USERNAME"
	CodeInvalidPassword         Code = "INVALID_PASSWORD"
	CodeUserAlreadyExists       Code = "USER_ALREADY_EXISTS"
	CodeDatabaseNotFound        Code = "DATABASE_NOT_FOUND"
	CodeDependentObjects        Code = "DEPENDENT_OBJECTS"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeUnknown                 Code = "UNKNOWN_ERROR"
)

// Error carries a taxonomy code plus the original engine message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dbuser: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from an error chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Permissions describes a role's reach across the server.
type Permissions struct {
	Username      string
	CanCreateDB   bool
	CanCreateRole bool
	IsSuperuser   bool
	Databases     []DatabaseAccess
}

// DatabaseAccess lists the database-level privileges a role holds.
type DatabaseAccess struct {
	Database   string
	Privileges []string // subset of CONNECT, CREATE, TEMPORARY
}

// Manager performs role lifecycle operations through the query execution
// collaborator.
type Manager struct {
	exec sqlexec.Executor
}

// NewManager creates a Manager.
func NewManager(exec sqlexec.Executor) *Manager {
	return &Manager{exec: exec}
}

// GeneratePassword returns a fresh role password. Symbols are excluded so
// the password embeds into connection strings without escaping.
func GeneratePassword() (string, error) {
	pw, err := password.Generate(GeneratedPasswordLength, 10, 0, false, true)
	if err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return pw, nil
}

// Exists reports whether a role with the given name exists.
func (m *Manager) Exists(ctx context.Context, username string) (bool, error) {
	res, err := m.exec.Execute(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_roles WHERE rolname = $1) AS present",
		[]any{username}, nil)
	if err != nil {
		return false, classify(err)
	}
	if len(res.Rows) == 0 {
		return false, nil
	}
	present, _ := res.Rows[0]["present"].(bool)
	return present, nil
}

// Create provisions a login role scoped to exactly one database: full
// privileges on the target, nothing anywhere else. PUBLIC access to the
// target is revoked so no other tenant role can wander in.
func (m *Manager) Create(ctx context.Context, username, pw, databaseName, projectRef string) error {
	if err := naming.Validate(username); err != nil {
		return &Error{Code: CodeInvalidUsername, Message: err.Error(), cause: err}
	}
	if len(pw) < MinPasswordLength {
		return &Error{
			Code:    CodeInvalidPassword,
			Message: fmt.Sprintf("password must be at least %d characters", MinPasswordLength),
		}
	}

	dbExists, err := m.databaseExists(ctx, databaseName)
	if err != nil {
		return err
	}
	if !dbExists {
		return &Error{Code: CodeDatabaseNotFound, Message: fmt.Sprintf("database %q does not exist", databaseName)}
	}

	taken, err := m.Exists(ctx, username)
	if err != nil {
		return err
	}
	if taken {
		return &Error{Code: CodeUserAlreadyExists, Message: fmt.Sprintf("role %q already exists", username)}
	}

	role := pgx.Identifier{username}.Sanitize()
	db := pgx.Identifier{databaseName}.Sanitize()

	stmts := []string{
		fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s NOSUPERUSER NOCREATEDB NOCREATEROLE", role, quoteLiteral(pw)),
		fmt.Sprintf("REVOKE CONNECT, TEMPORARY ON DATABASE %s FROM PUBLIC", db),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s", db, role),
	}
	for _, stmt := range stmts {
		if _, err := m.exec.Execute(ctx, stmt, nil, nil); err != nil {
			return classify(err)
		}
	}

	slog.Info("role created", "role", username, "database", databaseName, "project", projectRef)
	return nil
}

// Delete drops a role, terminating its live sessions first. Dropping an
// absent role is success.
func (m *Manager) Delete(ctx context.Context, username string) error {
	if err := naming.Validate(username); err != nil {
		return &Error{Code: CodeInvalidUsername, Message: err.Error(), cause: err}
	}

	exists, err := m.Exists(ctx, username)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	// Open sessions block DROP ROLE; termination is best effort.
	_, err = m.exec.Execute(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE usename = $1 AND pid <> pg_backend_pid()`,
		[]any{username}, nil)
	if err != nil {
		slog.Warn("failed to terminate role sessions", "role", username, "error", err)
	}

	if _, err := m.exec.Execute(ctx, "DROP ROLE "+pgx.Identifier{username}.Sanitize(), nil, nil); err != nil {
		cerr := classify(err)
		if cerr.Code == CodeDependentObjects {
			return &Error{
				Code: CodeDependentObjects,
				Message: fmt.Sprintf(
					"role %q owns objects or holds grants; reassign or drop them before deleting the role", username),
				cause: err,
			}
		}
		return cerr
	}

	slog.Info("role dropped", "role", username)
	return nil
}

// GetPermissions reports the role's attribute bits and its privileges on
// every non-template database.
func (m *Manager) GetPermissions(ctx context.Context, username string) (*Permissions, error) {
	res, err := m.exec.Execute(ctx, `
		SELECT rolcreatedb, rolcreaterole, rolsuper
		FROM pg_roles WHERE rolname = $1`,
		[]any{username}, nil)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Rows) == 0 {
		return nil, &Error{Code: CodeUnknown, Message: fmt.Sprintf("role %q not found", username)}
	}

	perms := &Permissions{Username: username}
	perms.CanCreateDB, _ = res.Rows[0]["rolcreatedb"].(bool)
	perms.CanCreateRole, _ = res.Rows[0]["rolcreaterole"].(bool)
	perms.IsSuperuser, _ = res.Rows[0]["rolsuper"].(bool)

	res, err = m.exec.Execute(ctx, `
		SELECT d.datname,
		       has_database_privilege($1, d.datname, 'CONNECT')   AS can_connect,
		       has_database_privilege($1, d.datname, 'CREATE')    AS can_create,
		       has_database_privilege($1, d.datname, 'TEMPORARY') AS can_temp
		FROM pg_database d
		WHERE NOT d.datistemplate
		ORDER BY d.datname`,
		[]any{username}, nil)
	if err != nil {
		return nil, classify(err)
	}

	for _, row := range res.Rows {
		access := DatabaseAccess{Database: str(row["datname"])}
		if b, _ := row["can_connect"].(bool); b {
			access.Privileges = append(access.Privileges, "CONNECT")
		}
		if b, _ := row["can_create"].(bool); b {
			access.Privileges = append(access.Privileges, "CREATE")
		}
		if b, _ := row["can_temp"].(bool); b {
			access.Privileges = append(access.Privileges, "TEMPORARY")
		}
		if len(access.Privileges) > 0 {
			perms.Databases = append(perms.Databases, access)
		}
	}
	return perms, nil
}

func (m *Manager) databaseExists(ctx context.Context, name string) (bool, error) {
	res, err := m.exec.Execute(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1) AS present",
		[]any{name}, nil)
	if err != nil {
		return false, classify(err)
	}
	if len(res.Rows) == 0 {
		return false, nil
	}
	present, _ := res.Rows[0]["present"].(bool)
	return present, nil
}

// classify maps engine errors onto the taxonomy, SQLSTATE first.
func classify(err error) *Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42710":
			return &Error{Code: CodeUserAlreadyExists, Message: pgErr.Message, cause: err}
		case pgErr.Code == "2BP01":
			return &Error{Code: CodeDependentObjects, Message: pgErr.Message, cause: err}
		case pgErr.Code == "42501":
			return &Error{Code: CodeInsufficientPermissions, Message: pgErr.Message, cause: err}
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already exists"):
		return &Error{Code: CodeUserAlreadyExists, Message: msg, cause: err}
	case strings.Contains(lower, "depend on it"), strings.Contains(lower, "depends on it"):
		return &Error{Code: CodeDependentObjects, Message: msg, cause: err}
	case strings.Contains(lower, "permission denied"):
		return &Error{Code: CodeInsufficientPermissions, Message: msg, cause: err}
	}
	return &Error{Code: CodeUnknown, Message: msg, cause: err}
}

// quoteLiteral renders a string as a SQL literal; CREATE ROLE cannot take
// the password as a bind parameter.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
