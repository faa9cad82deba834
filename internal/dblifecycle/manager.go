// Package dblifecycle creates, lists, and drops tenant databases from a
// lockable template database.
package dblifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/dbhive/dbhive/internal/naming"
	"github.com/dbhive/dbhive/internal/sqlexec"
)

// DefaultGraceWait is how long to wait after terminating template
// backends before issuing CREATE DATABASE.
const DefaultGraceWait = 500 * time.Millisecond

// Defaults for CreateWithRetry.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
)

// DatabaseInfo is a read-only projection of the engine catalog.
type DatabaseInfo struct {
	Name     string
	Owner    string
	Encoding string
	Collate  string
	Ctype    string
}

// Manager performs database lifecycle operations through the query
// execution collaborator.
type Manager struct {
	exec      sqlexec.Executor
	clock     clock.Clock
	graceWait time.Duration
}

// NewManager creates a Manager. A nil clock selects the wall clock.
func NewManager(exec sqlexec.Executor, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{exec: exec, clock: clk, graceWait: DefaultGraceWait}
}

// Exists reports whether a database with the given name exists.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
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

// List returns all non-template databases.
func (m *Manager) List(ctx context.Context) ([]DatabaseInfo, error) {
	res, err := m.exec.Execute(ctx, `
		SELECT d.datname AS name,
		       pg_get_userbyid(d.datdba) AS owner,
		       pg_encoding_to_char(d.encoding) AS encoding,
		       d.datcollate AS collate,
		       d.datctype AS ctype
		FROM pg_database d
		WHERE NOT d.datistemplate
		ORDER BY d.datname`, nil, &sqlexec.Options{ReadOnly: true})
	if err != nil {
		return nil, classify(err)
	}

	infos := make([]DatabaseInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		infos = append(infos, DatabaseInfo{
			Name:     str(row["name"]),
			Owner:    str(row["owner"]),
			Encoding: str(row["encoding"]),
			Collate:  str(row["collate"]),
			Ctype:    str(row["ctype"]),
		})
	}
	return infos, nil
}

// Create provisions a database from the template. Preconditions run in
// order and short-circuit: valid name, name free, template present. The
// engine refuses to copy a template with open connections, so backends on
// the template are terminated first; the grace wait applies only when
// something was actually terminated.
func (m *Manager) Create(ctx context.Context, name, template, owner string) error {
	if err := naming.Validate(name); err != nil {
		return newError(CodeInvalidName, err.Error(), err)
	}

	exists, err := m.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return newError(CodeAlreadyExists, fmt.Sprintf("database %q already exists", name), nil)
	}

	templateExists, err := m.Exists(ctx, template)
	if err != nil {
		return err
	}
	if !templateExists {
		return newError(CodeTemplateNotFound, fmt.Sprintf("template database %q does not exist", template), nil)
	}

	terminated, err := m.terminateBackends(ctx, template)
	if err != nil {
		// Best effort: creation may still succeed if the sessions are gone.
		slog.Warn("failed to terminate template backends", "template", template, "error", err)
	}
	if terminated > 0 {
		slog.Info("terminated template backends", "template", template, "count", terminated)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.graceWait):
		}
	}

	stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s",
		pgx.Identifier{name}.Sanitize(), pgx.Identifier{template}.Sanitize())
	if owner != "" {
		stmt += " OWNER " + pgx.Identifier{owner}.Sanitize()
	}

	if _, err := m.exec.Execute(ctx, stmt, nil, nil); err != nil {
		return classify(err)
	}

	slog.Info("database created", "database", name, "template", template)
	return nil
}

// CreateWithRetry is Create with bounded exponential backoff on template
// lock contention. Only the template-in-use class retries; every other
// failure aborts immediately. Each attempt re-runs the terminate-and-wait
// step because Create owns it.
func (m *Manager) CreateWithRetry(ctx context.Context, name, template, owner string, maxRetries int, baseDelay time.Duration) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return m.Create(ctx, name, template, owner)
		},
		IsFatalError: func(err error) bool {
			return CodeOf(err) != CodeTemplateInUse
		},
		NotifyFunc: func(err error, attempt int) {
			slog.Warn("template in use, retrying database creation",
				"database", name, "template", template, "attempt", attempt, "error", err)
		},
		Attempts:    maxRetries,
		Delay:       baseDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       m.clock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	return err
}

// Delete drops a database. Dropping an absent database is success: no
// drop statement is issued.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := naming.Validate(name); err != nil {
		return newError(CodeInvalidName, err.Error(), err)
	}

	exists, err := m.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if _, err := m.exec.Execute(ctx, "DROP DATABASE "+pgx.Identifier{name}.Sanitize(), nil, nil); err != nil {
		return classify(err)
	}

	slog.Info("database dropped", "database", name)
	return nil
}

// terminateBackends kills every other session connected to the database
// and returns how many were signalled.
func (m *Manager) terminateBackends(ctx context.Context, database string) (int, error) {
	res, err := m.exec.Execute(ctx, `
		SELECT pg_terminate_backend(pid) AS terminated
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`,
		[]any{database}, nil)
	if err != nil {
		return 0, classify(err)
	}
	return len(res.Rows), nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
