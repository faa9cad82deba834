// Package migration moves a project's cross-cutting schema data (auth
// and storage metadata) from the shared source database into the
// project's isolated database. Every run backs the data up first, and a
// failed run restores from that backup before reporting the failure.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/dbhive/dbhive/internal/sqlexec"
)

// Step names one stage of a migration run.
type Step string

const (
	StepBackup         Step = "backup"
	StepSchemaInit     Step = "schema_init"
	StepMigrateAuth    Step = "migrate_auth"
	StepMigrateStorage Step = "migrate_storage"
	StepVerify         Step = "verify"
)

// Table identifies one cross-cutting table and the column that scopes
// its rows to a project.
type Table struct {
	Schema      string
	Name        string
	ScopeColumn string
}

// Qualified returns the schema-qualified table name.
func (t Table) Qualified() string {
	return t.Schema + "." + t.Name
}

// DefaultTables is the cross-cutting set migrated when none is
// configured.
var DefaultTables = []Table{
	{Schema: "auth", Name: "users", ScopeColumn: "project_ref"},
	{Schema: "auth", Name: "sessions", ScopeColumn: "project_ref"},
	{Schema: "storage", Name: "buckets", ScopeColumn: "project_ref"},
	{Schema: "storage", Name: "objects", ScopeColumn: "project_ref"},
}

// verifyTables are the load-bearing tables whose row counts must match
// the manifest exactly for a run to verify.
var verifyTables = map[string]struct{}{
	"auth.users":      {},
	"storage.buckets": {},
}

// Engine is the execution surface the service needs: plain statement
// execution plus an all-or-nothing transactional path for restore.
type Engine interface {
	sqlexec.Executor
	sqlexec.TxExecutor
}

// Config carries the service's static settings.
type Config struct {
	// Tables to back up and migrate; DefaultTables when empty.
	Tables []Table
	// Retention bounds how long backups are kept.
	Retention time.Duration
}

// DefaultRetention keeps backups for thirty days.
const DefaultRetention = 720 * time.Hour

// Error wraps a step failure and names the backup that predates it.
type Error struct {
	Step     Step
	BackupID string
	Restored bool
	cause    error
}

func (e *Error) Error() string {
	state := "restored from backup"
	if !e.Restored {
		state = "restore not attempted"
	}
	if e.BackupID == "" {
		return fmt.Sprintf("migration failed at %s: %v", e.Step, e.cause)
	}
	return fmt.Sprintf("migration failed at %s (backup %s, %s): %v", e.Step, e.BackupID, state, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Result summarizes a migration run.
type Result struct {
	BackupID     string
	ProjectRef   string
	DatabaseName string
	Completed    []Step
	RowCounts    map[string]int64
	Verified     bool
}

// Service runs project migrations.
type Service struct {
	engine    Engine
	store     *BackupStore
	tables    []Table
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService constructs a migration service. A nil clock selects the
// wall clock.
func NewService(engine Engine, store *BackupStore, clk clock.Clock, cfg Config, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	tables := cfg.Tables
	if len(tables) == 0 {
		tables = DefaultTables
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{
		engine:    engine,
		store:     store,
		tables:    tables,
		retention: retention,
		clock:     clk,
		logger:    logger,
	}
}

// Run migrates one project into its isolated database. The step order
// is backup, schema init, auth tables, storage tables, verify. Any
// failure after the backup triggers a restore before the error is
// returned; the error always names the backup id for manual recovery.
func (s *Service) Run(ctx context.Context, ref, dbName string) (*Result, error) {
	res := &Result{
		ProjectRef:   ref,
		DatabaseName: dbName,
		RowCounts:    make(map[string]int64),
	}

	meta, err := s.backup(ctx, ref, dbName)
	if err != nil {
		return res, &Error{Step: StepBackup, cause: err}
	}
	res.BackupID = meta.BackupID
	res.RowCounts = meta.RowCounts
	res.Completed = append(res.Completed, StepBackup)
	s.logger.Info("backup written",
		"project", ref, "backup", meta.BackupID, "tables", len(meta.Tables))

	steps := []struct {
		step Step
		run  func(context.Context, string, string) error
	}{
		{StepSchemaInit, s.schemaInit},
		{StepMigrateAuth, s.migrateSchema("auth")},
		{StepMigrateStorage, s.migrateSchema("storage")},
		{StepVerify, func(ctx context.Context, ref, dbName string) error {
			return s.verify(ctx, ref, dbName, meta)
		}},
	}
	for _, st := range steps {
		if err := st.run(ctx, ref, dbName); err != nil {
			restored := s.tryRestore(ctx, meta.BackupID, dbName)
			return res, &Error{Step: st.step, BackupID: meta.BackupID, Restored: restored, cause: err}
		}
		res.Completed = append(res.Completed, st.step)
	}

	res.Verified = true
	s.logger.Info("migration complete", "project", ref, "database", dbName, "backup", meta.BackupID)
	return res, nil
}

// backup snapshots every configured table's project-scoped rows from
// the source database.
func (s *Service) backup(ctx context.Context, ref, dbName string) (*BackupMetadata, error) {
	backupID := fmt.Sprintf("%s_%s_%s",
		ref, s.clock.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])

	meta := &BackupMetadata{
		BackupID:     backupID,
		ProjectRef:   ref,
		DatabaseName: dbName,
		Timestamp:    s.clock.Now().UTC(),
		BackupPath:   s.store.Path(backupID),
		RowCounts:    make(map[string]int64),
	}

	dumps := make(map[string][]map[string]any)
	for _, table := range s.tables {
		query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table.Qualified(), table.ScopeColumn)
		result, err := s.engine.Execute(ctx, query, []any{ref}, &sqlexec.Options{ReadOnly: true})
		if err != nil {
			return nil, fmt.Errorf("dumping %s: %w", table.Qualified(), err)
		}
		meta.Tables = append(meta.Tables, table.Qualified())
		meta.RowCounts[table.Qualified()] = int64(len(result.Rows))
		dumps[table.Qualified()] = result.Rows
	}

	if err := s.store.Write(meta, dumps); err != nil {
		return nil, err
	}
	return meta, nil
}

// schemaInit makes sure the target database has the schemas the
// migrated tables live in.
func (s *Service) schemaInit(ctx context.Context, _ string, dbName string) error {
	seen := make(map[string]struct{})
	for _, table := range s.tables {
		if _, ok := seen[table.Schema]; ok {
			continue
		}
		seen[table.Schema] = struct{}{}
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", table.Schema)
		if _, err := s.engine.Execute(ctx, query, nil, &sqlexec.Options{Database: dbName}); err != nil {
			return fmt.Errorf("creating schema %s: %w", table.Schema, err)
		}
	}
	return nil
}

// migrateSchema copies the project's rows for every table in one schema
// from the source database into the target. Inserts use ON CONFLICT DO
// NOTHING so re-running a migration is idempotent.
func (s *Service) migrateSchema(schema string) func(context.Context, string, string) error {
	return func(ctx context.Context, ref, dbName string) error {
		for _, table := range s.tables {
			if table.Schema != schema {
				continue
			}
			query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table.Qualified(), table.ScopeColumn)
			result, err := s.engine.Execute(ctx, query, []any{ref}, &sqlexec.Options{ReadOnly: true})
			if err != nil {
				return fmt.Errorf("reading %s: %w", table.Qualified(), err)
			}
			for _, row := range result.Rows {
				insert, args := buildInsert(table.Qualified(), row)
				if _, err := s.engine.Execute(ctx, insert, args, &sqlexec.Options{Database: dbName}); err != nil {
					return fmt.Errorf("copying into %s: %w", table.Qualified(), err)
				}
			}
			s.logger.Debug("table migrated",
				"project", ref, "table", table.Qualified(), "rows", len(result.Rows))
		}
		return nil
	}
}

// verify checks every migrated table exists in the target and that the
// load-bearing tables' row counts match the manifest exactly.
func (s *Service) verify(ctx context.Context, ref, dbName string, meta *BackupMetadata) error {
	for _, table := range s.tables {
		result, err := s.engine.Execute(ctx,
			"SELECT to_regclass($1) IS NOT NULL AS present",
			[]any{table.Qualified()},
			&sqlexec.Options{Database: dbName, ReadOnly: true})
		if err != nil {
			return fmt.Errorf("checking %s exists: %w", table.Qualified(), err)
		}
		if len(result.Rows) == 0 || result.Rows[0]["present"] != true {
			return fmt.Errorf("table %s missing from target database", table.Qualified())
		}

		if _, loadBearing := verifyTables[table.Qualified()]; !loadBearing {
			continue
		}
		count, err := s.countRows(ctx, dbName, table, ref)
		if err != nil {
			return err
		}
		want := meta.RowCounts[table.Qualified()]
		if count != want {
			return fmt.Errorf("row count mismatch for %s: have %d, backup has %d",
				table.Qualified(), count, want)
		}
	}
	return nil
}

func (s *Service) countRows(ctx context.Context, dbName string, table Table, ref string) (int64, error) {
	query := fmt.Sprintf("SELECT count(*) AS n FROM %s WHERE %s = $1", table.Qualified(), table.ScopeColumn)
	result, err := s.engine.Execute(ctx, query, []any{ref}, &sqlexec.Options{Database: dbName, ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table.Qualified(), err)
	}
	if len(result.Rows) == 0 {
		return 0, fmt.Errorf("counting %s: empty result", table.Qualified())
	}
	n, ok := result.Rows[0]["n"].(int64)
	if !ok {
		return 0, fmt.Errorf("counting %s: unexpected count type %T", table.Qualified(), result.Rows[0]["n"])
	}
	return n, nil
}

// tryRestore attempts a restore and reports whether it succeeded.
// Restore failures are logged, not returned: the step error with the
// backup id is what the caller acts on.
func (s *Service) tryRestore(ctx context.Context, backupID, dbName string) bool {
	if err := s.RestoreFromBackup(ctx, backupID, dbName); err != nil {
		s.logger.Error("restore from backup failed",
			"backup", backupID, "database", dbName, "error", err)
		return false
	}
	s.logger.Info("restored from backup", "backup", backupID, "database", dbName)
	return true
}

// RestoreFromBackup replaces the target's migrated tables with the
// backup's row dumps, truncate then reinsert, inside one transaction.
// Any failure rolls the whole restore back.
func (s *Service) RestoreFromBackup(ctx context.Context, backupID, dbName string) error {
	meta, err := s.store.ReadManifest(backupID)
	if err != nil {
		return err
	}

	return s.engine.ExecuteTx(ctx, &sqlexec.Options{Database: dbName}, func(run sqlexec.TxRunner) error {
		for _, table := range meta.Tables {
			rows, err := s.store.ReadTable(backupID, table)
			if err != nil {
				return err
			}
			if _, err := run(fmt.Sprintf("TRUNCATE TABLE %s", table)); err != nil {
				return fmt.Errorf("truncating %s: %w", table, err)
			}
			for _, row := range rows {
				insert, args := buildInsert(table, row)
				if _, err := run(insert, args...); err != nil {
					return fmt.Errorf("reinserting into %s: %w", table, err)
				}
			}
		}
		return nil
	})
}

// CleanupExpired removes backups older than the configured retention.
func (s *Service) CleanupExpired(ctx context.Context) ([]string, error) {
	removed, err := s.store.CleanupExpired(s.clock.Now().UTC(), s.retention)
	if len(removed) > 0 {
		s.logger.Info("expired backups removed", "count", len(removed))
	}
	return removed, err
}

// Start runs periodic backup cleanup until ctx is done.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			if _, err := s.CleanupExpired(ctx); err != nil {
				s.logger.Error("backup cleanup failed", "error", err)
			}
		}
	}
}

// buildInsert renders one ON CONFLICT DO NOTHING insert for a row.
// Columns are sorted so the statement shape is deterministic.
func buildInsert(qualified string, row map[string]any) (string, []any) {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		qualified, strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args
}
