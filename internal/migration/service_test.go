package migration_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbhive/dbhive/internal/migration"
	"github.com/dbhive/dbhive/internal/sqlexec"
)

// fakeEngine simulates a shared source database plus named target
// databases. Rows are scoped by a project_ref column; inserts honor
// ON CONFLICT DO NOTHING by primary key "id".
type fakeEngine struct {
	source  map[string][]map[string]any            // qualified table -> rows
	targets map[string]map[string][]map[string]any // db -> qualified table -> rows
	schemas map[string]map[string]bool             // db -> schema -> created

	failQueryContaining string
	failQuerySkip       int // matching queries to let through first
	failTxInsert        bool
	countDelta          map[string]int64 // per-table count skew for verify tests
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		source:  make(map[string][]map[string]any),
		targets: make(map[string]map[string][]map[string]any),
		schemas: make(map[string]map[string]bool),
	}
}

func (f *fakeEngine) target(db string) map[string][]map[string]any {
	if f.targets[db] == nil {
		f.targets[db] = make(map[string][]map[string]any)
	}
	return f.targets[db]
}

func qualifiedFrom(query, keyword string) string {
	rest := query[strings.Index(query, keyword)+len(keyword):]
	return strings.Fields(rest)[0]
}

func filterByRef(rows []map[string]any, ref any) []map[string]any {
	var out []map[string]any
	for _, row := range rows {
		if row["project_ref"] == ref {
			out = append(out, row)
		}
	}
	return out
}

func insertRow(tables map[string][]map[string]any, qualified string, row map[string]any) {
	for _, existing := range tables[qualified] {
		if existing["id"] == row["id"] {
			return // conflict, do nothing
		}
	}
	tables[qualified] = append(tables[qualified], row)
}

func (f *fakeEngine) Execute(_ context.Context, query string, args []any, opts *sqlexec.Options) (*sqlexec.Result, error) {
	if opts == nil {
		opts = &sqlexec.Options{}
	}
	if f.failQueryContaining != "" && strings.Contains(query, f.failQueryContaining) {
		if f.failQuerySkip > 0 {
			f.failQuerySkip--
		} else {
			return nil, errors.New("simulated failure: " + f.failQueryContaining)
		}
	}

	switch {
	case strings.HasPrefix(query, "SELECT * FROM "):
		tbl := qualifiedFrom(query, "FROM ")
		rows := f.source[tbl]
		if opts.Database != "" {
			rows = f.target(opts.Database)[tbl]
		}
		return &sqlexec.Result{Rows: filterByRef(rows, args[0])}, nil

	case strings.HasPrefix(query, "CREATE SCHEMA IF NOT EXISTS "):
		schema := qualifiedFrom(query, "EXISTS ")
		if f.schemas[opts.Database] == nil {
			f.schemas[opts.Database] = make(map[string]bool)
		}
		f.schemas[opts.Database][schema] = true
		return &sqlexec.Result{}, nil

	case strings.HasPrefix(query, "INSERT INTO "):
		tbl := qualifiedFrom(query, "INTO ")
		row := rowFromInsert(query, args)
		insertRow(f.target(opts.Database), tbl, row)
		return &sqlexec.Result{RowsAffected: 1}, nil

	case strings.Contains(query, "to_regclass"):
		tbl := args[0].(string)
		schema := strings.SplitN(tbl, ".", 2)[0]
		present := f.schemas[opts.Database][schema]
		return &sqlexec.Result{Rows: []map[string]any{{"present": present}}}, nil

	case strings.HasPrefix(query, "SELECT count(*) AS n FROM "):
		tbl := qualifiedFrom(query, "FROM ")
		n := int64(len(filterByRef(f.target(opts.Database)[tbl], args[0])))
		n += f.countDelta[tbl]
		return &sqlexec.Result{Rows: []map[string]any{{"n": n}}}, nil
	}
	return nil, fmt.Errorf("fake engine: unhandled query %q", query)
}

func (f *fakeEngine) ExecuteTx(_ context.Context, opts *sqlexec.Options, fn func(run sqlexec.TxRunner) error) error {
	// Work on a copy so a mid-transaction failure leaves the target
	// untouched, like a real rollback.
	staged := make(map[string][]map[string]any)
	for tbl, rows := range f.target(opts.Database) {
		staged[tbl] = append([]map[string]any(nil), rows...)
	}

	run := func(query string, args ...any) (int64, error) {
		switch {
		case strings.HasPrefix(query, "TRUNCATE TABLE "):
			staged[qualifiedFrom(query, "TABLE ")] = nil
			return 0, nil
		case strings.HasPrefix(query, "INSERT INTO "):
			if f.failTxInsert {
				return 0, errors.New("simulated insert failure")
			}
			insertRow(staged, qualifiedFrom(query, "INTO "), rowFromInsert(query, args))
			return 1, nil
		}
		return 0, fmt.Errorf("fake engine: unhandled tx query %q", query)
	}
	if err := fn(run); err != nil {
		return err
	}
	f.targets[opts.Database] = staged
	return nil
}

// rowFromInsert rebuilds the row map from the column list in the
// statement and the bound args.
func rowFromInsert(query string, args []any) map[string]any {
	open := strings.Index(query, "(")
	closing := strings.Index(query, ")")
	cols := strings.Split(query[open+1:closing], ", ")
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i]
	}
	return row
}

func seedSource(f *fakeEngine, ref string, table string, n int) {
	for i := 0; i < n; i++ {
		f.source[table] = append(f.source[table], map[string]any{
			"id":          fmt.Sprintf("%s-%s-%d", table, ref, i),
			"project_ref": ref,
			"payload":     fmt.Sprintf("row %d", i),
		})
	}
}

func newService(t *testing.T, engine *fakeEngine, clk *testclock.Clock) (*migration.Service, *migration.BackupStore) {
	t.Helper()
	store, err := migration.NewBackupStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return migration.NewService(engine, store, clk, migration.Config{}, logger), store
}

func TestRunMigratesAndVerifies(t *testing.T) {
	engine := newFakeEngine()
	seedSource(engine, "alpha", "auth.users", 10)
	seedSource(engine, "alpha", "auth.sessions", 2)
	seedSource(engine, "alpha", "storage.buckets", 3)
	seedSource(engine, "alpha", "storage.objects", 1)
	seedSource(engine, "beta", "auth.users", 7) // other project, must not leak

	clk := testclock.NewClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	svc, store := newService(t, engine, clk)

	res, err := svc.Run(context.Background(), "alpha", "db_alpha_ab12")
	require.NoError(t, err)

	assert.True(t, res.Verified)
	assert.Equal(t, []migration.Step{
		migration.StepBackup, migration.StepSchemaInit,
		migration.StepMigrateAuth, migration.StepMigrateStorage, migration.StepVerify,
	}, res.Completed)
	assert.Equal(t, int64(10), res.RowCounts["auth.users"])
	assert.Equal(t, int64(3), res.RowCounts["storage.buckets"])

	target := engine.targets["db_alpha_ab12"]
	assert.Len(t, target["auth.users"], 10)
	assert.Len(t, target["auth.sessions"], 2)
	assert.Len(t, target["storage.buckets"], 3)
	assert.Len(t, target["storage.objects"], 1)

	// Backup layout: manifest plus one dump per table.
	dir := store.Path(res.BackupID)
	require.FileExists(t, filepath.Join(dir, "manifest.json"))
	require.FileExists(t, filepath.Join(dir, "auth_users.json"))
	require.FileExists(t, filepath.Join(dir, "storage_buckets.json"))

	meta, err := store.ReadManifest(res.BackupID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", meta.ProjectRef)
	assert.Equal(t, int64(10), meta.RowCounts["auth.users"])
}

func TestRunIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	seedSource(engine, "alpha", "auth.users", 4)
	seedSource(engine, "alpha", "storage.buckets", 2)

	clk := testclock.NewClock(time.Now())
	svc, _ := newService(t, engine, clk)
	ctx := context.Background()

	_, err := svc.Run(ctx, "alpha", "db_alpha_ab12")
	require.NoError(t, err)
	_, err = svc.Run(ctx, "alpha", "db_alpha_ab12")
	require.NoError(t, err)

	assert.Len(t, engine.targets["db_alpha_ab12"]["auth.users"], 4)
	assert.Len(t, engine.targets["db_alpha_ab12"]["storage.buckets"], 2)
}

func TestRunRestoresOnStepFailure(t *testing.T) {
	engine := newFakeEngine()
	seedSource(engine, "alpha", "auth.users", 5)
	seedSource(engine, "alpha", "storage.buckets", 3)
	// The backup step reads this table once; the second read is the
	// storage migration, which is the one that should fail.
	engine.failQueryContaining = "FROM storage.buckets WHERE"
	engine.failQuerySkip = 1

	clk := testclock.NewClock(time.Now())
	svc, _ := newService(t, engine, clk)

	res, err := svc.Run(context.Background(), "alpha", "db_alpha_ab12")
	require.Error(t, err)

	var merr *migration.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, migration.StepMigrateStorage, merr.Step)
	assert.Equal(t, res.BackupID, merr.BackupID)
	assert.NotEmpty(t, merr.BackupID, "failures after backup must name the backup")
	assert.True(t, merr.Restored)

	// Restore reinstated the backed-up rows.
	assert.Len(t, engine.targets["db_alpha_ab12"]["auth.users"], 5)
}

func TestRunFailsVerifyOnCountMismatch(t *testing.T) {
	engine := newFakeEngine()
	seedSource(engine, "alpha", "auth.users", 5)
	engine.countDelta = map[string]int64{"auth.users": -1}

	clk := testclock.NewClock(time.Now())
	svc, _ := newService(t, engine, clk)

	_, err := svc.Run(context.Background(), "alpha", "db_alpha_ab12")
	require.Error(t, err)

	var merr *migration.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, migration.StepVerify, merr.Step)
	assert.Contains(t, err.Error(), merr.BackupID)
}

func TestRunBackupFailureHasNoBackupID(t *testing.T) {
	engine := newFakeEngine()
	engine.failQueryContaining = "FROM auth.users WHERE"

	clk := testclock.NewClock(time.Now())
	svc, _ := newService(t, engine, clk)

	_, err := svc.Run(context.Background(), "alpha", "db_alpha_ab12")
	require.Error(t, err)

	var merr *migration.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, migration.StepBackup, merr.Step)
	assert.Empty(t, merr.BackupID)
}

func TestRestoreRollsBackOnInsertFailure(t *testing.T) {
	engine := newFakeEngine()
	seedSource(engine, "alpha", "auth.users", 3)

	clk := testclock.NewClock(time.Now())
	svc, _ := newService(t, engine, clk)
	ctx := context.Background()

	res, err := svc.Run(ctx, "alpha", "db_alpha_ab12")
	require.NoError(t, err)

	// Corrupt the target, then make every reinsert fail: the truncate
	// must roll back with the inserts.
	engine.target("db_alpha_ab12")["auth.users"] = engine.target("db_alpha_ab12")["auth.users"][:1]
	engine.failTxInsert = true

	err = svc.RestoreFromBackup(ctx, res.BackupID, "db_alpha_ab12")
	require.Error(t, err)
	assert.Len(t, engine.targets["db_alpha_ab12"]["auth.users"], 1,
		"failed restore must not apply its truncate")

	engine.failTxInsert = false
	require.NoError(t, svc.RestoreFromBackup(ctx, res.BackupID, "db_alpha_ab12"))
	assert.Len(t, engine.targets["db_alpha_ab12"]["auth.users"], 3)
}

func TestCleanupExpired(t *testing.T) {
	engine := newFakeEngine()
	seedSource(engine, "alpha", "auth.users", 1)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	svc, store := newService(t, engine, clk)
	ctx := context.Background()

	old, err := svc.Run(ctx, "alpha", "db_alpha_ab12")
	require.NoError(t, err)

	clk.Advance(migration.DefaultRetention + time.Hour)
	fresh, err := svc.Run(ctx, "alpha", "db_alpha_ab12")
	require.NoError(t, err)

	removed, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{old.BackupID}, removed)

	_, err = store.ReadManifest(old.BackupID)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = store.ReadManifest(fresh.BackupID)
	assert.NoError(t, err)
}

func TestBackupStoreRoundTrip(t *testing.T) {
	store, err := migration.NewBackupStore(t.TempDir())
	require.NoError(t, err)

	meta := &migration.BackupMetadata{
		BackupID:     "alpha_20260110T120000_abcd1234",
		ProjectRef:   "alpha",
		DatabaseName: "db_alpha_ab12",
		Timestamp:    time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		Tables:       []string{"auth.users"},
		RowCounts:    map[string]int64{"auth.users": 2},
	}
	rows := map[string][]map[string]any{
		"auth.users": {
			{"id": "u1", "project_ref": "alpha", "age": int64(41)},
			{"id": "u2", "project_ref": "alpha", "score": 1.5},
		},
	}
	require.NoError(t, store.Write(meta, rows))

	got, err := store.ReadTable(meta.BackupID, "auth.users")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(41), got[0]["age"], "integers survive the JSON round trip")
	assert.Equal(t, 1.5, got[1]["score"])

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].ProjectRef)
}
