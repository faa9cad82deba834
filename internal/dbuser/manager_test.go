package dbuser_test

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbhive/dbhive/internal/dbuser"
	"github.com/dbhive/dbhive/internal/sqlexec"
)

// fakeEngine simulates the catalog surface the manager touches: roles
// with attribute bits, databases, and per-database privilege grants.
type fakeEngine struct {
	queries []string

	roles     map[string]roleBits
	databases []string
	grants    map[string]map[string][]string // user -> database -> privileges
}

type roleBits struct {
	super, createRole, createDB bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		roles:  make(map[string]roleBits),
		grants: make(map[string]map[string][]string),
	}
}

func (f *fakeEngine) grant(user, db string, privs ...string) {
	if f.grants[user] == nil {
		f.grants[user] = make(map[string][]string)
	}
	f.grants[user][db] = privs
}

func (f *fakeEngine) has(user, db, priv string) bool {
	for _, p := range f.grants[user][db] {
		if p == priv {
			return true
		}
	}
	return false
}

func (f *fakeEngine) Execute(_ context.Context, query string, args []any, _ *sqlexec.Options) (*sqlexec.Result, error) {
	f.queries = append(f.queries, query)

	switch {
	case strings.Contains(query, "FROM pg_roles WHERE rolname = $1") && strings.Contains(query, "EXISTS"):
		name, _ := args[0].(string)
		_, ok := f.roles[name]
		return &sqlexec.Result{Rows: []map[string]any{{"present": ok}}}, nil

	case strings.Contains(query, "FROM pg_database WHERE datname = $1"):
		name, _ := args[0].(string)
		for _, db := range f.databases {
			if db == name {
				return &sqlexec.Result{Rows: []map[string]any{{"present": true}}}, nil
			}
		}
		return &sqlexec.Result{Rows: []map[string]any{{"present": false}}}, nil

	case strings.Contains(query, "rolcreatedb, rolcreaterole, rolsuper"):
		name, _ := args[0].(string)
		bits, ok := f.roles[name]
		if !ok {
			return &sqlexec.Result{}, nil
		}
		return &sqlexec.Result{Rows: []map[string]any{{
			"rolcreatedb":   bits.createDB,
			"rolcreaterole": bits.createRole,
			"rolsuper":      bits.super,
		}}}, nil

	case strings.Contains(query, "has_database_privilege($1, $2"):
		user, _ := args[0].(string)
		db, _ := args[1].(string)
		return &sqlexec.Result{Rows: []map[string]any{{
			"can_connect": f.has(user, db, "CONNECT"),
			"can_create":  f.has(user, db, "CREATE"),
			"can_temp":    f.has(user, db, "TEMPORARY"),
		}}}, nil

	case strings.Contains(query, "has_database_privilege($1, d.datname"):
		user, _ := args[0].(string)
		rows := []map[string]any{}
		for _, db := range f.databases {
			rows = append(rows, map[string]any{
				"datname":     db,
				"can_connect": f.has(user, db, "CONNECT"),
				"can_create":  f.has(user, db, "CREATE"),
				"can_temp":    f.has(user, db, "TEMPORARY"),
			})
		}
		return &sqlexec.Result{Rows: rows}, nil

	case strings.Contains(query, "rolname LIKE"):
		var names []string
		for name := range f.roles {
			if dbuser.IsProjectUser(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		rows := make([]map[string]any, 0, len(names))
		for _, n := range names {
			rows = append(rows, map[string]any{"rolname": n})
		}
		return &sqlexec.Result{Rows: rows}, nil

	case strings.Contains(query, "SELECT datname FROM pg_database"):
		rows := make([]map[string]any, 0, len(f.databases))
		for _, db := range f.databases {
			rows = append(rows, map[string]any{"datname": db})
		}
		return &sqlexec.Result{Rows: rows}, nil

	case strings.HasPrefix(query, "CREATE ROLE"),
		strings.HasPrefix(query, "DROP ROLE"),
		strings.HasPrefix(query, "GRANT"),
		strings.HasPrefix(query, "REVOKE"),
		strings.Contains(query, "pg_terminate_backend"):
		return &sqlexec.Result{}, nil
	}
	return &sqlexec.Result{}, nil
}

func (f *fakeEngine) saw(prefix string) bool {
	for _, q := range f.queries {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func TestCreate_ValidationBeforeIO(t *testing.T) {
	engine := newFakeEngine()
	m := dbuser.NewManager(engine)
	ctx := context.Background()

	err := m.Create(ctx, "Bad User", "longenoughpassword", "db_a", "a")
	assert.Equal(t, dbuser.CodeInvalidUsername, dbuser.CodeOf(err))
	assert.Empty(t, engine.queries)

	err = m.Create(ctx, "user_a_ab12", "short", "db_a", "a")
	assert.Equal(t, dbuser.CodeInvalidPassword, dbuser.CodeOf(err))
	assert.Empty(t, engine.queries)
}

func TestCreate_DatabaseMustExist(t *testing.T) {
	engine := newFakeEngine()
	m := dbuser.NewManager(engine)

	err := m.Create(context.Background(), "user_a_ab12", "longenoughpassword", "db_missing", "a")
	assert.Equal(t, dbuser.CodeDatabaseNotFound, dbuser.CodeOf(err))
	assert.False(t, engine.saw("CREATE ROLE"))
}

func TestCreate_Success(t *testing.T) {
	engine := newFakeEngine()
	engine.databases = []string{"db_a"}
	m := dbuser.NewManager(engine)

	err := m.Create(context.Background(), "user_a_ab12", "longenoughpassword", "db_a", "a")
	require.NoError(t, err)
	assert.True(t, engine.saw(`CREATE ROLE "user_a_ab12" LOGIN PASSWORD`))
	assert.True(t, engine.saw(`REVOKE CONNECT, TEMPORARY ON DATABASE "db_a" FROM PUBLIC`))
	assert.True(t, engine.saw(`GRANT ALL PRIVILEGES ON DATABASE "db_a" TO "user_a_ab12"`))
}

func TestCreate_DuplicateRole(t *testing.T) {
	engine := newFakeEngine()
	engine.databases = []string{"db_a"}
	engine.roles["user_a_ab12"] = roleBits{}
	m := dbuser.NewManager(engine)

	err := m.Create(context.Background(), "user_a_ab12", "longenoughpassword", "db_a", "a")
	assert.Equal(t, dbuser.CodeUserAlreadyExists, dbuser.CodeOf(err))
}

func TestDelete_IdempotentWhenAbsent(t *testing.T) {
	engine := newFakeEngine()
	m := dbuser.NewManager(engine)

	require.NoError(t, m.Delete(context.Background(), "user_gone_ab12"))
	assert.False(t, engine.saw("DROP ROLE"))
}

func TestDelete_TerminatesSessionsFirst(t *testing.T) {
	engine := newFakeEngine()
	engine.roles["user_a_ab12"] = roleBits{}
	m := dbuser.NewManager(engine)

	require.NoError(t, m.Delete(context.Background(), "user_a_ab12"))

	var termIdx, dropIdx int
	for i, q := range engine.queries {
		if strings.Contains(q, "pg_terminate_backend") {
			termIdx = i
		}
		if strings.HasPrefix(q, "DROP ROLE") {
			dropIdx = i
		}
	}
	assert.Less(t, termIdx, dropIdx)
}

func TestVerifyCrossProjectAccessDenial(t *testing.T) {
	engine := newFakeEngine()
	engine.databases = []string{"db_a", "db_b"}
	engine.roles["proj_a"] = roleBits{}
	engine.grant("proj_a", "db_a", "CONNECT")
	m := dbuser.NewManager(engine)
	ctx := context.Background()

	check, err := m.VerifyCrossProjectAccessDenial(ctx, "proj_a", "db_b")
	require.NoError(t, err)
	assert.False(t, check.CanAccess)
	assert.Empty(t, check.Permissions)
	assert.Empty(t, check.Error)

	engine.grant("proj_a", "db_b", "CONNECT")
	check, err = m.VerifyCrossProjectAccessDenial(ctx, "proj_a", "db_b")
	require.NoError(t, err)
	assert.True(t, check.CanAccess)
	assert.Equal(t, []string{"CONNECT"}, check.Permissions)
	assert.NotEmpty(t, check.Error)
}

func TestVerifyUserPermissions(t *testing.T) {
	engine := newFakeEngine()
	engine.databases = []string{"db_a", "db_b"}
	engine.roles["user_a_ab12"] = roleBits{createDB: true}
	engine.grant("user_a_ab12", "db_b", "CONNECT")
	m := dbuser.NewManager(engine)

	violations, err := m.VerifyUserPermissions(context.Background(), "user_a_ab12", "db_a")
	require.NoError(t, err)

	kinds := map[dbuser.ViolationKind]dbuser.Severity{}
	for _, v := range violations {
		kinds[v.Kind] = v.Severity
	}
	assert.Equal(t, dbuser.SeverityCritical, kinds[dbuser.ViolationMissingIsolation])
	assert.Equal(t, dbuser.SeverityHigh, kinds[dbuser.ViolationCrossProjectAccess])
	assert.Equal(t, dbuser.SeverityMedium, kinds[dbuser.ViolationExcessivePrivileges])
}

func TestRunIsolationVerification_Secure(t *testing.T) {
	engine := newFakeEngine()
	engine.databases = []string{"db_a", "db_b", "postgres"}
	engine.roles["user_a_ab12"] = roleBits{}
	engine.roles["user_b_cd34"] = roleBits{}
	engine.grant("user_a_ab12", "db_a", "CONNECT", "CREATE", "TEMPORARY")
	engine.grant("user_b_cd34", "db_b", "CONNECT", "CREATE", "TEMPORARY")
	m := dbuser.NewManager(engine)

	assigned := map[string]string{"user_a_ab12": "db_a", "user_b_cd34": "db_b"}
	report, err := m.RunIsolationVerification(context.Background(), assigned)
	require.NoError(t, err)
	assert.Equal(t, dbuser.StatusSecure, report.Status)
	assert.Empty(t, report.Violations)
	assert.Equal(t, 2, report.UsersChecked)
	assert.Equal(t, 2, report.DatabasesChecked)
}

func TestRunIsolationVerification_Compromised(t *testing.T) {
	engine := newFakeEngine()
	engine.databases = []string{"db_a", "db_b"}
	engine.roles["user_a_ab12"] = roleBits{}
	engine.grant("user_a_ab12", "db_a", "CONNECT")
	engine.grant("user_a_ab12", "db_b", "CONNECT")
	m := dbuser.NewManager(engine)

	report, err := m.RunIsolationVerification(context.Background(),
		map[string]string{"user_a_ab12": "db_a"})
	require.NoError(t, err)
	assert.Equal(t, dbuser.StatusCompromised, report.Status)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, dbuser.ViolationCrossProjectAccess, report.Violations[0].Kind)
	assert.Equal(t, "db_b", report.Violations[0].Database)
}

func TestRunIsolationVerification_NamesForeignDatabase(t *testing.T) {
	// The tenant's own database sorts after the foreign one; the finding
	// must still name the foreign database.
	engine := newFakeEngine()
	engine.databases = []string{"db_a_zz99", "db_z_aa00"}
	engine.roles["user_z_aa00"] = roleBits{}
	engine.grant("user_z_aa00", "db_z_aa00", "CONNECT", "CREATE", "TEMPORARY")
	engine.grant("user_z_aa00", "db_a_zz99", "CONNECT")
	m := dbuser.NewManager(engine)

	report, err := m.RunIsolationVerification(context.Background(),
		map[string]string{"user_z_aa00": "db_z_aa00"})
	require.NoError(t, err)
	assert.Equal(t, dbuser.StatusCompromised, report.Status)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, dbuser.ViolationCrossProjectAccess, report.Violations[0].Kind)
	assert.Equal(t, "db_a_zz99", report.Violations[0].Database)
}

func TestRunIsolationVerification_RoleWithoutMetadata(t *testing.T) {
	engine := newFakeEngine()
	engine.databases = []string{"db_a", "db_b"}
	engine.roles["proj_orphan"] = roleBits{}
	engine.grant("proj_orphan", "db_a", "CONNECT")
	engine.grant("proj_orphan", "db_b", "CONNECT")
	m := dbuser.NewManager(engine)

	report, err := m.RunIsolationVerification(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, dbuser.StatusCompromised, report.Status)
	require.Len(t, report.Violations, 2)
	names := []string{report.Violations[0].Database, report.Violations[1].Database}
	assert.ElementsMatch(t, []string{"db_a", "db_b"}, names)
}

func TestGeneratePassword(t *testing.T) {
	pw, err := dbuser.GeneratePassword()
	require.NoError(t, err)
	assert.Len(t, pw, dbuser.GeneratedPasswordLength)
	assert.GreaterOrEqual(t, len(pw), dbuser.MinPasswordLength)
}
