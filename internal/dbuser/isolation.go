package dbuser

import (
	"context"
	"fmt"
	"strings"
)

// Severity ranks isolation violations.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// ViolationKind classifies isolation violations.
type ViolationKind string

const (
	// ViolationCrossProjectAccess: a project role can reach a database
	// that is not its own.
	ViolationCrossProjectAccess ViolationKind = "CROSS_PROJECT_ACCESS"
	// ViolationMissingIsolation: a project role cannot reach even its own
	// database, so its tenant is broken rather than isolated.
	ViolationMissingIsolation ViolationKind = "MISSING_ISOLATION"
	// ViolationExcessivePrivileges: a project role holds cluster-wide
	// bits (superuser, createrole, createdb).
	ViolationExcessivePrivileges ViolationKind = "EXCESSIVE_PRIVILEGES"
)

// Fleet-wide isolation statuses.
const (
	StatusSecure      = "SECURE"
	StatusAtRisk      = "AT_RISK"
	StatusCompromised = "COMPROMISED"
)

// Violation is one isolation finding.
type Violation struct {
	Kind     ViolationKind
	Severity Severity
	Username string
	Database string
	Detail   string
}

// AccessCheck is the result of probing one user against one database.
type AccessCheck struct {
	CanAccess   bool
	Permissions []string
	Error       string // non-empty when access is held where it must not be
}

// Report summarizes a fleet-wide isolation sweep.
type Report struct {
	Status           string
	Violations       []Violation
	UsersChecked     int
	DatabasesChecked int
}

// systemDatabases are never counted as tenant databases.
var systemDatabases = map[string]struct{}{
	"postgres": {},
	"dbhive":   {},
}

// IsProjectUser reports whether a role name follows the project-scoped
// naming conventions (current user_<project>_<suffix> or legacy
// proj_<project>).
func IsProjectUser(name string) bool {
	return strings.HasPrefix(name, "user_") || strings.HasPrefix(name, "proj_")
}

// VerifyCrossProjectAccessDenial probes whether the user holds any
// database-level privilege on a database it must not access. The check
// reads privilege bits directly from the engine rather than trusting
// platform metadata.
func (m *Manager) VerifyCrossProjectAccessDenial(ctx context.Context, username, database string) (*AccessCheck, error) {
	held, err := m.databasePrivileges(ctx, username, database)
	if err != nil {
		return nil, err
	}

	check := &AccessCheck{
		CanAccess:   len(held) > 0,
		Permissions: held,
	}
	if check.CanAccess {
		check.Error = fmt.Sprintf("user %q holds %s on database %q which belongs to another project",
			username, strings.Join(held, ", "), database)
	}
	return check, nil
}

// VerifyUserPermissions audits one user against its assigned database:
// missing access to its own database, reach into any other non-system
// database, and cluster-wide privilege bits.
func (m *Manager) VerifyUserPermissions(ctx context.Context, username, assignedDatabase string) ([]Violation, error) {
	perms, err := m.GetPermissions(ctx, username)
	if err != nil {
		return nil, err
	}

	var violations []Violation

	ownAccess := false
	for _, access := range perms.Databases {
		if access.Database == assignedDatabase {
			ownAccess = true
			continue
		}
		if _, system := systemDatabases[access.Database]; system {
			continue
		}
		violations = append(violations, Violation{
			Kind:     ViolationCrossProjectAccess,
			Severity: SeverityHigh,
			Username: username,
			Database: access.Database,
			Detail: fmt.Sprintf("holds %s outside its assigned database",
				strings.Join(access.Privileges, ", ")),
		})
	}
	if !ownAccess {
		violations = append(violations, Violation{
			Kind:     ViolationMissingIsolation,
			Severity: SeverityCritical,
			Username: username,
			Database: assignedDatabase,
			Detail:   "no access to its own database",
		})
	}

	violations = append(violations, privilegeBitViolations(perms)...)
	return violations, nil
}

// RunIsolationVerification sweeps every project-prefixed role against
// every non-system database. assigned maps a role name to the database
// project metadata says it owns; roles with a mapping are audited against
// it, roles without one are flagged on every database they can reach
// beyond a single candidate. The fleet is SECURE only with zero findings;
// any CRITICAL or HIGH finding marks it COMPROMISED.
func (m *Manager) RunIsolationVerification(ctx context.Context, assigned map[string]string) (*Report, error) {
	users, err := m.projectUsers(ctx)
	if err != nil {
		return nil, err
	}
	databases, err := m.tenantDatabases(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Status:           StatusSecure,
		UsersChecked:     len(users),
		DatabasesChecked: len(databases),
	}

	for _, user := range users {
		if own, ok := assigned[user]; ok {
			violations, err := m.VerifyUserPermissions(ctx, user, own)
			if err != nil {
				return nil, err
			}
			report.Violations = append(report.Violations, violations...)
			continue
		}

		perms, err := m.GetPermissions(ctx, user)
		if err != nil {
			return nil, err
		}

		var reachable []string
		for _, access := range perms.Databases {
			if _, system := systemDatabases[access.Database]; system {
				continue
			}
			reachable = append(reachable, access.Database)
		}

		switch {
		case len(reachable) == 0:
			report.Violations = append(report.Violations, Violation{
				Kind:     ViolationMissingIsolation,
				Severity: SeverityCritical,
				Username: user,
				Detail:   "no access to any tenant database",
			})
		case len(reachable) > 1:
			// Without metadata none of these can be confirmed as the
			// role's own database, so every one is a finding.
			for _, db := range reachable {
				report.Violations = append(report.Violations, Violation{
					Kind:     ViolationCrossProjectAccess,
					Severity: SeverityHigh,
					Username: user,
					Database: db,
					Detail:   fmt.Sprintf("role without metadata reaches: %s", strings.Join(reachable, ", ")),
				})
			}
		}

		report.Violations = append(report.Violations, privilegeBitViolations(perms)...)
	}

	for _, v := range report.Violations {
		if v.Severity == SeverityCritical || v.Severity == SeverityHigh {
			report.Status = StatusCompromised
			break
		}
		report.Status = StatusAtRisk
	}
	return report, nil
}

func privilegeBitViolations(perms *Permissions) []Violation {
	var violations []Violation
	if perms.IsSuperuser {
		violations = append(violations, Violation{
			Kind:     ViolationExcessivePrivileges,
			Severity: SeverityCritical,
			Username: perms.Username,
			Detail:   "role is a superuser",
		})
	}
	if perms.CanCreateRole {
		violations = append(violations, Violation{
			Kind:     ViolationExcessivePrivileges,
			Severity: SeverityHigh,
			Username: perms.Username,
			Detail:   "role holds CREATEROLE",
		})
	}
	if perms.CanCreateDB {
		violations = append(violations, Violation{
			Kind:     ViolationExcessivePrivileges,
			Severity: SeverityMedium,
			Username: perms.Username,
			Detail:   "role holds CREATEDB",
		})
	}
	return violations
}

func (m *Manager) databasePrivileges(ctx context.Context, username, database string) ([]string, error) {
	res, err := m.exec.Execute(ctx, `
		SELECT has_database_privilege($1, $2, 'CONNECT')   AS can_connect,
		       has_database_privilege($1, $2, 'CREATE')    AS can_create,
		       has_database_privilege($1, $2, 'TEMPORARY') AS can_temp`,
		[]any{username, database}, nil)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}

	var held []string
	if b, _ := res.Rows[0]["can_connect"].(bool); b {
		held = append(held, "CONNECT")
	}
	if b, _ := res.Rows[0]["can_create"].(bool); b {
		held = append(held, "CREATE")
	}
	if b, _ := res.Rows[0]["can_temp"].(bool); b {
		held = append(held, "TEMPORARY")
	}
	return held, nil
}

func (m *Manager) projectUsers(ctx context.Context) ([]string, error) {
	res, err := m.exec.Execute(ctx, `
		SELECT rolname FROM pg_roles
		WHERE rolname LIKE 'user\_%' OR rolname LIKE 'proj\_%'
		ORDER BY rolname`, nil, nil)
	if err != nil {
		return nil, classify(err)
	}
	users := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		users = append(users, str(row["rolname"]))
	}
	return users, nil
}

func (m *Manager) tenantDatabases(ctx context.Context) ([]string, error) {
	res, err := m.exec.Execute(ctx, `
		SELECT datname FROM pg_database
		WHERE NOT datistemplate
		ORDER BY datname`, nil, nil)
	if err != nil {
		return nil, classify(err)
	}
	var dbs []string
	for _, row := range res.Rows {
		name := str(row["datname"])
		if _, system := systemDatabases[name]; system {
			continue
		}
		dbs = append(dbs, name)
	}
	return dbs, nil
}
