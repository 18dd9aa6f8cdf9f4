package rls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type execCall struct {
	sql  string
	args []any
}

// fakeRow satisfies pgx.Row with pre-scripted scan values.
type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("fakeRow: %d dests for %d values", len(dest), len(r.values))
	}
	for i, value := range r.values {
		switch d := dest[i].(type) {
		case *bool:
			*d = value.(bool)
		case *int:
			*d = value.(int)
		case *string:
			*d = value.(string)
		case **uuid.UUID:
			if value == nil {
				*d = nil
			} else {
				id := value.(uuid.UUID)
				*d = &id
			}
		default:
			return fmt.Errorf("fakeRow: unsupported dest %T", dest[i])
		}
	}
	return nil
}

// stringRows satisfies pgx.Rows for single-text-column results.
type stringRows struct {
	values []string
	pos    int
	err    error
}

func (r *stringRows) Close()                                       {}
func (r *stringRows) Err() error                                   { return r.err }
func (r *stringRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stringRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stringRows) Next() bool {
	r.pos++
	return r.pos <= len(r.values)
}
func (r *stringRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.values[r.pos-1]
	return nil
}
func (r *stringRows) Values() ([]any, error)  { return nil, errors.New("not implemented") }
func (r *stringRows) RawValues() [][]byte     { return nil }
func (r *stringRows) Conn() *pgx.Conn         { return nil }

type scriptedRow struct {
	match string
	row   *fakeRow
}

// fakeSession satisfies Session. QueryRow answers with the first scripted row
// whose match substring appears in the SQL.
type fakeSession struct {
	execs      []execCall
	execErr    error
	execFailAt int // 1-based Exec call index that fails; 0 never fails
	rows       []scriptedRow
	listRows   *stringRows
	queries    []string
}

func (s *fakeSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, execCall{sql: sql, args: args})
	if s.execErr != nil {
		return pgconn.CommandTag{}, s.execErr
	}
	if s.execFailAt > 0 && len(s.execs) == s.execFailAt {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}
	return pgconn.CommandTag{}, nil
}

func (s *fakeSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.queries = append(s.queries, sql)
	if s.listRows == nil {
		return nil, errors.New("no scripted rows")
	}
	return s.listRows, nil
}

func (s *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.queries = append(s.queries, sql)
	for _, scripted := range s.rows {
		if strings.Contains(sql, scripted.match) {
			return scripted.row
		}
	}
	return &fakeRow{err: fmt.Errorf("no scripted row for %q", sql)}
}

func TestSetUserContextWritesBothVariables(t *testing.T) {
	session := &fakeSession{}
	mgr := NewManager(session, zap.NewNop())

	userID := uuid.New()
	tenantID := uuid.New()
	require.NoError(t, mgr.SetUserContext(context.Background(), userID, &tenantID))

	require.Len(t, session.execs, 1)
	require.Contains(t, session.execs[0].sql, "app.current_user_id")
	require.Contains(t, session.execs[0].sql, "app.current_tenant_id")
	require.Equal(t, []any{userID.String(), tenantID.String()}, session.execs[0].args)

	current := mgr.Current()
	require.True(t, current.IsActive)
	require.Equal(t, userID, current.UserID)
	require.Equal(t, tenantID, current.TenantID)
}

func TestSetUserContextWithoutTenant(t *testing.T) {
	session := &fakeSession{}
	mgr := NewManager(session, zap.NewNop())

	userID := uuid.New()
	require.NoError(t, mgr.SetUserContext(context.Background(), userID, nil))
	require.Equal(t, []any{userID.String(), ""}, session.execs[0].args)
	require.Equal(t, uuid.Nil, mgr.Current().TenantID)
}

func TestSetUserContextFailureDeactivates(t *testing.T) {
	session := &fakeSession{execErr: errors.New("connection reset")}
	mgr := NewManager(session, zap.NewNop())
	mgr.current = Context{UserID: uuid.New(), IsActive: true}

	err := mgr.SetUserContext(context.Background(), uuid.New(), nil)
	require.Error(t, err)
	require.False(t, mgr.Current().IsActive)
}

func TestSetUserContextRequiresUser(t *testing.T) {
	mgr := NewManager(&fakeSession{}, zap.NewNop())
	require.Error(t, mgr.SetUserContext(context.Background(), uuid.Nil, nil))
}

func TestClearContextResetsVariablesAndState(t *testing.T) {
	session := &fakeSession{}
	mgr := NewManager(session, zap.NewNop())
	require.NoError(t, mgr.SetUserContext(context.Background(), uuid.New(), nil))

	require.NoError(t, mgr.ClearContext(context.Background()))
	require.False(t, mgr.Current().IsActive)
	require.Contains(t, session.execs[1].sql, "''")
}

func TestValidateSecurityContextTreatsNullUserAsInvalid(t *testing.T) {
	session := &fakeSession{rows: []scriptedRow{
		{match: "get_current_user_id", row: &fakeRow{values: []any{nil, nil, false, false}}},
	}}
	mgr := NewManager(session, zap.NewNop())
	// The in-memory mirror claims an identity; the server does not.
	mgr.current = Context{UserID: uuid.New(), IsActive: true}

	sc, err := mgr.ValidateSecurityContext(context.Background())
	require.NoError(t, err)
	require.False(t, sc.Valid)
	require.Nil(t, sc.UserID)
}

func TestValidateSecurityContextReportsCapabilities(t *testing.T) {
	userID := uuid.New()
	tenantID := uuid.New()
	session := &fakeSession{rows: []scriptedRow{
		{match: "get_current_user_id", row: &fakeRow{values: []any{userID, tenantID, true, true}}},
	}}

	sc, err := NewManager(session, zap.NewNop()).ValidateSecurityContext(context.Background())
	require.NoError(t, err)
	require.True(t, sc.Valid)
	require.Equal(t, userID, *sc.UserID)
	require.Equal(t, tenantID, *sc.TenantID)
	require.True(t, sc.IsSuperAdmin)
	require.True(t, sc.HasSystemAccess)
}

func TestValidateTenantAccessDeniedIsNotAnError(t *testing.T) {
	session := &fakeSession{rows: []scriptedRow{
		{match: "validate_tenant_access", row: &fakeRow{values: []any{false}}},
	}}

	allowed, err := NewManager(session, zap.NewNop()).ValidateTenantAccess(context.Background(), uuid.New())
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestSwitchTenantContextAuthorized(t *testing.T) {
	session := &fakeSession{rows: []scriptedRow{
		{match: "safe_switch_tenant_context", row: &fakeRow{values: []any{true}}},
	}}
	mgr := NewManager(session, zap.NewNop())
	previous := uuid.New()
	mgr.current = Context{UserID: uuid.New(), TenantID: previous, IsActive: true}

	target := uuid.New()
	result, err := mgr.SwitchTenantContext(context.Background(), target)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, previous, result.PreviousTenantID)
	require.Equal(t, target, result.NewTenantID)
	require.Equal(t, target, mgr.Current().TenantID)
}

func TestSwitchTenantContextDeniedLeavesStateUnchanged(t *testing.T) {
	session := &fakeSession{rows: []scriptedRow{
		{match: "safe_switch_tenant_context", row: &fakeRow{values: []any{false}}},
	}}
	mgr := NewManager(session, zap.NewNop())
	previous := uuid.New()
	mgr.current = Context{UserID: uuid.New(), TenantID: previous, IsActive: true}

	result, err := mgr.SwitchTenantContext(context.Background(), uuid.New())
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Message, "denied")
	require.Equal(t, previous, mgr.Current().TenantID)
}

func TestSwitchTenantContextTransportErrorLeavesStateUnchanged(t *testing.T) {
	session := &fakeSession{rows: []scriptedRow{
		{match: "safe_switch_tenant_context", row: &fakeRow{err: errors.New("connection reset")}},
	}}
	mgr := NewManager(session, zap.NewNop())
	previous := uuid.New()
	mgr.current = Context{UserID: uuid.New(), TenantID: previous, IsActive: true}

	result, err := mgr.SwitchTenantContext(context.Background(), uuid.New())
	require.Error(t, err)
	require.False(t, result.Success)
	require.Equal(t, previous, mgr.Current().TenantID)
}

func isolationSession(own, other int, super bool) *fakeSession {
	return &fakeSession{rows: []scriptedRow{
		{match: "tenant_id = get_current_tenant_id", row: &fakeRow{values: []any{own}}},
		{match: "tenant_id <> get_current_tenant_id", row: &fakeRow{values: []any{other}}},
		{match: "is_super_admin", row: &fakeRow{values: []any{super}}},
		{match: "FROM permissions", row: &fakeRow{values: []any{7}}},
	}}
}

func TestTenantIsolationWorking(t *testing.T) {
	report, err := NewManager(isolationSession(3, 0, false), zap.NewNop()).TestTenantIsolation(context.Background())
	require.NoError(t, err)
	require.True(t, report.OwnTenantAccess)
	require.False(t, report.OtherTenantAccess)
	require.True(t, report.SystemDataAccess)
	require.True(t, report.IsolationWorking)
}

func TestTenantIsolationLeakDetected(t *testing.T) {
	report, err := NewManager(isolationSession(3, 2, false), zap.NewNop()).TestTenantIsolation(context.Background())
	require.NoError(t, err)
	require.True(t, report.OtherTenantAccess)
	require.False(t, report.IsolationWorking)
}

func TestTenantIsolationSuperAdminSeesEverything(t *testing.T) {
	report, err := NewManager(isolationSession(3, 12, true), zap.NewNop()).TestTenantIsolation(context.Background())
	require.NoError(t, err)
	require.True(t, report.OtherTenantAccess)
	require.True(t, report.IsSuperAdmin)
	require.True(t, report.IsolationWorking)
}

func TestExecuteWithContextRestoresPreviousIdentity(t *testing.T) {
	session := &fakeSession{}
	mgr := NewManager(session, zap.NewNop())

	ambientUser := uuid.New()
	ambientTenant := uuid.New()
	require.NoError(t, mgr.SetUserContext(context.Background(), ambientUser, &ambientTenant))

	scopedUser := uuid.New()
	scopedTenant := uuid.New()
	var observed Context
	err := mgr.ExecuteWithContext(context.Background(), scopedUser, scopedTenant, func(ctx context.Context) error {
		observed = mgr.Current()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, scopedUser, observed.UserID)
	require.Equal(t, scopedTenant, observed.TenantID)

	current := mgr.Current()
	require.Equal(t, ambientUser, current.UserID)
	require.Equal(t, ambientTenant, current.TenantID)
	require.True(t, current.IsActive)
}

func TestExecuteWithContextRestoresWhenScopedSetFails(t *testing.T) {
	session := &fakeSession{execFailAt: 2}
	mgr := NewManager(session, zap.NewNop())

	ambientUser := uuid.New()
	ambientTenant := uuid.New()
	require.NoError(t, mgr.SetUserContext(context.Background(), ambientUser, &ambientTenant))

	err := mgr.ExecuteWithContext(context.Background(), uuid.New(), uuid.New(), func(ctx context.Context) error {
		t.Fatal("operation must not run without a scoped identity")
		return nil
	})
	require.Error(t, err)

	// The ambient identity survives: the failed write changed nothing
	// server-side and the mirror is re-established before returning.
	current := mgr.Current()
	require.True(t, current.IsActive)
	require.Equal(t, ambientUser, current.UserID)
	require.Equal(t, ambientTenant, current.TenantID)

	last := session.execs[len(session.execs)-1]
	require.Equal(t, []any{ambientUser.String(), ambientTenant.String()}, last.args)
}

func TestExecuteWithContextRestoresAfterOperationError(t *testing.T) {
	mgr := NewManager(&fakeSession{}, zap.NewNop())

	ambientUser := uuid.New()
	require.NoError(t, mgr.SetUserContext(context.Background(), ambientUser, nil))

	opErr := errors.New("operation failed")
	err := mgr.ExecuteWithContext(context.Background(), uuid.New(), uuid.New(), func(ctx context.Context) error {
		return opErr
	})
	require.ErrorIs(t, err, opErr)
	require.Equal(t, ambientUser, mgr.Current().UserID)
}

func TestExecuteWithContextClearsWhenNoPriorIdentity(t *testing.T) {
	session := &fakeSession{}
	mgr := NewManager(session, zap.NewNop())

	err := mgr.ExecuteWithContext(context.Background(), uuid.New(), uuid.New(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	require.False(t, mgr.Current().IsActive)

	// Last statement issued must be the clearing write.
	last := session.execs[len(session.execs)-1]
	require.Contains(t, last.sql, "''")
}

func TestExecuteWithContextRestoresAfterPanic(t *testing.T) {
	mgr := NewManager(&fakeSession{}, zap.NewNop())

	ambientUser := uuid.New()
	require.NoError(t, mgr.SetUserContext(context.Background(), ambientUser, nil))

	require.Panics(t, func() {
		_ = mgr.ExecuteWithContext(context.Background(), uuid.New(), uuid.New(), func(ctx context.Context) error {
			panic("operation exploded")
		})
	})
	require.Equal(t, ambientUser, mgr.Current().UserID)
	require.True(t, mgr.Current().IsActive)
}

func TestCheckUserPermissionWithoutContext(t *testing.T) {
	session := &fakeSession{}
	mgr := NewManager(session, zap.NewNop())

	require.False(t, mgr.CheckUserPermission(context.Background(), "tenants.manage", nil))
	require.Empty(t, session.queries) // no round-trip without an identity
}

func TestCheckUserPermissionDelegatesToServer(t *testing.T) {
	session := &fakeSession{rows: []scriptedRow{
		{match: "user_has_permission", row: &fakeRow{values: []any{true}}},
	}}
	mgr := NewManager(session, zap.NewNop())
	require.NoError(t, mgr.SetUserContext(context.Background(), uuid.New(), nil))

	require.True(t, mgr.CheckUserPermission(context.Background(), "tenants.manage", nil))
}

func TestCheckUserPermissionDegradesOnError(t *testing.T) {
	session := &fakeSession{rows: []scriptedRow{
		{match: "user_has_permission", row: &fakeRow{err: errors.New("connection reset")}},
	}}
	mgr := NewManager(session, zap.NewNop())
	require.NoError(t, mgr.SetUserContext(context.Background(), uuid.New(), nil))

	require.False(t, mgr.CheckUserPermission(context.Background(), "tenants.manage", nil))
}

func TestEffectivePermissions(t *testing.T) {
	session := &fakeSession{listRows: &stringRows{values: []string{"events.read", "users.read"}}}
	mgr := NewManager(session, zap.NewNop())
	require.NoError(t, mgr.SetUserContext(context.Background(), uuid.New(), nil))

	perms := mgr.EffectivePermissions(context.Background(), nil)
	require.Equal(t, []string{"events.read", "users.read"}, perms)
}

func TestEffectivePermissionsWithoutContext(t *testing.T) {
	mgr := NewManager(&fakeSession{}, zap.NewNop())
	require.Nil(t, mgr.EffectivePermissions(context.Background(), nil))
}

func TestLogSecurityEventSwallowsFailure(t *testing.T) {
	session := &fakeSession{execErr: errors.New("audit table missing")}
	mgr := NewManager(session, zap.NewNop())

	mgr.LogSecurityEvent(context.Background(), "tenant_switch", "tenants", map[string]any{"target": "t1"})
	require.Len(t, session.execs, 1)
	require.Contains(t, session.execs[0].sql, "log_security_event")
}
