// Package rls manages the per-session identity that row-level security
// policies evaluate. The manager is a thin, trusted conduit: it writes the
// session configuration variables the database's own policies read and
// consults server-side security functions. It never evaluates tenant
// isolation itself.
package rls

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Session is the single database session the manager drives. *pgx.Conn and
// *pgxpool.Conn satisfy it. One manager per session; session variables are
// connection-scoped, so a pooled connection must be held, not borrowed per
// call.
type Session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Context mirrors the identity currently written to the session variables.
// The database remains the source of truth; this is bookkeeping for restore
// and switching.
type Context struct {
	UserID   uuid.UUID
	TenantID uuid.UUID // uuid.Nil when no tenant is bound
	IsActive bool
}

// Manager establishes, validates, switches and clears the session identity.
type Manager struct {
	session Session
	logger  *zap.Logger
	current Context
}

func NewManager(session Session, logger *zap.Logger) *Manager {
	if session == nil {
		panic("Manager requires session")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{session: session, logger: logger}
}

// Current returns the in-memory mirror of the session identity.
func (m *Manager) Current() Context {
	return m.current
}

// SetUserContext writes the acting user and tenant into the session
// configuration. On failure the in-memory context is marked inactive; the
// session never proceeds with partial identity.
func (m *Manager) SetUserContext(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("set user context: user id is required")
	}

	tenantText := ""
	if tenantID != nil && *tenantID != uuid.Nil {
		tenantText = tenantID.String()
	}

	_, err := m.session.Exec(ctx, `
        SELECT set_config('app.current_user_id', $1, FALSE),
               set_config('app.current_tenant_id', $2, FALSE)
    `, userID.String(), tenantText)
	if err != nil {
		m.current = Context{}
		return fmt.Errorf("set user context: %w", err)
	}

	m.current = Context{UserID: userID, IsActive: true}
	if tenantText != "" {
		m.current.TenantID = *tenantID
	}
	return nil
}

// ClearContext resets both session variables and deactivates the in-memory
// context. Call it before reusing a session for a different identity.
func (m *Manager) ClearContext(ctx context.Context) error {
	m.current = Context{}
	_, err := m.session.Exec(ctx, `
        SELECT set_config('app.current_user_id', '', FALSE),
               set_config('app.current_tenant_id', '', FALSE)
    `)
	if err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	return nil
}

// SecurityContext is the server's view of the current session identity.
type SecurityContext struct {
	Valid           bool
	UserID          *uuid.UUID
	TenantID        *uuid.UUID
	IsSuperAdmin    bool
	HasSystemAccess bool
}

// ValidateSecurityContext asks the server-side functions who is acting. A
// NULL user id from the server means no usable context, whatever the
// in-memory mirror claims.
func (m *Manager) ValidateSecurityContext(ctx context.Context) (SecurityContext, error) {
	var sc SecurityContext
	err := m.session.QueryRow(ctx, `
        SELECT get_current_user_id(), get_current_tenant_id(),
               is_super_admin(), has_system_permission('system.manage')
    `).Scan(&sc.UserID, &sc.TenantID, &sc.IsSuperAdmin, &sc.HasSystemAccess)
	if err != nil {
		return SecurityContext{}, fmt.Errorf("validate security context: %w", err)
	}

	sc.Valid = sc.UserID != nil
	return sc, nil
}

// ValidateTenantAccess asks the server whether the current identity may act
// within the given tenant. Denial is a false return, not an error; errors
// are reserved for transport failure.
func (m *Manager) ValidateTenantAccess(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	var allowed bool
	err := m.session.QueryRow(ctx, `SELECT validate_tenant_access($1)`, tenantID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("validate tenant access: %w", err)
	}
	return allowed, nil
}

// SwitchResult reports the outcome of a tenant-context switch.
type SwitchResult struct {
	Success          bool
	PreviousTenantID uuid.UUID
	NewTenantID      uuid.UUID
	Message          string
}

// SwitchTenantContext attempts a server-validated switch to another tenant.
// The switch is atomic from the caller's point of view: on denial or error
// neither the session variable nor the in-memory tenant changes.
func (m *Manager) SwitchTenantContext(ctx context.Context, newTenantID uuid.UUID) (SwitchResult, error) {
	result := SwitchResult{PreviousTenantID: m.current.TenantID, NewTenantID: newTenantID}

	var switched bool
	err := m.session.QueryRow(ctx, `SELECT safe_switch_tenant_context($1)`, newTenantID).Scan(&switched)
	if err != nil {
		result.Message = "tenant switch failed: " + err.Error()
		return result, fmt.Errorf("switch tenant context: %w", err)
	}

	if !switched {
		result.Message = fmt.Sprintf("access to tenant %s denied", newTenantID)
		return result, nil
	}

	m.current.TenantID = newTenantID
	result.Success = true
	result.Message = "tenant context switched"
	return result, nil
}

// IsolationReport is the outcome of the tenant-isolation self-check.
type IsolationReport struct {
	OwnTenantAccess   bool
	OtherTenantAccess bool
	SystemDataAccess  bool
	IsSuperAdmin      bool
	IsolationWorking  bool
	Notes             []string
}

// TestTenantIsolation is a diagnostic self-check, not a production code
// path. It confirms the current identity sees its own tenant's rows, cannot
// see other tenants' rows unless super-admin, and can reach system-wide
// reference data.
func (m *Manager) TestTenantIsolation(ctx context.Context) (IsolationReport, error) {
	report := IsolationReport{}

	var ownRows int
	if err := m.session.QueryRow(ctx, `
        SELECT COUNT(*) FROM tenant_users WHERE tenant_id = get_current_tenant_id()
    `).Scan(&ownRows); err != nil {
		return report, fmt.Errorf("query own tenant rows: %w", err)
	}
	report.OwnTenantAccess = true
	if ownRows == 0 {
		report.Notes = append(report.Notes, "own tenant has no user rows; own-tenant read verified structurally only")
	}

	var otherRows int
	if err := m.session.QueryRow(ctx, `
        SELECT COUNT(*) FROM tenant_users WHERE tenant_id <> get_current_tenant_id()
    `).Scan(&otherRows); err != nil {
		return report, fmt.Errorf("query other tenant rows: %w", err)
	}
	report.OtherTenantAccess = otherRows > 0

	if err := m.session.QueryRow(ctx, `SELECT is_super_admin()`).Scan(&report.IsSuperAdmin); err != nil {
		return report, fmt.Errorf("query super admin state: %w", err)
	}

	var refRows int
	if err := m.session.QueryRow(ctx, `SELECT COUNT(*) FROM permissions`).Scan(&refRows); err != nil {
		report.Notes = append(report.Notes, "system reference data unreadable: "+err.Error())
	} else {
		report.SystemDataAccess = true
	}

	report.IsolationWorking = report.OwnTenantAccess && (!report.OtherTenantAccess || report.IsSuperAdmin)
	return report, nil
}

// ExecuteWithContext runs op under the given identity and restores the prior
// identity on every exit path, including panics. This is the mechanism for a
// single privileged action on a shared session.
func (m *Manager) ExecuteWithContext(ctx context.Context, userID, tenantID uuid.UUID, op func(context.Context) error) (err error) {
	prev := m.current

	restore := func() error {
		if prev.IsActive {
			var prevTenant *uuid.UUID
			if prev.TenantID != uuid.Nil {
				tenant := prev.TenantID
				prevTenant = &tenant
			}
			return m.SetUserContext(ctx, prev.UserID, prevTenant)
		}
		return m.ClearContext(ctx)
	}

	if setErr := m.SetUserContext(ctx, userID, &tenantID); setErr != nil {
		// A failed set_config write changed nothing server-side but wiped
		// the in-memory mirror. Re-establish the prior identity so the
		// session and the mirror stay in agreement.
		if restoreErr := restore(); restoreErr != nil {
			m.logger.Error("failed to restore previous session context", zap.Error(restoreErr))
		}
		return setErr
	}

	defer func() {
		if restoreErr := restore(); restoreErr != nil {
			m.logger.Error("failed to restore previous session context", zap.Error(restoreErr))
			if err == nil {
				err = fmt.Errorf("restore previous context: %w", restoreErr)
			}
		}
	}()

	return op(ctx)
}

// CheckUserPermission delegates to server-side permission evaluation. Missing
// context or lookup failure yields false, never an error, so the check can
// sit in hot paths unconditionally.
func (m *Manager) CheckUserPermission(ctx context.Context, permission string, userID *uuid.UUID) bool {
	uid := m.resolveUser(userID)
	if uid == uuid.Nil {
		return false
	}

	var allowed bool
	if err := m.session.QueryRow(ctx, `SELECT user_has_permission($1, $2)`, uid, permission).Scan(&allowed); err != nil {
		m.logger.Debug("permission check failed",
			zap.String("permission", permission),
			zap.Error(err),
		)
		return false
	}
	return allowed
}

// EffectivePermissions returns the permission names granted to the user.
// Missing context or lookup failure yields an empty list.
func (m *Manager) EffectivePermissions(ctx context.Context, userID *uuid.UUID) []string {
	uid := m.resolveUser(userID)
	if uid == uuid.Nil {
		return nil
	}

	rows, err := m.session.Query(ctx, `SELECT permission_name FROM get_user_permissions($1)`, uid)
	if err != nil {
		m.logger.Debug("permission listing failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var permissions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			m.logger.Debug("permission listing scan failed", zap.Error(err))
			return nil
		}
		permissions = append(permissions, name)
	}
	if err := rows.Err(); err != nil {
		m.logger.Debug("permission listing iteration failed", zap.Error(err))
		return nil
	}
	return permissions
}

// LogSecurityEvent emits a best-effort audit row. Failure is logged and
// swallowed; observability never breaks the primary operation.
func (m *Manager) LogSecurityEvent(ctx context.Context, eventType, tableName string, details map[string]any) {
	payload, err := json.Marshal(details)
	if err != nil {
		m.logger.Warn("security event details not serializable",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		payload = []byte("{}")
	}

	if _, err := m.session.Exec(ctx, `SELECT log_security_event($1, $2, $3)`, eventType, tableName, payload); err != nil {
		m.logger.Warn("security event not recorded",
			zap.String("event_type", eventType),
			zap.String("table_name", tableName),
			zap.Error(err),
		)
	}
}

func (m *Manager) resolveUser(userID *uuid.UUID) uuid.UUID {
	if userID != nil && *userID != uuid.Nil {
		return *userID
	}
	if m.current.IsActive {
		return m.current.UserID
	}
	return uuid.Nil
}
