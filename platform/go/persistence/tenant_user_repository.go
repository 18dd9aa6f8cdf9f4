package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// TenantUsersTable holds tenant memberships and credentials.
const TenantUsersTable = "tenant_users"

// Tenant user roles, strongest first.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleMember     = "member"
	RoleGuest      = "guest"
)

// Tenant user statuses.
const (
	UserStatusActive              = "active"
	UserStatusInactive            = "inactive"
	UserStatusSuspended           = "suspended"
	UserStatusPendingVerification = "pending_verification"
	UserStatusArchived            = "archived"
)

var roleRanks = map[string]int{
	RoleGuest:      1,
	RoleMember:     2,
	RoleManager:    3,
	RoleAdmin:      4,
	RoleSuperAdmin: 5,
}

var userStatuses = map[string]struct{}{
	UserStatusActive:              {},
	UserStatusInactive:            {},
	UserStatusSuspended:           {},
	UserStatusPendingVerification: {},
	UserStatusArchived:            {},
}

// RoleRank returns the privilege rank of a role, 0 for unknown roles.
func RoleRank(role string) int {
	return roleRanks[role]
}

var (
	// ErrUserNotFound indicates a missing tenant user record.
	ErrUserNotFound = errors.New("tenant user not found")
	// ErrUserConflict indicates a uniqueness violation (duplicated email
	// within a tenant).
	ErrUserConflict = errors.New("tenant user conflict")
	// ErrInvalidCredentials indicates a failed password verification.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// TenantUserRecord represents a row in the tenant_users table. The password
// hash never leaves the persistence layer in serialized form.
type TenantUserRecord struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	TenantID        uuid.UUID       `db:"tenant_id" json:"tenantId"`
	Email           string          `db:"email" json:"email"`
	PasswordHash    string          `db:"password_hash" json:"-"`
	FirstName       string          `db:"first_name" json:"firstName"`
	LastName        string          `db:"last_name" json:"lastName"`
	Role            string          `db:"role" json:"role"`
	Status          string          `db:"status" json:"status"`
	LastLoginAt     *time.Time      `db:"last_login_at" json:"lastLoginAt,omitempty"`
	EmailVerifiedAt *time.Time      `db:"email_verified_at" json:"emailVerifiedAt,omitempty"`
	ProfileData     json.RawMessage `db:"profile_data" json:"profileData"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// CanManage reports whether the actor may administer the target membership.
// Super admins manage everyone; otherwise the actor must belong to the same
// tenant and hold at least the target's rank.
func CanManage(actor, target TenantUserRecord) bool {
	if actor.Role == RoleSuperAdmin {
		return true
	}
	if actor.TenantID != target.TenantID {
		return false
	}
	return RoleRank(actor.Role) >= RoleRank(target.Role)
}

// TenantUserStore exposes persistence helpers for the tenant_users table.
type TenantUserStore struct {
	pool       *pgxpool.Pool
	bcryptCost int
}

// NewTenantUserStore creates a store; assumes migrations already created the
// table.
func NewTenantUserStore(pool *pgxpool.Pool) (*TenantUserStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &TenantUserStore{pool: pool, bcryptCost: bcrypt.DefaultCost}, nil
}

// CreateTenantUserParams captures the fields required to insert a membership.
type CreateTenantUserParams struct {
	TenantID    uuid.UUID
	Email       string
	Password    string
	FirstName   string
	LastName    string
	Role        string // defaults to member
	ProfileData json.RawMessage
}

// Create hashes the password and inserts a new membership.
func (s *TenantUserStore) Create(ctx context.Context, params CreateTenantUserParams) (TenantUserRecord, error) {
	if params.TenantID == uuid.Nil {
		return TenantUserRecord{}, errors.New("tenant id is required")
	}
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return TenantUserRecord{}, errors.New("email is required")
	}
	if params.Password == "" {
		return TenantUserRecord{}, errors.New("password is required")
	}

	role := params.Role
	if role == "" {
		role = RoleMember
	}
	if _, ok := roleRanks[role]; !ok {
		return TenantUserRecord{}, fmt.Errorf("unsupported role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), s.bcryptCost)
	if err != nil {
		return TenantUserRecord{}, fmt.Errorf("hash password: %w", err)
	}

	profile := params.ProfileData
	if len(profile) == 0 {
		profile = json.RawMessage(`{}`)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (tenant_id, email, password_hash, first_name, last_name, role, profile_data)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING `+tenantUserColumns, TenantUsersTable),
		params.TenantID, email, string(hash),
		strings.TrimSpace(params.FirstName), strings.TrimSpace(params.LastName),
		role, profile,
	)

	user, err := scanTenantUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return TenantUserRecord{}, ErrUserConflict
		}
		return TenantUserRecord{}, err
	}

	return user, nil
}

// Get returns a single membership by identifier.
func (s *TenantUserStore) Get(ctx context.Context, id uuid.UUID) (TenantUserRecord, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT `+tenantUserColumns+` FROM %s WHERE id = $1
    `, TenantUsersTable), id)
	return scanTenantUser(row)
}

// GetByEmail returns the membership for an email within a tenant. Emails are
// only unique per tenant, so the tenant id is required.
func (s *TenantUserStore) GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (TenantUserRecord, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT `+tenantUserColumns+` FROM %s WHERE tenant_id = $1 AND email = $2
    `, TenantUsersTable), tenantID, strings.ToLower(strings.TrimSpace(email)))
	return scanTenantUser(row)
}

// ListTenantUsersParams captures filters and pagination for List.
type ListTenantUsersParams struct {
	Role     *string
	Status   *string
	Page     int
	PageSize int
}

// ListTenantUsersResult includes the rows and the total count.
type ListTenantUsersResult struct {
	Users      []TenantUserRecord
	TotalItems int
}

// List returns the memberships of one tenant matching the filters.
func (s *TenantUserStore) List(ctx context.Context, tenantID uuid.UUID, params ListTenantUsersParams) (ListTenantUsersResult, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}

	whereParts := []string{"tenant_id = $1"}
	args := []any{tenantID}

	if params.Role != nil && *params.Role != "" {
		args = append(args, *params.Role)
		whereParts = append(whereParts, fmt.Sprintf("role = $%d", len(args)))
	}
	if params.Status != nil && *params.Status != "" {
		args = append(args, *params.Status)
		whereParts = append(whereParts, fmt.Sprintf("status = $%d", len(args)))
	}

	whereSQL := strings.Join(whereParts, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", TenantUsersTable, whereSQL)
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		if isUndefinedTable(err) {
			return ListTenantUsersResult{}, fmt.Errorf("tenant_users table missing, run migrations first: %w", err)
		}
		return ListTenantUsersResult{}, fmt.Errorf("count tenant users: %w", err)
	}

	result := ListTenantUsersResult{Users: []TenantUserRecord{}, TotalItems: total}
	if total == 0 {
		return result, nil
	}

	dataArgs := append([]any{}, args...)
	dataArgs = append(dataArgs, params.PageSize, (params.Page-1)*params.PageSize)

	query := fmt.Sprintf(`
        SELECT `+tenantUserColumns+`
        FROM %s
        WHERE %s
        ORDER BY created_at DESC
        LIMIT $%d OFFSET $%d
    `, TenantUsersTable, whereSQL, len(dataArgs)-1, len(dataArgs))

	rows, err := s.pool.Query(ctx, query, dataArgs...)
	if err != nil {
		return ListTenantUsersResult{}, fmt.Errorf("list tenant users: %w", err)
	}
	defer rows.Close()

	users := make([]TenantUserRecord, 0)
	for rows.Next() {
		user, scanErr := scanTenantUser(rows)
		if scanErr != nil {
			return ListTenantUsersResult{}, fmt.Errorf("scan tenant user: %w", scanErr)
		}
		users = append(users, user)
	}

	if err = rows.Err(); err != nil {
		return ListTenantUsersResult{}, fmt.Errorf("iterate tenant users: %w", err)
	}

	result.Users = users
	return result, nil
}

// UpdateStatus transitions the membership to the given status.
func (s *TenantUserStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (TenantUserRecord, error) {
	if _, ok := userStatuses[status]; !ok {
		return TenantUserRecord{}, fmt.Errorf("unsupported user status %q", status)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = $1, updated_at = NOW()
        WHERE id = $2
        RETURNING `+tenantUserColumns, TenantUsersTable), status, id)
	return scanTenantUser(row)
}

// RecordLogin stamps last_login_at for the membership.
func (s *TenantUserStore) RecordLogin(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s SET last_login_at = NOW(), updated_at = NOW() WHERE id = $1
    `, TenantUsersTable), id)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// VerifyPassword checks the credentials for an email within a tenant and
// returns the membership on success. A wrong password and an unknown email
// both return ErrInvalidCredentials so callers cannot probe for accounts.
func (s *TenantUserStore) VerifyPassword(ctx context.Context, tenantID uuid.UUID, email, password string) (TenantUserRecord, error) {
	user, err := s.GetByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TenantUserRecord{}, ErrInvalidCredentials
		}
		return TenantUserRecord{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return TenantUserRecord{}, ErrInvalidCredentials
	}

	return user, nil
}

const tenantUserColumns = `id, tenant_id, email, password_hash, first_name, last_name,
            role, status, last_login_at, email_verified_at, profile_data, created_at, updated_at`

func scanTenantUser(row pgx.Row) (TenantUserRecord, error) {
	var user TenantUserRecord
	err := row.Scan(&user.ID, &user.TenantID, &user.Email, &user.PasswordHash,
		&user.FirstName, &user.LastName, &user.Role, &user.Status,
		&user.LastLoginAt, &user.EmailVerifiedAt, &user.ProfileData,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantUserRecord{}, ErrUserNotFound
		}
		return TenantUserRecord{}, err
	}
	return user, nil
}
