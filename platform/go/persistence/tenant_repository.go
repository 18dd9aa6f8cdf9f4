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
)

// TenantsTable is the tenant registry table created by the shipped
// migrations.
const TenantsTable = "tenants"

// Tenant types.
const (
	TenantTypeSuperAdmin    = "super_admin"
	TenantTypeWeddingAgency = "wedding_agency"
	TenantTypeCouple        = "couple"
)

// Tenant lifecycle statuses.
const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
	TenantStatusInactive  = "inactive"
	TenantStatusExpired   = "expired"
)

var tenantTypes = map[string]struct{}{
	TenantTypeSuperAdmin:    {},
	TenantTypeWeddingAgency: {},
	TenantTypeCouple:        {},
}

var tenantStatuses = map[string]struct{}{
	TenantStatusActive:    {},
	TenantStatusSuspended: {},
	TenantStatusInactive:  {},
	TenantStatusExpired:   {},
}

var (
	// ErrTenantNotFound indicates a missing tenant record.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantConflict indicates a uniqueness violation (duplicated name).
	ErrTenantConflict = errors.New("tenant conflict")
)

// TenantRecord represents a row in the tenants table.
type TenantRecord struct {
	ID                    uuid.UUID       `db:"id" json:"id"`
	Name                  string          `db:"name" json:"name"`
	Type                  string          `db:"type" json:"type"`
	Status                string          `db:"status" json:"status"`
	SubscriptionPlan      *string         `db:"subscription_plan" json:"subscriptionPlan,omitempty"`
	SubscriptionStatus    *string         `db:"subscription_status" json:"subscriptionStatus,omitempty"`
	SubscriptionExpiresAt *time.Time      `db:"subscription_expires_at" json:"subscriptionExpiresAt,omitempty"`
	Settings              json.RawMessage `db:"settings" json:"settings"`
	Metadata              json.RawMessage `db:"metadata" json:"metadata"`
	CreatedAt             time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updatedAt"`
}

// TenantStore exposes persistence helpers for the tenants table.
type TenantStore struct {
	pool     *pgxpool.Pool
	settings *SettingsValidator
}

// NewTenantStore creates a store; assumes migrations already created the
// table. The validator may be nil, in which case settings documents are
// stored unchecked.
func NewTenantStore(pool *pgxpool.Pool, validator *SettingsValidator) (*TenantStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &TenantStore{pool: pool, settings: validator}, nil
}

// CreateTenantParams captures the fields required to insert a tenant.
type CreateTenantParams struct {
	Name                  string
	Type                  string
	Status                string // defaults to active
	SubscriptionPlan      *string
	SubscriptionStatus    *string
	SubscriptionExpiresAt *time.Time
	Settings              json.RawMessage // defaults to {}
	Metadata              json.RawMessage // defaults to {}
}

// Create inserts a new tenant and returns the persisted record.
func (s *TenantStore) Create(ctx context.Context, params CreateTenantParams) (TenantRecord, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return TenantRecord{}, errors.New("tenant name is required")
	}
	if _, ok := tenantTypes[params.Type]; !ok {
		return TenantRecord{}, fmt.Errorf("unsupported tenant type %q", params.Type)
	}

	status := params.Status
	if status == "" {
		status = TenantStatusActive
	}
	if _, ok := tenantStatuses[status]; !ok {
		return TenantRecord{}, fmt.Errorf("unsupported tenant status %q", status)
	}

	settings := params.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	if err := s.validateSettings(settings); err != nil {
		return TenantRecord{}, err
	}

	metadata := params.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (name, type, status, subscription_plan, subscription_status,
            subscription_expires_at, settings, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING `+tenantColumns, TenantsTable),
		name, params.Type, status, params.SubscriptionPlan, params.SubscriptionStatus,
		params.SubscriptionExpiresAt, settings, metadata,
	)

	rec, err := scanTenantRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return TenantRecord{}, ErrTenantConflict
		}
		return TenantRecord{}, err
	}

	return rec, nil
}

// Get returns a single tenant by identifier.
func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT `+tenantColumns+` FROM %s WHERE id = $1
    `, TenantsTable), id)
	return scanTenantRecord(row)
}

// GetByName returns a single tenant by its unique name.
func (s *TenantStore) GetByName(ctx context.Context, name string) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT `+tenantColumns+` FROM %s WHERE name = $1
    `, TenantsTable), strings.TrimSpace(name))
	return scanTenantRecord(row)
}

// ListTenantsParams captures filters and pagination for List.
type ListTenantsParams struct {
	Type     *string
	Status   *string
	Page     int
	PageSize int
}

// ListTenantsResult includes the rows and the total count for pagination
// metadata.
type ListTenantsResult struct {
	Tenants    []TenantRecord
	TotalItems int
}

// List returns tenants matching the filters with pagination applied.
func (s *TenantStore) List(ctx context.Context, params ListTenantsParams) (ListTenantsResult, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = 20
	}
	if params.PageSize > 100 {
		params.PageSize = 100
	}

	whereParts := []string{"1=1"}
	var args []any

	if params.Type != nil && *params.Type != "" {
		args = append(args, *params.Type)
		whereParts = append(whereParts, fmt.Sprintf("type = $%d", len(args)))
	}
	if params.Status != nil && *params.Status != "" {
		args = append(args, *params.Status)
		whereParts = append(whereParts, fmt.Sprintf("status = $%d", len(args)))
	}

	whereSQL := strings.Join(whereParts, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", TenantsTable, whereSQL)
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		if isUndefinedTable(err) {
			return ListTenantsResult{}, fmt.Errorf("tenants table missing, run migrations first: %w", err)
		}
		return ListTenantsResult{}, fmt.Errorf("count tenants: %w", err)
	}

	result := ListTenantsResult{Tenants: []TenantRecord{}, TotalItems: total}
	if total == 0 {
		return result, nil
	}

	dataArgs := append([]any{}, args...)
	dataArgs = append(dataArgs, params.PageSize, (params.Page-1)*params.PageSize)

	query := fmt.Sprintf(`
        SELECT `+tenantColumns+`
        FROM %s
        WHERE %s
        ORDER BY created_at DESC
        LIMIT $%d OFFSET $%d
    `, TenantsTable, whereSQL, len(dataArgs)-1, len(dataArgs))

	rows, err := s.pool.Query(ctx, query, dataArgs...)
	if err != nil {
		return ListTenantsResult{}, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]TenantRecord, 0)
	for rows.Next() {
		rec, scanErr := scanTenantRecord(rows)
		if scanErr != nil {
			return ListTenantsResult{}, fmt.Errorf("scan tenant: %w", scanErr)
		}
		tenants = append(tenants, rec)
	}

	if err = rows.Err(); err != nil {
		return ListTenantsResult{}, fmt.Errorf("iterate tenants: %w", err)
	}

	result.Tenants = tenants
	return result, nil
}

// UpdateStatus transitions the tenant to the given lifecycle status.
func (s *TenantStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (TenantRecord, error) {
	if _, ok := tenantStatuses[status]; !ok {
		return TenantRecord{}, fmt.Errorf("unsupported tenant status %q", status)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s
        SET status = $1, updated_at = NOW()
        WHERE id = $2
        RETURNING `+tenantColumns, TenantsTable), status, id)
	return scanTenantRecord(row)
}

// UpdateSettings replaces the settings document after validating it.
func (s *TenantStore) UpdateSettings(ctx context.Context, id uuid.UUID, settings json.RawMessage) (TenantRecord, error) {
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	if err := s.validateSettings(settings); err != nil {
		return TenantRecord{}, err
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s
        SET settings = $1, updated_at = NOW()
        WHERE id = $2
        RETURNING `+tenantColumns, TenantsTable), settings, id)
	return scanTenantRecord(row)
}

// Delete removes a tenant. Dependent tenant_users cascade.
func (s *TenantStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TenantsTable), id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *TenantStore) validateSettings(settings json.RawMessage) error {
	if s.settings == nil {
		return nil
	}
	return s.settings.Validate(DefaultTenantSettingsName, settings)
}

const tenantColumns = `id, name, type, status, subscription_plan, subscription_status,
            subscription_expires_at, settings, metadata, created_at, updated_at`

func scanTenantRecord(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.Status,
		&rec.SubscriptionPlan, &rec.SubscriptionStatus, &rec.SubscriptionExpiresAt,
		&rec.Settings, &rec.Metadata, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrTenantNotFound
		}
		return TenantRecord{}, err
	}
	return rec, nil
}
