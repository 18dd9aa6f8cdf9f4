package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	sqlassets "github.com/everafter-labs/everafter-platform/database"
)

// DB is the minimal database session surface the engine needs. *pgxpool.Pool
// satisfies it; tests substitute fakes.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrRecordNotFound indicates a ledger lookup for a filename with no row.
var ErrRecordNotFound = errors.New("ledger record not found")

// MigrationRecord is one row of the migrations ledger. Created inside the
// same transaction as the migration's own SQL; never mutated afterwards
// except by explicit rollback (delete).
type MigrationRecord struct {
	ID              int64
	Filename        string
	Version         string
	Name            string
	ExecutedAt      time.Time
	Checksum        string
	ExecutionTimeMs int64
	RollbackSQL     *string
	Dependencies    []string
	CreatedBy       *string
	Notes           *string
}

// SeederRecord is one row of the seeders ledger, unique per
// (filename, environment).
type SeederRecord struct {
	ID              int64
	Filename        string
	ExecutedAt      time.Time
	Checksum        string
	ExecutionTimeMs int64
	Environment     string
	CreatedBy       *string
}

// Ledger persists the record of executed migrations and seeds.
type Ledger struct {
	db DB
}

func NewLedger(db DB) *Ledger {
	if db == nil {
		panic("Ledger requires db")
	}
	return &Ledger{db: db}
}

// Initialize creates the migrations and seeders tables and their indexes if
// absent. Safe to call repeatedly.
func (l *Ledger) Initialize(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, sqlassets.LedgerSQL); err != nil {
		return fmt.Errorf("initialize ledger tables: %w", err)
	}
	return nil
}

const migrationColumns = `id, filename, version, name, executed_at, checksum,
        execution_time_ms, rollback_sql, dependencies, created_by, notes`

// ListMigrations returns all ledger rows ordered by filename.
func (l *Ledger) ListMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := l.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM migrations ORDER BY filename`, migrationColumns))
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		rec, err := scanMigrationRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan migration record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}
	return records, nil
}

// GetMigration fetches a single ledger row by filename.
func (l *Ledger) GetMigration(ctx context.Context, filename string) (MigrationRecord, error) {
	row := l.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM migrations WHERE filename = $1`, migrationColumns), filename)
	rec, err := scanMigrationRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MigrationRecord{}, ErrRecordNotFound
		}
		return MigrationRecord{}, fmt.Errorf("get migration %s: %w", filename, err)
	}
	return rec, nil
}

// InsertMigrationTx writes a ledger row on the caller's open transaction so
// the record commits or rolls back together with the migration SQL.
func (l *Ledger) InsertMigrationTx(ctx context.Context, tx pgx.Tx, rec MigrationRecord) error {
	deps, err := json.Marshal(dependenciesOrEmpty(rec.Dependencies))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO migrations (filename, version, name, checksum, execution_time_ms,
            rollback_sql, dependencies, created_by, notes)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, rec.Filename, rec.Version, rec.Name, rec.Checksum, rec.ExecutionTimeMs,
		rec.RollbackSQL, deps, rec.CreatedBy, rec.Notes)
	if err != nil {
		return fmt.Errorf("insert ledger row for %s: %w", rec.Filename, err)
	}
	return nil
}

// DeleteMigrationTx removes a ledger row on the caller's open transaction.
func (l *Ledger) DeleteMigrationTx(ctx context.Context, tx pgx.Tx, filename string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM migrations WHERE filename = $1`, filename)
	if err != nil {
		return fmt.Errorf("delete ledger row for %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete ledger row for %s: %w", filename, ErrRecordNotFound)
	}
	return nil
}

// ListSeeders returns the seed executions recorded for an environment,
// ordered by filename.
func (l *Ledger) ListSeeders(ctx context.Context, environment string) ([]SeederRecord, error) {
	rows, err := l.db.Query(ctx, `
        SELECT id, filename, executed_at, checksum, execution_time_ms, environment, created_by
        FROM seeders WHERE environment = $1 ORDER BY filename
    `, environment)
	if err != nil {
		return nil, fmt.Errorf("list seeders for %s: %w", environment, err)
	}
	defer rows.Close()

	var records []SeederRecord
	for rows.Next() {
		var rec SeederRecord
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.ExecutedAt, &rec.Checksum,
			&rec.ExecutionTimeMs, &rec.Environment, &rec.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan seeder record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seeders: %w", err)
	}
	return records, nil
}

// InsertSeederTx writes a seeder ledger row on the caller's open transaction.
func (l *Ledger) InsertSeederTx(ctx context.Context, tx pgx.Tx, rec SeederRecord) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO seeders (filename, checksum, execution_time_ms, environment, created_by)
        VALUES ($1, $2, $3, $4, $5)
    `, rec.Filename, rec.Checksum, rec.ExecutionTimeMs, rec.Environment, rec.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert seeder row for %s (%s): %w", rec.Filename, rec.Environment, err)
	}
	return nil
}

func scanMigrationRecord(row pgx.Row) (MigrationRecord, error) {
	var rec MigrationRecord
	var deps []byte
	if err := row.Scan(&rec.ID, &rec.Filename, &rec.Version, &rec.Name, &rec.ExecutedAt,
		&rec.Checksum, &rec.ExecutionTimeMs, &rec.RollbackSQL, &deps, &rec.CreatedBy,
		&rec.Notes); err != nil {
		return MigrationRecord{}, err
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &rec.Dependencies); err != nil {
			return MigrationRecord{}, fmt.Errorf("decode dependencies for %s: %w", rec.Filename, err)
		}
	}
	return rec, nil
}

func dependenciesOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}
