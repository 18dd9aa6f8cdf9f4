package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ledgerStore is the ledger surface the engine depends on. *Ledger satisfies
// it; engine unit tests substitute an in-memory fake.
type ledgerStore interface {
	Initialize(ctx context.Context) error
	ListMigrations(ctx context.Context) ([]MigrationRecord, error)
	GetMigration(ctx context.Context, filename string) (MigrationRecord, error)
	InsertMigrationTx(ctx context.Context, tx pgx.Tx, rec MigrationRecord) error
	DeleteMigrationTx(ctx context.Context, tx pgx.Tx, filename string) error
	ListSeeders(ctx context.Context, environment string) ([]SeederRecord, error)
	InsertSeederTx(ctx context.Context, tx pgx.Tx, rec SeederRecord) error
}

// Engine orchestrates migration execution: it diffs the catalog against the
// ledger, validates the plan, and applies pending migrations strictly in
// filename order, one transaction per migration.
type Engine struct {
	db        DB
	ledger    ledgerStore
	catalog   *Catalog
	logger    *zap.Logger
	createdBy string
}

// EngineConfig wires an Engine. DB and Catalog are required; Logger defaults
// to a no-op logger.
type EngineConfig struct {
	DB        DB
	Catalog   *Catalog
	Logger    *zap.Logger
	CreatedBy string
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.DB == nil {
		panic("Engine requires db")
	}
	if cfg.Catalog == nil {
		panic("Engine requires catalog")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        cfg.DB,
		ledger:    NewLedger(cfg.DB),
		catalog:   cfg.Catalog,
		logger:    logger,
		createdBy: cfg.CreatedBy,
	}
}

// Initialize creates the ledger tables if absent. Safe to call repeatedly.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.ledger.Initialize(ctx)
}

// RunResult summarizes one RunPending call. Failed carries the filename of
// the migration that aborted the run, when the returned error is non-nil.
type RunResult struct {
	Executed []string
	Skipped  []string
	Failed   string
}

// RunPending applies every pending migration in filename order.
//
// The whole plan is validated before any SQL executes: an already-applied
// file whose on-disk checksum no longer matches its ledger record aborts the
// run with ErrChecksumMismatch. During execution, each migration's declared
// dependencies must be satisfied by the ledger or by migrations applied
// earlier in the same run (ErrUnmetDependency otherwise), and an execution
// failure rolls back that migration's transaction and aborts the run. There
// is no skip-ahead.
func (e *Engine) RunPending(ctx context.Context) (RunResult, error) {
	files, err := e.catalog.ListAvailable()
	if err != nil {
		return RunResult{}, err
	}

	records, err := e.ledger.ListMigrations(ctx)
	if err != nil {
		return RunResult{}, err
	}

	applied := make(map[string]MigrationRecord, len(records))
	appliedVersions := make(map[string]bool, len(records))
	for _, rec := range records {
		applied[rec.Filename] = rec
		appliedVersions[rec.Version] = true
	}

	for _, f := range files {
		rec, ok := applied[f.Filename]
		if ok && rec.Checksum != f.Checksum {
			return RunResult{Failed: f.Filename}, fmt.Errorf(
				"%s: %w: ledger has %s, disk has %s",
				f.Filename, ErrChecksumMismatch, shortChecksum(rec.Checksum), shortChecksum(f.Checksum))
		}
	}

	var result RunResult
	for _, f := range files {
		if _, ok := applied[f.Filename]; ok {
			result.Skipped = append(result.Skipped, f.Filename)
			continue
		}

		for _, dep := range f.Dependencies {
			if !appliedVersions[dep] {
				result.Failed = f.Filename
				return result, fmt.Errorf("%s: %w: requires version %s", f.Filename, ErrUnmetDependency, dep)
			}
		}

		elapsed, err := e.apply(ctx, f)
		if err != nil {
			result.Failed = f.Filename
			return result, fmt.Errorf("apply %s: %w", f.Filename, err)
		}

		result.Executed = append(result.Executed, f.Filename)
		appliedVersions[f.Version] = true
		e.logger.Info("migration applied",
			zap.String("filename", f.Filename),
			zap.Duration("duration", elapsed),
		)
	}

	return result, nil
}

// apply runs one migration and its ledger insert in a single transaction.
// The recorded execution time covers the forward SQL only.
func (e *Engine) apply(ctx context.Context, f MigrationFile) (time.Duration, error) {
	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	start := time.Now()
	if _, err := tx.Exec(ctx, f.SQL); err != nil {
		return 0, fmt.Errorf("execute migration sql: %w", err)
	}
	elapsed := time.Since(start)

	rec := MigrationRecord{
		Filename:        f.Filename,
		Version:         f.Version,
		Name:            f.Name,
		Checksum:        f.Checksum,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Dependencies:    f.Dependencies,
	}
	if f.RollbackSQL != "" {
		rec.RollbackSQL = &f.RollbackSQL
	}
	if e.createdBy != "" {
		rec.CreatedBy = &e.createdBy
	}

	if err := e.ledger.InsertMigrationTx(ctx, tx, rec); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return elapsed, nil
}

// RollbackOne reverts a single named migration: its recorded rollback SQL and
// the ledger delete run in one transaction. Dependents are not cascaded; the
// caller chooses a safe order when unwinding related migrations.
func (e *Engine) RollbackOne(ctx context.Context, filename string) error {
	rec, err := e.ledger.GetMigration(ctx, filename)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return fmt.Errorf("%s: %w", filename, ErrNotApplied)
		}
		return err
	}

	if rec.RollbackSQL == nil || strings.TrimSpace(*rec.RollbackSQL) == "" {
		return fmt.Errorf("%s: %w", filename, ErrNoRollbackDefined)
	}

	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, *rec.RollbackSQL); err != nil {
		return fmt.Errorf("execute rollback sql for %s: %w", filename, err)
	}

	if err := e.ledger.DeleteMigrationTx(ctx, tx, filename); err != nil {
		return fmt.Errorf("remove ledger row for %s: %w", filename, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rollback of %s: %w", filename, err)
	}

	e.logger.Info("migration rolled back", zap.String("filename", filename))
	return nil
}

// MigrationStatus reports one catalog entry cross-referenced with the ledger.
type MigrationStatus struct {
	Filename        string
	Version         string
	Name            string
	Applied         bool
	ExecutedAt      *time.Time
	ExecutionTimeMs *int64
}

// StatusReport aggregates per-migration status with counts.
type StatusReport struct {
	Migrations []MigrationStatus
	Applied    int
	Pending    int
}

// Status cross-references the catalog against the ledger.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	files, err := e.catalog.ListAvailable()
	if err != nil {
		return StatusReport{}, err
	}

	records, err := e.ledger.ListMigrations(ctx)
	if err != nil {
		return StatusReport{}, err
	}

	applied := make(map[string]MigrationRecord, len(records))
	for _, rec := range records {
		applied[rec.Filename] = rec
	}

	report := StatusReport{Migrations: make([]MigrationStatus, 0, len(files))}
	for _, f := range files {
		status := MigrationStatus{
			Filename: f.Filename,
			Version:  f.Version,
			Name:     f.Name,
		}
		if rec, ok := applied[f.Filename]; ok {
			executedAt := rec.ExecutedAt
			executionTime := rec.ExecutionTimeMs
			status.Applied = true
			status.ExecutedAt = &executedAt
			status.ExecutionTimeMs = &executionTime
			report.Applied++
		} else {
			report.Pending++
		}
		report.Migrations = append(report.Migrations, status)
	}

	return report, nil
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
