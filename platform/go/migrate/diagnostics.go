package migrate

import (
	"context"
	"fmt"
	"time"
)

// Diagnostics inspects the schema and the ledger without modifying either,
// except for the explicit repair operation. Detection results are returned as
// structured findings, never as errors, so callers decide severity.
type Diagnostics struct {
	db      DB
	ledger  ledgerStore
	catalog *Catalog
}

func NewDiagnostics(db DB, catalog *Catalog) *Diagnostics {
	if db == nil {
		panic("Diagnostics requires db")
	}
	return &Diagnostics{db: db, ledger: NewLedger(db), catalog: catalog}
}

// requiredTables is the minimum set of tables a provisioned platform schema
// must contain.
var requiredTables = []string{
	"migrations", "seeders", "tenants", "tenant_users", "roles", "permissions",
}

// TableCheck reports presence of one required table.
type TableCheck struct {
	Table  string
	Exists bool
}

// IntegrityReport is the outcome of ValidateSchemaIntegrity. Unevaluable
// sub-checks are listed in Unevaluated; detected problems in Issues.
type IntegrityReport struct {
	Tables           []TableCheck
	ForeignKeyCount  int
	IndexCount       int
	SecurityPolicies int
	Issues           []string
	Unevaluated      []string
	Healthy          bool
}

// ValidateSchemaIntegrity confirms required tables exist and counts foreign
// keys, indexes and row-security policies. Zero policies on a multi-tenant
// schema is flagged as an integrity issue: it means nothing enforces tenant
// isolation at the database layer.
func (d *Diagnostics) ValidateSchemaIntegrity(ctx context.Context) IntegrityReport {
	report := IntegrityReport{}

	for _, table := range requiredTables {
		var exists bool
		err := d.db.QueryRow(ctx, `
            SELECT EXISTS (
                SELECT 1 FROM information_schema.tables
                WHERE table_schema = current_schema() AND table_name = $1
            )
        `, table).Scan(&exists)
		if err != nil {
			report.Unevaluated = append(report.Unevaluated, fmt.Sprintf("table %s: %v", table, err))
			continue
		}
		report.Tables = append(report.Tables, TableCheck{Table: table, Exists: exists})
		if !exists {
			report.Issues = append(report.Issues, fmt.Sprintf("required table %s is missing", table))
		}
	}

	count := func(label, query string) int {
		var n int
		if err := d.db.QueryRow(ctx, query).Scan(&n); err != nil {
			report.Unevaluated = append(report.Unevaluated, fmt.Sprintf("%s: %v", label, err))
			return -1
		}
		return n
	}

	report.ForeignKeyCount = count("foreign keys", `
        SELECT COUNT(*) FROM information_schema.table_constraints
        WHERE table_schema = current_schema() AND constraint_type = 'FOREIGN KEY'
    `)
	report.IndexCount = count("indexes", `
        SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema()
    `)
	report.SecurityPolicies = count("row security policies", `
        SELECT COUNT(*) FROM pg_policies WHERE schemaname = current_schema()
    `)

	if report.SecurityPolicies == 0 {
		report.Issues = append(report.Issues,
			"no row security policies found: tenant data is not isolated at the database layer")
	}

	report.Healthy = len(report.Issues) == 0 && len(report.Unevaluated) == 0
	return report
}

// ConflictKind classifies a finding from CheckMigrationConflicts.
type ConflictKind string

const (
	ConflictChecksumDrift     ConflictKind = "checksum_drift"
	ConflictMissingDependency ConflictKind = "missing_dependency"
)

// Conflict is one whole-catalog validation finding.
type Conflict struct {
	Filename string
	Kind     ConflictKind
	Detail   string
}

// CheckMigrationConflicts validates the full catalog against the ledger:
// checksum drift on applied files, and dependencies on versions that exist
// neither on disk nor in the ledger. This is the whole-plan variant of the
// per-migration checks RunPending performs.
func (d *Diagnostics) CheckMigrationConflicts(ctx context.Context) ([]Conflict, error) {
	files, err := d.catalog.ListAvailable()
	if err != nil {
		return nil, err
	}

	records, err := d.ledger.ListMigrations(ctx)
	if err != nil {
		return nil, err
	}

	applied := make(map[string]MigrationRecord, len(records))
	knownVersions := make(map[string]bool, len(records)+len(files))
	for _, rec := range records {
		applied[rec.Filename] = rec
		knownVersions[rec.Version] = true
	}
	for _, f := range files {
		knownVersions[f.Version] = true
	}

	var conflicts []Conflict
	for _, f := range files {
		if rec, ok := applied[f.Filename]; ok && rec.Checksum != f.Checksum {
			conflicts = append(conflicts, Conflict{
				Filename: f.Filename,
				Kind:     ConflictChecksumDrift,
				Detail: fmt.Sprintf("ledger has %s, disk has %s",
					shortChecksum(rec.Checksum), shortChecksum(f.Checksum)),
			})
		}
		for _, dep := range f.Dependencies {
			if !knownVersions[dep] {
				conflicts = append(conflicts, Conflict{
					Filename: f.Filename,
					Kind:     ConflictMissingDependency,
					Detail:   fmt.Sprintf("depends on version %s which exists neither on disk nor in the ledger", dep),
				})
			}
		}
	}

	return conflicts, nil
}

// RepairReport describes what RepairMigrationInconsistencies changed.
type RepairReport struct {
	DuplicateFilenames []string
	RowsDeleted        int64
}

// RepairMigrationInconsistencies removes duplicate ledger rows for the same
// filename, keeping the earliest execution. The unique constraint normally
// prevents duplicates; this is a corrective tool for a ledger damaged by
// out-of-band writes.
func (d *Diagnostics) RepairMigrationInconsistencies(ctx context.Context) (RepairReport, error) {
	report := RepairReport{}

	rows, err := d.db.Query(ctx, `
        SELECT filename FROM migrations
        GROUP BY filename HAVING COUNT(*) > 1
        ORDER BY filename
    `)
	if err != nil {
		return report, fmt.Errorf("detect duplicate ledger rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return report, fmt.Errorf("scan duplicate filename: %w", err)
		}
		report.DuplicateFilenames = append(report.DuplicateFilenames, filename)
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("iterate duplicates: %w", err)
	}

	if len(report.DuplicateFilenames) == 0 {
		return report, nil
	}

	tag, err := d.db.Exec(ctx, `
        DELETE FROM migrations a
        USING migrations b
        WHERE a.filename = b.filename
          AND (a.executed_at, a.id) > (b.executed_at, b.id)
    `)
	if err != nil {
		return report, fmt.Errorf("delete duplicate ledger rows: %w", err)
	}
	report.RowsDeleted = tag.RowsAffected()

	return report, nil
}

// StatsReport summarizes ledger history.
type StatsReport struct {
	AppliedMigrations int
	SeedsRecorded     int
	LastAppliedAt     *time.Time
	TotalExecutionMs  int64
	AvgExecutionMs    int64
}

// Stats aggregates ledger history for status output.
func (d *Diagnostics) Stats(ctx context.Context) (StatsReport, error) {
	report := StatsReport{}

	err := d.db.QueryRow(ctx, `
        SELECT COUNT(*), MAX(executed_at), COALESCE(SUM(execution_time_ms), 0)
        FROM migrations
    `).Scan(&report.AppliedMigrations, &report.LastAppliedAt, &report.TotalExecutionMs)
	if err != nil {
		return report, fmt.Errorf("aggregate migration stats: %w", err)
	}

	if err := d.db.QueryRow(ctx, `SELECT COUNT(*) FROM seeders`).Scan(&report.SeedsRecorded); err != nil {
		return report, fmt.Errorf("count seeder rows: %w", err)
	}

	if report.AppliedMigrations > 0 {
		report.AvgExecutionMs = report.TotalExecutionMs / int64(report.AppliedMigrations)
	}

	return report, nil
}
