package migrate

import "errors"

// Failure kinds surfaced by the catalog, engine and seed runner. Callers
// branch with errors.Is; the wrapped message carries the offending filename.
var (
	// ErrInvalidFormat indicates a migration filename that does not match
	// <digits>_<name>.sql.
	ErrInvalidFormat = errors.New("invalid migration filename format")

	// ErrChecksumMismatch indicates an on-disk file diverged from the content
	// the ledger recorded as applied. The plan is unsafe; nothing runs.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnmetDependency indicates a migration declares a dependency version
	// that has not been applied.
	ErrUnmetDependency = errors.New("unmet dependency")

	// ErrNotApplied indicates a rollback target with no ledger record.
	ErrNotApplied = errors.New("migration not applied")

	// ErrNoRollbackDefined indicates a rollback target whose ledger record
	// carries no rollback SQL.
	ErrNoRollbackDefined = errors.New("no rollback defined")
)
