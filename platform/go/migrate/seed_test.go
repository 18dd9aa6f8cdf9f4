package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSeedRunner(t *testing.T, dir string, db *fakeDB, ledger *fakeLedger) *SeedRunner {
	t.Helper()
	return &SeedRunner{
		db:     db,
		ledger: ledger,
		dir:    dir,
		logger: zap.NewNop(),
	}
}

func TestSeedRunExecutesInFilenameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002_roles.sql", "INSERT INTO roles VALUES (1);\n")
	writeFile(t, dir, "001_permissions.sql", "INSERT INTO permissions VALUES (1);\n")

	db := &fakeDB{}
	runner := newTestSeedRunner(t, dir, db, newFakeLedger())

	result, err := runner.Run(context.Background(), "development")
	require.NoError(t, err)
	require.Equal(t, []string{"001_permissions.sql", "002_roles.sql"}, result.Executed)
	require.Len(t, db.txs, 2)
	require.Contains(t, db.txs[0].stmts[0], "permissions")
	require.Contains(t, db.txs[1].stmts[0], "roles")
}

func TestSeedRunSkipsPerEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001_permissions.sql", "INSERT INTO permissions VALUES (1);\n")

	ledger := newFakeLedger()
	runner := newTestSeedRunner(t, dir, &fakeDB{}, ledger)

	result, err := runner.Run(context.Background(), "development")
	require.NoError(t, err)
	require.Len(t, result.Executed, 1)

	// Re-running for the same environment skips; a different environment
	// executes the identical file again.
	result, err = runner.Run(context.Background(), "development")
	require.NoError(t, err)
	require.Empty(t, result.Executed)
	require.Equal(t, []string{"001_permissions.sql"}, result.Skipped)

	result, err = runner.Run(context.Background(), "staging")
	require.NoError(t, err)
	require.Equal(t, []string{"001_permissions.sql"}, result.Executed)

	require.Len(t, ledger.seeders, 2)
}

func TestSeedRunDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001_permissions.sql", "INSERT INTO permissions VALUES (1);\n")

	db := &fakeDB{}
	ledger := newFakeLedger()
	runner := newTestSeedRunner(t, dir, db, ledger)

	_, err := runner.Run(context.Background(), "development")
	require.NoError(t, err)

	writeFile(t, dir, "001_permissions.sql", "INSERT INTO permissions VALUES (999);\n")

	result, err := runner.Run(context.Background(), "development")
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.Equal(t, "001_permissions.sql", result.Failed)
	require.Len(t, db.txs, 1) // only the original execution
}

func TestSeedRunFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001_bad.sql", "INSERT BROKEN;\n")

	db := &fakeDB{failTxOn: "BROKEN"}
	ledger := newFakeLedger()
	runner := newTestSeedRunner(t, dir, db, ledger)

	result, err := runner.Run(context.Background(), "development")
	require.Error(t, err)
	require.Equal(t, "001_bad.sql", result.Failed)
	require.True(t, db.txs[0].rolledBack)
	require.Empty(t, ledger.seeders)
}

func TestSeedRunRequiresEnvironment(t *testing.T) {
	runner := newTestSeedRunner(t, t.TempDir(), &fakeDB{}, newFakeLedger())
	_, err := runner.Run(context.Background(), "  ")
	require.Error(t, err)
}
