package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedgerInitializeAppliesEmbeddedDDL(t *testing.T) {
	db := &fakeDB{}
	ledger := NewLedger(db)

	require.NoError(t, ledger.Initialize(context.Background()))
	require.Len(t, db.execStmts, 1)
	require.Contains(t, db.execStmts[0], "CREATE TABLE IF NOT EXISTS migrations")
	require.Contains(t, db.execStmts[0], "CREATE TABLE IF NOT EXISTS seeders")
	require.Contains(t, db.execStmts[0], "UNIQUE (filename, environment)")

	// Idempotent DDL: calling again issues the same statements.
	require.NoError(t, ledger.Initialize(context.Background()))
	require.Len(t, db.execStmts, 2)
}

func TestInsertMigrationTxSharesCallerTransaction(t *testing.T) {
	ledger := NewLedger(&fakeDB{})
	tx := &fakeTx{}

	err := ledger.InsertMigrationTx(context.Background(), tx, MigrationRecord{
		Filename: "001_x.sql",
		Version:  "001",
		Name:     "x",
		Checksum: "abc",
	})
	require.NoError(t, err)
	require.Len(t, tx.stmts, 1)
	require.Contains(t, tx.stmts[0], "INSERT INTO migrations")
	require.False(t, tx.committed) // commit stays with the caller
}

func TestDeleteMigrationTxMissingRow(t *testing.T) {
	ledger := NewLedger(&fakeDB{})
	err := ledger.DeleteMigrationTx(context.Background(), &fakeTx{}, "001_x.sql")
	require.ErrorIs(t, err, ErrRecordNotFound)
}
