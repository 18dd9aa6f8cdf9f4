package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx satisfies pgx.Tx and records executed statements. Statements
// containing failOn return an error, simulating broken SQL.
type fakeTx struct {
	stmts      []string
	failOn     string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return &pgconn.StatementDescription{}, errors.New("not implemented")
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.stmts = append(t.stmts, sql)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error at or near \"BROKEN\"")
	}
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

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
		case *int64:
			*d = int64(value.(int))
		case *string:
			*d = value.(string)
		default:
			return fmt.Errorf("fakeRow: unsupported dest %T", dest[i])
		}
	}
	return nil
}

// fakeDB satisfies DB. Each BeginTx hands out a fresh fakeTx; QueryRow pops
// scripted rows in order.
type fakeDB struct {
	txs        []*fakeTx
	execStmts  []string
	failTxOn   string
	beginErr   error
	rowQueue   []*fakeRow
	rowQueries []string
}

func (db *fakeDB) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	tx := &fakeTx{failOn: db.failTxOn}
	db.txs = append(db.txs, tx)
	return tx, nil
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execStmts = append(db.execStmts, sql)
	return pgconn.CommandTag{}, nil
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.rowQueries = append(db.rowQueries, sql)
	if len(db.rowQueue) == 0 {
		return &fakeRow{err: errors.New("fakeDB: no scripted row")}
	}
	row := db.rowQueue[0]
	db.rowQueue = db.rowQueue[1:]
	return row
}

// fakeLedger is an in-memory ledgerStore. Inserts take effect immediately;
// the engine only reaches them after the migration SQL succeeded.
type fakeLedger struct {
	migrations  map[string]MigrationRecord
	seeders     map[string]SeederRecord
	initialized bool
	nextID      int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		migrations: make(map[string]MigrationRecord),
		seeders:    make(map[string]SeederRecord),
	}
}

func (l *fakeLedger) Initialize(ctx context.Context) error {
	l.initialized = true
	return nil
}

func (l *fakeLedger) ListMigrations(ctx context.Context) ([]MigrationRecord, error) {
	var records []MigrationRecord
	for _, rec := range l.migrations {
		records = append(records, rec)
	}
	return records, nil
}

func (l *fakeLedger) GetMigration(ctx context.Context, filename string) (MigrationRecord, error) {
	rec, ok := l.migrations[filename]
	if !ok {
		return MigrationRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (l *fakeLedger) InsertMigrationTx(ctx context.Context, tx pgx.Tx, rec MigrationRecord) error {
	l.nextID++
	rec.ID = l.nextID
	l.migrations[rec.Filename] = rec
	return nil
}

func (l *fakeLedger) DeleteMigrationTx(ctx context.Context, tx pgx.Tx, filename string) error {
	if _, ok := l.migrations[filename]; !ok {
		return ErrRecordNotFound
	}
	delete(l.migrations, filename)
	return nil
}

func (l *fakeLedger) ListSeeders(ctx context.Context, environment string) ([]SeederRecord, error) {
	var records []SeederRecord
	for _, rec := range l.seeders {
		if rec.Environment == environment {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (l *fakeLedger) InsertSeederTx(ctx context.Context, tx pgx.Tx, rec SeederRecord) error {
	l.nextID++
	rec.ID = l.nextID
	l.seeders[rec.Filename+"|"+rec.Environment] = rec
	return nil
}
