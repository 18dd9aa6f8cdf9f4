package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SeedFile is one parsed seed script. Seeds carry no version, rollback or
// dependency markers; they are assumed independent and run in filename order.
type SeedFile struct {
	Filename string
	SQL      string
	Checksum string
}

// SeedRunner executes environment-scoped seed scripts with the same
// transactional discipline as the migration engine. A seed recorded for one
// environment is skipped there but may still run under another.
type SeedRunner struct {
	db        DB
	ledger    ledgerStore
	dir       string
	logger    *zap.Logger
	createdBy string
}

type SeedRunnerConfig struct {
	DB        DB
	Dir       string
	Logger    *zap.Logger
	CreatedBy string
}

func NewSeedRunner(cfg SeedRunnerConfig) *SeedRunner {
	if cfg.DB == nil {
		panic("SeedRunner requires db")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		panic("SeedRunner requires seed directory")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeedRunner{
		db:        cfg.DB,
		ledger:    NewLedger(cfg.DB),
		dir:       cfg.Dir,
		logger:    logger,
		createdBy: cfg.CreatedBy,
	}
}

// ListAvailable reads every .sql file in the seed directory, sorted by
// filename. Checksums cover the full file content.
func (r *SeedRunner) ListAvailable() ([]SeedFile, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read seed directory %s: %w", r.dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	files := make([]SeedFile, 0, len(names))
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read seed %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		files = append(files, SeedFile{
			Filename: name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	return files, nil
}

// Run executes every seed not yet recorded for the environment, in filename
// order. A recorded seed whose on-disk content changed aborts the run with
// ErrChecksumMismatch before any SQL executes.
func (r *SeedRunner) Run(ctx context.Context, environment string) (RunResult, error) {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return RunResult{}, fmt.Errorf("environment is required")
	}

	files, err := r.ListAvailable()
	if err != nil {
		return RunResult{}, err
	}

	records, err := r.ledger.ListSeeders(ctx, environment)
	if err != nil {
		return RunResult{}, err
	}
	recorded := make(map[string]SeederRecord, len(records))
	for _, rec := range records {
		recorded[rec.Filename] = rec
	}

	for _, f := range files {
		if rec, ok := recorded[f.Filename]; ok && rec.Checksum != f.Checksum {
			return RunResult{Failed: f.Filename}, fmt.Errorf(
				"%s (%s): %w: ledger has %s, disk has %s",
				f.Filename, environment, ErrChecksumMismatch,
				shortChecksum(rec.Checksum), shortChecksum(f.Checksum))
		}
	}

	var result RunResult
	for _, f := range files {
		if _, ok := recorded[f.Filename]; ok {
			result.Skipped = append(result.Skipped, f.Filename)
			continue
		}

		elapsed, err := r.apply(ctx, f, environment)
		if err != nil {
			result.Failed = f.Filename
			return result, fmt.Errorf("seed %s (%s): %w", f.Filename, environment, err)
		}

		result.Executed = append(result.Executed, f.Filename)
		r.logger.Info("seed applied",
			zap.String("filename", f.Filename),
			zap.String("environment", environment),
			zap.Duration("duration", elapsed),
		)
	}

	return result, nil
}

func (r *SeedRunner) apply(ctx context.Context, f SeedFile, environment string) (time.Duration, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	start := time.Now()
	if _, err := tx.Exec(ctx, f.SQL); err != nil {
		return 0, fmt.Errorf("execute seed sql: %w", err)
	}
	elapsed := time.Since(start)

	rec := SeederRecord{
		Filename:        f.Filename,
		Checksum:        f.Checksum,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Environment:     environment,
	}
	if r.createdBy != "" {
		rec.CreatedBy = &r.createdBy
	}

	if err := r.ledger.InsertSeederTx(ctx, tx, rec); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return elapsed, nil
}
