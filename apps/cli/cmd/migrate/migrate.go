package migratecmd

import (
	"context"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/everafter-labs/everafter-platform/platform/go/logging"
	"github.com/everafter-labs/everafter-platform/platform/go/migrate"
	"github.com/everafter-labs/everafter-platform/platform/go/persistence"
)

type config struct {
	DatabaseURL   string `env:"DATABASE_URL"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"database/migrations"`
}

var (
	flagDatabaseURL string
	flagDir         string
	flagCreatedBy   string
)

func registerFlags(c *cobra.Command) {
	c.Flags().StringVar(&flagDatabaseURL, "database-url", "", "PostgreSQL connection string (falls back to DATABASE_URL)")
	c.Flags().StringVar(&flagDir, "dir", "", "Migration directory (falls back to MIGRATIONS_DIR)")
	c.Flags().StringVar(&flagCreatedBy, "created-by", "", "Operator recorded on ledger rows (defaults to $USER)")
}

// Command groups the schema migration operations.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations in order",
		RunE:  runPending,
	}
	registerFlags(cmd)

	cmd.AddCommand(StatusCommand())
	cmd.AddCommand(RollbackCommand())
	return cmd
}

// setup resolves config, builds the logger, pool and engine. The caller owns
// the returned pool.
func setup(ctx context.Context) (*migrate.Engine, *pgxpool.Pool, *zap.Logger, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	databaseURL := flagDatabaseURL
	if databaseURL == "" {
		databaseURL = cfg.DatabaseURL
	}
	if databaseURL == "" {
		return nil, nil, nil, fmt.Errorf("database url is required (flag --database-url or DATABASE_URL)")
	}

	dir := flagDir
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	createdBy := flagCreatedBy
	if createdBy == "" {
		createdBy = os.Getenv("USER")
	}
	if createdBy == "" {
		createdBy = "cli"
	}

	logger, err := logging.NewLogger(logging.Config{Component: "migration-cli", Level: cfg.LogLevel})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init zap logger: %w", err)
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init postgres pool: %w", err)
	}

	engine := migrate.NewEngine(migrate.EngineConfig{
		DB:        pool,
		Catalog:   migrate.NewCatalog(dir),
		Logger:    logger,
		CreatedBy: createdBy,
	})
	return engine, pool, logger, nil
}

func runPending(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, pool, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer persistence.ClosePool(pool)
	defer logger.Sync() // nolint:errcheck

	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize ledger: %w", err)
	}

	result, err := engine.RunPending(ctx)
	if err != nil {
		if result.Failed != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed at %s\n", result.Failed)
		}
		return err
	}

	for _, name := range result.Executed {
		fmt.Fprintf(cmd.OutOrStdout(), "applied  %s\n", name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d applied, %d already up to date\n", len(result.Executed), len(result.Skipped))
	return nil
}

// StatusCommand is exposed both under migrate and at the root so deployment
// pipelines can call it either way.
func StatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, pool, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)
			defer logger.Sync() // nolint:errcheck

			report, err := engine.Status(ctx)
			if err != nil {
				return err
			}

			for _, m := range report.Migrations {
				if m.Applied && m.ExecutedAt != nil && m.ExecutionTimeMs != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "applied  %-50s %s (%d ms)\n",
						m.Filename, m.ExecutedAt.Format("2006-01-02 15:04:05"), *m.ExecutionTimeMs)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", m.Filename)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d applied, %d pending\n", report.Applied, report.Pending)
			return nil
		},
	}
	registerFlags(cmd)
	return cmd
}

// RollbackCommand is exposed both under migrate and at the root.
func RollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <filename>",
		Short: "Roll back a single applied migration using its recorded rollback SQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, pool, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)
			defer logger.Sync() // nolint:errcheck

			if err := engine.RollbackOne(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", args[0])
			return nil
		},
	}
	registerFlags(cmd)
	return cmd
}
