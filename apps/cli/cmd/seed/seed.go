package seedcmd

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/everafter-labs/everafter-platform/platform/go/logging"
	"github.com/everafter-labs/everafter-platform/platform/go/migrate"
	"github.com/everafter-labs/everafter-platform/platform/go/persistence"
)

type config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	SeedsDir    string `env:"SEEDS_DIR" envDefault:"database/seeds"`
}

// Command applies seed data for an environment, defaulting to development.
func Command() *cobra.Command {
	var (
		flagDatabaseURL string
		flagDir         string
		flagCreatedBy   string
	)

	cmd := &cobra.Command{
		Use:   "seed [environment]",
		Short: "Apply seed files for an environment (tracked per environment)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			environment := resolveEnvironment(args)

			var cfg config
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			databaseURL := flagDatabaseURL
			if databaseURL == "" {
				databaseURL = cfg.DatabaseURL
			}
			if databaseURL == "" {
				return fmt.Errorf("database url is required (flag --database-url or DATABASE_URL)")
			}

			dir := flagDir
			if dir == "" {
				dir = cfg.SeedsDir
			}

			createdBy := flagCreatedBy
			if createdBy == "" {
				createdBy = os.Getenv("USER")
			}
			if createdBy == "" {
				createdBy = "cli"
			}

			logger, err := logging.NewLogger(logging.Config{Component: "seed-cli", Level: cfg.LogLevel})
			if err != nil {
				return fmt.Errorf("init zap logger: %w", err)
			}
			defer logger.Sync() // nolint:errcheck

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init postgres pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			runner := migrate.NewSeedRunner(migrate.SeedRunnerConfig{
				DB:        pool,
				Dir:       dir,
				Logger:    logger,
				CreatedBy: createdBy,
			})

			result, err := runner.Run(ctx, environment)
			if err != nil {
				if result.Failed != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "failed at %s\n", result.Failed)
				}
				return err
			}

			for _, name := range result.Executed {
				fmt.Fprintf(cmd.OutOrStdout(), "seeded   %s\n", name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d seeded, %d already applied for %s\n",
				len(result.Executed), len(result.Skipped), environment)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagDatabaseURL, "database-url", "", "PostgreSQL connection string (falls back to DATABASE_URL)")
	cmd.Flags().StringVar(&flagDir, "dir", "", "Seed directory (falls back to SEEDS_DIR)")
	cmd.Flags().StringVar(&flagCreatedBy, "created-by", "", "Operator recorded on ledger rows (defaults to $USER)")
	return cmd
}

// resolveEnvironment defaults to development when no environment is named.
func resolveEnvironment(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return "development"
}
