package diagnosecmd

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/everafter-labs/everafter-platform/platform/go/logging"
	"github.com/everafter-labs/everafter-platform/platform/go/migrate"
	"github.com/everafter-labs/everafter-platform/platform/go/persistence"
)

type config struct {
	DatabaseURL   string `env:"DATABASE_URL"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"database/migrations"`
}

// Command runs the schema and ledger diagnostics. The command exits non-zero
// when the schema is unhealthy or the catalog conflicts with the ledger.
func Command() *cobra.Command {
	var (
		flagDatabaseURL string
		flagDir         string
		flagRepair      bool
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Validate schema integrity and check the catalog against the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

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
				dir = cfg.MigrationsDir
			}

			logger, err := logging.NewLogger(logging.Config{Component: "diagnose-cli", Level: cfg.LogLevel})
			if err != nil {
				return fmt.Errorf("init zap logger: %w", err)
			}
			defer logger.Sync() // nolint:errcheck

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init postgres pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			diag := migrate.NewDiagnostics(pool, migrate.NewCatalog(dir))
			out := cmd.OutOrStdout()

			integrity := diag.ValidateSchemaIntegrity(ctx)
			for _, table := range integrity.Tables {
				state := "ok"
				if !table.Exists {
					state = "MISSING"
				}
				fmt.Fprintf(out, "table    %-30s %s\n", table.Table, state)
			}
			fmt.Fprintf(out, "foreign keys: %d, indexes: %d, row security policies: %d\n",
				integrity.ForeignKeyCount, integrity.IndexCount, integrity.SecurityPolicies)
			for _, issue := range integrity.Issues {
				fmt.Fprintf(out, "issue    %s\n", issue)
			}
			for _, item := range integrity.Unevaluated {
				fmt.Fprintf(out, "skipped  %s\n", item)
			}

			conflicts, err := diag.CheckMigrationConflicts(ctx)
			if err != nil {
				return err
			}
			for _, c := range conflicts {
				fmt.Fprintf(out, "conflict %-50s %s: %s\n", c.Filename, c.Kind, c.Detail)
			}

			if flagRepair {
				repair, err := diag.RepairMigrationInconsistencies(ctx)
				if err != nil {
					return err
				}
				if len(repair.DuplicateFilenames) == 0 {
					fmt.Fprintln(out, "repair: no duplicate ledger rows")
				} else {
					fmt.Fprintf(out, "repair: removed %d duplicate ledger rows for %v\n",
						repair.RowsDeleted, repair.DuplicateFilenames)
				}
			}

			stats, err := diag.Stats(ctx)
			if err != nil {
				return err
			}
			last := "never"
			if stats.LastAppliedAt != nil {
				last = stats.LastAppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%d migrations applied (last %s, avg %d ms), %d seed rows\n",
				stats.AppliedMigrations, last, stats.AvgExecutionMs, stats.SeedsRecorded)

			if !integrity.Healthy || len(conflicts) > 0 {
				return fmt.Errorf("diagnostics found %d issues and %d conflicts", len(integrity.Issues), len(conflicts))
			}
			fmt.Fprintln(out, "schema healthy")
			return nil
		},
	}

	cmd.Flags().StringVar(&flagDatabaseURL, "database-url", "", "PostgreSQL connection string (falls back to DATABASE_URL)")
	cmd.Flags().StringVar(&flagDir, "dir", "", "Migration directory (falls back to MIGRATIONS_DIR)")
	cmd.Flags().BoolVar(&flagRepair, "repair", false, "Remove duplicate ledger rows, keeping the earliest execution")
	return cmd
}
