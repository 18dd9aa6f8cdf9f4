package rlscmd

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/everafter-labs/everafter-platform/platform/go/logging"
	"github.com/everafter-labs/everafter-platform/platform/go/persistence"
	"github.com/everafter-labs/everafter-platform/platform/go/rls"
)

type config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Command groups row security operations.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rls",
		Short: "Row security utilities",
	}

	cmd.AddCommand(checkCommand())
	return cmd
}

func checkCommand() *cobra.Command {
	var (
		flagDatabaseURL string
		flagUserID      string
		flagTenantID    string
	)

	c := &cobra.Command{
		Use:   "check",
		Short: "Run the tenant isolation self-test under a given identity",
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

			userID, err := uuid.Parse(flagUserID)
			if err != nil {
				return fmt.Errorf("parse user id: %w", err)
			}
			tenantID, err := uuid.Parse(flagTenantID)
			if err != nil {
				return fmt.Errorf("parse tenant id: %w", err)
			}

			logger, err := logging.NewLogger(logging.Config{Component: "rls-cli", Level: cfg.LogLevel})
			if err != nil {
				return fmt.Errorf("init zap logger: %w", err)
			}
			defer logger.Sync() // nolint:errcheck

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init postgres pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			// The manager needs one session; variables set via set_config are
			// scoped to the acquired connection.
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("acquire session: %w", err)
			}
			defer conn.Release()

			manager := rls.NewManager(conn, logger)
			if err := manager.SetUserContext(ctx, userID, &tenantID); err != nil {
				return err
			}
			defer manager.ClearContext(ctx) // nolint:errcheck

			out := cmd.OutOrStdout()

			sc, err := manager.ValidateSecurityContext(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "context valid: %t, super admin: %t, system access: %t\n",
				sc.Valid, sc.IsSuperAdmin, sc.HasSystemAccess)
			if !sc.Valid {
				return fmt.Errorf("server resolved no usable security context for %s", userID)
			}

			report, err := manager.TestTenantIsolation(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "own tenant readable: %t\n", report.OwnTenantAccess)
			fmt.Fprintf(out, "other tenants readable: %t\n", report.OtherTenantAccess)
			fmt.Fprintf(out, "system data readable: %t\n", report.SystemDataAccess)
			for _, note := range report.Notes {
				fmt.Fprintf(out, "note: %s\n", note)
			}

			if !report.IsolationWorking {
				return fmt.Errorf("tenant isolation is NOT working for %s", userID)
			}
			fmt.Fprintln(out, "tenant isolation working")
			return nil
		},
	}

	c.Flags().StringVar(&flagDatabaseURL, "database-url", "", "PostgreSQL connection string (falls back to DATABASE_URL)")
	c.Flags().StringVar(&flagUserID, "user-id", "", "Tenant user id to act as")
	c.Flags().StringVar(&flagTenantID, "tenant-id", "", "Tenant id to bind the session to")
	_ = c.MarkFlagRequired("user-id")
	_ = c.MarkFlagRequired("tenant-id")
	return c
}
