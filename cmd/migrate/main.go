package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"authcore.dev/internal/migrate"
	"authcore.dev/internal/store/pg"
)

var (
	driver  string
	dsn     string
	table   string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply or roll back the embedded schema migrations",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&driver, "driver", envOr("AUTHCORE_DB_DRIVER", pg.DriverPostgres), "Database driver: pgx or sqlite3")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("AUTHCORE_DB_DSN"), "Database DSN (env: AUTHCORE_DB_DSN)")
	rootCmd.PersistentFlags().StringVar(&table, "table", "schema_migrations", "Migration history table")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "up to date")
				}
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if errors.Is(err, migrate.ErrNoMigrations) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				pending, err := mgr.Pending(ctx)
				if err != nil {
					return err
				}
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied  %s\n", name)
				}
				for _, name := range pending {
					fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", name)
				}
				return nil
			}),
		},
	)
}

func withManager(fn func(context.Context, *cobra.Command, *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if dsn == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or AUTHCORE_DB_DSN")
		}
		st, err := pg.Open(driver, dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := fn(ctx, cmd, migrate.NewManager(st.DB(), migrate.WithMigrationsTable(table))); err != nil {
			return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
