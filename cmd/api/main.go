package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"authcore.dev/internal/config"
	"authcore.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	cfgPath string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "authcore",
	Short: "Authorization and audit core",
	Long: `authcore authenticates principals, decides per-system access from explicit
grants and records every decision in a hash-chained audit log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := applyFlags(cmd, &loaded); err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
		obs.Configure(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("AUTHCORE_CONFIG"), "Path to YAML config (env: AUTHCORE_CONFIG)")
	rootCmd.PersistentFlags().String("db-driver", "", "Database driver: pgx, sqlite3 or memory (env: AUTHCORE_DB_DRIVER)")
	rootCmd.PersistentFlags().String("db-dsn", "", "Database DSN (env: AUTHCORE_DB_DSN)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (env: AUTHCORE_LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd, bootstrapCmd, verifyCmd)
}

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		v, err := flags.GetString("db-driver")
		if err != nil {
			return err
		}
		c.Database.Driver = v
	}
	if flags.Changed("db-dsn") {
		v, err := flags.GetString("db-dsn")
		if err != nil {
			return err
		}
		c.Database.DSN = v
	}
	if flags.Changed("log-level") {
		v, err := flags.GetString("log-level")
		if err != nil {
			return err
		}
		c.Logging.Level = v
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
