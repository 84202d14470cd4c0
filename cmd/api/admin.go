package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"authcore.dev/internal/audit"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap-admin",
	Short: "Create the first administrator",
	Long: `Creates the first administrator account. The command fails once any
administrator exists. The password is read from --password or
AUTHCORE_BOOTSTRAP_PASSWORD.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Driver == "memory" {
			return errors.New("bootstrap-admin needs a persistent database driver")
		}
		username, _ := cmd.Flags().GetString("username")
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = os.Getenv("AUTHCORE_BOOTSTRAP_PASSWORD")
		}
		if password == "" {
			return errors.New("password is required (--password or AUTHCORE_BOOTSTRAP_PASSWORD)")
		}

		d, err := build(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		user, err := d.engine.BootstrapAdmin(cmd.Context(), username, password, email, audit.RequestMeta{UserAgent: "authcore-cli"})
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Verify the audit hash chain",
	Long:  `Walks the audit chain from the first entry, recomputing every hash. Exits non-zero when a link is broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := build(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		report, err := d.log.Verify(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify audit chain: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.OK {
			return fmt.Errorf("audit chain broken at seq %d: %s", report.BrokenSeq, report.Problem)
		}
		return nil
	},
}

func init() {
	bootstrapCmd.Flags().String("username", "admin", "Administrator username")
	bootstrapCmd.Flags().String("email", "", "Administrator email")
	bootstrapCmd.Flags().String("password", "", "Administrator password (env: AUTHCORE_BOOTSTRAP_PASSWORD)")
}
