package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	bootstrapLabel string
	bootstrapOut   string
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Factory bootstrap certificate tools",
	Long: `Commands for managing the shared bootstrap certificate flashed onto
devices in production. Generating a new one deactivates its predecessor;
revocation is a separate, deliberate step.`,
}

var bootstrapGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new bootstrap certificate batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		boot, err := app.bootstrap.Generate(cmd.Context(), bootstrapLabel, "cli")
		if err != nil {
			return err
		}
		fmt.Printf("Bootstrap %s generated (label %q, serial %s, expires %s)\n",
			boot.ID, boot.Label, boot.SerialNumber, boot.ExpiresAt.Format("2006-01-02"))

		if bootstrapOut != "" {
			data, err := app.bootstrap.PackageBootstrap(cmd.Context(), boot)
			if err != nil {
				return err
			}
			if err := os.WriteFile(bootstrapOut, data, 0o600); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}
			fmt.Printf("Flashing bundle written to %s\n", bootstrapOut)
		}
		return nil
	},
}

var bootstrapPurgeKeyCmd = &cobra.Command{
	Use:   "purge-key <bootstrap-id>",
	Short: "Delete the stored private key after the factory download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		purged, err := app.bootstrap.PurgeKey(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if purged {
			fmt.Println("Private key purged.")
		} else {
			fmt.Println("Private key was already purged.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
	bootstrapCmd.AddCommand(bootstrapGenerateCmd)
	bootstrapCmd.AddCommand(bootstrapPurgeKeyCmd)

	bootstrapGenerateCmd.Flags().StringVar(&bootstrapLabel, "label", "", "Batch label (required)")
	bootstrapGenerateCmd.Flags().StringVar(&bootstrapOut, "out", "", "Write the factory flashing ZIP to this path")
	bootstrapGenerateCmd.MarkFlagRequired("label")
}
