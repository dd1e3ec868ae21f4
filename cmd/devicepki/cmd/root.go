package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "devicepki",
	Short: "Device identity and certificate lifecycle service",
	Long: `devicepki issues per-device X.509 client certificates under a private CA,
manages the shared factory bootstrap credential, records device
first-contact registrations and publishes the CRL consumed by the
MQTT broker's mTLS frontend.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to YAML config file")
}
