package cmd

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/spf13/cobra"
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Certificate revocation list tools",
	Long:  `Commands for building and publishing the CRL file served to the MQTT broker.`,
}

var crlPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Rebuild and publish the CRL file",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.publisher.Publish(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("CRL published to %s\n", app.publisher.Path())
		return nil
	},
}

var crlShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Build the CRL and print its entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		data, err := app.publisher.Build(cmd.Context())
		if err != nil {
			return err
		}
		block, _ := pem.Decode(data)
		if block == nil {
			return fmt.Errorf("CRL is not PEM encoded")
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return fmt.Errorf("parsing CRL: %w", err)
		}

		fmt.Printf("Issuer:      %s\n", crl.Issuer)
		fmt.Printf("This update: %s\n", crl.ThisUpdate)
		fmt.Printf("Next update: %s\n", crl.NextUpdate)
		fmt.Printf("Entries:     %d\n", len(crl.RevokedCertificateEntries))
		for _, e := range crl.RevokedCertificateEntries {
			fmt.Printf("  %040X  revoked %s  reason %d\n",
				e.SerialNumber, e.RevocationTime.Format("2006-01-02"), e.ReasonCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlPublishCmd)
	crlCmd.AddCommand(crlShowCmd)
}
