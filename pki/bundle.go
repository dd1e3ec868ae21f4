package pki

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/onkoto/devicepki/store"
)

// PackageDevice produces the provisioning ZIP for one device: the CA
// trust anchor, the device certificate, the private key when the factory
// path stored one, and the flashing guide.
func (i *Issuer) PackageDevice(ctx context.Context, cert *store.DeviceCertificate) ([]byte, error) {
	caPEM, err := i.authority.CertificatePEM()
	if err != nil {
		return nil, err
	}
	files := []zipEntry{
		{"ca.crt", caPEM},
		{"client.crt", cert.CertificatePEM},
	}
	if cert.PrivateKeyPEM != "" {
		files = append(files, zipEntry{"client.key", cert.PrivateKeyPEM})
	}
	files = append(files, zipEntry{"README_nvs.txt", deviceReadme(cert)})
	return buildZip(files)
}

// PackageBootstrap produces the factory ZIP for the shared bootstrap
// credential. Fails with ErrKeyPurged once the one-time key download has
// been consumed.
func (m *BootstrapManager) PackageBootstrap(ctx context.Context, boot *store.BootstrapCertificate) ([]byte, error) {
	if boot.PrivateKeyPEM == "" {
		return nil, ErrKeyPurged
	}
	caPEM, err := m.authority.CertificatePEM()
	if err != nil {
		return nil, err
	}
	files := []zipEntry{
		{"bootstrap.crt", boot.CertificatePEM},
		{"bootstrap.key", boot.PrivateKeyPEM},
		{"ca.crt", caPEM},
		{"README_nvs.txt", bootstrapReadme(boot)},
	}
	return buildZip(files)
}

type zipEntry struct {
	name    string
	content string
}

func buildZip(files []zipEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("adding %s to archive: %w", f.name, err)
		}
		if _, err := fw.Write([]byte(f.content)); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return buf.Bytes(), nil
}

func deviceReadme(cert *store.DeviceCertificate) string {
	keyLine := "  key     <- client.key (shipped in this archive)\n"
	keyNote := ""
	if cert.PrivateKeyPEM == "" {
		keyLine = "  key     <- the private key generated on the device (not in this archive)\n"
		keyNote = "\nThis certificate was signed from a device-submitted CSR. The private\nkey never left the device and is not included here.\n"
	}
	return fmt.Sprintf(`Device provisioning bundle
==========================

Device ID:   %s
MAC address: %s
Serial:      %s
Expires:     %s

Flash the following files into the NVS partition under these keys:

  cert    <- client.crt
%s  ca_crt  <- ca.crt

The firmware reads these keys at boot to establish the mutual-TLS
connection to the MQTT broker.
%s`,
		cert.DeviceID,
		cert.MACAddress,
		cert.SerialNumber,
		cert.ExpiresAt.Format(time.RFC3339),
		keyLine,
		keyNote)
}

func bootstrapReadme(boot *store.BootstrapCertificate) string {
	return fmt.Sprintf(`Factory bootstrap bundle
========================

Label:   %s
Serial:  %s
Expires: %s

Flash the following files into the NVS partition under these keys:

  cert    <- bootstrap.crt
  key     <- bootstrap.key
  ca_crt  <- ca.crt

Every device in the batch ships with this shared credential. On first
boot the device uses it for the mTLS provisioning handshake, registers
itself, and is later issued its individual certificate. Treat the key
file as a factory secret: purge it from the issuing service after this
download.
`,
		boot.Label,
		boot.SerialNumber,
		boot.ExpiresAt.Format(time.RFC3339))
}
