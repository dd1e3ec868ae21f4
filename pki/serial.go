package pki

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"

	"github.com/onkoto/devicepki/internal/util"
)

const serialBytes = 20 // 160-bit serials, stored as 40 uppercase hex chars

// NewSerialNumber generates a random 160-bit certificate serial. The top
// bit is cleared so the DER integer encoding stays positive without a
// leading zero octet.
func NewSerialNumber() (string, error) {
	buf, err := util.RandomBytes(serialBytes)
	if err != nil {
		return "", fmt.Errorf("generating serial number: %w", err)
	}
	buf[0] &= 0x7F
	return strings.ToUpper(util.HexEncode(buf)), nil
}

// SerialToInt parses a hex serial into the big.Int form x509 templates
// require. Reports false for non-hex input.
func SerialToInt(serial string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(serial, 16)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// Fingerprint returns the SHA-256 digest of the DER certificate as
// colon-separated uppercase hex pairs.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// subjectKeyID computes the RFC 5280 method-1 key identifier: the SHA-1
// hash of the subjectPublicKey BIT STRING.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	var wrapper struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &wrapper); err != nil {
		return nil, fmt.Errorf("unwrapping public key: %w", err)
	}
	sum := sha1.Sum(wrapper.PublicKey.Bytes)
	return sum[:], nil
}
