package pki

import "errors"

var (
	// ErrInvalidCSR indicates a malformed CSR or one whose self-signature
	// does not verify. The device must resubmit.
	ErrInvalidCSR = errors.New("certificate signing request is invalid")

	// ErrCertificateExists indicates an active certificate already covers
	// this device. Recoverable by the caller choosing force-renew.
	ErrCertificateExists = errors.New("an active certificate already exists for this device")

	// ErrKeyPurged indicates the stored private key was purged after the
	// factory download. Packaging operations that need it fail permanently.
	ErrKeyPurged = errors.New("private key has been purged from this record")

	// ErrNoActiveBootstrap indicates no active, non-revoked bootstrap
	// certificate exists.
	ErrNoActiveBootstrap = errors.New("no active bootstrap certificate")
)
