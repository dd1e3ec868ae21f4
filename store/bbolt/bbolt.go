// Package bbolt provides a BBolt-backed implementation of store.Store.
// Records are stored as JSON in per-type buckets with a serial index
// bucket; every check-then-act sequence runs inside a single db.Update,
// which is what makes the uniqueness invariants hold.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/onkoto/devicepki/store"
)

var (
	bucketCerts         = []byte("device_certificates")
	bucketBootstraps    = []byte("bootstrap_certificates")
	bucketRegistrations = []byte("registrations")
	bucketGateways      = []byte("gateways")
	bucketSerialIndex   = []byte("serial_index") // serial -> "cert:<id>" or "bootstrap:<id>"
)

// Store implements store.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCerts, bucketBootstraps, bucketRegistrations, bucketGateways, bucketSerialIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens a BBolt database at the given path and returns a new Store.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func putJSON(b *bbolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func getJSON(b *bbolt.Bucket, id string, v any) error {
	data := b.Get([]byte(id))
	if data == nil {
		return store.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func claimSerial(tx *bbolt.Tx, serial, ref string) error {
	idx := tx.Bucket(bucketSerialIndex)
	if idx.Get([]byte(serial)) != nil {
		return store.ErrDuplicateSerial
	}
	return idx.Put([]byte(serial), []byte(ref))
}

// ---------------------------------------------------------------------------
// Device certificates
// ---------------------------------------------------------------------------

func (s *Store) InsertDeviceCertificate(ctx context.Context, cert *store.DeviceCertificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return insertCertTx(tx, cert)
	})
}

func insertCertTx(tx *bbolt.Tx, cert *store.DeviceCertificate) error {
	if err := cert.Validate(time.Now().UTC()); err != nil {
		return err
	}
	if err := claimSerial(tx, cert.SerialNumber, "cert:"+cert.ID); err != nil {
		return err
	}
	b := tx.Bucket(bucketCerts)
	err := b.ForEach(func(_, data []byte) error {
		var existing store.DeviceCertificate
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if !existing.Revoked && existing.TenantID == cert.TenantID && existing.MACAddress == cert.MACAddress {
			return store.ErrActiveCertificateExists
		}
		return nil
	})
	if err != nil {
		return err
	}
	return putJSON(b, cert.ID, cert)
}

func (s *Store) DeviceCertificate(ctx context.Context, id string) (*store.DeviceCertificate, error) {
	var cert store.DeviceCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketCerts), id, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) DeviceCertificateBySerial(ctx context.Context, serial string) (*store.DeviceCertificate, error) {
	var cert store.DeviceCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		ref := tx.Bucket(bucketSerialIndex).Get([]byte(serial))
		if !bytes.HasPrefix(ref, []byte("cert:")) {
			return store.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketCerts), string(ref[len("cert:"):]), &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) forEachCert(fn func(c *store.DeviceCertificate) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCerts).ForEach(func(_, data []byte) error {
			var c store.DeviceCertificate
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			return fn(&c)
		})
	})
}

func (s *Store) ActiveDeviceCertificates(ctx context.Context, tenantID, deviceID string) ([]*store.DeviceCertificate, error) {
	var out []*store.DeviceCertificate
	err := s.forEachCert(func(c *store.DeviceCertificate) error {
		if !c.Revoked && c.TenantID == tenantID && c.DeviceID == deviceID {
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortCerts(out)
	return out, nil
}

func (s *Store) ListDeviceCertificates(ctx context.Context, f store.CertificateFilter) ([]*store.DeviceCertificate, int, error) {
	now := time.Now()
	var matched []*store.DeviceCertificate
	err := s.forEachCert(func(c *store.DeviceCertificate) error {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			return nil
		}
		if f.MACAddress != "" && c.MACAddress != f.MACAddress {
			return nil
		}
		switch f.Status {
		case store.FilterValid:
			if c.Revoked || c.Expired(now) {
				return nil
			}
		case store.FilterExpired:
			if !c.Expired(now) {
				return nil
			}
		case store.FilterRevoked:
			if !c.Revoked {
				return nil
			}
		}
		matched = append(matched, c)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sortCerts(matched)

	total := len(matched)
	start, end := pageBounds(total, f.Limit, f.Offset)
	return matched[start:end], total, nil
}

func (s *Store) updateCert(id string, fn func(c *store.DeviceCertificate) error) (*store.DeviceCertificate, error) {
	var cert store.DeviceCertificate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCerts)
		if err := getJSON(b, id, &cert); err != nil {
			return err
		}
		if err := fn(&cert); err != nil {
			return err
		}
		return putJSON(b, id, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) RevokeDeviceCertificate(ctx context.Context, id string, at time.Time, reason store.RevokeReason, notes string) (*store.DeviceCertificate, error) {
	return s.updateCert(id, func(c *store.DeviceCertificate) error {
		if c.Revoked {
			return store.ErrAlreadyRevoked
		}
		c.Revoked = true
		t := at
		c.RevokedAt = &t
		c.RevokeReason = reason
		c.RevokeNotes = notes
		return nil
	})
}

func (s *Store) ScheduleRenewal(ctx context.Context, id string, date time.Time) (bool, error) {
	scheduled := false
	_, err := s.updateCert(id, func(c *store.DeviceCertificate) error {
		if c.RenewalScheduled {
			return nil
		}
		c.RenewalScheduled = true
		t := date
		c.RenewalDate = &t
		scheduled = true
		return nil
	})
	return scheduled, err
}

func (s *Store) PurgeDeviceCertificateKey(ctx context.Context, id string) (bool, error) {
	purged := false
	_, err := s.updateCert(id, func(c *store.DeviceCertificate) error {
		if c.PrivateKeyPEM == "" {
			return nil
		}
		c.PrivateKeyPEM = ""
		purged = true
		return nil
	})
	return purged, err
}

func (s *Store) RenewalCandidates(ctx context.Context, before time.Time) ([]*store.DeviceCertificate, error) {
	var out []*store.DeviceCertificate
	err := s.forEachCert(func(c *store.DeviceCertificate) error {
		if !c.Revoked && !c.RenewalScheduled && !c.ExpiresAt.After(before) {
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortCerts(out)
	return out, nil
}

func (s *Store) DueRenewals(ctx context.Context, now time.Time) ([]*store.DeviceCertificate, error) {
	var out []*store.DeviceCertificate
	err := s.forEachCert(func(c *store.DeviceCertificate) error {
		if !c.Revoked && c.RenewalScheduled && c.RenewalDate != nil && !c.RenewalDate.After(now) {
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortCerts(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Bootstrap certificates
// ---------------------------------------------------------------------------

func (s *Store) InsertBootstrapCertificate(ctx context.Context, boot *store.BootstrapCertificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := claimSerial(tx, boot.SerialNumber, "bootstrap:"+boot.ID); err != nil {
			return err
		}
		b := tx.Bucket(bucketBootstraps)

		// Rotation: deactivate the current active record in the same tx.
		var supersede []*store.BootstrapCertificate
		err := b.ForEach(func(_, data []byte) error {
			var existing store.BootstrapCertificate
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Active && !existing.Revoked {
				supersede = append(supersede, &existing)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, old := range supersede {
			old.Active = false
			if err := putJSON(b, old.ID, old); err != nil {
				return err
			}
		}
		return putJSON(b, boot.ID, boot)
	})
}

func (s *Store) BootstrapCertificate(ctx context.Context, id string) (*store.BootstrapCertificate, error) {
	var boot store.BootstrapCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketBootstraps), id, &boot)
	})
	if err != nil {
		return nil, err
	}
	return &boot, nil
}

func (s *Store) findBootstrap(match func(b *store.BootstrapCertificate) bool) (*store.BootstrapCertificate, error) {
	var found *store.BootstrapCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBootstraps).ForEach(func(_, data []byte) error {
			if found != nil {
				return nil
			}
			var b store.BootstrapCertificate
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			if match(&b) {
				found = &b
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) BootstrapCertificateByFingerprint(ctx context.Context, fingerprint string) (*store.BootstrapCertificate, error) {
	return s.findBootstrap(func(b *store.BootstrapCertificate) bool {
		return b.FingerprintSHA256 == fingerprint
	})
}

func (s *Store) ActiveBootstrapCertificate(ctx context.Context) (*store.BootstrapCertificate, error) {
	return s.findBootstrap(func(b *store.BootstrapCertificate) bool {
		return b.Active && !b.Revoked
	})
}

func (s *Store) ListBootstrapCertificates(ctx context.Context) ([]*store.BootstrapCertificate, error) {
	var out []*store.BootstrapCertificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBootstraps).ForEach(func(_, data []byte) error {
			var b store.BootstrapCertificate
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *Store) updateBootstrap(id string, fn func(b *store.BootstrapCertificate) error) (*store.BootstrapCertificate, error) {
	var boot store.BootstrapCertificate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBootstraps)
		if err := getJSON(b, id, &boot); err != nil {
			return err
		}
		if err := fn(&boot); err != nil {
			return err
		}
		return putJSON(b, id, &boot)
	})
	if err != nil {
		return nil, err
	}
	return &boot, nil
}

func (s *Store) DeactivateBootstrapCertificate(ctx context.Context, id string) (bool, error) {
	deactivated := false
	_, err := s.updateBootstrap(id, func(b *store.BootstrapCertificate) error {
		if !b.Active {
			return nil
		}
		b.Active = false
		deactivated = true
		return nil
	})
	return deactivated, err
}

func (s *Store) RevokeBootstrapCertificate(ctx context.Context, id string, at time.Time, reason store.RevokeReason, notes string) (*store.BootstrapCertificate, error) {
	return s.updateBootstrap(id, func(b *store.BootstrapCertificate) error {
		if b.Revoked {
			return store.ErrAlreadyRevoked
		}
		b.Revoked = true
		b.Active = false
		t := at
		b.RevokedAt = &t
		b.RevokeReason = reason
		b.RevokeNotes = notes
		return nil
	})
}

func (s *Store) PurgeBootstrapKey(ctx context.Context, id string) (bool, error) {
	purged := false
	_, err := s.updateBootstrap(id, func(b *store.BootstrapCertificate) error {
		if b.PrivateKeyPEM == "" {
			return nil
		}
		b.PrivateKeyPEM = ""
		purged = true
		return nil
	})
	return purged, err
}

// ---------------------------------------------------------------------------
// Revoked projection (CRL input)
// ---------------------------------------------------------------------------

func (s *Store) ListRevoked(ctx context.Context) ([]store.RevokedEntry, error) {
	var out []store.RevokedEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketCerts).ForEach(func(_, data []byte) error {
			var c store.DeviceCertificate
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			if c.Revoked && c.RevokedAt != nil {
				out = append(out, store.RevokedEntry{SerialNumber: c.SerialNumber, RevokedAt: *c.RevokedAt, Reason: c.RevokeReason})
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBootstraps).ForEach(func(_, data []byte) error {
			var b store.BootstrapCertificate
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			if b.Revoked && b.RevokedAt != nil {
				out = append(out, store.RevokedEntry{SerialNumber: b.SerialNumber, RevokedAt: *b.RevokedAt, Reason: b.RevokeReason})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevokedAt.Before(out[j].RevokedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Registrations
// ---------------------------------------------------------------------------

func activeRegistrationTx(tx *bbolt.Tx, mac string) (*store.Registration, error) {
	var newest *store.Registration
	err := tx.Bucket(bucketRegistrations).ForEach(func(_, data []byte) error {
		var r store.Registration
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.MACAddress != mac || r.Status == store.StatusRejected {
			return nil
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = &r
		}
		return nil
	})
	return newest, err
}

func (s *Store) CreateRegistration(ctx context.Context, reg *store.Registration) (*store.Registration, bool, error) {
	var out *store.Registration
	created := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := activeRegistrationTx(tx, reg.MACAddress)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		if err := putJSON(tx.Bucket(bucketRegistrations), reg.ID, reg); err != nil {
			return err
		}
		out = reg
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) Registration(ctx context.Context, id string) (*store.Registration, error) {
	var reg store.Registration
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketRegistrations), id, &reg)
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *Store) ActiveRegistrationByMAC(ctx context.Context, mac string) (*store.Registration, error) {
	var found *store.Registration
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, err := activeRegistrationTx(tx, mac)
		if err != nil {
			return err
		}
		found = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListRegistrations(ctx context.Context, status store.RegistrationStatus) ([]*store.Registration, error) {
	var out []*store.Registration
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistrations).ForEach(func(_, data []byte) error {
			var r store.Registration
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if status != "" && r.Status != status {
				return nil
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AllocateRegistration(ctx context.Context, a store.Allocation) (*store.Registration, error) {
	var reg store.Registration
	err := s.db.Update(func(tx *bbolt.Tx) error {
		regs := tx.Bucket(bucketRegistrations)
		if err := getJSON(regs, a.RegistrationID, &reg); err != nil {
			return err
		}
		target := store.StatusAllocated
		if a.Certificate != nil {
			target = store.StatusProvisioned
		}
		if !reg.Status.CanTransition(target) {
			return store.ErrInvalidTransition
		}
		if a.Certificate != nil {
			if err := insertCertTx(tx, a.Certificate); err != nil {
				return err
			}
			reg.CertificateID = a.Certificate.ID
		}
		if err := putJSON(tx.Bucket(bucketGateways), a.Gateway.ID, a.Gateway); err != nil {
			return err
		}
		reg.Status = target
		reg.GatewayID = a.Gateway.ID
		reg.ProcessedBy = a.ProcessedBy
		reg.AdminNotes = a.Notes
		t := a.ProcessedAt
		reg.ProcessedAt = &t
		return putJSON(regs, reg.ID, &reg)
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *Store) updateRegistration(id string, fn func(r *store.Registration) error) (*store.Registration, error) {
	var reg store.Registration
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRegistrations)
		if err := getJSON(b, id, &reg); err != nil {
			return err
		}
		if err := fn(&reg); err != nil {
			return err
		}
		return putJSON(b, id, &reg)
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *Store) CompleteRegistration(ctx context.Context, regID, certID string, at time.Time) (*store.Registration, error) {
	return s.updateRegistration(regID, func(r *store.Registration) error {
		if !r.Status.CanTransition(store.StatusProvisioned) {
			return store.ErrInvalidTransition
		}
		r.Status = store.StatusProvisioned
		r.CertificateID = certID
		t := at
		r.ProcessedAt = &t
		return nil
	})
}

func (s *Store) RejectRegistration(ctx context.Context, id, notes, actor string, at time.Time) (*store.Registration, error) {
	return s.updateRegistration(id, func(r *store.Registration) error {
		if !r.Status.CanTransition(store.StatusRejected) {
			return store.ErrInvalidTransition
		}
		r.Status = store.StatusRejected
		r.AdminNotes = notes
		r.ProcessedBy = actor
		t := at
		r.ProcessedAt = &t
		return nil
	})
}

// ---------------------------------------------------------------------------
// Gateways
// ---------------------------------------------------------------------------

func (s *Store) Gateway(ctx context.Context, id string) (*store.Gateway, error) {
	var g store.Gateway
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketGateways), id, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) GatewayByMAC(ctx context.Context, tenantID, mac string) (*store.Gateway, error) {
	var found *store.Gateway
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGateways).ForEach(func(_, data []byte) error {
			if found != nil {
				return nil
			}
			var g store.Gateway
			if err := json.Unmarshal(data, &g); err != nil {
				return err
			}
			if g.TenantID == tenantID && g.MACAddress == mac {
				found = &g
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func sortCerts(certs []*store.DeviceCertificate) {
	sort.Slice(certs, func(i, j int) bool { return certs[i].IssuedAt.After(certs[j].IssuedAt) })
}

func pageBounds(total, limit, offset int) (start, end int) {
	if offset < 0 {
		offset = 0
	}
	start = offset
	if start > total {
		start = total
	}
	if limit <= 0 {
		return start, total
	}
	end = start + limit
	if end > total {
		end = total
	}
	return start, end
}
