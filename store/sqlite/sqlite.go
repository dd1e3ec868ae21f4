// Package sqlite implements store.Store backed by SQLite via sqlx.
//
// Records are stored as individual columns. Two partial unique indexes
// carry the invariants that the other backends enforce by scanning:
// at most one non-revoked certificate per (tenant, MAC) and at most one
// non-rejected registration per MAC. Mutating transactions open with
// BEGIN IMMEDIATE (the _txlock DSN option) so that check-then-act
// sequences serialize at the database level.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/onkoto/devicepki/store"
)

//go:embed schema.sql
var schemaSQL string

// Store implements store.Store backed by a SQLite database.
type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by the given database handle. The schema is
// created if it does not exist.
func New(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) a SQLite database at the given path and returns
// a new Store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent request handlers.
	db.SetMaxOpenConns(1)
	return New(db)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func constraintErr(err error) error {
	var serr sqlite3.Error
	if !errors.As(err, &serr) || serr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return err
	}
	msg := serr.Error()
	switch {
	case strings.Contains(msg, "serial_number"):
		return store.ErrDuplicateSerial
	case strings.Contains(msg, "tenant_id") || strings.Contains(msg, "mac_address"):
		return store.ErrActiveCertificateExists
	default:
		return err
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Device certificates
// ---------------------------------------------------------------------------

const certColumns = `id, tenant_id, mac_address, device_id, gateway_id, csr_pem,
	certificate_pem, private_key_pem, serial_number, fingerprint_sha256,
	issued_at, expires_at, revoked, revoked_at, revoke_reason, revoke_notes,
	renewal_scheduled, renewal_date`

const insertCertSQL = `INSERT INTO device_certificates (` + certColumns + `)
	VALUES (:id, :tenant_id, :mac_address, :device_id, :gateway_id, :csr_pem,
	:certificate_pem, :private_key_pem, :serial_number, :fingerprint_sha256,
	:issued_at, :expires_at, :revoked, :revoked_at, :revoke_reason, :revoke_notes,
	:renewal_scheduled, :renewal_date)`

func insertCertTx(ctx context.Context, tx *sqlx.Tx, cert *store.DeviceCertificate) error {
	if err := cert.Validate(time.Now().UTC()); err != nil {
		return err
	}
	// Serials are unique across both certificate tables.
	var n int
	if err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM bootstrap_certificates WHERE serial_number = ?`, cert.SerialNumber); err != nil {
		return err
	}
	if n > 0 {
		return store.ErrDuplicateSerial
	}
	if _, err := tx.NamedExecContext(ctx, insertCertSQL, cert); err != nil {
		return constraintErr(err)
	}
	return nil
}

func (s *Store) InsertDeviceCertificate(ctx context.Context, cert *store.DeviceCertificate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertCertTx(ctx, tx, cert); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeviceCertificate(ctx context.Context, id string) (*store.DeviceCertificate, error) {
	var cert store.DeviceCertificate
	err := s.db.GetContext(ctx, &cert,
		`SELECT `+certColumns+` FROM device_certificates WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &cert, nil
}

func (s *Store) DeviceCertificateBySerial(ctx context.Context, serial string) (*store.DeviceCertificate, error) {
	var cert store.DeviceCertificate
	err := s.db.GetContext(ctx, &cert,
		`SELECT `+certColumns+` FROM device_certificates WHERE serial_number = ?`, serial)
	if err != nil {
		return nil, notFound(err)
	}
	return &cert, nil
}

func (s *Store) ActiveDeviceCertificates(ctx context.Context, tenantID, deviceID string) ([]*store.DeviceCertificate, error) {
	var out []*store.DeviceCertificate
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+certColumns+` FROM device_certificates
		 WHERE revoked = 0 AND tenant_id = ? AND device_id = ?
		 ORDER BY issued_at DESC`, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListDeviceCertificates(ctx context.Context, f store.CertificateFilter) ([]*store.DeviceCertificate, int, error) {
	where := []string{"1 = 1"}
	args := []any{}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.MACAddress != "" {
		where = append(where, "mac_address = ?")
		args = append(args, f.MACAddress)
	}
	switch f.Status {
	case store.FilterValid:
		where = append(where, "revoked = 0 AND expires_at > ?")
		args = append(args, time.Now())
	case store.FilterExpired:
		where = append(where, "expires_at <= ?")
		args = append(args, time.Now())
	case store.FilterRevoked:
		where = append(where, "revoked = 1")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM device_certificates WHERE `+cond, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + certColumns + ` FROM device_certificates WHERE ` + cond + ` ORDER BY issued_at DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}
	var out []*store.DeviceCertificate
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) RevokeDeviceCertificate(ctx context.Context, id string, at time.Time, reason store.RevokeReason, notes string) (*store.DeviceCertificate, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_certificates
		 SET revoked = 1, revoked_at = ?, revoke_reason = ?, revoke_notes = ?
		 WHERE id = ? AND revoked = 0`, at, reason, notes, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		cert, err := s.DeviceCertificate(ctx, id)
		if err != nil {
			return nil, err
		}
		if cert.Revoked {
			return nil, store.ErrAlreadyRevoked
		}
		return nil, store.ErrNotFound
	}
	return s.DeviceCertificate(ctx, id)
}

func (s *Store) ScheduleRenewal(ctx context.Context, id string, date time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_certificates
		 SET renewal_scheduled = 1, renewal_date = ?
		 WHERE id = ? AND renewal_scheduled = 0`, date, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.DeviceCertificate(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) PurgeDeviceCertificateKey(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_certificates SET private_key_pem = ''
		 WHERE id = ? AND private_key_pem != ''`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.DeviceCertificate(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RenewalCandidates(ctx context.Context, before time.Time) ([]*store.DeviceCertificate, error) {
	var out []*store.DeviceCertificate
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+certColumns+` FROM device_certificates
		 WHERE revoked = 0 AND renewal_scheduled = 0 AND expires_at <= ?
		 ORDER BY expires_at ASC`, before)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DueRenewals(ctx context.Context, now time.Time) ([]*store.DeviceCertificate, error) {
	var out []*store.DeviceCertificate
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+certColumns+` FROM device_certificates
		 WHERE revoked = 0 AND renewal_scheduled = 1 AND renewal_date IS NOT NULL AND renewal_date <= ?
		 ORDER BY renewal_date ASC`, now)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Bootstrap certificates
// ---------------------------------------------------------------------------

const bootstrapColumns = `id, label, certificate_pem, private_key_pem, serial_number,
	fingerprint_sha256, issued_at, expires_at, active, revoked, revoked_at,
	revoke_reason, revoke_notes, created_by`

func (s *Store) InsertBootstrapCertificate(ctx context.Context, b *store.BootstrapCertificate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM device_certificates WHERE serial_number = ?`, b.SerialNumber); err != nil {
		return err
	}
	if n > 0 {
		return store.ErrDuplicateSerial
	}
	// Rotation: the new record supersedes any currently active one.
	if _, err := tx.ExecContext(ctx,
		`UPDATE bootstrap_certificates SET active = 0 WHERE active = 1 AND revoked = 0`); err != nil {
		return err
	}
	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO bootstrap_certificates (`+bootstrapColumns+`)
		 VALUES (:id, :label, :certificate_pem, :private_key_pem, :serial_number,
		 :fingerprint_sha256, :issued_at, :expires_at, :active, :revoked, :revoked_at,
		 :revoke_reason, :revoke_notes, :created_by)`, b)
	if err != nil {
		return constraintErr(err)
	}
	return tx.Commit()
}

func (s *Store) getBootstrap(ctx context.Context, cond string, args ...any) (*store.BootstrapCertificate, error) {
	var b store.BootstrapCertificate
	err := s.db.GetContext(ctx, &b,
		`SELECT `+bootstrapColumns+` FROM bootstrap_certificates WHERE `+cond, args...)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (s *Store) BootstrapCertificate(ctx context.Context, id string) (*store.BootstrapCertificate, error) {
	return s.getBootstrap(ctx, "id = ?", id)
}

func (s *Store) BootstrapCertificateByFingerprint(ctx context.Context, fingerprint string) (*store.BootstrapCertificate, error) {
	return s.getBootstrap(ctx, "fingerprint_sha256 = ?", fingerprint)
}

func (s *Store) ActiveBootstrapCertificate(ctx context.Context) (*store.BootstrapCertificate, error) {
	return s.getBootstrap(ctx, "active = 1 AND revoked = 0")
}

func (s *Store) ListBootstrapCertificates(ctx context.Context) ([]*store.BootstrapCertificate, error) {
	var out []*store.BootstrapCertificate
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+bootstrapColumns+` FROM bootstrap_certificates ORDER BY issued_at DESC`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeactivateBootstrapCertificate(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bootstrap_certificates SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.BootstrapCertificate(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RevokeBootstrapCertificate(ctx context.Context, id string, at time.Time, reason store.RevokeReason, notes string) (*store.BootstrapCertificate, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bootstrap_certificates
		 SET revoked = 1, active = 0, revoked_at = ?, revoke_reason = ?, revoke_notes = ?
		 WHERE id = ? AND revoked = 0`, at, reason, notes, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		b, err := s.BootstrapCertificate(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Revoked {
			return nil, store.ErrAlreadyRevoked
		}
		return nil, store.ErrNotFound
	}
	return s.BootstrapCertificate(ctx, id)
}

func (s *Store) PurgeBootstrapKey(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bootstrap_certificates SET private_key_pem = ''
		 WHERE id = ? AND private_key_pem != ''`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.BootstrapCertificate(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Revoked projection (CRL input)
// ---------------------------------------------------------------------------

func (s *Store) ListRevoked(ctx context.Context) ([]store.RevokedEntry, error) {
	var out []store.RevokedEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT serial_number, revoked_at, revoke_reason AS reason
		 FROM device_certificates WHERE revoked = 1 AND revoked_at IS NOT NULL
		 UNION ALL
		 SELECT serial_number, revoked_at, revoke_reason AS reason
		 FROM bootstrap_certificates WHERE revoked = 1 AND revoked_at IS NOT NULL
		 ORDER BY revoked_at ASC`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Registrations
// ---------------------------------------------------------------------------

const registrationColumns = `id, mac_address, hardware_serial, model, fw_version,
	origin_ip, bootstrap_id, csr_pem, status, gateway_id, certificate_id,
	processed_by, processed_at, admin_notes, created_at`

func (s *Store) CreateRegistration(ctx context.Context, reg *store.Registration) (*store.Registration, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var existing store.Registration
	err = tx.GetContext(ctx, &existing,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE mac_address = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`, reg.MACAddress, store.StatusRejected)
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO registrations (`+registrationColumns+`)
		 VALUES (:id, :mac_address, :hardware_serial, :model, :fw_version,
		 :origin_ip, :bootstrap_id, :csr_pem, :status, :gateway_id, :certificate_id,
		 :processed_by, :processed_at, :admin_notes, :created_at)`, reg)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return reg, true, nil
}

func (s *Store) Registration(ctx context.Context, id string) (*store.Registration, error) {
	var reg store.Registration
	err := s.db.GetContext(ctx, &reg,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &reg, nil
}

func (s *Store) ActiveRegistrationByMAC(ctx context.Context, mac string) (*store.Registration, error) {
	var reg store.Registration
	err := s.db.GetContext(ctx, &reg,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE mac_address = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`, mac, store.StatusRejected)
	if err != nil {
		return nil, notFound(err)
	}
	return &reg, nil
}

func (s *Store) ListRegistrations(ctx context.Context, status store.RegistrationStatus) ([]*store.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	var out []*store.Registration
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AllocateRegistration(ctx context.Context, a store.Allocation) (*store.Registration, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var reg store.Registration
	err = tx.GetContext(ctx, &reg,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, a.RegistrationID)
	if err != nil {
		return nil, notFound(err)
	}
	target := store.StatusAllocated
	if a.Certificate != nil {
		target = store.StatusProvisioned
	}
	if !reg.Status.CanTransition(target) {
		return nil, store.ErrInvalidTransition
	}
	if a.Certificate != nil {
		if err := insertCertTx(ctx, tx, a.Certificate); err != nil {
			return nil, err
		}
		reg.CertificateID = a.Certificate.ID
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO gateways (id, tenant_id, name, mac_address, model, fw_version, created_at)
		 VALUES (:id, :tenant_id, :name, :mac_address, :model, :fw_version, :created_at)`,
		a.Gateway); err != nil {
		return nil, err
	}
	reg.Status = target
	reg.GatewayID = a.Gateway.ID
	reg.ProcessedBy = a.ProcessedBy
	reg.AdminNotes = a.Notes
	t := a.ProcessedAt
	reg.ProcessedAt = &t
	if _, err := tx.ExecContext(ctx,
		`UPDATE registrations
		 SET status = ?, gateway_id = ?, certificate_id = ?, processed_by = ?, admin_notes = ?, processed_at = ?
		 WHERE id = ?`,
		reg.Status, reg.GatewayID, reg.CertificateID, reg.ProcessedBy, reg.AdminNotes, reg.ProcessedAt, reg.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *Store) CompleteRegistration(ctx context.Context, regID, certID string, at time.Time) (*store.Registration, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var reg store.Registration
	err = tx.GetContext(ctx, &reg,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, regID)
	if err != nil {
		return nil, notFound(err)
	}
	if !reg.Status.CanTransition(store.StatusProvisioned) {
		return nil, store.ErrInvalidTransition
	}
	reg.Status = store.StatusProvisioned
	reg.CertificateID = certID
	t := at
	reg.ProcessedAt = &t
	if _, err := tx.ExecContext(ctx,
		`UPDATE registrations SET status = ?, certificate_id = ?, processed_at = ? WHERE id = ?`,
		reg.Status, reg.CertificateID, reg.ProcessedAt, reg.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *Store) RejectRegistration(ctx context.Context, id, notes, actor string, at time.Time) (*store.Registration, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var reg store.Registration
	err = tx.GetContext(ctx, &reg,
		`SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	if !reg.Status.CanTransition(store.StatusRejected) {
		return nil, store.ErrInvalidTransition
	}
	reg.Status = store.StatusRejected
	reg.AdminNotes = notes
	reg.ProcessedBy = actor
	t := at
	reg.ProcessedAt = &t
	if _, err := tx.ExecContext(ctx,
		`UPDATE registrations SET status = ?, admin_notes = ?, processed_by = ?, processed_at = ? WHERE id = ?`,
		reg.Status, reg.AdminNotes, reg.ProcessedBy, reg.ProcessedAt, reg.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// ---------------------------------------------------------------------------
// Gateways
// ---------------------------------------------------------------------------

func (s *Store) Gateway(ctx context.Context, id string) (*store.Gateway, error) {
	var g store.Gateway
	err := s.db.GetContext(ctx, &g,
		`SELECT id, tenant_id, name, mac_address, model, fw_version, created_at
		 FROM gateways WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func (s *Store) GatewayByMAC(ctx context.Context, tenantID, mac string) (*store.Gateway, error) {
	var g store.Gateway
	err := s.db.GetContext(ctx, &g,
		`SELECT id, tenant_id, name, mac_address, model, fw_version, created_at
		 FROM gateways WHERE tenant_id = ? AND mac_address = ? LIMIT 1`, tenantID, mac)
	if err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}
