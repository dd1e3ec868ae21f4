// Package memory provides a thread-safe in-memory implementation of
// store.Store. Suitable for tests, demos, and single-process use cases.
// The single mutex serializes every check-then-act sequence, which is what
// upholds the uniqueness invariants under concurrent callers.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/onkoto/devicepki/store"
)

// Store is a thread-safe in-memory implementation of store.Store.
type Store struct {
	mu            sync.RWMutex
	certs         map[string]*store.DeviceCertificate
	certsBySerial map[string]string // serial -> cert id
	bootstraps    map[string]*store.BootstrapCertificate
	registrations map[string]*store.Registration
	gateways      map[string]*store.Gateway
}

var _ store.Store = (*Store)(nil)

// New creates a new empty in-memory Store.
func New() *Store {
	return &Store{
		certs:         make(map[string]*store.DeviceCertificate),
		certsBySerial: make(map[string]string),
		bootstraps:    make(map[string]*store.BootstrapCertificate),
		registrations: make(map[string]*store.Registration),
		gateways:      make(map[string]*store.Gateway),
	}
}

func cloneCert(c *store.DeviceCertificate) *store.DeviceCertificate {
	if c == nil {
		return nil
	}
	out := *c
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	if c.RenewalDate != nil {
		t := *c.RenewalDate
		out.RenewalDate = &t
	}
	return &out
}

func cloneBootstrap(b *store.BootstrapCertificate) *store.BootstrapCertificate {
	if b == nil {
		return nil
	}
	out := *b
	if b.RevokedAt != nil {
		t := *b.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

func cloneRegistration(r *store.Registration) *store.Registration {
	if r == nil {
		return nil
	}
	out := *r
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		out.ProcessedAt = &t
	}
	return &out
}

func cloneGateway(g *store.Gateway) *store.Gateway {
	if g == nil {
		return nil
	}
	out := *g
	return &out
}

// ---------------------------------------------------------------------------
// Device certificates
// ---------------------------------------------------------------------------

func (s *Store) InsertDeviceCertificate(ctx context.Context, cert *store.DeviceCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertCertLocked(cert)
}

func (s *Store) insertCertLocked(cert *store.DeviceCertificate) error {
	if err := cert.Validate(time.Now().UTC()); err != nil {
		return err
	}
	if _, ok := s.certsBySerial[cert.SerialNumber]; ok {
		return store.ErrDuplicateSerial
	}
	for _, b := range s.bootstraps {
		if b.SerialNumber == cert.SerialNumber {
			return store.ErrDuplicateSerial
		}
	}
	for _, existing := range s.certs {
		if !existing.Revoked && existing.TenantID == cert.TenantID && existing.MACAddress == cert.MACAddress {
			return store.ErrActiveCertificateExists
		}
	}
	s.certs[cert.ID] = cloneCert(cert)
	s.certsBySerial[cert.SerialNumber] = cert.ID
	return nil
}

func (s *Store) DeviceCertificate(ctx context.Context, id string) (*store.DeviceCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCert(c), nil
}

func (s *Store) DeviceCertificateBySerial(ctx context.Context, serial string) (*store.DeviceCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.certsBySerial[serial]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCert(s.certs[id]), nil
}

func (s *Store) ActiveDeviceCertificates(ctx context.Context, tenantID, deviceID string) ([]*store.DeviceCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.DeviceCertificate
	for _, c := range s.certs {
		if !c.Revoked && c.TenantID == tenantID && c.DeviceID == deviceID {
			out = append(out, cloneCert(c))
		}
	}
	sortCerts(out)
	return out, nil
}

func (s *Store) ListDeviceCertificates(ctx context.Context, f store.CertificateFilter) ([]*store.DeviceCertificate, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var matched []*store.DeviceCertificate
	for _, c := range s.certs {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.MACAddress != "" && c.MACAddress != f.MACAddress {
			continue
		}
		switch f.Status {
		case store.FilterValid:
			if c.Revoked || c.Expired(now) {
				continue
			}
		case store.FilterExpired:
			if !c.Expired(now) {
				continue
			}
		case store.FilterRevoked:
			if !c.Revoked {
				continue
			}
		}
		matched = append(matched, cloneCert(c))
	}
	sortCerts(matched)

	total := len(matched)
	start, end := pageBounds(total, f.Limit, f.Offset)
	return matched[start:end], total, nil
}

func (s *Store) RevokeDeviceCertificate(ctx context.Context, id string, at time.Time, reason store.RevokeReason, notes string) (*store.DeviceCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if c.Revoked {
		return nil, store.ErrAlreadyRevoked
	}
	c.Revoked = true
	t := at
	c.RevokedAt = &t
	c.RevokeReason = reason
	c.RevokeNotes = notes
	return cloneCert(c), nil
}

func (s *Store) ScheduleRenewal(ctx context.Context, id string, date time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.RenewalScheduled {
		return false, nil
	}
	c.RenewalScheduled = true
	t := date
	c.RenewalDate = &t
	return true, nil
}

func (s *Store) PurgeDeviceCertificateKey(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.PrivateKeyPEM == "" {
		return false, nil
	}
	c.PrivateKeyPEM = ""
	return true, nil
}

func (s *Store) RenewalCandidates(ctx context.Context, before time.Time) ([]*store.DeviceCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.DeviceCertificate
	for _, c := range s.certs {
		if !c.Revoked && !c.RenewalScheduled && !c.ExpiresAt.After(before) {
			out = append(out, cloneCert(c))
		}
	}
	sortCerts(out)
	return out, nil
}

func (s *Store) DueRenewals(ctx context.Context, now time.Time) ([]*store.DeviceCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.DeviceCertificate
	for _, c := range s.certs {
		if !c.Revoked && c.RenewalScheduled && c.RenewalDate != nil && !c.RenewalDate.After(now) {
			out = append(out, cloneCert(c))
		}
	}
	sortCerts(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Bootstrap certificates
// ---------------------------------------------------------------------------

func (s *Store) InsertBootstrapCertificate(ctx context.Context, b *store.BootstrapCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.certsBySerial[b.SerialNumber]; ok {
		return store.ErrDuplicateSerial
	}
	for _, existing := range s.bootstraps {
		if existing.SerialNumber == b.SerialNumber {
			return store.ErrDuplicateSerial
		}
	}
	// Rotation: the new record supersedes any currently active one.
	for _, existing := range s.bootstraps {
		if existing.Active && !existing.Revoked {
			existing.Active = false
		}
	}
	s.bootstraps[b.ID] = cloneBootstrap(b)
	return nil
}

func (s *Store) BootstrapCertificate(ctx context.Context, id string) (*store.BootstrapCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bootstraps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBootstrap(b), nil
}

func (s *Store) BootstrapCertificateByFingerprint(ctx context.Context, fingerprint string) (*store.BootstrapCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bootstraps {
		if b.FingerprintSHA256 == fingerprint {
			return cloneBootstrap(b), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ActiveBootstrapCertificate(ctx context.Context) (*store.BootstrapCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bootstraps {
		if b.Active && !b.Revoked {
			return cloneBootstrap(b), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListBootstrapCertificates(ctx context.Context) ([]*store.BootstrapCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.BootstrapCertificate, 0, len(s.bootstraps))
	for _, b := range s.bootstraps {
		out = append(out, cloneBootstrap(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *Store) DeactivateBootstrapCertificate(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bootstraps[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !b.Active {
		return false, nil
	}
	b.Active = false
	return true, nil
}

func (s *Store) RevokeBootstrapCertificate(ctx context.Context, id string, at time.Time, reason store.RevokeReason, notes string) (*store.BootstrapCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bootstraps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if b.Revoked {
		return nil, store.ErrAlreadyRevoked
	}
	b.Revoked = true
	b.Active = false
	t := at
	b.RevokedAt = &t
	b.RevokeReason = reason
	b.RevokeNotes = notes
	return cloneBootstrap(b), nil
}

func (s *Store) PurgeBootstrapKey(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bootstraps[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if b.PrivateKeyPEM == "" {
		return false, nil
	}
	b.PrivateKeyPEM = ""
	return true, nil
}

// ---------------------------------------------------------------------------
// Revoked projection (CRL input)
// ---------------------------------------------------------------------------

func (s *Store) ListRevoked(ctx context.Context) ([]store.RevokedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.RevokedEntry
	for _, c := range s.certs {
		if c.Revoked && c.RevokedAt != nil {
			out = append(out, store.RevokedEntry{SerialNumber: c.SerialNumber, RevokedAt: *c.RevokedAt, Reason: c.RevokeReason})
		}
	}
	for _, b := range s.bootstraps {
		if b.Revoked && b.RevokedAt != nil {
			out = append(out, store.RevokedEntry{SerialNumber: b.SerialNumber, RevokedAt: *b.RevokedAt, Reason: b.RevokeReason})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevokedAt.Before(out[j].RevokedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Registrations
// ---------------------------------------------------------------------------

func (s *Store) CreateRegistration(ctx context.Context, reg *store.Registration) (*store.Registration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeRegistrationLocked(reg.MACAddress); existing != nil {
		return cloneRegistration(existing), false, nil
	}
	s.registrations[reg.ID] = cloneRegistration(reg)
	return cloneRegistration(reg), true, nil
}

func (s *Store) activeRegistrationLocked(mac string) *store.Registration {
	var newest *store.Registration
	for _, r := range s.registrations {
		if r.MACAddress != mac || r.Status == store.StatusRejected {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	return newest
}

func (s *Store) Registration(ctx context.Context, id string) (*store.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRegistration(r), nil
}

func (s *Store) ActiveRegistrationByMAC(ctx context.Context, mac string) (*store.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.activeRegistrationLocked(mac); r != nil {
		return cloneRegistration(r), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListRegistrations(ctx context.Context, status store.RegistrationStatus) ([]*store.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Registration
	for _, r := range s.registrations {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRegistration(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AllocateRegistration(ctx context.Context, a store.Allocation) (*store.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.registrations[a.RegistrationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	target := store.StatusAllocated
	if a.Certificate != nil {
		target = store.StatusProvisioned
	}
	if !r.Status.CanTransition(target) {
		return nil, store.ErrInvalidTransition
	}

	// Certificate insertion first: it can fail on the uniqueness
	// invariants, and nothing else must be applied when it does.
	if a.Certificate != nil {
		if err := s.insertCertLocked(a.Certificate); err != nil {
			return nil, err
		}
	}
	s.gateways[a.Gateway.ID] = cloneGateway(a.Gateway)

	r.Status = target
	r.GatewayID = a.Gateway.ID
	if a.Certificate != nil {
		r.CertificateID = a.Certificate.ID
	}
	r.ProcessedBy = a.ProcessedBy
	r.AdminNotes = a.Notes
	t := a.ProcessedAt
	r.ProcessedAt = &t
	return cloneRegistration(r), nil
}

func (s *Store) CompleteRegistration(ctx context.Context, regID, certID string, at time.Time) (*store.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registrations[regID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !r.Status.CanTransition(store.StatusProvisioned) {
		return nil, store.ErrInvalidTransition
	}
	r.Status = store.StatusProvisioned
	r.CertificateID = certID
	t := at
	r.ProcessedAt = &t
	return cloneRegistration(r), nil
}

func (s *Store) RejectRegistration(ctx context.Context, id, notes, actor string, at time.Time) (*store.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !r.Status.CanTransition(store.StatusRejected) {
		return nil, store.ErrInvalidTransition
	}
	r.Status = store.StatusRejected
	r.AdminNotes = notes
	r.ProcessedBy = actor
	t := at
	r.ProcessedAt = &t
	return cloneRegistration(r), nil
}

// ---------------------------------------------------------------------------
// Gateways
// ---------------------------------------------------------------------------

func (s *Store) Gateway(ctx context.Context, id string) (*store.Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gateways[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneGateway(g), nil
}

func (s *Store) GatewayByMAC(ctx context.Context, tenantID, mac string) (*store.Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.gateways {
		if g.TenantID == tenantID && g.MACAddress == mac {
			return cloneGateway(g), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Close() error { return nil }

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
