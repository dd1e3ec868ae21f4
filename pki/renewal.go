package pki

import (
	"context"
	"log/slog"
	"time"

	"github.com/onkoto/devicepki/store"
)

// RenewalScheduler runs the two periodic renewal passes: marking
// certificates that entered the renewal window, and alerting on
// scheduled renewals whose date has arrived. Delivery of the renewed
// credential (manual or OTA) happens outside this service.
type RenewalScheduler struct {
	store store.Store
	log   *slog.Logger
}

// NewRenewalScheduler returns a RenewalScheduler.
func NewRenewalScheduler(st store.Store, log *slog.Logger) *RenewalScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &RenewalScheduler{store: st, log: log}
}

// ScheduleRenewals marks every non-revoked, not-yet-scheduled
// certificate expiring within the renewal window. The renewal date is
// expiry minus the window, or tomorrow when that is already past.
// Returns the number of certificates newly scheduled.
func (s *RenewalScheduler) ScheduleRenewals(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	candidates, err := s.store.RenewalCandidates(ctx, now.Add(store.RenewalWindow))
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, cert := range candidates {
		date := cert.ExpiresAt.Add(-store.RenewalWindow)
		if !date.After(now) {
			date = now.AddDate(0, 0, 1)
		}
		ok, err := s.store.ScheduleRenewal(ctx, cert.ID, date)
		if err != nil {
			return scheduled, err
		}
		if ok {
			scheduled++
			s.log.Info("certificate scheduled for renewal",
				"certificate_id", cert.ID,
				"device_id", cert.DeviceID,
				"expires_at", cert.ExpiresAt,
				"renewal_date", date)
		}
	}
	return scheduled, nil
}

// AlertDue emits an operational alert for every scheduled certificate
// whose renewal date has arrived. Returns how many are due.
func (s *RenewalScheduler) AlertDue(ctx context.Context) (int, error) {
	due, err := s.store.DueRenewals(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, cert := range due {
		s.log.Warn("certificate renewal due",
			"certificate_id", cert.ID,
			"tenant_id", cert.TenantID,
			"device_id", cert.DeviceID,
			"serial_number", cert.SerialNumber,
			"expires_at", cert.ExpiresAt)
	}
	return len(due), nil
}

// Run executes both passes on the given interval until the context is
// cancelled. Errors are logged; the loop keeps running.
func (s *RenewalScheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ScheduleRenewals(ctx); err != nil {
				s.log.Error("renewal scheduling pass failed", "error", err)
			}
			if _, err := s.AlertDue(ctx); err != nil {
				s.log.Error("renewal alert pass failed", "error", err)
			}
		}
	}
}
