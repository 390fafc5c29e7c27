package testutil

import (
	"time"

	"wslicense/pkg/contracts/domain"
)

// DefaultFingerprint is the device the fixtures bind to
const DefaultFingerprint = "fp-fixture-0001"

// LicenceFixtures builds cached licences relative to a fixed instant
type LicenceFixtures struct {
	Now         time.Time
	Fingerprint string
}

// NewLicenceFixtures anchors the fixtures at now
func NewLicenceFixtures(now time.Time) *LicenceFixtures {
	return &LicenceFixtures{Now: now, Fingerprint: DefaultFingerprint}
}

// Entry is an active subscription with days left, synced just now
func (f *LicenceFixtures) Entry(days int) *domain.CacheEntry {
	return &domain.CacheEntry{
		LicenseKey:     "WS-0A1B2C3D4E5F",
		LicenseType:    domain.LicenseTypeSubscription,
		PlanType:       "pro",
		Status:         domain.LicenseStatusActive,
		ActivationDate: f.Now.Add(-24 * time.Hour),
		ExpiryDate:     f.Now.Add(time.Duration(days) * 24 * time.Hour),
		MaxDevices:     1,
		Fingerprint:    f.Fingerprint,
		LastSync:       f.Now,
	}
}

// Active has thirty days left
func (f *LicenceFixtures) Active() *domain.CacheEntry { return f.Entry(30) }

// Expired ended a day ago
func (f *LicenceFixtures) Expired() *domain.CacheEntry { return f.Entry(-1) }

// WithStatus is Active with the administrative status replaced
func (f *LicenceFixtures) WithStatus(status domain.LicenseStatus) *domain.CacheEntry {
	e := f.Active()
	e.Status = status
	return e
}

// ForeignDevice is bound to another fingerprint
func (f *LicenceFixtures) ForeignDevice() *domain.CacheEntry {
	e := f.Active()
	e.Fingerprint = "fp-someone-else"
	return e
}

// Stale was last synced days ago
func (f *LicenceFixtures) Stale(days float64) *domain.CacheEntry {
	e := f.Active()
	e.LastSync = f.Now.Add(-time.Duration(days * float64(24*time.Hour)))
	return e
}

// Trial started a day ago. Its expiry claims a year but the trial cap wins.
func (f *LicenceFixtures) Trial() *domain.CacheEntry {
	e := f.Entry(365)
	e.LicenseType = domain.LicenseTypeTrial
	e.PlanType = "trial"
	return e
}

// Record is what the registry would return for entry
func (f *LicenceFixtures) Record(entry *domain.CacheEntry) *domain.LicenseRecord {
	return &domain.LicenseRecord{
		LicenseKey:     entry.LicenseKey,
		LicenseType:    entry.LicenseType,
		PlanType:       entry.PlanType,
		Status:         entry.Status,
		ExpiryDate:     entry.ExpiryDate,
		ActivationDate: entry.ActivationDate,
		MaxDevices:     entry.MaxDevices,
		DeviceID:       entry.Fingerprint,
	}
}

// Scenario pairs a cached licence with the local verdict it must produce
type Scenario struct {
	Name       string
	Entry      *domain.CacheEntry
	WantValid  bool
	WantReason domain.ReasonCode
	WantSync   bool
}

// Scenarios covers each outcome of local validation
func (f *LicenceFixtures) Scenarios() []Scenario {
	return []Scenario{
		{Name: "active", Entry: f.Active(), WantValid: true, WantReason: domain.ReasonValid},
		{Name: "expiring", Entry: f.Entry(3), WantValid: true, WantReason: domain.ReasonValid},
		{Name: "no licence", Entry: nil, WantReason: domain.ReasonNoLicence, WantSync: true},
		{Name: "expired", Entry: f.Expired(), WantReason: domain.ReasonExpired, WantSync: true},
		{Name: "suspended", Entry: f.WithStatus(domain.LicenseStatusSuspended), WantReason: domain.ReasonSuspended, WantSync: true},
		{Name: "revoked", Entry: f.WithStatus(domain.LicenseStatusRevoked), WantReason: domain.ReasonRevoked, WantSync: true},
		{Name: "other device", Entry: f.ForeignDevice(), WantReason: domain.ReasonDeviceMismatch},
		{Name: "stale sync", Entry: f.Stale(2), WantValid: true, WantReason: domain.ReasonValid, WantSync: true},
		{Name: "trial", Entry: f.Trial(), WantValid: true, WantReason: domain.ReasonValid},
	}
}
