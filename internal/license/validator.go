package license

import (
	"math"
	"time"

	"wslicense/pkg/contracts/domain"
)

// SyncAge is how old the last successful sync may be before a valid
// verdict asks for reconciliation.
const SyncAge = 24 * time.Hour

// Validate evaluates a cached licence against the device and the clock.
// It performs no I/O. The checks run in a fixed order: presence, device
// binding, administrative status, expiry, then sync freshness.
func Validate(entry *domain.CacheEntry, fingerprint string, now time.Time) domain.Verdict {
	v := domain.Verdict{CheckedAt: now}

	if entry == nil {
		v.Reason = domain.ReasonNoLicence
		v.NeedsSync = true
		return v
	}

	v.PlanType = entry.PlanType
	v.LicenseType = entry.LicenseType
	v.ExpiryDate = EffectiveExpiry(entry)

	if entry.Fingerprint != fingerprint {
		v.Reason = domain.ReasonDeviceMismatch
		return v
	}

	switch entry.Status {
	case domain.LicenseStatusSuspended:
		v.Reason = domain.ReasonSuspended
		v.NeedsSync = true
		return v
	case domain.LicenseStatusRevoked:
		v.Reason = domain.ReasonRevoked
		v.NeedsSync = true
		return v
	case domain.LicenseStatusExpired:
		v.Reason = domain.ReasonExpired
		v.NeedsSync = true
		return v
	}

	// equality is still valid
	if now.After(v.ExpiryDate) {
		v.Reason = domain.ReasonExpired
		v.NeedsSync = true
		return v
	}

	v.Valid = true
	v.Reason = domain.ReasonValid
	v.RemainingDays = RemainingDays(v.ExpiryDate, now)
	// a last sync in the future means the clock was moved back
	v.NeedsSync = now.Sub(entry.LastSync) > SyncAge || now.Before(entry.LastSync.Add(-ClockSkewTolerance))
	return v
}

// EffectiveExpiry is the instant the entry stops being valid. Trials are
// additionally bounded by TrialLength from activation and are never extended.
func EffectiveExpiry(entry *domain.CacheEntry) time.Time {
	expiry := entry.ExpiryDate
	if entry.LicenseType == domain.LicenseTypeTrial && !entry.ActivationDate.IsZero() {
		trialEnd := entry.ActivationDate.Add(domain.TrialLength)
		if expiry.IsZero() || trialEnd.Before(expiry) {
			expiry = trialEnd
		}
	}
	return expiry
}

// RemainingDays rounds the time left up to whole days
func RemainingDays(expiry, now time.Time) int {
	left := expiry.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}
