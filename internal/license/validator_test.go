package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wslicense/pkg/contracts/domain"
)

const testFP = "0123456789abcdef0123456789abcdef"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func subscriptionEntry() *domain.CacheEntry {
	return &domain.CacheEntry{
		LicenseKey:     "WS-0A1B2C3D4E5F",
		LicenseType:    domain.LicenseTypeSubscription,
		PlanType:       "pro",
		Status:         domain.LicenseStatusActive,
		ActivationDate: baseTime.Add(-10 * 24 * time.Hour),
		ExpiryDate:     baseTime.Add(20 * 24 * time.Hour),
		MaxDevices:     2,
		Fingerprint:    testFP,
		LastSync:       baseTime.Add(-time.Hour),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name          string
		entry         func() *domain.CacheEntry
		fingerprint   string
		now           time.Time
		wantValid     bool
		wantReason    domain.ReasonCode
		wantNeedsSync bool
		wantRemaining int
	}{
		{
			name:          "no entry",
			entry:         func() *domain.CacheEntry { return nil },
			fingerprint:   testFP,
			now:           baseTime,
			wantReason:    domain.ReasonNoLicence,
			wantNeedsSync: true,
		},
		{
			name:          "valid and fresh",
			entry:         subscriptionEntry,
			fingerprint:   testFP,
			now:           baseTime,
			wantValid:     true,
			wantReason:    domain.ReasonValid,
			wantRemaining: 20,
		},
		{
			name: "fingerprint mismatch wins over expiry",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.ExpiryDate = baseTime.Add(-24 * time.Hour)
				return e
			},
			fingerprint: "ffffffffffffffffffffffffffffffff",
			now:         baseTime,
			wantReason:  domain.ReasonDeviceMismatch,
		},
		{
			name: "expired yesterday",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.ExpiryDate = baseTime.Add(-24 * time.Hour)
				return e
			},
			fingerprint:   testFP,
			now:           baseTime,
			wantReason:    domain.ReasonExpired,
			wantNeedsSync: true,
		},
		{
			name: "expiry equal to now is valid",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.ExpiryDate = baseTime
				return e
			},
			fingerprint: testFP,
			now:         baseTime,
			wantValid:   true,
			wantReason:  domain.ReasonValid,
		},
		{
			name: "stale sync",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.LastSync = baseTime.Add(-25 * time.Hour)
				return e
			},
			fingerprint:   testFP,
			now:           baseTime,
			wantValid:     true,
			wantReason:    domain.ReasonValid,
			wantNeedsSync: true,
			wantRemaining: 20,
		},
		{
			name: "clock moved backwards",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.LastSync = baseTime.Add(time.Hour)
				return e
			},
			fingerprint:   testFP,
			now:           baseTime,
			wantValid:     true,
			wantReason:    domain.ReasonValid,
			wantNeedsSync: true,
			wantRemaining: 20,
		},
		{
			name: "suspended",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.Status = domain.LicenseStatusSuspended
				return e
			},
			fingerprint:   testFP,
			now:           baseTime,
			wantReason:    domain.ReasonSuspended,
			wantNeedsSync: true,
		},
		{
			name: "revoked",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.Status = domain.LicenseStatusRevoked
				return e
			},
			fingerprint:   testFP,
			now:           baseTime,
			wantReason:    domain.ReasonRevoked,
			wantNeedsSync: true,
		},
		{
			name: "trial capped at seven days from activation",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.LicenseType = domain.LicenseTypeTrial
				e.ActivationDate = baseTime.Add(-8 * 24 * time.Hour)
				e.ExpiryDate = baseTime.Add(30 * 24 * time.Hour)
				return e
			},
			fingerprint:   testFP,
			now:           baseTime,
			wantReason:    domain.ReasonExpired,
			wantNeedsSync: true,
		},
		{
			name: "trial within seven days",
			entry: func() *domain.CacheEntry {
				e := subscriptionEntry()
				e.LicenseType = domain.LicenseTypeTrial
				e.ActivationDate = baseTime.Add(-2 * 24 * time.Hour)
				e.ExpiryDate = baseTime.Add(30 * 24 * time.Hour)
				return e
			},
			fingerprint:   testFP,
			now:           baseTime,
			wantValid:     true,
			wantReason:    domain.ReasonValid,
			wantRemaining: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.entry(), tt.fingerprint, tt.now)

			assert.Equal(t, tt.wantValid, v.Valid)
			assert.Equal(t, tt.wantReason, v.Reason)
			assert.Equal(t, tt.wantNeedsSync, v.NeedsSync)
			assert.Equal(t, tt.wantRemaining, v.RemainingDays)
			assert.Equal(t, tt.now, v.CheckedAt)
		})
	}
}

func TestValidateCarriesPlan(t *testing.T) {
	v := Validate(subscriptionEntry(), testFP, baseTime)
	assert.Equal(t, "pro", v.PlanType)
	assert.Equal(t, domain.LicenseTypeSubscription, v.LicenseType)
	assert.Equal(t, baseTime.Add(20*24*time.Hour), v.ExpiryDate)
}

func TestRemainingDaysRoundsUp(t *testing.T) {
	assert.Equal(t, 1, RemainingDays(baseTime.Add(time.Minute), baseTime))
	assert.Equal(t, 2, RemainingDays(baseTime.Add(25*time.Hour), baseTime))
	assert.Equal(t, 0, RemainingDays(baseTime, baseTime))
	assert.Equal(t, 0, RemainingDays(baseTime.Add(-time.Hour), baseTime))
}

func TestGraceAllow(t *testing.T) {
	valid := domain.Verdict{Valid: true, Reason: domain.ReasonValid}
	invalid := domain.Verdict{Reason: domain.ReasonExpired}

	assert.True(t, Allow(valid, 2, 3))
	assert.True(t, Allow(valid, 3, 3))
	assert.False(t, Allow(valid, 4, 3))
	assert.False(t, Allow(invalid, 0, 3))
	assert.False(t, Allow(valid, -0.5, 3))

	oneSecond := (time.Second).Hours() / 24
	assert.True(t, Allow(valid, -oneSecond, 3))
	assert.False(t, Allow(valid, -2*skewToleranceDays, 3))
}

func TestApplyGrace(t *testing.T) {
	entry := subscriptionEntry()

	entry.LastSync = baseTime.Add(-2 * 24 * time.Hour)
	v := ApplyGrace(Validate(entry, testFP, baseTime), entry, baseTime, 3)
	assert.True(t, v.Valid)

	entry.LastSync = baseTime.Add(-4 * 24 * time.Hour)
	v = ApplyGrace(Validate(entry, testFP, baseTime), entry, baseTime, 3)
	assert.False(t, v.Valid)
	assert.Equal(t, domain.ReasonOfflineGraceExceeded, v.Reason)
	assert.True(t, v.NeedsSync)
	assert.Zero(t, v.RemainingDays)

	// already-invalid verdicts keep their reason
	expired := subscriptionEntry()
	expired.ExpiryDate = baseTime.Add(-time.Hour)
	expired.LastSync = baseTime.Add(-10 * 24 * time.Hour)
	v = ApplyGrace(Validate(expired, testFP, baseTime), expired, baseTime, 3)
	assert.Equal(t, domain.ReasonExpired, v.Reason)
}

func TestApplyGraceToleratesSmallClockStepBack(t *testing.T) {
	entry := subscriptionEntry()

	entry.LastSync = baseTime.Add(time.Second)
	v := ApplyGrace(Validate(entry, testFP, baseTime), entry, baseTime, 3)
	assert.True(t, v.Valid)
	assert.Equal(t, domain.ReasonValid, v.Reason)
	assert.False(t, v.NeedsSync)

	entry.LastSync = baseTime.Add(time.Hour)
	v = ApplyGrace(Validate(entry, testFP, baseTime), entry, baseTime, 3)
	assert.False(t, v.Valid)
	assert.Equal(t, domain.ReasonOfflineGraceExceeded, v.Reason)
}

func TestDaysSince(t *testing.T) {
	assert.InDelta(t, 1.5, DaysSince(baseTime.Add(-36*time.Hour), baseTime), 1e-9)
}

func TestMaskLicenseKey(t *testing.T) {
	assert.Equal(t, "WS-0****4E5F", MaskLicenseKey("WS-0A1B2C3D4E5F"))
	assert.Equal(t, "****", MaskLicenseKey("SHORT"))
}
