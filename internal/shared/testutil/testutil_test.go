package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wslicense/internal/license"
	"wslicense/pkg/contracts/domain"
)

func TestLogCaptureKeepsBoundAttrs(t *testing.T) {
	logger, logs := NewTestLogger(nil)

	logger.With(slog.String("component", "license_engine")).
		WithGroup("req").
		Warn("Licence activation failed", slog.String("license_key", "WS-0****4E5F"))
	logger.Debug("noise")

	r := AssertLogged(t, logs, slog.LevelWarn, "activation failed")
	assert.Equal(t, "license_engine", r.Attrs["component"])
	assert.Equal(t, "WS-0****4E5F", r.Attrs["req.license_key"])
	assert.Len(t, logs.Records(), 2)
	AssertNoErrors(t, logs)

	logs.Reset()
	assert.Empty(t, logs.Records())
}

func TestScenariosMatchLocalValidation(t *testing.T) {
	f := NewLicenceFixtures(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	for _, sc := range f.Scenarios() {
		t.Run(sc.Name, func(t *testing.T) {
			v := license.Validate(sc.Entry, f.Fingerprint, f.Now)
			assert.Equal(t, sc.WantValid, v.Valid)
			assert.Equal(t, sc.WantReason, v.Reason)
			assert.Equal(t, sc.WantSync, v.NeedsSync)
		})
	}
}

func TestTrialIsCapped(t *testing.T) {
	f := NewLicenceFixtures(time.Now())
	v := license.Validate(f.Trial(), f.Fingerprint, f.Now)
	require.True(t, v.Valid)
	assert.Equal(t, 6, v.RemainingDays)
}

func TestRecordRoundTripsThroughCache(t *testing.T) {
	f := NewLicenceFixtures(time.Now())
	entry := domain.EntryFromRecord(f.Record(f.Active()), f.Fingerprint, f.Now)
	assert.True(t, license.Validate(entry, f.Fingerprint, f.Now).Valid)
}
