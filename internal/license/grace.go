package license

import (
	"time"

	"wslicense/pkg/contracts/domain"
)

// DefaultMaxOfflineDays is how long a valid cached verdict is trusted
// without reaching the registry.
const DefaultMaxOfflineDays = 3

// ClockSkewTolerance is how far the local clock may run behind the last
// sync before the cache is treated as tampered with.
const ClockSkewTolerance = 5 * time.Minute

var skewToleranceDays = ClockSkewTolerance.Hours() / 24

// Allow reports whether a cached verdict may be trusted while the registry
// is unreachable. A negative age beyond ClockSkewTolerance means the clock
// was moved back and is never allowed.
func Allow(cached domain.Verdict, daysSinceLastSync float64, maxOfflineDays int) bool {
	if !cached.Valid {
		return false
	}
	return daysSinceLastSync >= -skewToleranceDays && daysSinceLastSync <= float64(maxOfflineDays)
}

// DaysSince returns the fractional days elapsed from lastSync to now
func DaysSince(lastSync, now time.Time) float64 {
	return now.Sub(lastSync).Hours() / 24
}

// ApplyGrace downgrades a valid verdict once the offline grace is used up
func ApplyGrace(v domain.Verdict, entry *domain.CacheEntry, now time.Time, maxOfflineDays int) domain.Verdict {
	if !v.Valid || entry == nil {
		return v
	}
	if Allow(v, DaysSince(entry.LastSync, now), maxOfflineDays) {
		return v
	}
	v.Valid = false
	v.Reason = domain.ReasonOfflineGraceExceeded
	v.RemainingDays = 0
	v.NeedsSync = true
	return v
}
