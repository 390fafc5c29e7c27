package license

import (
	"log/slog"

	"wslicense/pkg/contracts/domain"
)

// MaskLicenseKey masks a licence key for logs, keeping the first and last
// four characters.
func MaskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// verdictAttrs are the log attributes describing a verdict
func verdictAttrs(v domain.Verdict) []any {
	return []any{
		slog.Bool("valid", v.Valid),
		slog.String("reason", string(v.Reason)),
		slog.Int("remaining_days", v.RemainingDays),
		slog.Bool("needs_sync", v.NeedsSync),
	}
}
