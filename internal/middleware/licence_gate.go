package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"wslicense/pkg/contracts/domain"
)

// VerdictSource answers whether this installation may run.
// *license.Engine implements it.
type VerdictSource interface {
	GetVerdict() domain.Verdict
}

// LicenceGate blocks requests while the installation holds no valid licence.
// Paths under an excluded prefix (activation pages, health checks) always pass.
type LicenceGate struct {
	source   VerdictSource
	excluded []string
	logger   *slog.Logger
}

// NewLicenceGate gates on source; excluded lists path prefixes left open
func NewLicenceGate(source VerdictSource, logger *slog.Logger, excluded ...string) *LicenceGate {
	return &LicenceGate{source: source, excluded: excluded, logger: logger}
}

// Handler returns the middleware handler function
func (g *LicenceGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range g.excluded {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ctx, span := otel.Tracer("wslicense/middleware").Start(r.Context(), "licence_gate")
		v := g.source.GetVerdict()
		span.SetAttributes(
			attribute.Bool("licence.valid", v.Valid),
			attribute.String("licence.reason", string(v.Reason)),
		)
		span.End()

		if !v.Valid {
			g.logger.WarnContext(ctx, "request blocked by licence gate",
				slog.String("path", r.URL.Path),
				slog.String("reason", string(v.Reason)),
			)
			WriteFailure(w, http.StatusForbidden, gateCode(v.Reason), "A valid licence is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func gateCode(reason domain.ReasonCode) string {
	switch reason {
	case domain.ReasonExpired, domain.ReasonOfflineGraceExceeded:
		return domain.ErrCodeLicenseExpired
	case domain.ReasonSuspended:
		return domain.ErrCodeLicenseSuspended
	case domain.ReasonRevoked:
		return domain.ErrCodeLicenseRevoked
	case domain.ReasonQuotaExceeded:
		return domain.ErrCodeMaxDevicesReached
	default:
		return domain.ErrCodeInvalidLicence
	}
}
