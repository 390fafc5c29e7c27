package domain

import "time"

// ReasonCode explains a validation verdict
type ReasonCode string

const (
	ReasonValid                ReasonCode = "VALID"
	ReasonNoLicence            ReasonCode = "NO_LICENCE"
	ReasonDeviceMismatch       ReasonCode = "DEVICE_MISMATCH"
	ReasonExpired              ReasonCode = "EXPIRED"
	ReasonSuspended            ReasonCode = "SUSPENDED"
	ReasonRevoked              ReasonCode = "REVOKED"
	ReasonQuotaExceeded        ReasonCode = "QUOTA_EXCEEDED"
	ReasonOfflineGraceExceeded ReasonCode = "OFFLINE_GRACE_EXCEEDED"
)

// Verdict is the short-lived answer to "may this installation run?".
// It is never persisted.
type Verdict struct {
	Valid         bool        `json:"valid"`
	Reason        ReasonCode  `json:"reason"`
	RemainingDays int         `json:"remaining_days"`
	PlanType      string      `json:"plan_type,omitempty"`
	LicenseType   LicenseType `json:"licence_type,omitempty"`
	NeedsSync     bool        `json:"needs_sync"`
	ExpiryDate    time.Time   `json:"expiry_date,omitempty"`
	CheckedAt     time.Time   `json:"checked_at"`
}

// UsageEvent is a fire-and-forget telemetry record emitted by the client.
type UsageEvent struct {
	ID          string         `json:"id" validate:"required,max=64"`
	EventType   string         `json:"event_type" validate:"required,max=64"`
	LicenseKey  string         `json:"licence_key,omitempty" validate:"max=64"`
	Fingerprint string         `json:"fingerprint,omitempty" validate:"max=128"`
	AppID       string         `json:"app_id,omitempty" validate:"max=64"`
	Details     map[string]any `json:"details,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at" validate:"required"`
}

// UsageBatch is the body of POST /usage and the payload of usage NATS messages.
type UsageBatch struct {
	Events []UsageEvent `json:"events" validate:"required,min=1,max=500,dive"`
}
