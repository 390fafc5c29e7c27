package domain

import "time"

// Device is a fingerprint bound to a licence
type Device struct {
	Fingerprint string    `json:"fingerprint"`
	DeviceName  string    `json:"device_name,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// License is the registry's full view of a licence record
type License struct {
	LicenseKey      string          `json:"licence_key"`
	AppID           string          `json:"app_id"`
	LicenseType     LicenseType     `json:"licence_type"`
	PlanType        string          `json:"plan_type"`
	Status          LicenseStatus   `json:"status"`
	DurationDays    int             `json:"duration_days"`
	ExpiryDate      time.Time       `json:"expiry_date,omitempty"`
	ActivationDate  time.Time       `json:"activation_date,omitempty"`
	MaxDevices      int             `json:"max_devices"`
	ActivationCount int             `json:"activation_count"`
	Features        map[string]bool `json:"features,omitempty"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
	CustomerName    string          `json:"customer_name,omitempty"`
	Devices         []Device        `json:"devices"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HasDevice reports whether fingerprint is bound to the licence.
func (l *License) HasDevice(fingerprint string) bool {
	for _, d := range l.Devices {
		if d.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// Record projects the licence onto the wire record for one device.
func (l *License) Record(deviceID string) *LicenseRecord {
	rec := &LicenseRecord{
		LicenseKey:     l.LicenseKey,
		LicenseType:    l.LicenseType,
		PlanType:       l.PlanType,
		Status:         l.Status,
		ExpiryDate:     l.ExpiryDate,
		ActivationDate: l.ActivationDate,
		MaxDevices:     l.MaxDevices,
		DeviceID:       deviceID,
	}
	if len(l.Features) > 0 {
		rec.Features = make(map[string]bool, len(l.Features))
		for k, v := range l.Features {
			rec.Features[k] = v
		}
	}
	return rec
}

// CreateLicenseRequest is the admin request for issuing a new key
type CreateLicenseRequest struct {
	AppID         string          `json:"app_id" validate:"required,max=64"`
	PlanType      string          `json:"plan_type" validate:"omitempty,max=32"`
	LicenseType   LicenseType     `json:"licence_type" validate:"omitempty,oneof=trial subscription"`
	DurationDays  int             `json:"duration_days" validate:"omitempty,min=1,max=3650"`
	MaxDevices    int             `json:"max_devices" validate:"omitempty,min=1,max=1000"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
	Features      map[string]bool `json:"features,omitempty"`
	CustomerEmail string          `json:"customer_email,omitempty" validate:"omitempty,email"`
	CustomerName  string          `json:"customer_name,omitempty" validate:"max=255"`
	LicenseKey    string          `json:"licence_key,omitempty" validate:"omitempty,min=4,max=64"`
}

// SetStatusRequest is the admin request to suspend, revoke or reinstate a licence
type SetStatusRequest struct {
	Status LicenseStatus `json:"status" validate:"required,oneof=active suspended revoked"`
	Reason string        `json:"reason,omitempty" validate:"max=255"`
}

// LicenseFilter narrows admin listings
type LicenseFilter struct {
	AppID  string
	Status LicenseStatus
	Limit  int
	Offset int
}

// Stats summarises the registry
type Stats struct {
	Total        int `json:"total_licences"`
	Pending      int `json:"pending_licences"`
	Active       int `json:"active_licences"`
	Expired      int `json:"expired_licences"`
	Suspended    int `json:"suspended_licences"`
	Revoked      int `json:"revoked_licences"`
	Devices      int `json:"bound_devices"`
	ExpiringSoon int `json:"expiring_within_7_days"`
	UsageEvents  int `json:"usage_events"`
}

// ActivityLog records an activation or validation outcome
type ActivityLog struct {
	LicenseKey  string         `json:"licence_key"`
	Action      string         `json:"action"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// LoginRequest is the admin login body
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

// TokenResponse carries an issued admin token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
