// Package domain contains the wire and domain models shared by the licence
// registry, the reconciliation client and the local engine.
// These types are the single source of truth for every layer.
package domain

import (
	"time"
)

// LicenseStatus represents the lifecycle state of a licence record
type LicenseStatus string

const (
	LicenseStatusPending   LicenseStatus = "pending"
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusExpired   LicenseStatus = "expired"
	LicenseStatusSuspended LicenseStatus = "suspended"
	LicenseStatusRevoked   LicenseStatus = "revoked"
)

// IsTerminal reports whether no activation can succeed from this status.
func (s LicenseStatus) IsTerminal() bool {
	return s == LicenseStatusExpired || s == LicenseStatusRevoked
}

// Valid reports whether s is one of the known statuses.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseStatusPending, LicenseStatusActive, LicenseStatusExpired,
		LicenseStatusSuspended, LicenseStatusRevoked:
		return true
	}
	return false
}

// LicenseType distinguishes fixed-length trials from paid subscriptions
type LicenseType string

const (
	LicenseTypeTrial        LicenseType = "trial"
	LicenseTypeSubscription LicenseType = "subscription"
)

// TrialLength is the fixed validity of a trial licence, counted from first activation.
const TrialLength = 7 * 24 * time.Hour

// LicenseRecord is the licence as returned to a client by /activate and /validate.
type LicenseRecord struct {
	LicenseKey     string          `json:"licence_key"`
	LicenseType    LicenseType     `json:"licence_type,omitempty"`
	PlanType       string          `json:"plan_type"`
	Status         LicenseStatus   `json:"status"`
	ExpiryDate     time.Time       `json:"expiry_date"`
	ActivationDate time.Time       `json:"activation_date"`
	MaxDevices     int             `json:"max_devices"`
	DeviceID       string          `json:"device_id"`
	Features       map[string]bool `json:"features,omitempty"`
}

// ActivateRequest is the body of POST /activate
type ActivateRequest struct {
	LicenseKey  string `json:"licence_key" validate:"required,min=4,max=64"`
	Fingerprint string `json:"fingerprint" validate:"required,min=8,max=128"`
	DeviceName  string `json:"device_name" validate:"max=255"`
	AppID       string `json:"app_id" validate:"required,max=64"`
}

// ValidateRequest is the body of POST /validate. LicenseKey is optional; when
// absent the registry resolves the licence from the device binding.
type ValidateRequest struct {
	Fingerprint string `json:"fingerprint" validate:"required,min=8,max=128"`
	AppID       string `json:"app_id" validate:"required,max=64"`
	LicenseKey  string `json:"licence_key,omitempty" validate:"omitempty,max=64"`
}

// ActivateResponse is the response body of POST /activate. Failed responses
// may still carry the record when the registry knows it, so the client can
// persist the authoritative status.
type ActivateResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Record    *LicenseRecord `json:"record,omitempty"`
}

// ValidateResponse mirrors ActivateResponse and adds the remaining days.
type ValidateResponse struct {
	ActivateResponse
	RemainingDays int `json:"remaining_days"`
}

// ValidateResult is what the registry computes for a /validate call
type ValidateResult struct {
	Record        *LicenseRecord
	RemainingDays int
}

// Error codes carried in failed registry responses
const (
	ErrCodeInvalidLicence     = "INVALID_LICENCE"
	ErrCodeLicenseExpired     = "LICENSE_EXPIRED"
	ErrCodeMaxDevicesReached  = "MAX_DEVICES_REACHED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeDeviceAlreadyBound = "DEVICE_ALREADY_BOUND"
	ErrCodeLicenseSuspended   = "LICENSE_SUSPENDED"
	ErrCodeLicenseRevoked     = "LICENSE_REVOKED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// CacheEntry is the subset of a licence record the client keeps, encrypted,
// to validate itself offline.
type CacheEntry struct {
	LicenseKey     string          `json:"licence_key"`
	LicenseType    LicenseType     `json:"licence_type"`
	PlanType       string          `json:"plan_type"`
	Status         LicenseStatus   `json:"status"`
	ActivationDate time.Time       `json:"activation_date"`
	ExpiryDate     time.Time       `json:"expiry_date"`
	MaxDevices     int             `json:"max_devices"`
	Fingerprint    string          `json:"fingerprint"`
	LastSync       time.Time       `json:"last_sync"`
	Features       map[string]bool `json:"features,omitempty"`
}

// EntryFromRecord builds the cache entry for a record the registry returned
// to this device, stamping the sync time.
func EntryFromRecord(rec *LicenseRecord, fingerprint string, syncedAt time.Time) *CacheEntry {
	entry := &CacheEntry{
		LicenseKey:     rec.LicenseKey,
		LicenseType:    rec.LicenseType,
		PlanType:       rec.PlanType,
		Status:         rec.Status,
		ActivationDate: rec.ActivationDate,
		ExpiryDate:     rec.ExpiryDate,
		MaxDevices:     rec.MaxDevices,
		Fingerprint:    fingerprint,
		LastSync:       syncedAt,
	}
	if entry.LicenseType == "" {
		entry.LicenseType = LicenseTypeSubscription
	}
	if len(rec.Features) > 0 {
		entry.Features = make(map[string]bool, len(rec.Features))
		for k, v := range rec.Features {
			entry.Features[k] = v
		}
	}
	return entry
}
