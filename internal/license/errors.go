package license

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "wslicense/internal/errors"
	"wslicense/pkg/contracts/domain"
)

// ErrorKind classifies a failed registry call
type ErrorKind string

const (
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindExpired        ErrorKind = "EXPIRED"
	KindQuotaExceeded  ErrorKind = "QUOTA_EXCEEDED"
	KindNetworkError   ErrorKind = "NETWORK_ERROR"
	KindServerError    ErrorKind = "SERVER_ERROR"
	KindSuspended      ErrorKind = "SUSPENDED"
	KindRevoked        ErrorKind = "REVOKED"
	KindUnauthorized   ErrorKind = "UNAUTHORIZED"
	KindDeviceConflict ErrorKind = "DEVICE_CONFLICT"
)

// ClientError is returned by every Client call that did not produce a record.
// Record is set when the registry returned the licence alongside a denial.
type ClientError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	StatusCode int
	Record     *domain.LicenseRecord
	Err        error
}

func (e *ClientError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Is lets callers match a ClientError against the shared licence sentinels.
func (e *ClientError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Transient reports whether the failure may be bridged by the offline grace policy
func (e *ClientError) Transient() bool {
	return e.Kind == KindNetworkError || e.Kind == KindServerError
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return apperrors.ErrLicenseNotFound
	case KindExpired:
		return apperrors.ErrLicenseExpired
	case KindQuotaExceeded:
		return apperrors.ErrQuotaExceeded
	case KindNetworkError:
		return apperrors.ErrNetworkError
	case KindSuspended:
		return apperrors.ErrLicenseSuspended
	case KindRevoked:
		return apperrors.ErrLicenseRevoked
	case KindUnauthorized:
		return apperrors.ErrInvalidCredentials
	case KindDeviceConflict:
		return apperrors.ErrDeviceBoundElsewhere
	}
	return nil
}

// IsTransient reports whether err is a network or server failure
func IsTransient(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Transient()
}

// kindFor maps a registry error code, falling back to the HTTP status
func kindFor(code string, status int) ErrorKind {
	switch code {
	case domain.ErrCodeInvalidLicence:
		return KindNotFound
	case domain.ErrCodeLicenseExpired:
		return KindExpired
	case domain.ErrCodeMaxDevicesReached:
		return KindQuotaExceeded
	case domain.ErrCodeDeviceAlreadyBound:
		return KindDeviceConflict
	case domain.ErrCodeLicenseSuspended:
		return KindSuspended
	case domain.ErrCodeLicenseRevoked:
		return KindRevoked
	case domain.ErrCodeUnauthorized:
		return KindUnauthorized
	}

	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized:
		return KindUnauthorized
	}
	return KindServerError
}
