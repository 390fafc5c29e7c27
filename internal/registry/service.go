package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/security"
	"wslicense/pkg/contracts/domain"
)

const (
	DefaultLockTimeout = 5 * time.Second

	// expiringWindow is what Stats counts as "expiring soon"
	expiringWindow = 7 * 24 * time.Hour
)

// Activity actions written to the audit trail
const (
	ActionActivated       = "activated"
	ActionReactivated     = "reactivated"
	ActionActivateFailed  = "activation_failed"
	ActionValidated       = "validated"
	ActionValidateFailed  = "validation_failed"
	ActionCreated         = "created"
	ActionStatusChanged   = "status_changed"
	ActionDevicesReset    = "devices_reset"
	ActionExpiredOnAccess = "expired"
)

type callerIPKey struct{}

// WithCallerIP attaches the remote address recorded in activity logs
func WithCallerIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, callerIPKey{}, ip)
}

func callerIP(ctx context.Context) string {
	ip, _ := ctx.Value(callerIPKey{}).(string)
	return ip
}

// Service is the licence registry: the authority on which devices may use
// which licence.
type Service struct {
	store       Store
	locker      Locker
	now         func() time.Time
	logger      *slog.Logger
	metrics     *Metrics
	lockTimeout time.Duration
	keygen      func() (string, error)
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithServiceLogger sets the service logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the registry instruments
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithLockTimeout bounds how long a request waits for a licence lock
func WithLockTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithKeyGenerator replaces the random key generator
func WithKeyGenerator(gen func() (string, error)) ServiceOption {
	return func(s *Service) { s.keygen = gen }
}

// NewService creates a registry service
func NewService(store Store, locker Locker, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		locker:      locker,
		now:         time.Now,
		logger:      slog.Default(),
		lockTimeout: DefaultLockTimeout,
		keygen:      security.GenerateLicenseKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "registry"))
	return s
}

// Activate binds the request's fingerprint to the licence.
//
// On a denial the returned record is non-nil only when the fingerprint is
// already bound to the licence, so that device can persist the status.
func (s *Service) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.LicenseRecord, error) {
	ctx, span := tracer.Start(ctx, "registry.activate")
	defer span.End()

	key := security.NormalizeLicenseKey(req.LicenseKey)
	span.SetAttributes(attribute.String("license.app_id", req.AppID))

	rec, action, err := s.activate(ctx, key, req)
	outcome := "success"
	if err != nil {
		_, outcome, _ = apperrors.Classify(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.recordActivation(ctx, outcome)
	s.audit(ctx, key, action, req.Fingerprint, map[string]any{"outcome": outcome, "device_name": req.DeviceName})
	return rec, err
}

func (s *Service) activate(ctx context.Context, key string, req domain.ActivateRequest) (*domain.LicenseRecord, string, error) {
	if err := security.ValidateLicenseKeyFormat(key); err != nil {
		return nil, ActionActivateFailed, apperrors.ErrLicenseNotFound
	}

	unlock, err := s.lockAll(ctx, deviceLockKey(req.AppID, req.Fingerprint), keyLockKey(key))
	if err != nil {
		return nil, ActionActivateFailed, err
	}
	defer unlock()

	now := s.now().UTC()
	lic, err := s.store.GetLicence(ctx, key)
	if err != nil {
		return nil, ActionActivateFailed, err
	}
	if lic.AppID != req.AppID {
		return nil, ActionActivateFailed, apperrors.ErrLicenseNotFound
	}
	if err := s.expireIfDue(ctx, lic, now); err != nil {
		return nil, ActionActivateFailed, err
	}

	bound := lic.HasDevice(req.Fingerprint)
	if err := statusError(lic.Status); err != nil {
		return recordIf(bound, lic, req.Fingerprint), ActionActivateFailed, err
	}

	if bound {
		if err := s.store.TouchDevice(ctx, key, req.Fingerprint, req.DeviceName, now); err != nil {
			return nil, ActionActivateFailed, err
		}
		return lic.Record(req.Fingerprint), ActionReactivated, nil
	}

	others, err := s.store.FindByDevice(ctx, req.AppID, req.Fingerprint)
	if err != nil {
		return nil, ActionActivateFailed, err
	}
	for _, other := range others {
		if other.LicenseKey != key && isLive(other, now) {
			return nil, ActionActivateFailed, apperrors.ErrDeviceBoundElsewhere
		}
	}

	if len(lic.Devices) >= lic.MaxDevices {
		return nil, ActionActivateFailed, apperrors.ErrQuotaExceeded
	}

	if lic.Status == domain.LicenseStatusPending {
		startLicence(lic, now)
	}
	lic.ActivationCount++
	lic.UpdatedAt = now

	dev := domain.Device{
		Fingerprint: req.Fingerprint,
		DeviceName:  req.DeviceName,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := s.store.BindDevice(ctx, lic, dev); err != nil {
		return nil, ActionActivateFailed, err
	}
	lic.Devices = append(lic.Devices, dev)

	s.logger.InfoContext(ctx, "Licence activated",
		slog.String("license_key", maskKey(key)),
		slog.Int("devices", len(lic.Devices)),
		slog.Int("max_devices", lic.MaxDevices),
	)
	return lic.Record(req.Fingerprint), ActionActivated, nil
}

// Validate reports the licence bound to the request's fingerprint. It never
// binds a device. When the key is omitted the licence is found through the
// device binding.
func (s *Service) Validate(ctx context.Context, req domain.ValidateRequest) (*domain.ValidateResult, error) {
	ctx, span := tracer.Start(ctx, "registry.validate")
	defer span.End()

	key := security.NormalizeLicenseKey(req.LicenseKey)
	res, resolved, err := s.validate(ctx, key, req)

	outcome := "success"
	action := ActionValidated
	if err != nil {
		_, outcome, _ = apperrors.Classify(err)
		action = ActionValidateFailed
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.recordValidation(ctx, outcome)
	if resolved != "" {
		s.audit(ctx, resolved, action, req.Fingerprint, map[string]any{"outcome": outcome})
	}
	return res, err
}

func (s *Service) validate(ctx context.Context, key string, req domain.ValidateRequest) (*domain.ValidateResult, string, error) {
	unlockDevice, err := s.lock(ctx, deviceLockKey(req.AppID, req.Fingerprint))
	if err != nil {
		return nil, key, err
	}
	defer unlockDevice()

	now := s.now().UTC()
	if key == "" {
		key, err = s.resolveByDevice(ctx, req.AppID, req.Fingerprint, now)
		if err != nil {
			return nil, "", err
		}
	}

	unlockKey, err := s.lock(ctx, keyLockKey(key))
	if err != nil {
		return nil, key, err
	}
	defer unlockKey()

	lic, err := s.store.GetLicence(ctx, key)
	if err != nil {
		return nil, key, err
	}
	if lic.AppID != req.AppID || !lic.HasDevice(req.Fingerprint) {
		return nil, key, apperrors.ErrLicenseNotFound
	}
	if err := s.expireIfDue(ctx, lic, now); err != nil {
		return nil, key, err
	}
	if err := s.store.TouchDevice(ctx, key, req.Fingerprint, "", now); err != nil {
		return nil, key, err
	}

	res := &domain.ValidateResult{Record: lic.Record(req.Fingerprint)}
	if err := statusError(lic.Status); err != nil {
		return res, key, err
	}
	res.RemainingDays = daysLeft(lic.ExpiryDate, now)
	return res, key, nil
}

// resolveByDevice prefers a live licence when the device is bound to several
func (s *Service) resolveByDevice(ctx context.Context, appID, fingerprint string, now time.Time) (string, error) {
	found, err := s.store.FindByDevice(ctx, appID, fingerprint)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", apperrors.ErrLicenseNotFound
	}
	for _, lic := range found {
		if isLive(lic, now) {
			return lic.LicenseKey, nil
		}
	}
	return found[0].LicenseKey, nil
}

// RecordUsage stores usage events sent by installations
func (s *Service) RecordUsage(ctx context.Context, events []domain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.store.AppendUsage(ctx, events); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	s.metrics.recordUsage(ctx, len(events))
	return nil
}

// expireIfDue moves a licence past its expiry to expired and saves it
func (s *Service) expireIfDue(ctx context.Context, lic *domain.License, now time.Time) error {
	if lic.Status != domain.LicenseStatusActive && lic.Status != domain.LicenseStatusPending {
		return nil
	}
	if lic.ExpiryDate.IsZero() || !now.After(lic.ExpiryDate) {
		return nil
	}
	lic.Status = domain.LicenseStatusExpired
	lic.UpdatedAt = now
	if err := s.store.UpdateLicence(ctx, lic); err != nil {
		return fmt.Errorf("persist expiry: %w", err)
	}
	s.audit(ctx, lic.LicenseKey, ActionExpiredOnAccess, "", nil)
	return nil
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	start := time.Now()
	unlock, err := s.locker.Lock(lockCtx, key)
	s.metrics.recordLockWait(ctx, start)
	if err != nil {
		if errors.Is(err, apperrors.ErrLockTimeout) {
			s.logger.WarnContext(ctx, "Timed out waiting for licence lock", slog.String("lock", key))
		}
		return nil, err
	}
	return unlock, nil
}

// lockAll takes keys in order and releases them in reverse
func (s *Service) lockAll(ctx context.Context, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := s.lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (s *Service) audit(ctx context.Context, key, action, fingerprint string, details map[string]any) {
	entry := domain.ActivityLog{
		LicenseKey:  key,
		Action:      action,
		Fingerprint: fingerprint,
		IPAddress:   callerIP(ctx),
		Details:     details,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AppendActivity(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "Failed to write activity log",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

// startLicence performs the first activation of a pending licence
func startLicence(lic *domain.License, now time.Time) {
	lic.Status = domain.LicenseStatusActive
	lic.ActivationDate = now
	if lic.ExpiryDate.IsZero() {
		lic.ExpiryDate = now.AddDate(0, 0, lic.DurationDays)
	}
	if lic.LicenseType == domain.LicenseTypeTrial {
		if limit := now.Add(domain.TrialLength); lic.ExpiryDate.After(limit) {
			lic.ExpiryDate = limit
		}
	}
}

func statusError(status domain.LicenseStatus) error {
	switch status {
	case domain.LicenseStatusExpired:
		return apperrors.ErrLicenseExpired
	case domain.LicenseStatusSuspended:
		return apperrors.ErrLicenseSuspended
	case domain.LicenseStatusRevoked:
		return apperrors.ErrLicenseRevoked
	}
	return nil
}

// isLive reports whether the licence can still be used by its devices
func isLive(lic *domain.License, now time.Time) bool {
	if lic.Status.IsTerminal() {
		return false
	}
	return lic.ExpiryDate.IsZero() || !now.After(lic.ExpiryDate)
}

func recordIf(bound bool, lic *domain.License, fingerprint string) *domain.LicenseRecord {
	if !bound {
		return nil
	}
	return lic.Record(fingerprint)
}

func daysLeft(expiry, now time.Time) int {
	left := expiry.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

func keyLockKey(key string) string { return "key:" + key }

func deviceLockKey(appID, fingerprint string) string {
	return "fp:" + appID + ":" + fingerprint
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
