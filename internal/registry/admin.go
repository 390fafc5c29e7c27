package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/security"
	"wslicense/pkg/contracts/domain"
)

const (
	DefaultPlanType     = "standard"
	DefaultDurationDays = 30
	DefaultMaxDevices   = 1
	DefaultListLimit    = 100
	MaxListLimit        = 1000

	keyGenerationAttempts = 3
)

// CreateLicence issues a new pending licence. A key is generated unless the
// request names one.
func (s *Service) CreateLicence(ctx context.Context, req domain.CreateLicenseRequest) (*domain.License, error) {
	ctx, span := tracer.Start(ctx, "registry.create_licence")
	defer span.End()

	now := s.now().UTC()
	lic := &domain.License{
		AppID:         req.AppID,
		LicenseType:   req.LicenseType,
		PlanType:      strings.TrimSpace(req.PlanType),
		Status:        domain.LicenseStatusPending,
		DurationDays:  req.DurationDays,
		MaxDevices:    req.MaxDevices,
		Features:      req.Features,
		CustomerEmail: req.CustomerEmail,
		CustomerName:  req.CustomerName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if lic.AppID == "" {
		return nil, fmt.Errorf("%w: app id is required", apperrors.ErrInvalidLicenceInput)
	}
	if lic.LicenseType == "" {
		lic.LicenseType = domain.LicenseTypeSubscription
	}
	if lic.PlanType == "" {
		lic.PlanType = DefaultPlanType
		if lic.LicenseType == domain.LicenseTypeTrial {
			lic.PlanType = string(domain.LicenseTypeTrial)
		}
	}
	if lic.DurationDays <= 0 {
		lic.DurationDays = DefaultDurationDays
		if lic.LicenseType == domain.LicenseTypeTrial {
			lic.DurationDays = int(domain.TrialLength.Hours() / 24)
		}
	}
	if lic.MaxDevices <= 0 {
		lic.MaxDevices = DefaultMaxDevices
	}
	if req.ExpiryDate != nil {
		if !req.ExpiryDate.After(now) {
			return nil, fmt.Errorf("%w: expiry date %s is not in the future", apperrors.ErrInvalidLicenceInput, req.ExpiryDate.Format("2006-01-02"))
		}
		lic.ExpiryDate = req.ExpiryDate.UTC()
	}

	if req.LicenseKey != "" {
		lic.LicenseKey = security.NormalizeLicenseKey(req.LicenseKey)
		if err := security.ValidateLicenseKeyFormat(lic.LicenseKey); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidLicenceInput, err)
		}
		if err := s.store.CreateLicence(ctx, lic); err != nil {
			return nil, err
		}
	} else if err := s.createWithGeneratedKey(ctx, lic); err != nil {
		return nil, err
	}

	s.audit(ctx, lic.LicenseKey, ActionCreated, "", map[string]any{
		"plan_type":   lic.PlanType,
		"max_devices": lic.MaxDevices,
	})
	s.logger.InfoContext(ctx, "Licence created",
		slog.String("license_key", maskKey(lic.LicenseKey)),
		slog.String("app_id", lic.AppID),
		slog.String("plan_type", lic.PlanType),
	)
	return lic, nil
}

func (s *Service) createWithGeneratedKey(ctx context.Context, lic *domain.License) error {
	var err error
	for attempt := 0; attempt < keyGenerationAttempts; attempt++ {
		if lic.LicenseKey, err = s.keygen(); err != nil {
			return err
		}
		err = s.store.CreateLicence(ctx, lic)
		if !errors.Is(err, apperrors.ErrLicenseExists) {
			return err
		}
	}
	return err
}

// GetLicence returns one licence with its devices
func (s *Service) GetLicence(ctx context.Context, key string) (*domain.License, error) {
	return s.store.GetLicence(ctx, security.NormalizeLicenseKey(key))
}

// ListLicences returns licences matching filter, newest first
func (s *Service) ListLicences(ctx context.Context, filter domain.LicenseFilter) ([]*domain.License, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.ListLicences(ctx, filter)
}

// Stats summarises the registry at the current time
func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	return s.store.Stats(ctx, s.now().UTC())
}

// SetStatus suspends, revokes or reinstates a licence. Reinstating a licence
// that was never activated returns it to pending.
func (s *Service) SetStatus(ctx context.Context, key string, req domain.SetStatusRequest) (*domain.License, error) {
	ctx, span := tracer.Start(ctx, "registry.set_status")
	defer span.End()

	key = security.NormalizeLicenseKey(key)
	unlock, err := s.lock(ctx, keyLockKey(key))
	if err != nil {
		return nil, err
	}
	defer unlock()

	lic, err := s.store.GetLicence(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.expireIfDue(ctx, lic, now); err != nil {
		return nil, err
	}

	from := lic.Status
	to, err := nextStatus(lic, req.Status)
	if err != nil {
		return nil, err
	}
	if to == from {
		return lic, nil
	}

	lic.Status = to
	lic.UpdatedAt = now
	if err := s.store.UpdateLicence(ctx, lic); err != nil {
		return nil, err
	}

	s.audit(ctx, key, ActionStatusChanged, "", map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": req.Reason,
	})
	s.logger.InfoContext(ctx, "Licence status changed",
		slog.String("license_key", maskKey(key)),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return lic, nil
}

// nextStatus applies the admin transition table:
//
//	pending|active -> suspended
//	suspended      -> active (pending if never activated)
//	any but revoked -> revoked
func nextStatus(lic *domain.License, target domain.LicenseStatus) (domain.LicenseStatus, error) {
	from := lic.Status
	if from == target {
		return from, nil
	}
	invalid := fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidTransition, from, target)

	switch target {
	case domain.LicenseStatusSuspended:
		if from == domain.LicenseStatusPending || from == domain.LicenseStatusActive {
			return target, nil
		}
	case domain.LicenseStatusActive:
		if from == domain.LicenseStatusSuspended {
			if lic.ActivationDate.IsZero() {
				return domain.LicenseStatusPending, nil
			}
			return domain.LicenseStatusActive, nil
		}
	case domain.LicenseStatusRevoked:
		if from != domain.LicenseStatusRevoked {
			return target, nil
		}
	}
	return from, invalid
}

// ResetDevices unbinds every device of a licence so it can be moved to new
// machines. Activation history is kept.
func (s *Service) ResetDevices(ctx context.Context, key string) (int, error) {
	key = security.NormalizeLicenseKey(key)
	unlock, err := s.lock(ctx, keyLockKey(key))
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := s.store.UnbindAll(ctx, key)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, key, ActionDevicesReset, "", map[string]any{"devices": n})
	s.logger.InfoContext(ctx, "Licence devices reset",
		slog.String("license_key", maskKey(key)),
		slog.Int("devices", n),
	)
	return n, nil
}

// ExpireDue persists the expiry of every active or pending licence whose
// expiry date has passed and returns how many changed. Validation expires
// licences lazily as well; this catches the ones nobody checks.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now().UTC()

	var due []string
	for _, status := range []domain.LicenseStatus{domain.LicenseStatusActive, domain.LicenseStatusPending} {
		for offset := 0; ; offset += MaxListLimit {
			page, err := s.store.ListLicences(ctx, domain.LicenseFilter{Status: status, Limit: MaxListLimit, Offset: offset})
			if err != nil {
				return 0, fmt.Errorf("list %s licences: %w", status, err)
			}
			for _, lic := range page {
				if !lic.ExpiryDate.IsZero() && now.After(lic.ExpiryDate) {
					due = append(due, lic.LicenseKey)
				}
			}
			if len(page) < MaxListLimit {
				break
			}
		}
	}

	expired := 0
	for _, key := range due {
		changed, err := s.expireKey(ctx, key, now)
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		s.logger.InfoContext(ctx, "Expired licences swept", slog.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) expireKey(ctx context.Context, key string, now time.Time) (bool, error) {
	unlock, err := s.lock(ctx, keyLockKey(key))
	if err != nil {
		return false, err
	}
	defer unlock()

	lic, err := s.store.GetLicence(ctx, key)
	if errors.Is(err, apperrors.ErrLicenseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	before := lic.Status
	if err := s.expireIfDue(ctx, lic, now); err != nil {
		return false, err
	}
	return lic.Status != before, nil
}
