package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "wslicense/internal/errors"
	"wslicense/pkg/contracts/domain"
)

// Store persists licences, their device bindings and the audit trail.
// GetLicence and FindByDevice return licences with Devices populated.
type Store interface {
	CreateLicence(ctx context.Context, lic *domain.License) error
	GetLicence(ctx context.Context, key string) (*domain.License, error)
	// FindByDevice returns every licence of appID the fingerprint is bound
	// to, most recently seen first.
	FindByDevice(ctx context.Context, appID, fingerprint string) ([]*domain.License, error)
	UpdateLicence(ctx context.Context, lic *domain.License) error
	// BindDevice adds dev to lic and saves lic's other fields in one step.
	BindDevice(ctx context.Context, lic *domain.License, dev domain.Device) error
	TouchDevice(ctx context.Context, key, fingerprint, deviceName string, at time.Time) error
	UnbindAll(ctx context.Context, key string) (int, error)
	ListLicences(ctx context.Context, filter domain.LicenseFilter) ([]*domain.License, error)
	Stats(ctx context.Context, now time.Time) (*domain.Stats, error)
	AppendActivity(ctx context.Context, entry domain.ActivityLog) error
	AppendUsage(ctx context.Context, events []domain.UsageEvent) error
	Close() error
}

// MemoryStore is a Store kept in process memory. It is used by tests and
// single-node development servers.
type MemoryStore struct {
	mu       sync.RWMutex
	licences map[string]*domain.License
	activity []domain.ActivityLog
	usage    map[string]domain.UsageEvent
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licences: make(map[string]*domain.License),
		usage:    make(map[string]domain.UsageEvent),
	}
}

func (s *MemoryStore) CreateLicence(_ context.Context, lic *domain.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.licences[lic.LicenseKey]; exists {
		return apperrors.ErrLicenseExists
	}
	s.licences[lic.LicenseKey] = cloneLicence(lic)
	return nil
}

func (s *MemoryStore) GetLicence(_ context.Context, key string) (*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.licences[key]
	if !ok {
		return nil, apperrors.ErrLicenseNotFound
	}
	return cloneLicence(lic), nil
}

func (s *MemoryStore) FindByDevice(_ context.Context, appID, fingerprint string) ([]*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		lic      *domain.License
		lastSeen time.Time
	}
	var hits []hit
	for _, lic := range s.licences {
		if lic.AppID != appID {
			continue
		}
		for _, d := range lic.Devices {
			if d.Fingerprint == fingerprint {
				hits = append(hits, hit{cloneLicence(lic), d.LastSeen})
				break
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].lastSeen.After(hits[j].lastSeen) })

	out := make([]*domain.License, len(hits))
	for i, h := range hits {
		out[i] = h.lic
	}
	return out, nil
}

func (s *MemoryStore) UpdateLicence(_ context.Context, lic *domain.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.licences[lic.LicenseKey]
	if !ok {
		return apperrors.ErrLicenseNotFound
	}
	updated := cloneLicence(lic)
	updated.Devices = cur.Devices
	s.licences[lic.LicenseKey] = updated
	return nil
}

func (s *MemoryStore) BindDevice(_ context.Context, lic *domain.License, dev domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.licences[lic.LicenseKey]
	if !ok {
		return apperrors.ErrLicenseNotFound
	}
	if cur.HasDevice(dev.Fingerprint) {
		return nil
	}
	updated := cloneLicence(lic)
	updated.Devices = append(append([]domain.Device(nil), cur.Devices...), dev)
	s.licences[lic.LicenseKey] = updated
	return nil
}

func (s *MemoryStore) TouchDevice(_ context.Context, key, fingerprint, deviceName string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licences[key]
	if !ok {
		return apperrors.ErrLicenseNotFound
	}
	for i := range lic.Devices {
		if lic.Devices[i].Fingerprint == fingerprint {
			lic.Devices[i].LastSeen = at
			if deviceName != "" {
				lic.Devices[i].DeviceName = deviceName
			}
			return nil
		}
	}
	return apperrors.ErrLicenseNotFound
}

func (s *MemoryStore) UnbindAll(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licences[key]
	if !ok {
		return 0, apperrors.ErrLicenseNotFound
	}
	n := len(lic.Devices)
	lic.Devices = nil
	return n, nil
}

func (s *MemoryStore) ListLicences(_ context.Context, filter domain.LicenseFilter) ([]*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.License
	for _, lic := range s.licences {
		if filter.AppID != "" && lic.AppID != filter.AppID {
			continue
		}
		if filter.Status != "" && lic.Status != filter.Status {
			continue
		}
		out = append(out, cloneLicence(lic))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LicenseKey < out[j].LicenseKey
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (*domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &domain.Stats{Total: len(s.licences), UsageEvents: len(s.usage)}
	soon := now.Add(expiringWindow)
	for _, lic := range s.licences {
		switch lic.Status {
		case domain.LicenseStatusPending:
			st.Pending++
		case domain.LicenseStatusActive:
			st.Active++
			if !lic.ExpiryDate.IsZero() && !lic.ExpiryDate.Before(now) && !lic.ExpiryDate.After(soon) {
				st.ExpiringSoon++
			}
		case domain.LicenseStatusExpired:
			st.Expired++
		case domain.LicenseStatusSuspended:
			st.Suspended++
		case domain.LicenseStatusRevoked:
			st.Revoked++
		}
		st.Devices += len(lic.Devices)
	}
	return st, nil
}

func (s *MemoryStore) AppendActivity(_ context.Context, entry domain.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, entry)
	return nil
}

// Activity returns a copy of the audit trail
func (s *MemoryStore) Activity() []domain.ActivityLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ActivityLog(nil), s.activity...)
}

// AppendUsage stores events, ignoring ids it has already seen
func (s *MemoryStore) AppendUsage(_ context.Context, events []domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if _, dup := s.usage[ev.ID]; !dup {
			s.usage[ev.ID] = ev
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneLicence(lic *domain.License) *domain.License {
	cp := *lic
	cp.Devices = append([]domain.Device(nil), lic.Devices...)
	if lic.Features != nil {
		cp.Features = make(map[string]bool, len(lic.Features))
		for k, v := range lic.Features {
			cp.Features[k] = v
		}
	}
	return &cp
}
