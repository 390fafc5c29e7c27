package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/security"
	"wslicense/pkg/contracts/domain"
)

const (
	// TrialKeyPrefix marks licences created locally by StartTrial
	TrialKeyPrefix = "TRIAL_"

	DefaultSyncInterval    = time.Hour
	DefaultVerdictCacheTTL = time.Minute

	verdictCacheKey = "verdict"
)

// FingerprintSource yields this device's fingerprint
type FingerprintSource interface {
	Generate() string
}

// Reconciler is the registry side of reconciliation. *Client implements it.
type Reconciler interface {
	Activate(ctx context.Context, key, fingerprint string) (*domain.LicenseRecord, error)
	Refresh(ctx context.Context, entry *domain.CacheEntry, fingerprint string) (*domain.LicenseRecord, error)
}

// UsageSink accepts usage events without blocking. *Dispatcher implements it.
type UsageSink interface {
	Enqueue(ev domain.UsageEvent) bool
}

// EngineDeps are the collaborators of an Engine
type EngineDeps struct {
	Store           Store
	Fingerprint     FingerprintSource
	Reconciler      Reconciler
	Usage           UsageSink
	Clock           func() time.Time
	Logger          *slog.Logger
	Metrics         *Metrics
	AppID           string
	MaxOfflineDays  int
	SyncInterval    time.Duration
	VerdictCacheTTL time.Duration
}

// Engine answers "may this installation run?" for the host application.
// It is created once by the composition root and passed to collaborators.
type Engine struct {
	store          Store
	fingerprint    FingerprintSource
	reconciler     Reconciler
	usage          UsageSink
	now            func() time.Time
	logger         *slog.Logger
	metrics        *Metrics
	appID          string
	maxOfflineDays int
	syncInterval   time.Duration

	verdicts *cache.Cache
	group    singleflight.Group

	// inflight admits one registry exchange or cache rewrite at a time
	inflight   chan struct{}
	mu         sync.Mutex // serialises store writes
	licenseKey atomic.Value
}

// NewEngine validates deps and builds an Engine
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Store == nil || deps.Fingerprint == nil || deps.Reconciler == nil {
		return nil, errors.New("engine requires a store, a fingerprint source and a reconciler")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxOfflineDays < 0 {
		return nil, fmt.Errorf("max offline days must not be negative, got %d", deps.MaxOfflineDays)
	}
	if deps.SyncInterval <= 0 {
		deps.SyncInterval = DefaultSyncInterval
	}
	if deps.VerdictCacheTTL <= 0 {
		deps.VerdictCacheTTL = DefaultVerdictCacheTTL
	}

	return &Engine{
		store:          deps.Store,
		fingerprint:    deps.Fingerprint,
		reconciler:     deps.Reconciler,
		usage:          deps.Usage,
		now:            deps.Clock,
		logger:         deps.Logger.With(slog.String("component", "license_engine")),
		metrics:        deps.Metrics,
		appID:          deps.AppID,
		maxOfflineDays: deps.MaxOfflineDays,
		syncInterval:   deps.SyncInterval,
		verdicts:       cache.New(deps.VerdictCacheTTL, 2*deps.VerdictCacheTTL),
		inflight:       make(chan struct{}, 1),
	}, nil
}

// Startup produces the verdict the application gates its start on. It
// blocks until reconciliation, if needed, has finished or failed.
func (e *Engine) Startup(ctx context.Context) domain.Verdict {
	ctx, span := tracer.Start(ctx, "license.engine.startup")
	defer span.End()

	fp := e.fingerprint.Generate()
	entry, _ := e.store.Load()
	local := Validate(entry, fp, e.now())

	if !e.shouldReconcile(entry, local) {
		v := e.remember(e.evaluate(entry, fp, e.now()))
		e.logger.Info("Startup licence verdict", verdictAttrs(v)...)
		return v
	}

	v, err := e.Reconcile(ctx)
	if err != nil {
		e.logger.Warn("Startup reconciliation failed",
			append(verdictAttrs(v), slog.String("error", err.Error()))...,
		)
	} else {
		e.logger.Info("Startup licence verdict", verdictAttrs(v)...)
	}
	return v
}

func (e *Engine) shouldReconcile(entry *domain.CacheEntry, local domain.Verdict) bool {
	switch {
	case isLocalTrial(entry):
		return false
	case local.Reason == domain.ReasonDeviceMismatch:
		return false
	case !local.Valid:
		return true
	}
	return local.NeedsSync
}

// GetVerdict returns the current verdict without touching the network.
// Results are cached briefly so hot paths can call it freely.
func (e *Engine) GetVerdict() domain.Verdict {
	if v, ok := e.verdicts.Get(verdictCacheKey); ok {
		return v.(domain.Verdict)
	}
	fp := e.fingerprint.Generate()
	entry, _ := e.store.Load()
	return e.remember(e.evaluate(entry, fp, e.now()))
}

// Reconcile refreshes the cached licence from the registry. Concurrent
// callers share one in-flight call, and it never overlaps Activate,
// StartTrial or Deactivate.
func (e *Engine) Reconcile(ctx context.Context) (domain.Verdict, error) {
	type result struct {
		v   domain.Verdict
		err error
	}
	res, _, _ := e.group.Do("reconcile", func() (interface{}, error) {
		if err := e.acquire(ctx); err != nil {
			return result{e.GetVerdict(), err}, nil
		}
		defer e.release()
		v, err := e.reconcile(ctx)
		return result{v, err}, nil
	})
	r := res.(result)
	return r.v, r.err
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.inflight }

// superseded reports whether the cached licence is no longer the one a
// registry exchange started from, returning what is cached now.
func (e *Engine) superseded(entry *domain.CacheEntry) (*domain.CacheEntry, bool) {
	current, _ := e.store.Load()
	switch {
	case entry == nil && current == nil:
		return nil, false
	case entry == nil || current == nil:
		return current, true
	}
	return current, current.LicenseKey != entry.LicenseKey
}

func (e *Engine) reconcile(ctx context.Context) (domain.Verdict, error) {
	ctx, span := tracer.Start(ctx, "license.engine.reconcile")
	defer span.End()

	fp := e.fingerprint.Generate()
	entry, _ := e.store.Load()

	if isLocalTrial(entry) || (entry != nil && entry.Fingerprint != fp) {
		return e.remember(e.evaluate(entry, fp, e.now())), nil
	}

	rec, err := e.reconciler.Refresh(ctx, entry, fp)
	if current, changed := e.superseded(entry); changed {
		e.logger.Info("Discarding reconciliation for a replaced licence cache")
		e.metrics.recordReconcile(ctx, "superseded")
		return e.remember(e.evaluate(current, fp, e.now())), nil
	}
	if err == nil {
		v, saveErr := e.persist(rec, fp)
		if saveErr != nil {
			e.metrics.recordReconcile(ctx, "store_error")
			return v, saveErr
		}
		e.metrics.recordReconcile(ctx, "success")
		return v, nil
	}

	var ce *ClientError
	if !errors.As(err, &ce) || ce.Transient() ||
		ce.Kind == KindUnauthorized || ce.Kind == KindDeviceConflict || ce.Kind == KindQuotaExceeded {
		e.metrics.recordReconcile(ctx, "offline")
		return e.remember(e.evaluate(entry, fp, e.now())), err
	}

	e.metrics.recordReconcile(ctx, "denied")
	return e.applyDenial(entry, fp, ce), err
}

// applyDenial persists what an authoritative refusal says about the cached
// licence so the local verdict reflects it while offline.
func (e *Engine) applyDenial(entry *domain.CacheEntry, fp string, ce *ClientError) domain.Verdict {
	if ce.Record != nil {
		if v, err := e.persist(ce.Record, fp); err == nil {
			return v
		}
	}

	if entry == nil {
		return e.remember(Validate(nil, fp, e.now()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ce.Kind == KindNotFound {
		// the registry no longer binds this device to the key
		if err := e.store.Clear(); err != nil {
			e.logger.Error("Failed to clear revoked licence cache", slog.String("error", err.Error()))
		}
		e.licenseKey.Store("")
		return e.remember(Validate(nil, fp, e.now()))
	}

	updated := *entry
	updated.LastSync = e.now()
	switch ce.Kind {
	case KindExpired:
		updated.Status = domain.LicenseStatusExpired
	case KindSuspended:
		updated.Status = domain.LicenseStatusSuspended
	case KindRevoked:
		updated.Status = domain.LicenseStatusRevoked
	}
	if err := e.store.Save(&updated); err != nil {
		e.logger.Error("Failed to persist licence denial", slog.String("error", err.Error()))
	}
	return e.remember(e.evaluate(&updated, fp, e.now()))
}

// Activate binds this device to key and caches the resulting licence
func (e *Engine) Activate(ctx context.Context, key string) (domain.Verdict, error) {
	ctx, span := tracer.Start(ctx, "license.engine.activate")
	defer span.End()

	key = security.NormalizeLicenseKey(key)
	if err := security.ValidateLicenseKeyFormat(key); err != nil {
		return domain.Verdict{Reason: domain.ReasonNoLicence, CheckedAt: e.now()}, err
	}

	if err := e.acquire(ctx); err != nil {
		return e.GetVerdict(), err
	}
	defer e.release()

	fp := e.fingerprint.Generate()
	rec, err := e.reconciler.Activate(ctx, key, fp)
	if err != nil {
		e.logger.Warn("Licence activation failed",
			slog.String("license_key", MaskLicenseKey(key)),
			slog.String("error", err.Error()),
		)
		var ce *ClientError
		if errors.As(err, &ce) && !ce.Transient() {
			return domain.Verdict{Reason: reasonForKind(ce.Kind), NeedsSync: true, CheckedAt: e.now()}, err
		}
		return e.GetVerdict(), err
	}

	v, err := e.persist(rec, fp)
	if err != nil {
		return v, err
	}
	e.logger.Info("Licence activated",
		append(verdictAttrs(v), slog.String("license_key", MaskLicenseKey(key)))...,
	)
	e.LogUsageEvent("licence_activated", map[string]any{"plan_type": rec.PlanType})
	return v, nil
}

// StartTrial creates a local seven day trial. Only one trial is allowed per
// installation and none once any licence has been cached.
func (e *Engine) StartTrial(ctx context.Context) (domain.Verdict, error) {
	ctx, span := tracer.Start(ctx, "license.engine.start_trial")
	defer span.End()

	if err := e.acquire(ctx); err != nil {
		return e.GetVerdict(), err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.store.Load(); ok {
		return e.GetVerdict(), apperrors.ErrTrialUnavailable
	}

	fp := e.fingerprint.Generate()
	now := e.now()
	entry := &domain.CacheEntry{
		LicenseKey:     TrialKeyPrefix + strings.ToUpper(fp[:min(8, len(fp))]),
		LicenseType:    domain.LicenseTypeTrial,
		PlanType:       "trial",
		Status:         domain.LicenseStatusActive,
		ActivationDate: now,
		ExpiryDate:     now.Add(domain.TrialLength),
		MaxDevices:     1,
		Fingerprint:    fp,
		LastSync:       now,
	}
	if err := e.store.Save(entry); err != nil {
		return domain.Verdict{Reason: domain.ReasonNoLicence, CheckedAt: now}, fmt.Errorf("save trial licence: %w", err)
	}
	v := e.remember(e.evaluate(entry, fp, now))
	e.logger.Info("Trial licence started", verdictAttrs(v)...)
	return v, nil
}

// Deactivate forgets the cached licence on this device. Local trials are
// kept so a trial cannot be restarted.
func (e *Engine) Deactivate() error {
	_ = e.acquire(context.Background())
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.store.Load()
	if ok && isLocalTrial(entry) {
		return apperrors.ErrTrialUnavailable
	}
	if err := e.store.Clear(); err != nil {
		return err
	}
	e.licenseKey.Store("")
	e.verdicts.Delete(verdictCacheKey)
	e.logger.Info("Local licence cache cleared")
	return nil
}

// LogUsageEvent records a usage event. It never blocks the caller.
func (e *Engine) LogUsageEvent(eventType string, details map[string]any) {
	if e.usage == nil {
		return
	}

	key, _ := e.licenseKey.Load().(string)
	ev := domain.UsageEvent{
		ID:          uuid.NewString(),
		EventType:   eventType,
		LicenseKey:  key,
		Fingerprint: e.fingerprint.Generate(),
		AppID:       e.appID,
		Details:     details,
		OccurredAt:  e.now().UTC(),
	}
	if !e.usage.Enqueue(ev) {
		e.logger.Debug("Usage event dropped", slog.String("event_type", eventType))
	}
}

// Run reconciles every sync interval until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	e.logger.Info("Background licence reconciliation started", slog.Duration("interval", e.syncInterval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Background licence reconciliation stopped")
			return nil
		case <-ticker.C:
			v, err := e.Reconcile(ctx)
			if err != nil {
				e.logger.Warn("Background reconciliation failed",
					append(verdictAttrs(v), slog.String("error", err.Error()))...,
				)
				continue
			}
			e.logger.Debug("Background reconciliation completed", verdictAttrs(v)...)
		}
	}
}

// persist caches a record the registry issued to this device
func (e *Engine) persist(rec *domain.LicenseRecord, fp string) (domain.Verdict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	entry := domain.EntryFromRecord(rec, fp, now)
	if err := e.store.Save(entry); err != nil {
		e.logger.Error("Failed to save licence cache", slog.String("error", err.Error()))
		return e.remember(Validate(entry, fp, now)), fmt.Errorf("save licence cache: %w", err)
	}
	return e.remember(e.evaluate(entry, fp, now)), nil
}

// evaluate is the local verdict with the offline ceiling applied. Local
// trials never sync and are exempt from the ceiling.
func (e *Engine) evaluate(entry *domain.CacheEntry, fp string, now time.Time) domain.Verdict {
	v := Validate(entry, fp, now)
	if entry != nil {
		e.licenseKey.Store(entry.LicenseKey)
	}
	if !isLocalTrial(entry) {
		v = ApplyGrace(v, entry, now, e.maxOfflineDays)
	}
	return v
}

func (e *Engine) remember(v domain.Verdict) domain.Verdict {
	e.verdicts.Set(verdictCacheKey, v, cache.DefaultExpiration)
	e.metrics.recordVerdict(context.Background(), v)
	return v
}

func isLocalTrial(entry *domain.CacheEntry) bool {
	return entry != nil && entry.LicenseType == domain.LicenseTypeTrial &&
		strings.HasPrefix(entry.LicenseKey, TrialKeyPrefix)
}

func reasonForKind(k ErrorKind) domain.ReasonCode {
	switch k {
	case KindQuotaExceeded:
		return domain.ReasonQuotaExceeded
	case KindExpired:
		return domain.ReasonExpired
	case KindSuspended:
		return domain.ReasonSuspended
	case KindRevoked:
		return domain.ReasonRevoked
	case KindDeviceConflict:
		return domain.ReasonDeviceMismatch
	}
	return domain.ReasonNoLicence
}
