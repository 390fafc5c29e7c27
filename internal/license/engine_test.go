package license

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/infrastructure"
	"wslicense/pkg/contracts/domain"
)

type memStore struct {
	mu    sync.Mutex
	entry *domain.CacheEntry
	saves int
	err   error
}

func (s *memStore) Load() (*domain.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return nil, false
	}
	cp := *s.entry
	return &cp, true
}

func (s *memStore) Save(e *domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *e
	s.entry = &cp
	s.saves++
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = nil
	return nil
}

type staticFP string

func (f staticFP) Generate() string { return string(f) }

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) Activate(ctx context.Context, key, fp string) (*domain.LicenseRecord, error) {
	args := m.Called(ctx, key, fp)
	rec, _ := args.Get(0).(*domain.LicenseRecord)
	return rec, args.Error(1)
}

func (m *mockReconciler) Refresh(ctx context.Context, entry *domain.CacheEntry, fp string) (*domain.LicenseRecord, error) {
	args := m.Called(ctx, entry, fp)
	rec, _ := args.Get(0).(*domain.LicenseRecord)
	return rec, args.Error(1)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func (s *recordingSink) Enqueue(ev domain.UsageEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

type engineFixture struct {
	engine *Engine
	store  *memStore
	rec    *mockReconciler
	sink   *recordingSink
	now    *time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	now := baseTime
	f := &engineFixture{store: &memStore{}, rec: &mockReconciler{}, sink: &recordingSink{}, now: &now}

	e, err := NewEngine(EngineDeps{
		Store:           f.store,
		Fingerprint:     staticFP(testFP),
		Reconciler:      f.rec,
		Usage:           f.sink,
		Clock:           func() time.Time { return *f.now },
		Logger:          infrastructure.NopLogger(),
		Metrics:         NoopMetrics(),
		AppID:           "whatsapp-sender-pro",
		MaxOfflineDays:  DefaultMaxOfflineDays,
		VerdictCacheTTL: time.Hour,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func networkErr() error {
	return &ClientError{Kind: KindNetworkError, Message: "unreachable", Err: errors.New("dial tcp: refused")}
}

func TestStartupFreshCacheSkipsNetwork(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()

	v := f.engine.Startup(context.Background())

	assert.True(t, v.Valid)
	assert.Equal(t, domain.ReasonValid, v.Reason)
	f.rec.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartupStaleCacheReconciles(t *testing.T) {
	f := newEngineFixture(t)
	entry := subscriptionEntry()
	entry.LastSync = baseTime.Add(-2 * 24 * time.Hour)
	f.store.entry = entry

	rec := testRecord()
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).Return(rec, nil).Once()

	v := f.engine.Startup(context.Background())

	assert.True(t, v.Valid)
	assert.False(t, v.NeedsSync)
	assert.True(t, f.store.entry.LastSync.Equal(baseTime))
	assert.Equal(t, rec.ExpiryDate, f.store.entry.ExpiryDate)
	f.rec.AssertExpectations(t)
}

func TestStartupOfflineWithinGrace(t *testing.T) {
	f := newEngineFixture(t)
	entry := subscriptionEntry()
	entry.LastSync = baseTime.Add(-2 * 24 * time.Hour)
	f.store.entry = entry
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).Return(nil, networkErr())

	v := f.engine.Startup(context.Background())

	assert.True(t, v.Valid)
	assert.True(t, v.NeedsSync)
	assert.True(t, f.store.entry.LastSync.Equal(entry.LastSync), "last sync must not move on failure")
}

func TestStartupOfflineGraceExceeded(t *testing.T) {
	f := newEngineFixture(t)
	entry := subscriptionEntry()
	entry.LastSync = baseTime.Add(-4 * 24 * time.Hour)
	f.store.entry = entry
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).Return(nil, &ClientError{Kind: KindServerError})

	v := f.engine.Startup(context.Background())

	assert.False(t, v.Valid)
	assert.Equal(t, domain.ReasonOfflineGraceExceeded, v.Reason)
}

func TestStartupNoCacheRecoversByDevice(t *testing.T) {
	f := newEngineFixture(t)
	f.rec.On("Refresh", mock.Anything, (*domain.CacheEntry)(nil), testFP).Return(testRecord(), nil)

	v := f.engine.Startup(context.Background())

	assert.True(t, v.Valid)
	require.NotNil(t, f.store.entry)
	assert.Equal(t, testFP, f.store.entry.Fingerprint)
}

func TestStartupNoCacheUnknownDevice(t *testing.T) {
	f := newEngineFixture(t)
	f.rec.On("Refresh", mock.Anything, (*domain.CacheEntry)(nil), testFP).
		Return(nil, &ClientError{Kind: KindNotFound})

	v := f.engine.Startup(context.Background())

	assert.False(t, v.Valid)
	assert.Equal(t, domain.ReasonNoLicence, v.Reason)
}

func TestReconcileRevokedPersistsStatus(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()

	rec := testRecord()
	rec.Status = domain.LicenseStatusRevoked
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).
		Return(nil, &ClientError{Kind: KindRevoked, Record: rec})

	v, err := f.engine.Reconcile(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrLicenseRevoked)
	assert.Equal(t, domain.ReasonRevoked, v.Reason)
	assert.Equal(t, domain.LicenseStatusRevoked, f.store.entry.Status)

	// the denial survives going offline
	f.engine.verdicts.Flush()
	assert.Equal(t, domain.ReasonRevoked, f.engine.GetVerdict().Reason)
}

func TestReconcileSuspendedWithoutRecord(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).
		Return(nil, &ClientError{Kind: KindSuspended})

	v, err := f.engine.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Equal(t, domain.ReasonSuspended, v.Reason)
	assert.Equal(t, domain.LicenseStatusSuspended, f.store.entry.Status)
}

func TestReconcileUnboundDeviceClearsCache(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).
		Return(nil, &ClientError{Kind: KindNotFound})

	v, err := f.engine.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Equal(t, domain.ReasonNoLicence, v.Reason)
	assert.Nil(t, f.store.entry)
}

func TestReconcileSkipsForeignCache(t *testing.T) {
	f := newEngineFixture(t)
	entry := subscriptionEntry()
	entry.Fingerprint = "ffffffffffffffffffffffffffffffff"
	f.store.entry = entry

	v, err := f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDeviceMismatch, v.Reason)
	f.rec.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileSingleFlight(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()

	var calls atomic.Int32
	release := make(chan struct{})
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).
		Run(func(mock.Arguments) {
			calls.Add(1)
			<-release
		}).
		Return(testRecord(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Reconcile(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestActivateWaitsForReconcile(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()

	started := make(chan struct{})
	release := make(chan struct{})
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(nil, &ClientError{Kind: KindNotFound})

	replacement := testRecord()
	replacement.LicenseKey = "WS-FFFF00001111"
	f.rec.On("Activate", mock.Anything, "WS-FFFF00001111", testFP).Return(replacement, nil)

	reconciled := make(chan struct{})
	go func() {
		defer close(reconciled)
		_, _ = f.engine.Reconcile(context.Background())
	}()
	<-started

	activated := make(chan domain.Verdict, 1)
	go func() {
		v, err := f.engine.Activate(context.Background(), "WS-FFFF00001111")
		assert.NoError(t, err)
		activated <- v
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, activated, "activation must not overlap a reconciliation")

	close(release)
	<-reconciled
	v := <-activated
	assert.True(t, v.Valid)

	entry, ok := f.store.Load()
	require.True(t, ok)
	assert.Equal(t, "WS-FFFF00001111", entry.LicenseKey)
	assert.True(t, f.engine.GetVerdict().Valid)
}

func TestReconcileDiscardsResultForReplacedCache(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()

	replaced := subscriptionEntry()
	replaced.LicenseKey = "WS-FFFF00001111"
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).
		Run(func(mock.Arguments) {
			// another process caches a different licence meanwhile
			require.NoError(t, f.store.Save(replaced))
		}).
		Return(nil, &ClientError{Kind: KindNotFound})

	v, err := f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Valid)

	entry, ok := f.store.Load()
	require.True(t, ok)
	assert.Equal(t, "WS-FFFF00001111", entry.LicenseKey)
}

func TestActivateHonoursContextWhileReconciling(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()

	started := make(chan struct{})
	release := make(chan struct{})
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(testRecord(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.engine.Reconcile(context.Background())
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.engine.Activate(ctx, "WS-FFFF00001111")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	f.rec.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything)

	close(release)
	<-done
}

func TestActivate(t *testing.T) {
	f := newEngineFixture(t)
	f.rec.On("Activate", mock.Anything, "WS-0A1B2C3D4E5F", testFP).Return(testRecord(), nil)

	v, err := f.engine.Activate(context.Background(), " ws-0a1b2c3d4e5f ")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "pro", v.PlanType)
	assert.Equal(t, "WS-0A1B2C3D4E5F", f.store.entry.LicenseKey)

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, "licence_activated", f.sink.events[0].EventType)
	assert.Equal(t, "WS-0A1B2C3D4E5F", f.sink.events[0].LicenseKey)
}

func TestActivateQuotaExceededKeepsCache(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()
	f.rec.On("Activate", mock.Anything, "LIC-TEST", testFP).
		Return(nil, &ClientError{Kind: KindQuotaExceeded, Code: domain.ErrCodeMaxDevicesReached})

	v, err := f.engine.Activate(context.Background(), "LIC-TEST")
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
	assert.Equal(t, domain.ReasonQuotaExceeded, v.Reason)
	assert.Equal(t, "WS-0A1B2C3D4E5F", f.store.entry.LicenseKey)
}

func TestActivateRejectsMalformedKey(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Activate(context.Background(), "ab")
	assert.Error(t, err)
	f.rec.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything)
}

func TestActivateSaveFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.store.err = errors.New("disk full")
	f.rec.On("Activate", mock.Anything, "WS-0A1B2C3D4E5F", testFP).Return(testRecord(), nil)

	_, err := f.engine.Activate(context.Background(), "WS-0A1B2C3D4E5F")
	assert.ErrorContains(t, err, "disk full")
}

func TestStartTrial(t *testing.T) {
	f := newEngineFixture(t)

	v, err := f.engine.StartTrial(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 7, v.RemainingDays)
	assert.Equal(t, domain.LicenseTypeTrial, v.LicenseType)
	assert.Equal(t, "TRIAL_01234567", f.store.entry.LicenseKey)

	_, err = f.engine.StartTrial(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrTrialUnavailable)

	// trials never hit the registry and ignore the offline ceiling
	*f.now = baseTime.Add(6 * 24 * time.Hour)
	v, err = f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Valid)

	*f.now = baseTime.Add(8 * 24 * time.Hour)
	v, _ = f.engine.Reconcile(context.Background())
	assert.Equal(t, domain.ReasonExpired, v.Reason)

	assert.ErrorIs(t, f.engine.Deactivate(), apperrors.ErrTrialUnavailable)
}

func TestGetVerdictIsCached(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()

	first := f.engine.GetVerdict()
	f.store.entry = nil
	assert.Equal(t, first, f.engine.GetVerdict())

	f.engine.verdicts.Flush()
	assert.Equal(t, domain.ReasonNoLicence, f.engine.GetVerdict().Reason)
}

func TestDeactivate(t *testing.T) {
	f := newEngineFixture(t)
	f.store.entry = subscriptionEntry()
	_ = f.engine.GetVerdict()

	require.NoError(t, f.engine.Deactivate())
	assert.Nil(t, f.store.entry)
	assert.Equal(t, domain.ReasonNoLicence, f.engine.GetVerdict().Reason)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.syncInterval = 10 * time.Millisecond
	f.store.entry = subscriptionEntry()
	f.rec.On("Refresh", mock.Anything, mock.Anything, testFP).Return(nil, networkErr())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, f.engine.Run(ctx))
	f.rec.AssertCalled(t, "Refresh", mock.Anything, mock.Anything, testFP)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineDeps{})
	assert.Error(t, err)
}
