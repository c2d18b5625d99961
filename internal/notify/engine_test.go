package notify

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/validator"
)

type fakeMailer struct {
	mu     sync.Mutex
	sent   []Email
	failTo map[string]bool
	hang   bool
	calls  atomic.Int32
}

func (m *fakeMailer) Send(ctx context.Context, email Email) error {
	m.calls.Add(1)
	if m.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.failTo[email.To] {
		return errors.New("smtp: 451 try again later")
	}
	m.mu.Lock()
	m.sent = append(m.sent, email)
	m.mu.Unlock()
	return nil
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type failingStore struct {
	*repository.MemoryStore
}

func (f failingStore) ListPreferencesForKpi(ctx context.Context, kpiID string) ([]db.NotificationPreference, error) {
	return nil, errors.New("connection refused")
}

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store *repository.MemoryStore, mailer Mailer) *Engine {
	t.Helper()
	e := NewEngine(store, store, mailer, Config{
		MailTimeout:           time.Second,
		MaxConcurrentDispatch: 4,
		DashboardURL:          "https://dashboard.example.org",
	}, zap.NewNop())
	e.now = func() time.Time { return testNow }
	return e
}

func addPreference(t *testing.T, store *repository.MemoryStore, p db.NotificationPreference) db.NotificationPreference {
	t.Helper()
	if p.Owner == "" {
		p.Owner = p.Email
	}
	if p.CooldownHours == 0 {
		p.CooldownHours = 24
	}
	if p.AlertFrequency == "" {
		p.AlertFrequency = "daily"
	}
	require.NoError(t, store.CreatePreference(context.Background(), &p))
	return p
}

func history(t *testing.T, store *repository.MemoryStore) []db.NotificationHistoryRecord {
	t.Helper()
	records, err := store.ListHistory(context.Background(), 100)
	require.NoError(t, err)
	return records
}

func lastNotified(t *testing.T, store *repository.MemoryStore, owner, kpiID string) *time.Time {
	t.Helper()
	p, err := store.GetPreference(context.Background(), owner, kpiID)
	require.NoError(t, err)
	return p.LastNotified
}

func TestEvaluateAndNotify_DisabledNeverDispatches(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := newTestEngine(t, store, mailer)

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 20, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: false,
	})

	outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 5})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Dispatched)
	assert.Equal(t, ReasonDisabled, outcomes[0].Reason)
	assert.Empty(t, history(t, store))
	assert.Zero(t, mailer.calls.Load())
}

func TestEvaluateAndNotify_Cooldown(t *testing.T) {
	tests := []struct {
		name         string
		lastNotified time.Time
		wantSent     bool
	}{
		{"notified an hour ago", testNow.Add(-1 * time.Hour), false},
		{"notified 25 hours ago", testNow.Add(-25 * time.Hour), true},
		{"exactly at the boundary", testNow.Add(-24 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			mailer := &fakeMailer{}
			engine := newTestEngine(t, store, mailer)

			last := tt.lastNotified
			addPreference(t, store, db.NotificationPreference{
				KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
				Email: "a@b.com", Enabled: true, CooldownHours: 24, LastNotified: &last,
			})

			outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 14})
			require.NoError(t, err)
			require.Len(t, outcomes, 1)
			assert.Equal(t, tt.wantSent, outcomes[0].Dispatched)

			got := lastNotified(t, store, "a@b.com", "poverty_rate")
			require.NotNil(t, got)
			if tt.wantSent {
				assert.True(t, got.Equal(testNow))
				assert.Len(t, history(t, store), 1)
			} else {
				assert.Equal(t, ReasonCooldown, outcomes[0].Reason)
				assert.True(t, got.Equal(last))
				assert.Empty(t, history(t, store))
			}
		})
	}
}

func TestEvaluateAndNotify_RepeatedUpdatesSendOncePerCooldown(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := newTestEngine(t, store, mailer)

	addPreference(t, store, db.NotificationPreference{
		KpiID: "unemployment_rate", ThresholdValue: 5, ThresholdOperator: "greater_than",
		Email: "a@b.com", Enabled: true, CooldownHours: 24,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		engine.now = func() time.Time { return testNow.Add(time.Duration(i) * time.Hour) }
		_, err := engine.EvaluateAndNotify(ctx, Update{KpiID: "unemployment_rate", Value: 6 + float64(i)})
		require.NoError(t, err)
	}
	assert.Len(t, history(t, store), 1)

	// next cooldown period
	engine.now = func() time.Time { return testNow.Add(30 * time.Hour) }
	_, err := engine.EvaluateAndNotify(ctx, Update{KpiID: "unemployment_rate", Value: 7})
	require.NoError(t, err)
	assert.Len(t, history(t, store), 2)
	assert.Equal(t, 2, mailer.sentCount())
}

func TestEvaluateAndNotify_DateRangeFilter(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := newTestEngine(t, store, mailer)

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: true, DateRange: "January 2024",
	})

	outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{
		KpiID: "poverty_rate", Value: 10, DateRange: "February 2024",
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ReasonDateRangeMismatch, outcomes[0].Reason)
	assert.Empty(t, history(t, store))

	outcomes, err = engine.EvaluateAndNotify(context.Background(), Update{
		KpiID: "poverty_rate", Value: 10, DateRange: "January 2024",
	})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Dispatched)
}

func TestEvaluateAndNotify_ThresholdNotMet(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(t, store, &fakeMailer{})

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: true,
	})

	outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 15})
	require.NoError(t, err)
	assert.Equal(t, ReasonThresholdNotMet, outcomes[0].Reason)
	assert.Nil(t, lastNotified(t, store, "a@b.com", "poverty_rate"))
}

func TestEvaluateAndNotify_PartialFailureIsolation(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{failTo: map[string]bool{"broken@b.com": true}}
	engine := newTestEngine(t, store, mailer)

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "broken@b.com", Enabled: true,
	})
	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "ok@b.com", Enabled: true,
	})

	outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 14})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byEmail := map[string]Outcome{}
	for _, o := range outcomes {
		byEmail[o.Email] = o
	}
	assert.False(t, byEmail["broken@b.com"].Dispatched)
	assert.Equal(t, ReasonDeliveryFailed, byEmail["broken@b.com"].Reason)
	assert.Contains(t, byEmail["broken@b.com"].Error, "451")
	assert.True(t, byEmail["ok@b.com"].Dispatched)

	assert.Nil(t, lastNotified(t, store, "broken@b.com", "poverty_rate"))
	assert.NotNil(t, lastNotified(t, store, "ok@b.com", "poverty_rate"))

	records := history(t, store)
	require.Len(t, records, 2)
	for _, r := range records {
		if r.Email == "broken@b.com" {
			assert.False(t, r.Success)
			require.NotNil(t, r.Error)
		} else {
			assert.True(t, r.Success)
			assert.Nil(t, r.Error)
		}
	}
}

func TestEvaluateAndNotify_PovertyRateScenario(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := newTestEngine(t, store, mailer)
	ctx := context.Background()

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15.0, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: true, CooldownHours: 24,
	})

	outcomes, err := engine.EvaluateAndNotify(ctx, Update{
		KpiID: "poverty_rate", Value: 14.5, DateRange: "January 2024", DisplayName: "Poverty Rate",
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Dispatched)
	require.NotNil(t, outcomes[0].NotifiedAt)
	assert.NotNil(t, lastNotified(t, store, "a@b.com", "poverty_rate"))

	records := history(t, store)
	require.Len(t, records, 1)
	assert.Equal(t, 14.5, records[0].ActualValue)
	assert.Equal(t, "Poverty Rate", records[0].KpiName)
	assert.True(t, records[0].Success)

	require.Equal(t, 1, mailer.sentCount())
	assert.Equal(t, "KPI Alert: Poverty Rate", mailer.sent[0].Subject)
	assert.True(t, strings.Contains(mailer.sent[0].Body, "14.5"))
	assert.True(t, strings.Contains(mailer.sent[0].Body, "January 2024"))

	engine.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	outcomes, err = engine.EvaluateAndNotify(ctx, Update{
		KpiID: "poverty_rate", Value: 14.0, DateRange: "January 2024", DisplayName: "Poverty Rate",
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonCooldown, outcomes[0].Reason)
	assert.Len(t, history(t, store), 1)
	assert.Equal(t, 1, mailer.sentCount())
}

func TestEvaluateAndNotify_RejectsNonFiniteValues(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := newTestEngine(t, store, mailer)

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: true,
	})

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: v})
		assert.ErrorIs(t, err, ErrInvalidValue)
		assert.Nil(t, outcomes)
	}
	assert.Zero(t, mailer.calls.Load())
	assert.Nil(t, lastNotified(t, store, "a@b.com", "poverty_rate"))
}

func TestEvaluateAndNotify_RejectsEmptyKpiID(t *testing.T) {
	engine := newTestEngine(t, repository.NewMemoryStore(), &fakeMailer{})

	_, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "  ", Value: 1})
	var verr *validator.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "kpi_id", verr.Field)
}

func TestEvaluateAndNotify_StoreUnavailable(t *testing.T) {
	mem := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := NewEngine(failingStore{mem}, mem, mailer, Config{}, zap.NewNop())

	_, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 1})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, mailer.calls.Load())
}

func TestEvaluateAndNotify_MailTimeoutIsDeliveryFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{hang: true}
	engine := newTestEngine(t, store, mailer)
	engine.cfg.MailTimeout = 20 * time.Millisecond

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: true,
	})

	outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 1})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ReasonDeliveryFailed, outcomes[0].Reason)
	assert.Contains(t, outcomes[0].Error, "timed out")
	assert.Nil(t, lastNotified(t, store, "a@b.com", "poverty_rate"))

	records := history(t, store)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
}

func TestEvaluateAndNotify_ConcurrentUpdatesSendOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := newTestEngine(t, store, mailer)

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: true,
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 10})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mailer.sentCount())
	assert.Len(t, history(t, store), 1)
}

func TestEvaluateAndNotify_NoPreferences(t *testing.T) {
	engine := newTestEngine(t, repository.NewMemoryStore(), &fakeMailer{})

	outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "unknown_kpi", Value: 3})
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestEvaluateAndNotify_InvalidStoredOperatorIsSkipped(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(t, store, &fakeMailer{})

	pref := addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "about",
		Email: "a@b.com", Enabled: true,
	})

	outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 1})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, pref.ID, outcomes[0].PreferenceID)
	assert.NotEqual(t, uuid.Nil, outcomes[0].PreferenceID)
	assert.Equal(t, ReasonInvalidOperator, outcomes[0].Reason)
}

// faultyStore fails selected writes and delegates everything else
type faultyStore struct {
	*repository.MemoryStore
	failClaim   map[uuid.UUID]bool
	failRelease map[uuid.UUID]bool
	failHistory map[string]bool
}

func (f faultyStore) ClaimNotification(ctx context.Context, id uuid.UUID, expected *time.Time, claimedAt time.Time) (bool, error) {
	if f.failClaim[id] {
		return false, errors.New("claim refused")
	}
	return f.MemoryStore.ClaimNotification(ctx, id, expected, claimedAt)
}

func (f faultyStore) ReleaseNotification(ctx context.Context, id uuid.UUID, claimedAt time.Time, previous *time.Time) error {
	if f.failRelease[id] {
		return errors.New("release refused")
	}
	return f.MemoryStore.ReleaseNotification(ctx, id, claimedAt, previous)
}

func (f faultyStore) InsertHistory(ctx context.Context, rec *db.NotificationHistoryRecord) error {
	if f.failHistory[rec.Email] {
		return errors.New("history write refused")
	}
	return f.MemoryStore.InsertHistory(ctx, rec)
}

func TestEvaluateAndNotify_StoreFailureMidEvaluation(t *testing.T) {
	tests := []struct {
		name       string
		failTo     map[string]bool
		inject     func(s *faultyStore, first db.NotificationPreference)
		wantMailed int32
		check      func(t *testing.T, mem *repository.MemoryStore, first Outcome)
	}{
		{
			name: "claim fails",
			inject: func(s *faultyStore, first db.NotificationPreference) {
				s.failClaim[first.ID] = true
			},
			wantMailed: 1,
			check: func(t *testing.T, mem *repository.MemoryStore, first Outcome) {
				assert.False(t, first.Dispatched)
				assert.Nil(t, lastNotified(t, mem, "first@b.com", "poverty_rate"))
			},
		},
		{
			name: "history write fails after a successful send",
			inject: func(s *faultyStore, first db.NotificationPreference) {
				s.failHistory[first.Email] = true
			},
			wantMailed: 2,
			check: func(t *testing.T, mem *repository.MemoryStore, first Outcome) {
				assert.True(t, first.Dispatched)
				assert.Equal(t, ReasonSent, first.Reason)
				got := lastNotified(t, mem, "first@b.com", "poverty_rate")
				require.NotNil(t, got)
				assert.True(t, got.Equal(testNow))
			},
		},
		{
			name:   "release fails after a delivery failure",
			failTo: map[string]bool{"first@b.com": true},
			inject: func(s *faultyStore, first db.NotificationPreference) {
				s.failRelease[first.ID] = true
			},
			wantMailed: 2,
			check: func(t *testing.T, mem *repository.MemoryStore, first Outcome) {
				assert.False(t, first.Dispatched)
				assert.Equal(t, ReasonDeliveryFailed, first.Reason)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := repository.NewMemoryStore()
			store := faultyStore{
				MemoryStore: mem,
				failClaim:   map[uuid.UUID]bool{},
				failRelease: map[uuid.UUID]bool{},
				failHistory: map[string]bool{},
			}
			mailer := &fakeMailer{failTo: tt.failTo}
			engine := NewEngine(store, store, mailer, Config{
				MailTimeout:           time.Second,
				MaxConcurrentDispatch: 1,
			}, zap.NewNop())
			engine.now = func() time.Time { return testNow }

			first := addPreference(t, mem, db.NotificationPreference{
				KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
				Email: "first@b.com", Enabled: true,
			})
			addPreference(t, mem, db.NotificationPreference{
				KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
				Email: "second@b.com", Enabled: true,
			})
			tt.inject(&store, first)

			outcomes, err := engine.EvaluateAndNotify(context.Background(), Update{KpiID: "poverty_rate", Value: 10})
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			require.Len(t, outcomes, 2)
			assert.Equal(t, tt.wantMailed, mailer.calls.Load())

			byEmail := map[string]Outcome{}
			for _, o := range outcomes {
				byEmail[o.Email] = o
			}
			tt.check(t, mem, byEmail["first@b.com"])

			// the sibling is unaffected by the failing preference
			assert.True(t, byEmail["second@b.com"].Dispatched)
			assert.NotNil(t, lastNotified(t, mem, "second@b.com", "poverty_rate"))

			for _, r := range history(t, mem) {
				if r.Email == "second@b.com" {
					assert.True(t, r.Success)
				}
				if r.Error != nil {
					assert.NotContains(t, *r.Error, "context canceled")
				}
			}
		})
	}
}

func TestEvaluateAndNotify_CancelledContextClaimsNothing(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{}
	engine := newTestEngine(t, store, mailer)

	addPreference(t, store, db.NotificationPreference{
		KpiID: "poverty_rate", ThresholdValue: 15, ThresholdOperator: "less_than",
		Email: "a@b.com", Enabled: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := engine.EvaluateAndNotify(ctx, Update{KpiID: "poverty_rate", Value: 10})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ReasonAborted, outcomes[0].Reason)
	assert.Zero(t, mailer.calls.Load())
	assert.Nil(t, lastNotified(t, store, "a@b.com", "poverty_rate"))
	assert.Empty(t, history(t, store))
}
