package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/notify"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/validator"
)

func TestCreatePreference_AppliesDefaults(t *testing.T) {
	f := newFixture(t)

	pref := f.watch(t, "user-1", "a@b.com", "poverty_rate", 15, "less_than")

	assert.Equal(t, "user-1", pref.Owner)
	assert.True(t, pref.Enabled)
	assert.Equal(t, 24, pref.CooldownHours)
	assert.Equal(t, "daily", pref.AlertFrequency)
	assert.Nil(t, pref.LastNotified)
	assert.True(t, pref.CreatedAt.Equal(testNow))
}

func TestCreatePreference_AnonymousOwnerIsEmail(t *testing.T) {
	f := newFixture(t)

	pref := f.watch(t, "", "anon@b.com", "poverty_rate", 15, "less_than")
	assert.Equal(t, "anon@b.com", pref.Owner)
}

func TestCreatePreference_ValidationHappensBeforePersistence(t *testing.T) {
	f := newFixture(t)
	zero := 0

	tests := []struct {
		name  string
		in    validator.PreferenceInput
		field string
	}{
		{"bad operator", validator.PreferenceInput{KpiID: "k", ThresholdOperator: "about", Email: "a@b.com"}, "threshold_operator"},
		{"zero cooldown", validator.PreferenceInput{KpiID: "k", ThresholdOperator: "equal", Email: "a@b.com", CooldownHours: &zero}, "cooldown_hours"},
		{"missing email", validator.PreferenceInput{KpiID: "k", ThresholdOperator: "equal"}, "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.notifications.CreatePreference(context.Background(), "user-1", tt.in)
			var verr *validator.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	prefs, err := f.notifications.ListPreferences(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, prefs)
}

func TestPreferenceCRUD_ScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.watch(t, "user-1", "a@b.com", "poverty_rate", 15, "less_than")
	f.watch(t, "user-2", "c@d.com", "poverty_rate", 10, "less_than")

	prefs, err := f.notifications.ListPreferences(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "a@b.com", prefs[0].Email)

	got, err := f.notifications.GetPreference(ctx, "user-2", "poverty_rate")
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.ThresholdValue)

	require.NoError(t, f.notifications.DeletePreference(ctx, "user-1", "poverty_rate"))
	_, err = f.notifications.GetPreference(ctx, "user-1", "poverty_rate")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// the other owner's preference is untouched
	_, err = f.notifications.GetPreference(ctx, "user-2", "poverty_rate")
	assert.NoError(t, err)

	err = f.notifications.DeletePreference(ctx, "user-1", "poverty_rate")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetHistory_ClampsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.InsertHistory(ctx, &db.NotificationHistoryRecord{
			KpiID:  "poverty_rate",
			SentAt: testNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := f.notifications.GetHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2, "default limit")
	assert.True(t, records[0].SentAt.Equal(testNow.Add(4*time.Minute)))

	records, err = f.notifications.GetHistory(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, records, 3, "max limit")
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	cfg := testConfig()
	svc := NewNotificationService(brokenStore{repository.NewMemoryStore()}, validator.NewValidator(24), cfg, zap.NewNop())

	_, err := svc.GetHistory(context.Background(), 10)
	assert.ErrorIs(t, err, notify.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errBroken)

	_, err = svc.CreatePreference(context.Background(), "user-1", validator.PreferenceInput{
		KpiID: "k", ThresholdOperator: "equal", Email: "a@b.com",
	})
	assert.ErrorIs(t, err, notify.ErrStoreUnavailable)
}
