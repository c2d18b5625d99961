package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/config"
	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/mq"
	"github.com/septivank/kpi-notification-worker/internal/notify"
	"github.com/septivank/kpi-notification-worker/internal/repository"
	"github.com/septivank/kpi-notification-worker/internal/validator"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		RabbitMQ: config.RabbitMQConfig{OutcomeRoutingKey: "notification.outcome"},
		Notify: config.NotifyConfig{
			DefaultCooldownHours:  24,
			MaxConcurrentDispatch: 2,
			HistoryDefaultLimit:   2,
			HistoryMaxLimit:       3,
		},
	}
}

type recordingMailer struct {
	mu     sync.Mutex
	sent   []notify.Email
	failTo map[string]bool
}

func (m *recordingMailer) Send(ctx context.Context, email notify.Email) error {
	if m.failTo[email.To] {
		return errors.New("mailbox unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.OutcomeEvent
	keys   []string
	err    error
}

func (p *recordingPublisher) PublishOutcome(ctx context.Context, event mq.OutcomeEvent, routingKey string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.keys = append(p.keys, routingKey)
	return nil
}

// brokenStore fails every call it overrides
type brokenStore struct {
	repository.Store
}

var errBroken = errors.New("connection reset by peer")

func (brokenStore) ListHistory(ctx context.Context, limit int) ([]db.NotificationHistoryRecord, error) {
	return nil, errBroken
}

func (brokenStore) UpsertKpiValue(ctx context.Context, kpiID string, value float64, dateRange string, updatedAt time.Time) (*db.KpiSnapshot, error) {
	return nil, errBroken
}

func (brokenStore) CreatePreference(ctx context.Context, pref *db.NotificationPreference) error {
	return errBroken
}

type fixture struct {
	store         *repository.MemoryStore
	mailer        *recordingMailer
	publisher     *recordingPublisher
	notifications *NotificationService
	kpis          *KpiService
	processor     *ProcessorService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	store := repository.NewMemoryStore()
	mailer := &recordingMailer{failTo: map[string]bool{}}
	publisher := &recordingPublisher{}
	logger := zap.NewNop()

	engine := notify.NewEngine(store, store, mailer, notify.Config{
		MailTimeout:           time.Second,
		MaxConcurrentDispatch: cfg.Notify.MaxConcurrentDispatch,
	}, logger)

	notifications := NewNotificationService(store, validator.NewValidator(cfg.Notify.DefaultCooldownHours), cfg, logger)
	notifications.now = func() time.Time { return testNow }

	kpis := NewKpiService(store, engine, logger)
	kpis.now = func() time.Time { return testNow }

	processor := NewProcessorService(kpis, publisher, cfg, logger)
	processor.now = func() time.Time { return testNow }

	return &fixture{
		store:         store,
		mailer:        mailer,
		publisher:     publisher,
		notifications: notifications,
		kpis:          kpis,
		processor:     processor,
	}
}

func (f *fixture) watch(t *testing.T, owner, email, kpiID string, value float64, op string) *db.NotificationPreference {
	t.Helper()
	pref, err := f.notifications.CreatePreference(context.Background(), owner, validator.PreferenceInput{
		KpiID:             kpiID,
		ThresholdValue:    value,
		ThresholdOperator: op,
		Email:             email,
	})
	require.NoError(t, err)
	return pref
}
