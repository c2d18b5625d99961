package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/septivank/kpi-notification-worker/internal/db"
	"github.com/septivank/kpi-notification-worker/internal/metrics"
	"github.com/septivank/kpi-notification-worker/internal/threshold"
	"github.com/septivank/kpi-notification-worker/internal/validator"
	"github.com/septivank/kpi-notification-worker/tools/timeparser"
)

// PreferenceStore is the part of the preference table the engine needs
type PreferenceStore interface {
	ListPreferencesForKpi(ctx context.Context, kpiID string) ([]db.NotificationPreference, error)
	ClaimNotification(ctx context.Context, id uuid.UUID, expected *time.Time, claimedAt time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, id uuid.UUID, claimedAt time.Time, previous *time.Time) error
}

// HistoryStore appends notification history
type HistoryStore interface {
	InsertHistory(ctx context.Context, rec *db.NotificationHistoryRecord) error
}

// Mailer delivers one email. It may fail transiently.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// Reason explains the outcome of one preference evaluation
type Reason string

const (
	ReasonSent              Reason = "sent"
	ReasonDeliveryFailed    Reason = "delivery_failed"
	ReasonDisabled          Reason = "disabled"
	ReasonDateRangeMismatch Reason = "date_range_mismatch"
	ReasonThresholdNotMet   Reason = "threshold_not_met"
	ReasonCooldown          Reason = "cooldown"
	ReasonClaimedElsewhere  Reason = "claimed_concurrently"
	ReasonInvalidOperator   Reason = "invalid_operator"
	ReasonAborted           Reason = "aborted"
)

// Update is a newly observed KPI value
type Update struct {
	KpiID       string
	Value       float64
	DateRange   string
	DisplayName string
}

// Outcome is the result of evaluating one preference for an update
type Outcome struct {
	PreferenceID uuid.UUID  `json:"preference_id"`
	Owner        string     `json:"owner"`
	Email        string     `json:"email"`
	Dispatched   bool       `json:"dispatched"`
	Reason       Reason     `json:"reason"`
	Error        string     `json:"error,omitempty"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
}

// Config holds engine settings
type Config struct {
	MailTimeout           time.Duration
	MaxConcurrentDispatch int
	DashboardURL          string
}

// Engine evaluates KPI updates against notification preferences and
// dispatches at most one email per preference per cooldown window
type Engine struct {
	prefs   PreferenceStore
	history HistoryStore
	mailer  Mailer
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates a new notification engine
func NewEngine(prefs PreferenceStore, history HistoryStore, mailer Mailer, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrentDispatch <= 0 {
		cfg.MaxConcurrentDispatch = 1
	}
	return &Engine{
		prefs:   prefs,
		history: history,
		mailer:  mailer,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "notify_engine")),
		now:     time.Now,
	}
}

// EvaluateAndNotify evaluates every preference watching u.KpiID and
// dispatches the qualifying ones. Per-preference delivery failures are
// reported in the outcomes; the returned error is reserved for invalid input
// and store failures.
func (e *Engine) EvaluateAndNotify(ctx context.Context, u Update) ([]Outcome, error) {
	u.KpiID = strings.TrimSpace(u.KpiID)
	if u.KpiID == "" {
		return nil, &validator.ValidationError{Field: "kpi_id", Message: "must not be empty"}
	}
	if math.IsNaN(u.Value) || math.IsInf(u.Value, 0) {
		return nil, fmt.Errorf("%w: got %v for %s", ErrInvalidValue, u.Value, u.KpiID)
	}
	if u.DisplayName == "" {
		u.DisplayName = u.KpiID
	}

	prefs, err := e.prefs.ListPreferencesForKpi(ctx, u.KpiID)
	if err != nil {
		e.logger.Error("failed to load preferences", zap.String("kpi_id", u.KpiID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	outcomes := make([]Outcome, len(prefs))
	if len(prefs) == 0 {
		return outcomes, nil
	}

	// timestamptz keeps microseconds; claims compare on the stored value
	now := e.now().UTC().Truncate(time.Microsecond)

	// a store failure on one preference must not cancel its siblings, so the
	// group only collects errors and every preference runs on ctx
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentDispatch)
	for i := range prefs {
		g.Go(func() error {
			out, err := e.evaluatePreference(ctx, u, prefs[i], now)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	dispatched := 0
	for _, o := range outcomes {
		if o.Dispatched {
			dispatched++
		}
	}
	e.logger.Info("kpi update evaluated",
		zap.String("kpi_id", u.KpiID),
		zap.Float64("value", u.Value),
		zap.Int("preferences", len(prefs)),
		zap.Int("dispatched", dispatched),
	)

	return outcomes, nil
}

func (e *Engine) evaluatePreference(ctx context.Context, u Update, pref db.NotificationPreference, now time.Time) (Outcome, error) {
	out := Outcome{
		PreferenceID: pref.ID,
		Owner:        pref.Owner,
		Email:        pref.Email,
	}
	log := e.logger.With(
		zap.String("kpi_id", u.KpiID),
		zap.String("preference_id", pref.ID.String()),
	)

	skip := func(reason Reason) (Outcome, error) {
		out.Reason = reason
		metrics.EvaluationsTotal.WithLabelValues(string(reason)).Inc()
		log.Debug("preference skipped", zap.String("reason", string(reason)))
		return out, nil
	}

	if !pref.Enabled {
		return skip(ReasonDisabled)
	}
	if pref.DateRange != "" && pref.DateRange != u.DateRange {
		return skip(ReasonDateRangeMismatch)
	}

	op, err := threshold.ParseOperator(pref.ThresholdOperator)
	if err != nil {
		log.Warn("stored preference has an invalid operator", zap.String("operator", pref.ThresholdOperator))
		return skip(ReasonInvalidOperator)
	}
	if !threshold.Compare(u.Value, op, pref.ThresholdValue) {
		return skip(ReasonThresholdNotMet)
	}
	if threshold.InCooldown(pref.LastNotified, pref.CooldownHours, now) {
		return skip(ReasonCooldown)
	}

	// nothing is claimed or sent once the caller has given up
	if err := ctx.Err(); err != nil {
		out.Reason = ReasonAborted
		return out, err
	}

	won, err := e.prefs.ClaimNotification(ctx, pref.ID, pref.LastNotified, now)
	if err != nil {
		log.Error("failed to claim preference", zap.Error(err))
		return out, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !won {
		return skip(ReasonClaimedElsewhere)
	}

	dateRange := u.DateRange
	if dateRange == "" {
		dateRange = timeparser.PeriodLabel(now)
	}

	sendErr := e.deliver(ctx, pref, u, op, dateRange)

	// the mail may already be out; record it even if the caller cancelled ctx
	persistCtx := context.WithoutCancel(ctx)
	rec := &db.NotificationHistoryRecord{
		PreferenceID:      pref.ID,
		Owner:             pref.Owner,
		KpiID:             u.KpiID,
		KpiName:           u.DisplayName,
		ActualValue:       u.Value,
		ThresholdValue:    pref.ThresholdValue,
		ThresholdOperator: string(op),
		DateRange:         u.DateRange,
		Email:             pref.Email,
		SentAt:            e.now().UTC(),
		Success:           sendErr == nil,
	}

	if sendErr != nil {
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		metrics.EvaluationsTotal.WithLabelValues(string(ReasonDeliveryFailed)).Inc()
		log.Warn("notification delivery failed", zap.String("email", pref.Email), zap.Error(sendErr))

		msg := sendErr.Error()
		rec.Error = &msg
		out.Reason = ReasonDeliveryFailed
		out.Error = msg

		if err := e.prefs.ReleaseNotification(persistCtx, pref.ID, now, pref.LastNotified); err != nil {
			log.Error("failed to release preference claim", zap.Error(err))
			return out, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if err := e.history.InsertHistory(persistCtx, rec); err != nil {
			log.Error("failed to record notification history", zap.Error(err))
			return out, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return out, nil
	}

	metrics.DispatchTotal.WithLabelValues("success").Inc()
	metrics.EvaluationsTotal.WithLabelValues(string(ReasonSent)).Inc()
	log.Info("notification sent", zap.String("email", pref.Email), zap.Float64("value", u.Value))

	out.Dispatched = true
	out.Reason = ReasonSent
	notifiedAt := now
	out.NotifiedAt = &notifiedAt

	if err := e.history.InsertHistory(persistCtx, rec); err != nil {
		log.Error("failed to record notification history", zap.Error(err))
		return out, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// deliver renders and sends the alert, bounded by the mail timeout
func (e *Engine) deliver(ctx context.Context, pref db.NotificationPreference, u Update, op threshold.Operator, dateRange string) error {
	email, err := ComposeAlert(pref.Email, AlertContent{
		KpiName:        u.DisplayName,
		CurrentValue:   u.Value,
		ThresholdValue: pref.ThresholdValue,
		Operator:       op,
		DateRange:      dateRange,
		AlertFrequency: pref.AlertFrequency,
		DashboardURL:   e.cfg.DashboardURL,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.MailTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.mailer.Send(ctx, email)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	metrics.MailSendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: mailer timed out after %s", ErrDeliveryFailed, e.cfg.MailTimeout)
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}
