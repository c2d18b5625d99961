package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/config"
	"github.com/septivank/kpi-notification-worker/internal/logging"
	"github.com/septivank/kpi-notification-worker/internal/metrics"
	"github.com/septivank/kpi-notification-worker/internal/mq"
	"github.com/septivank/kpi-notification-worker/internal/notify"
	"github.com/septivank/kpi-notification-worker/internal/validator"
	"github.com/septivank/kpi-notification-worker/tools/timeparser"
)

// KpiUpdatedMessage represents the incoming message from RabbitMQ
type KpiUpdatedMessage struct {
	RequestID  string   `json:"request_id"`
	KpiID      string   `json:"kpi_id"`
	Value      *float64 `json:"value"`
	DateRange  string   `json:"date_range"`
	KpiName    string   `json:"kpi_name"`
	ObservedAt string   `json:"observed_at"`
}

// OutcomePublisher publishes notification outcome events
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event mq.OutcomeEvent, routingKey string) error
}

// ProcessorService handles KPI update messages consumed from RabbitMQ
type ProcessorService struct {
	kpis      *KpiService
	publisher OutcomePublisher
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	kpis *KpiService,
	publisher OutcomePublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		kpis:      kpis,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessMessage processes an incoming KPI update message. A returned error
// NACKs the message to the dead letter queue.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	receivedAt := s.now().UTC()

	// Parse incoming message
	var msg KpiUpdatedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		metrics.KpiUpdatesTotal.WithLabelValues("amqp", "rejected").Inc()
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.Value == nil {
		metrics.KpiUpdatesTotal.WithLabelValues("amqp", "rejected").Inc()
		return &validator.ValidationError{Field: "value", Message: "is required"}
	}

	// Add request_id to logger context
	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing kpi update",
		zap.String("kpi_id", msg.KpiID),
		zap.Float64("value", *msg.Value),
		zap.String("date_range", msg.DateRange),
	)

	result, err := s.kpis.UpdateKpiValue(ctx, KpiUpdate{
		KpiID:       msg.KpiID,
		Value:       *msg.Value,
		DateRange:   msg.DateRange,
		DisplayName: msg.KpiName,
		ObservedAt:  timeparser.ObservedAtOrDefault(msg.ObservedAt, receivedAt),
	})
	if err != nil {
		status := "failed"
		var verr *validator.ValidationError
		if errors.As(err, &verr) || errors.Is(err, notify.ErrInvalidValue) {
			status = "rejected"
		}
		metrics.KpiUpdatesTotal.WithLabelValues("amqp", status).Inc()
		reqLogger.Error("failed to process kpi update", zap.Error(err))
		return fmt.Errorf("failed to process kpi update: %w", err)
	}
	metrics.KpiUpdatesTotal.WithLabelValues("amqp", "accepted").Inc()

	// Publish events after the update is committed
	published := 0
	for _, outcome := range result.Outcomes {
		if !outcome.Dispatched && outcome.Reason != notify.ReasonDeliveryFailed {
			continue
		}
		event := newOutcomeEvent(msg.RequestID, result, outcome, receivedAt)
		if err := s.publisher.PublishOutcome(ctx, event, s.cfg.RabbitMQ.OutcomeRoutingKey); err != nil {
			// Log error but don't fail the entire message processing
			metrics.OutcomeEventsPublished.WithLabelValues("failed").Inc()
			reqLogger.Error("failed to publish outcome event",
				zap.Error(err),
				zap.String("preference_id", outcome.PreferenceID.String()),
			)
			continue
		}
		metrics.OutcomeEventsPublished.WithLabelValues("success").Inc()
		published++
	}

	reqLogger.Info("kpi update processed successfully",
		zap.Int("outcomes", len(result.Outcomes)),
		zap.Int("events_published", published),
	)

	return nil
}

func newOutcomeEvent(requestID string, result *UpdateResult, o notify.Outcome, at time.Time) mq.OutcomeEvent {
	event := mq.OutcomeEvent{
		RequestID:    requestID,
		KpiID:        result.Kpi.KpiID,
		KpiName:      result.Kpi.DisplayName(),
		DateRange:    result.Kpi.DateRange,
		PreferenceID: o.PreferenceID.String(),
		Owner:        o.Owner,
		Email:        o.Email,
		Dispatched:   o.Dispatched,
		Reason:       string(o.Reason),
		Error:        o.Error,
		OccurredAt:   at.Format(time.RFC3339),
	}
	if result.Kpi.Value != nil {
		event.Value = *result.Kpi.Value
	}
	if o.NotifiedAt != nil {
		event.OccurredAt = o.NotifiedAt.Format(time.RFC3339)
	}
	return event
}
