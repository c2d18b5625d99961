package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const outcomeMessageType = "notification.outcome"

// OutcomeEvent is published for every preference that was dispatched or
// failed delivery while processing a KPI update
type OutcomeEvent struct {
	RequestID    string  `json:"request_id,omitempty"`
	KpiID        string  `json:"kpi_id"`
	KpiName      string  `json:"kpi_name"`
	Value        float64 `json:"value"`
	DateRange    string  `json:"date_range,omitempty"`
	PreferenceID string  `json:"preference_id"`
	Owner        string  `json:"owner"`
	Email        string  `json:"email"`
	Dispatched   bool    `json:"dispatched"`
	Reason       string  `json:"reason"`
	Error        string  `json:"error,omitempty"`
	OccurredAt   string  `json:"occurred_at"`
}

// Publisher sends outcome events to a topic exchange on its own channel
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher opens a channel and makes sure the outcome exchange exists
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	if err := declareTopicExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "outcome_publisher"), zap.String("exchange", exchange)),
	}, nil
}

// outcomePublishing encodes an event as a persistent JSON message. The
// message id is stable per preference and evaluation time so consumers can
// drop duplicates.
func outcomePublishing(event OutcomeEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode outcome event: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.PreferenceID + ":" + event.OccurredAt,
		CorrelationId: event.RequestID,
		Type:          outcomeMessageType,
		Body:          body,
	}, nil
}

// PublishOutcome publishes a notification outcome event under routingKey
func (p *Publisher) PublishOutcome(ctx context.Context, event OutcomeEvent, routingKey string) error {
	msg, err := outcomePublishing(event)
	if err != nil {
		return err
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish outcome for %s: %w", event.PreferenceID, err)
	}

	p.logger.Debug("outcome event published",
		zap.String("routing_key", routingKey),
		zap.String("kpi_id", event.KpiID),
		zap.String("preference_id", event.PreferenceID),
		zap.String("reason", event.Reason),
	)
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel == nil {
		return nil
	}
	return p.channel.Close()
}
