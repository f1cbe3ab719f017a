package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"inbox-sync/internal/observability"
	"inbox-sync/internal/telemetry"
)

// Publisher publishes audit events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Config selects the broker and the clinic whose events are published.
type Config struct {
	URL      string
	Exchange string
	ClinicID string
}

// ScopedKey places key under the clinic's routing prefix, the same
// clinic.<id>.<event> shape the backend broadcasts on.
func ScopedKey(clinicID, key string) string {
	if clinicID == "" {
		return key
	}
	return fmt.Sprintf("clinic.%s.%s", clinicID, key)
}

// NewPublisher builds a RabbitMQ publisher, or a noop publisher when the
// broker is not configured or cannot be reached at startup.
func NewPublisher(cfg Config) Publisher {
	if cfg.URL == "" {
		return newNoop(cfg, "empty amqp url")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return newNoop(cfg, err.Error())
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return newNoop(cfg, err.Error())
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return newNoop(cfg, err.Error())
	}

	log.Info().Str("exchange", cfg.Exchange).Str("clinic_id", cfg.ClinicID).Msg("rabbitmq connected")
	return &amqpPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, clinicID: cfg.ClinicID}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	clinicID string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	msg, err := publishing(p.clinicID, event, time.Now())
	if err != nil {
		return err
	}

	key := ScopedKey(p.clinicID, routingKey)
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		observability.IncAMQPPublishError()
		log.Warn().Err(err).Str("routing_key", key).Msg("rabbitmq publish failed")
		return err
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// publishing encodes event and copies the audit envelope's identity into the
// AMQP properties so consumers can route and dedupe without decoding the body.
func publishing(clinicID string, event any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode audit event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
		Headers:      amqp.Table{"clinic_id": clinicID},
	}
	if envelope, ok := envelopeOf(event); ok {
		msg.Type = envelope.EventType
		msg.AppId = envelope.Service
		msg.MessageId = envelope.RequestID
		if envelope.UserID != nil {
			msg.Headers["user_id"] = *envelope.UserID
		}
	}
	return msg, nil
}

func envelopeOf(event any) (telemetry.AuditEnvelope, bool) {
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		return envelope, true
	case *telemetry.AuditEnvelope:
		if envelope != nil {
			return *envelope, true
		}
	}
	return telemetry.AuditEnvelope{}, false
}

// noopPublisher logs what would have been published.
type noopPublisher struct {
	clinicID string
	reason   string
}

func newNoop(cfg Config, reason string) *noopPublisher {
	log.Warn().Str("reason", reason).Str("clinic_id", cfg.ClinicID).Msg("rabbitmq disabled, using noop")
	return &noopPublisher{clinicID: cfg.ClinicID, reason: reason}
}

func (p *noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	entry := log.Debug().Str("routing_key", ScopedKey(p.clinicID, routingKey))
	if envelope, ok := envelopeOf(event); ok {
		entry = entry.Str("event_type", envelope.EventType).Str("request_id", envelope.RequestID)
	}
	entry.Msg("rabbitmq noop publish")
	return nil
}

func (*noopPublisher) Close() error {
	return nil
}

// Describe reports the publisher mode and, for a noop publisher, why the
// broker was not used.
func Describe(p Publisher) (mode, reason string) {
	switch publisher := p.(type) {
	case *amqpPublisher:
		return "amqp", ""
	case *noopPublisher:
		return "noop", publisher.reason
	default:
		return "unknown", ""
	}
}
