package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Audit event types emitted by the sync service.
const (
	EventMessageSent     = "message_sent"
	EventSendFailed      = "send_failed"
	EventSendRateLimited = "send_rate_limited"
	EventLockClaimed     = "lock_claimed"
	EventLockReleased    = "lock_released"
	EventWSConnect       = "ws_connect"
	EventWSDisconnect    = "ws_disconnect"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	clinicID    string
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	ClinicID      string       `json:"clinic_id"`
	RequestID     string       `json:"request_id,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	ChatID  string `json:"chat_id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Detail  string `json:"detail,omitempty"`
	WaitMs  int64  `json:"wait_ms,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment, clinicID string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		clinicID:    clinicID,
	}
}

// Emit publishes one audit record. Publish failures are logged, never returned.
func (e *AuditEmitter) Emit(ctx context.Context, eventType, requestID string, userID *string, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		ClinicID:      e.clinicID,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, e.routingKey+"."+eventType, envelope); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("audit publish failed")
	}
}
