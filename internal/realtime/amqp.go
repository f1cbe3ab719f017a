package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"inbox-sync/internal/models"
)

// AMQPSource consumes the broadcast from a topic exchange, routing key
// clinic.<clinic_id>.new_message.
type AMQPSource struct {
	url      string
	exchange string
	clinicID string
}

// NewAMQPSource builds a source bound to the clinic's routing key.
func NewAMQPSource(amqpURL, exchange, clinicID string) *AMQPSource {
	return &AMQPSource{url: amqpURL, exchange: exchange, clinicID: clinicID}
}

// RoutingKey returns the key the source binds to.
func (s *AMQPSource) RoutingKey() string {
	return fmt.Sprintf("clinic.%s.%s", s.clinicID, models.EventNewMessage)
}

// Run implements Source.
func (s *AMQPSource) Run(ctx context.Context, out chan<- models.RealtimeEvent) error {
	if s.url == "" {
		return errors.New("amqp url is empty")
	}
	return runWithReconnect(ctx, "amqp", out, s.session)
}

func (s *AMQPSource) session(ctx context.Context, out chan<- models.RealtimeEvent, connected func()) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, s.RoutingKey(), s.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	connected()
	log.Info().Str("exchange", s.exchange).Str("routing_key", s.RoutingKey()).Msg("realtime amqp subscribed")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return nil
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			var ev models.RealtimeEvent
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				log.Warn().Err(err).Msg("skipping malformed realtime delivery")
				continue
			}
			if !forward(ctx, out, ev) {
				return nil
			}
		}
	}
}
