package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inbox-sync/internal/gateway"
	"inbox-sync/internal/models"
	"inbox-sync/internal/observability"
	"inbox-sync/internal/ratelimit"
	"inbox-sync/internal/state"
	"inbox-sync/internal/telemetry"
)

var (
	ErrSendFailed   = errors.New("send failed")
	ErrEmptyMessage = errors.New("message has neither text nor media")
)

// Intent is a staff member's request to send a message.
type Intent struct {
	ChatID    string
	Content   string
	SenderID  *string
	QuotedRef *string
	MediaRef  string
	MediaType string
	RequestID string
}

// SendResult is the outcome of a send that did not error. RateLimit is set
// when the limiter refused the send; Message is set otherwise.
type SendResult struct {
	Message       *models.Message     `json:"message,omitempty"`
	ProvisionalID string              `json:"provisional_id,omitempty"`
	RateLimit     *ratelimit.Decision `json:"rate_limit,omitempty"`
}

// RateLimited reports whether the limiter refused the send.
func (r SendResult) RateLimited() bool {
	return r.RateLimit != nil && !r.RateLimit.Allowed
}

// Send shows the message optimistically, delivers it through the provider and
// reconciles the provisional entry with the stored row. A throttled send comes
// back as a RateLimited result before anything is shown. Provider or storage
// failures remove the provisional entry and return an error wrapping
// ErrSendFailed.
func (e *Engine) Send(ctx context.Context, in Intent) (SendResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && in.MediaRef == "" {
		return SendResult{}, ErrEmptyMessage
	}
	chat, ok := e.store.Chat(in.ChatID)
	if !ok {
		return SendResult{}, ErrChatNotFound
	}

	ctx, span := e.tracer.Start(ctx, "syncengine.Send", trace.WithAttributes(
		attribute.String("chat.id", chat.ID),
		attribute.String("chat.channel", string(chat.Channel)),
	))
	defer span.End()

	throttled := chat.RequiresThrottling()
	key := chat.RateLimitKey()
	if throttled {
		if d := e.limiter.CanSend(key); !d.Allowed {
			return e.rateLimited(ctx, span, in, chat, d), nil
		}
	}

	var (
		provisionalID string
		createErr     error
	)
	if err := e.exec(func() {
		provisionalID, createErr = e.tracker.Create(chat.ID, state.Draft{
			Content:   content,
			SenderID:  in.SenderID,
			QuotedRef: in.QuotedRef,
			MediaURL:  optional(in.MediaRef),
			MediaType: optional(in.MediaType),
		})
	}); err != nil {
		return SendResult{}, err
	}
	if createErr != nil {
		return SendResult{}, createErr
	}

	if throttled {
		if d := e.limiter.Acquire(key); !d.Allowed {
			e.resolve(chat.ID, provisionalID, nil)
			return e.rateLimited(ctx, span, in, chat, d), nil
		}
	}

	resp, err := e.sender.Send(ctx, gateway.Request{
		Channel:    chat.Channel,
		InstanceID: chat.InstanceID,
		Recipient:  chat.Phone,
		Text:       content,
		MediaRef:   in.MediaRef,
		QuotedRef:  providerRef(chat, in.QuotedRef),
	})
	if err != nil {
		return SendResult{}, e.sendFailed(ctx, span, in, chat, provisionalID, err)
	}

	// The provider has the message now; store it even if the caller gave up.
	stored, err := e.messages.CreateMessage(context.WithoutCancel(ctx), models.Message{
		ChatID:            chat.ID,
		Content:           content,
		FromClient:        false,
		SenderID:          in.SenderID,
		CreatedAt:         e.now().UTC(),
		MediaURL:          optional(in.MediaRef),
		MediaType:         optional(in.MediaType),
		QuotedMessageID:   in.QuotedRef,
		ProviderMessageID: optional(resp.ProviderMessageID),
	})
	if err != nil {
		return SendResult{}, e.sendFailed(ctx, span, in, chat, provisionalID, fmt.Errorf("store sent message: %w", err))
	}

	e.resolve(chat.ID, provisionalID, &stored)
	observability.IncSend(string(chat.Channel), "sent")
	e.audit.Emit(ctx, telemetry.EventMessageSent, in.RequestID, in.SenderID, telemetry.AuditPayload{
		ChatID:  chat.ID,
		Channel: string(chat.Channel),
	})
	log.Info().
		Str("chat_id", chat.ID).
		Str("message_id", stored.ID).
		Str("provider_message_id", resp.ProviderMessageID).
		Msg("message sent")

	return SendResult{Message: &stored, ProvisionalID: provisionalID}, nil
}

func (e *Engine) resolve(chatID, provisionalID string, confirmed *models.Message) {
	if err := e.exec(func() { e.tracker.Resolve(chatID, provisionalID, confirmed) }); err != nil {
		log.Debug().Err(err).Str("provisional_id", provisionalID).Msg("resolve skipped")
	}
}

func (e *Engine) rateLimited(ctx context.Context, span trace.Span, in Intent, chat models.Chat, d ratelimit.Decision) SendResult {
	span.SetAttributes(attribute.String("rate_limit.reason", string(d.Reason)), attribute.Int64("rate_limit.wait_ms", d.WaitMs))
	observability.IncSend(string(chat.Channel), "rate_limited")
	e.audit.Emit(ctx, telemetry.EventSendRateLimited, in.RequestID, in.SenderID, telemetry.AuditPayload{
		ChatID:  chat.ID,
		Channel: string(chat.Channel),
		Detail:  string(d.Reason),
		WaitMs:  d.WaitMs,
	})
	log.Info().
		Str("chat_id", chat.ID).
		Str("reason", string(d.Reason)).
		Int64("wait_ms", d.WaitMs).
		Msg("send rate limited")
	return SendResult{RateLimit: &d}
}

func (e *Engine) sendFailed(ctx context.Context, span trace.Span, in Intent, chat models.Chat, provisionalID string, cause error) error {
	e.resolve(chat.ID, provisionalID, nil)
	err := fmt.Errorf("%w: %w", ErrSendFailed, cause)

	span.RecordError(err)
	span.SetStatus(codes.Error, "send failed")
	observability.IncSend(string(chat.Channel), "failed")
	e.audit.Emit(ctx, telemetry.EventSendFailed, in.RequestID, in.SenderID, telemetry.AuditPayload{
		ChatID:  chat.ID,
		Channel: string(chat.Channel),
		Detail:  cause.Error(),
	})
	log.Warn().Err(cause).Str("chat_id", chat.ID).Msg("send failed")
	return err
}

// providerRef maps a quoted message to the id the provider knows it by.
func providerRef(chat models.Chat, quotedRef *string) string {
	if quotedRef == nil || *quotedRef == "" {
		return ""
	}
	for _, m := range chat.Messages {
		if m.ID == *quotedRef && m.ProviderMessageID != nil {
			return *m.ProviderMessageID
		}
	}
	return *quotedRef
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
