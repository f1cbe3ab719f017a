package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"inbox-sync/internal/models"
)

// WebSocketSource reads the broadcast from a websocket endpoint.
type WebSocketSource struct {
	url      string
	clinicID string
	header   http.Header
	dialer   *websocket.Dialer
}

// NewWebSocketSource builds a source for the clinic's broadcast channel.
func NewWebSocketSource(rawURL, clinicID, token string) *WebSocketSource {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebSocketSource{
		url:      rawURL,
		clinicID: clinicID,
		header:   header,
		dialer:   websocket.DefaultDialer,
	}
}

// Run implements Source.
func (s *WebSocketSource) Run(ctx context.Context, out chan<- models.RealtimeEvent) error {
	return runWithReconnect(ctx, "websocket", out, s.session)
}

func (s *WebSocketSource) session(ctx context.Context, out chan<- models.RealtimeEvent, connected func()) error {
	target, err := s.channelURL()
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, target, s.header)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	connected()
	log.Info().Str("url", target).Msg("realtime websocket subscribed")

	for {
		var ev models.RealtimeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if isDecodeError(err) {
				log.Warn().Err(err).Msg("skipping malformed realtime frame")
				continue
			}
			return err
		}
		if !forward(ctx, out, ev) {
			return nil
		}
	}
}

func (s *WebSocketSource) channelURL() (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("clinic_id", s.clinicID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
