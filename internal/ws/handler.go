package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"inbox-sync/internal/locks"
	"inbox-sync/internal/middleware"
	"inbox-sync/internal/observability"
	"inbox-sync/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LockWatcher follows the conversation lock of one chat.
type LockWatcher interface {
	Watch(ctx context.Context, chatID, userID string, fn func(locks.Status))
}

// clientMessage is the only thing a UI client sends: which chat it has open.
type clientMessage struct {
	Action string `json:"action"`
	ChatID string `json:"chat_id"`
}

type lockEvent struct {
	Type   string       `json:"type"`
	ChatID string       `json:"chat_id"`
	Lock   locks.Status `json:"lock"`
}

// Handler upgrades UI connections and attaches them to the hub.
type Handler struct {
	hub     *Hub
	watcher LockWatcher
	audit   *telemetry.AuditEmitter
}

// NewHandler constructs a Handler. watcher and audit may be nil.
func NewHandler(hub *Hub, watcher LockWatcher, audit *telemetry.AuditEmitter) *Handler {
	return &Handler{hub: hub, watcher: watcher, audit: audit}
}

// Handle upgrades the request, sends the current chat list and then streams
// state changes until the client goes away.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("inbox-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	conn, err := upgrader.Upgrade(c.Writer, c.Request.WithContext(ctx), nil)
	if err != nil {
		return
	}

	client := observability.ClientInfoFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		StaffID:     c.GetString(middleware.StaffKey),
		DeviceID:    client.DeviceID,
		IP:          client.IP,
		RequestID:   client.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	cl := h.hub.add(conn, info)
	if snapshot := h.hub.snapshot(); snapshot != nil {
		cl.send <- snapshot
	}

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.emit(ctx, telemetry.EventWSConnect, info, "")
	log.Info().Str("conn_id", info.ConnID).Str("staff_id", info.StaffID).Msg("ui client connected")

	// The request context ends with this handler; the connection does not.
	connCtx := context.WithoutCancel(ctx)
	go h.hub.writePump(cl)
	go h.readPump(connCtx, cl)
}

// readPump handles open/close chat messages and detects the disconnect.
func (h *Handler) readPump(ctx context.Context, c *client) {
	var reason string
	watch := &lockFollower{}
	defer func() {
		watch.stop()
		h.hub.remove(c)
		c.close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.emit(ctx, telemetry.EventWSDisconnect, c.info, reason)
		log.Info().
			Str("conn_id", c.info.ConnID).
			Dur("duration", time.Since(c.info.ConnectedAt)).
			Str("reason", reason).
			Msg("ui client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Str("conn_id", c.info.ConnID).Msg("ignoring malformed client message")
			continue
		}
		switch msg.Action {
		case "open_chat":
			if h.watcher == nil || msg.ChatID == "" {
				continue
			}
			watch.start(ctx, func(wctx context.Context) {
				h.watcher.Watch(wctx, msg.ChatID, c.info.StaffID, func(st locks.Status) {
					h.pushLock(c, msg.ChatID, st)
				})
			})
		case "close_chat":
			watch.stop()
		}
	}
}

func (h *Handler) pushLock(c *client, chatID string, st locks.Status) {
	payload, err := json.Marshal(lockEvent{Type: "lock_updated", ChatID: chatID, Lock: st})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		log.Warn().Str("conn_id", c.info.ConnID).Msg("lock update dropped, client backlog full")
	}
}

// lockFollower runs at most one lock watch per connection.
type lockFollower struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (f *lockFollower) start(parent context.Context, run func(ctx context.Context)) {
	f.stop()
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	f.mu.Lock()
	f.cancel, f.done = cancel, done
	f.mu.Unlock()
	go func() {
		defer close(done)
		run(ctx)
	}()
}

func (f *lockFollower) stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (h *Handler) emit(ctx context.Context, eventType string, info ConnInfo, reason string) {
	staff := info.StaffID
	h.audit.Emit(ctx, eventType, info.RequestID, &staff, telemetry.AuditPayload{
		Detail: reason,
	})
}
