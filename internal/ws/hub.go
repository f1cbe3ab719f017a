package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"inbox-sync/internal/models"
	"inbox-sync/internal/observability"
	"inbox-sync/internal/state"
)

const (
	sendBuffer = 32
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StateReader is the read side of the chat state.
type StateReader interface {
	Chats() []models.Chat
	Chat(chatID string) (models.Chat, bool)
}

type client struct {
	conn      *websocket.Conn
	info      ConnInfo
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub fans chat state changes out to connected UI clients. A client that
// cannot keep up is dropped rather than allowed to stall the sync loop.
type Hub struct {
	state   StateReader
	clients map[*client]struct{}
	mu      sync.RWMutex
}

// NewHub creates an empty hub reading snapshots from st.
func NewHub(st StateReader) *Hub {
	return &Hub{
		state:   st,
		clients: make(map[*client]struct{}),
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify is a state.Store subscriber.
func (h *Hub) Notify(change state.Change) {
	if h.Count() == 0 {
		return
	}
	ev, ok := h.eventFor(change)
	if !ok {
		return
	}
	h.Broadcast(ev)
}

// Broadcast sends ev to every client without blocking.
func (h *Hub) Broadcast(ev models.StateEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("encode state event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			log.Warn().Str("conn_id", c.info.ConnID).Msg("dropping slow websocket client")
			h.remove(c)
			c.close()
		}
	}
	observability.IncWSEvent(ev.Type)
}

func (h *Hub) eventFor(change state.Change) (models.StateEvent, bool) {
	ev := models.StateEvent{Type: string(change.Kind), ChatID: change.ChatID}
	switch change.Kind {
	case state.ChangeChatList:
		ev.Chats = h.state.Chats()
	case state.ChangeChat:
		chat, ok := h.state.Chat(change.ChatID)
		if !ok {
			return ev, false
		}
		chat.Messages = nil
		ev.Chat = &chat
	case state.ChangeMessages:
		chat, ok := h.state.Chat(change.ChatID)
		if !ok {
			return ev, false
		}
		ev.Messages = chat.Messages
		if ev.Messages == nil {
			ev.Messages = []models.Message{}
		}
	default:
		return ev, false
	}
	return ev, true
}

func (h *Hub) snapshot() []byte {
	payload, err := json.Marshal(models.StateEvent{
		Type:  string(state.ChangeChatList),
		Chats: h.state.Chats(),
	})
	if err != nil {
		log.Error().Err(err).Msg("encode chat list snapshot")
		return nil
	}
	return payload
}

func (h *Hub) add(conn *websocket.Conn, info ConnInfo) *client {
	c := &client{
		conn: conn,
		info: info,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	return true
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range targets {
		c.close()
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Str("conn_id", c.info.ConnID).Msg("websocket write error")
				h.remove(c)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
