package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"inbox-sync/internal/models"
	"inbox-sync/internal/pager"
)

var ErrChatNotFound = errors.New("chat not found")

// ChangeKind tells subscribers what part of the state moved.
type ChangeKind string

const (
	ChangeChatList ChangeKind = "chat_list"
	ChangeChat     ChangeKind = "chat_updated"
	ChangeMessages ChangeKind = "messages_updated"
)

// Change is delivered to subscribers after a mutation.
type Change struct {
	Kind   ChangeKind
	ChatID string
}

// Store is the in-memory chat table of one clinic. Reads are safe from any
// goroutine; every write goes through one of the merge methods below so the
// ordering and local-wins rules hold regardless of call interleaving.
type Store struct {
	mu      sync.RWMutex
	chats   []models.Chat
	index   map[string]int
	cursors map[string]models.PageCursor

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		index:   make(map[string]int),
		cursors: make(map[string]models.PageCursor),
		subs:    make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every change. The returned func unregisters it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(changes ...Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Chats returns the ordered chat list without message bodies.
func (s *Store) Chats() []models.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Chat, len(s.chats))
	for i, c := range s.chats {
		c.Messages = nil
		c.Tags = append([]models.Tag(nil), c.Tags...)
		out[i] = c
	}
	return out
}

// Chat returns a copy of one chat including its loaded messages.
func (s *Store) Chat(chatID string) (models.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[chatID]
	if !ok {
		return models.Chat{}, false
	}
	c := s.chats[i]
	c.Messages = append([]models.Message(nil), c.Messages...)
	c.Tags = append([]models.Tag(nil), c.Tags...)
	return c, true
}

// Has reports whether chatID is in the table.
func (s *Store) Has(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[chatID]
	return ok
}

// Cursor returns the history position of a chat, if a page was ever loaded.
func (s *Store) Cursor(chatID string) (models.PageCursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[chatID]
	return c, ok
}

// Len returns the number of chats held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}

// Load installs the authoritative chat list. Chats already present are merged
// so a reload never loses local messages or a newer optimistic write.
func (s *Store) Load(snapshot []models.Chat) {
	s.mu.Lock()
	next := make([]models.Chat, 0, len(snapshot))
	for _, snap := range snapshot {
		if i, ok := s.index[snap.ID]; ok {
			next = append(next, MergeSnapshot(s.chats[i], snap))
			continue
		}
		next = append(next, snap)
	}
	kept := make(map[string]bool, len(next))
	for _, c := range next {
		kept[c.ID] = true
	}
	for id := range s.cursors {
		if !kept[id] {
			delete(s.cursors, id)
		}
	}
	s.chats = next
	s.reorderLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeChatList})
}

// MergeChat upserts one server chat row.
func (s *Store) MergeChat(snapshot models.Chat) {
	s.mu.Lock()
	if i, ok := s.index[snapshot.ID]; ok {
		s.chats[i] = MergeSnapshot(s.chats[i], snapshot)
	} else {
		s.chats = append(s.chats, snapshot)
	}
	s.reorderLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeChat, ChatID: snapshot.ID}, Change{Kind: ChangeChatList})
}

// MergeSummaries applies polling rows to known chats and returns the ids it
// did not know about.
func (s *Store) MergeSummaries(summaries []models.ChatSummary) []string {
	var missing []string
	changed := make([]Change, 0, len(summaries)+1)

	s.mu.Lock()
	for _, summary := range summaries {
		i, ok := s.index[summary.ID]
		if !ok {
			missing = append(missing, summary.ID)
			continue
		}
		before := s.chats[i]
		after := MergeSummary(before, summary)
		if summaryFieldsEqual(before, after) {
			continue
		}
		s.chats[i] = after
		changed = append(changed, Change{Kind: ChangeChat, ChatID: summary.ID})
	}
	if len(changed) > 0 {
		s.reorderLocked()
		changed = append(changed, Change{Kind: ChangeChatList})
	}
	s.mu.Unlock()

	s.notify(changed...)
	return missing
}

// MergeMessage adds a server message to its chat unless it is already there,
// either under its own id or as a provisional copy of the same text.
// It reports whether the message was added.
func (s *Store) MergeMessage(msg models.Message) bool {
	s.mu.Lock()
	i, ok := s.index[msg.ChatID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	chat := &s.chats[i]
	if hasMessage(chat.Messages, msg) {
		s.mu.Unlock()
		return false
	}
	msg.Provisional = false
	chat.Messages = insertByTime(chat.Messages, msg)
	if !msg.CreatedAt.Before(chat.LastMessageTime) {
		chat.LastMessage = msg.Content
		chat.LastMessageTime = msg.CreatedAt
	}
	s.reorderLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ChatID: msg.ChatID}, Change{Kind: ChangeChatList})
	return true
}

// ApplyPage installs a page of history. The first page replaces the list but
// keeps provisional messages still in flight and any server message newer than
// the page, which a broadcast may have merged while the page was in flight.
// Older pages are prepended.
func (s *Store) ApplyPage(chatID string, page pager.Page, older bool) error {
	s.mu.Lock()
	i, ok := s.index[chatID]
	if !ok {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	chat := &s.chats[i]

	if older {
		seen := make(map[string]bool, len(chat.Messages))
		for _, m := range chat.Messages {
			seen[m.ID] = true
		}
		prefix := make([]models.Message, 0, len(page.Messages))
		for _, m := range page.Messages {
			if !seen[m.ID] {
				prefix = append(prefix, m)
			}
		}
		chat.Messages = append(prefix, chat.Messages...)
	} else {
		chat.Messages = replaceNewest(chat.Messages, page.Messages)
	}
	s.cursors[chatID] = pager.Cursor(chatID, page)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ChatID: chatID})
	return nil
}

// MarkRead clears the unread counter of a chat.
func (s *Store) MarkRead(chatID string) error {
	s.mu.Lock()
	i, ok := s.index[chatID]
	if !ok {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	s.chats[i].UnreadCount = 0
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeChat, ChatID: chatID})
	return nil
}

// Reset drops all state. Later merges for unknown chats become no-ops.
func (s *Store) Reset() {
	s.mu.Lock()
	s.chats = nil
	s.index = make(map[string]int)
	s.cursors = make(map[string]models.PageCursor)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeChatList})
}

func (s *Store) insertProvisional(msg models.Message) error {
	s.mu.Lock()
	i, ok := s.index[msg.ChatID]
	if !ok {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	chat := &s.chats[i]
	chat.Messages = append(chat.Messages, msg)
	chat.LastMessage = msg.Content
	chat.LastMessageTime = msg.CreatedAt
	s.reorderLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ChatID: msg.ChatID}, Change{Kind: ChangeChatList})
	return nil
}

func (s *Store) resolveProvisional(chatID, provisionalID string, confirmed *models.Message) bool {
	if !models.IsProvisionalID(provisionalID) {
		return false
	}
	s.mu.Lock()
	i, ok := s.index[chatID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	chat := &s.chats[i]
	pos := indexOf(chat.Messages, provisionalID)
	if pos < 0 || !chat.Messages[pos].Provisional {
		s.mu.Unlock()
		return false
	}

	if confirmed == nil {
		chat.Messages = append(chat.Messages[:pos], chat.Messages[pos+1:]...)
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeMessages, ChatID: chatID})
		return true
	}

	provisional := chat.Messages[pos]
	replacement := *confirmed
	replacement.Provisional = false
	if dup := indexOf(chat.Messages, replacement.ID); dup >= 0 {
		// A broadcast for the confirmed row got here first.
		chat.Messages = append(chat.Messages[:pos], chat.Messages[pos+1:]...)
	} else {
		chat.Messages[pos] = replacement
	}
	if chat.LastMessageTime.Equal(provisional.CreatedAt) && chat.LastMessage == provisional.Content {
		chat.LastMessage = replacement.Content
		chat.LastMessageTime = replacement.CreatedAt
		s.reorderLocked()
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ChatID: chatID}, Change{Kind: ChangeChatList})
	return true
}

func (s *Store) reorderLocked() {
	Reorder(s.chats)
	s.index = make(map[string]int, len(s.chats))
	for i, c := range s.chats {
		s.index[c.ID] = i
	}
}

func hasMessage(msgs []models.Message, msg models.Message) bool {
	for _, m := range msgs {
		if m.ID == msg.ID {
			return true
		}
		if m.Provisional && models.IsProvisionalID(m.ID) && isEchoOf(m, msg) {
			return true
		}
	}
	return false
}

// isEchoOf reports whether msg is the server copy of the provisional send p.
// Staff messages match on text and attachment; a known sender must agree.
func isEchoOf(p, msg models.Message) bool {
	if msg.FromClient || p.ChatID != msg.ChatID {
		return false
	}
	if p.Content == "" && p.MediaURL == nil {
		return false
	}
	if p.SenderID != nil && msg.SenderID != nil && *p.SenderID != *msg.SenderID {
		return false
	}
	return p.Content == msg.Content && equalRef(p.MediaURL, msg.MediaURL)
}

func equalRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// replaceNewest swaps the loaded list for page, carrying over provisional
// entries and server messages that arrived after the page's newest row.
func replaceNewest(current, page []models.Message) []models.Message {
	out := append([]models.Message(nil), page...)
	inPage := make(map[string]bool, len(page))
	var newest time.Time
	for _, m := range page {
		inPage[m.ID] = true
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}

	var provisional []models.Message
	for _, m := range current {
		switch {
		case m.Provisional:
			provisional = append(provisional, m)
		case !inPage[m.ID] && !m.CreatedAt.Before(newest):
			out = insertByTime(out, m)
		}
	}
	return append(out, provisional...)
}

func indexOf(msgs []models.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func insertByTime(msgs []models.Message, msg models.Message) []models.Message {
	pos := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(msg.CreatedAt)
	})
	msgs = append(msgs, models.Message{})
	copy(msgs[pos+1:], msgs[pos:])
	msgs[pos] = msg
	return msgs
}

func summaryFieldsEqual(a, b models.Chat) bool {
	return a.UnreadCount == b.UnreadCount &&
		a.Status == b.Status &&
		a.LastMessage == b.LastMessage &&
		a.LastMessageTime.Equal(b.LastMessageTime)
}
