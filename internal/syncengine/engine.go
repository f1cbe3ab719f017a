// Package syncengine keeps one clinic's chat state in sync with the backend.
//
// A single goroutine owns every mutation. The realtime source, the poll ticker
// and the completions of network calls all feed it; network calls themselves
// run on their own goroutines and post a closure back when they finish. Once
// Run returns, late completions are dropped.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"inbox-sync/internal/gateway"
	"inbox-sync/internal/models"
	"inbox-sync/internal/observability"
	"inbox-sync/internal/pager"
	"inbox-sync/internal/ratelimit"
	"inbox-sync/internal/realtime"
	"inbox-sync/internal/repositories"
	"inbox-sync/internal/state"
	"inbox-sync/internal/telemetry"
)

var (
	ErrNotRunning     = errors.New("sync engine is not running")
	ErrAlreadyRunning = errors.New("sync engine is already running")
	ErrChatNotFound   = state.ErrChatNotFound
)

// State is the lifecycle phase of the engine.
type State int32

const (
	Idle State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "idle"
	}
}

// Config holds the engine's tuning.
type Config struct {
	ClinicID     string
	PollInterval time.Duration
	PageSize     int
}

const eventBuffer = 64

type event func()

// Engine is the sync engine of one clinic session.
type Engine struct {
	cfg      Config
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	sender   gateway.Sender
	limiter  *ratelimit.Limiter
	audit    *telemetry.AuditEmitter

	store   *state.Store
	tracker *state.Tracker
	pager   *pager.Pager
	tracer  trace.Tracer
	now     func() time.Time

	phase atomic.Int32

	mu      sync.Mutex
	events  chan event
	stopped chan struct{}

	inflight sync.WaitGroup

	// Owned by the loop goroutine.
	loadPending bool
	pollPending bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTrackerOptions forwards options to the optimistic tracker.
func WithTrackerOptions(opts ...state.TrackerOption) Option {
	return func(e *Engine) {
		e.tracker = state.NewTracker(e.store, opts...)
	}
}

// WithClock replaces time.Now for provisional and stored message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an engine. audit may be nil.
func New(cfg Config, chats repositories.ChatRepository, messages repositories.MessageRepository, sender gateway.Sender, limiter *ratelimit.Limiter, audit *telemetry.AuditEmitter, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = pager.DefaultLimit
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig)
	}

	store := state.NewStore()
	e := &Engine{
		cfg:      cfg,
		chats:    chats,
		messages: messages,
		sender:   sender,
		limiter:  limiter,
		audit:    audit,
		store:    store,
		pager:    pager.New(messages),
		tracer:   otel.Tracer("inbox-sync/syncengine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = state.NewTracker(store, state.WithTrackerClock(e.now))
	}
	return e
}

// Store exposes the chat state for read access and subscriptions.
func (e *Engine) Store() *state.Store {
	return e.store
}

// State reports the lifecycle phase.
func (e *Engine) State() State {
	return State(e.phase.Load())
}

// Chats returns the ordered chat list.
func (e *Engine) Chats() []models.Chat {
	return e.store.Chats()
}

// Chat returns one chat with its loaded messages.
func (e *Engine) Chat(chatID string) (models.Chat, bool) {
	return e.store.Chat(chatID)
}

// RateLimitStatus reports the limiter occupancy of an outbound channel.
func (e *Engine) RateLimitStatus(channel string) ratelimit.Status {
	return e.limiter.Status(channel)
}

// Run loads the chat list, then applies realtime events and poll results
// until ctx is cancelled. On return the state is torn down to Idle.
func (e *Engine) Run(ctx context.Context, source realtime.Source) error {
	e.mu.Lock()
	if e.stopped != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	events := make(chan event, eventBuffer)
	stopped := make(chan struct{})
	e.events, e.stopped = events, stopped
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	incoming := make(chan models.RealtimeEvent, eventBuffer)
	if source != nil {
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			if err := source.Run(ctx, incoming); err != nil {
				log.Error().Err(err).Msg("realtime source stopped")
			}
		}()
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.loadPending, e.pollPending = false, false
	e.setState(Loading)
	e.load(ctx)

	for {
		select {
		case <-ctx.Done():
			e.teardown(cancel, stopped)
			return nil
		case ev := <-incoming:
			e.onRealtime(ctx, ev)
		case <-ticker.C:
			e.onTick(ctx)
		case fn := <-events:
			fn()
		}
	}
}

func (e *Engine) teardown(cancel context.CancelFunc, stopped chan struct{}) {
	cancel()
	e.mu.Lock()
	close(stopped)
	e.events, e.stopped = nil, nil
	e.mu.Unlock()

	e.inflight.Wait()
	e.setState(Idle)
	e.store.Reset()
	observability.SetChatsTracked(0)
	log.Info().Str("clinic_id", e.cfg.ClinicID).Msg("sync engine stopped")
}

func (e *Engine) setState(s State) {
	prev := State(e.phase.Swap(int32(s)))
	if prev != s {
		log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("sync engine state")
	}
}

// post hands fn to the loop. It reports false when the loop is gone.
func (e *Engine) post(fn event) bool {
	e.mu.Lock()
	events, stopped := e.events, e.stopped
	e.mu.Unlock()
	if stopped == nil {
		return false
	}
	select {
	case <-stopped:
		return false
	default:
	}
	select {
	case events <- fn:
		return true
	case <-stopped:
		return false
	}
}

// exec runs fn on the loop and waits for it.
func (e *Engine) exec(fn func()) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped == nil {
		return ErrNotRunning
	}

	done := make(chan struct{})
	if !e.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-stopped:
		return ErrNotRunning
	}
}

// spawn runs a network call off the loop. Teardown waits for it.
func (e *Engine) spawn(fn func()) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		fn()
	}()
}

func (e *Engine) load(ctx context.Context) {
	if e.loadPending {
		return
	}
	e.loadPending = true

	e.spawn(func() {
		chats, err := e.chats.ListChats(ctx, e.cfg.ClinicID)
		e.post(func() {
			e.loadPending = false
			if err != nil {
				log.Warn().Err(err).Str("clinic_id", e.cfg.ClinicID).Msg("initial chat load failed, retrying on next tick")
				observability.IncSyncEvent("load", "error")
				return
			}
			e.store.Load(chats)
			e.setState(Ready)
			observability.IncSyncEvent("load", "ok")
			observability.SetChatsTracked(e.store.Len())
			log.Info().Int("chats", len(chats)).Msg("chat list loaded")
		})
	})
}

func (e *Engine) onTick(ctx context.Context) {
	if e.State() != Ready {
		e.load(ctx)
		return
	}
	e.poll(ctx)
}

func (e *Engine) poll(ctx context.Context) {
	if e.pollPending {
		return
	}
	e.pollPending = true

	e.spawn(func() {
		start := time.Now()
		summaries, err := e.chats.ListSummaries(ctx, e.cfg.ClinicID)
		observability.ObservePoll(time.Since(start))
		e.post(func() {
			e.pollPending = false
			if err != nil {
				log.Warn().Err(err).Msg("poll failed")
				observability.IncSyncEvent("poll", "error")
				return
			}
			missing := e.store.MergeSummaries(summaries)
			observability.IncSyncEvent("poll", "merged")
			for _, id := range missing {
				e.fetchChat(ctx, id, "poll")
			}
		})
	})
}

func (e *Engine) onRealtime(ctx context.Context, ev models.RealtimeEvent) {
	if ev.Event != models.EventNewMessage || ev.Payload.ClinicID != e.cfg.ClinicID || ev.Payload.ChatID == "" {
		observability.IncSyncEvent("realtime", "ignored")
		return
	}
	e.fetchChat(ctx, ev.Payload.ChatID, "realtime")
}

// fetchChat loads a chat row and its newest message together and merges both.
func (e *Engine) fetchChat(ctx context.Context, chatID, source string) {
	e.spawn(func() {
		var (
			chat      models.Chat
			latest    models.Message
			hasLatest bool
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			c, err := e.chats.GetChat(gctx, e.cfg.ClinicID, chatID)
			if err != nil {
				return fmt.Errorf("get chat %s: %w", chatID, err)
			}
			chat = c
			return nil
		})
		g.Go(func() error {
			m, err := e.messages.LatestMessage(gctx, chatID)
			if errors.Is(err, repositories.ErrMessageNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("latest message of chat %s: %w", chatID, err)
			}
			latest, hasLatest = m, true
			return nil
		})
		err := g.Wait()

		e.post(func() {
			if err != nil {
				log.Warn().Err(err).Str("chat_id", chatID).Str("source", source).Msg("chat refresh failed")
				observability.IncSyncEvent(source, "error")
				return
			}
			e.store.MergeChat(chat)
			if hasLatest {
				e.store.MergeMessage(latest)
			}
			observability.IncSyncEvent(source, "merged")
			observability.SetChatsTracked(e.store.Len())
		})
	})
}

// LoadMessages loads the newest page of a chat, or the page before the oldest
// loaded message when older is set. Asking for older history when none is left
// returns an empty page and changes nothing.
func (e *Engine) LoadMessages(ctx context.Context, chatID string, limit int, older bool) (pager.Page, error) {
	if !e.store.Has(chatID) {
		return pager.Page{}, ErrChatNotFound
	}
	cursor, hasCursor := e.store.Cursor(chatID)
	if !hasCursor {
		older = false
	}

	var before *time.Time
	if older {
		if !cursor.HasMore {
			return pager.Page{Messages: []models.Message{}}, nil
		}
		oldest := cursor.Oldest
		before = &oldest
	}
	if limit <= 0 {
		limit = e.cfg.PageSize
	}

	page, err := e.pager.FetchPage(ctx, chatID, limit, before)
	if err != nil {
		return pager.Page{}, err
	}

	var applyErr error
	if err := e.exec(func() { applyErr = e.store.ApplyPage(chatID, page, older) }); err != nil {
		return pager.Page{}, err
	}
	return page, applyErr
}

// MarkRead clears the unread counter in the backend and locally.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	if !e.store.Has(chatID) {
		return ErrChatNotFound
	}
	if err := e.chats.MarkRead(ctx, e.cfg.ClinicID, chatID); err != nil {
		return fmt.Errorf("mark chat %s read: %w", chatID, err)
	}

	var markErr error
	if err := e.exec(func() { markErr = e.store.MarkRead(chatID) }); err != nil {
		return err
	}
	return markErr
}
