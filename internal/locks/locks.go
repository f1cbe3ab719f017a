// Package locks implements the advisory "one responder per conversation" lock.
// A lock older than its TTL counts as free.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"inbox-sync/internal/models"
	"inbox-sync/internal/observability"
	"inbox-sync/internal/repositories"
	"inbox-sync/internal/telemetry"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultInterval = 10 * time.Second
)

// State is the lock as seen by one staff member.
type State string

const (
	Unlocked    State = "unlocked"
	HeldBySelf  State = "held_by_self"
	HeldByOther State = "held_by_other"
)

// Status describes the lock on a chat.
type Status struct {
	ChatID    string     `json:"chat_id"`
	State     State      `json:"state"`
	LockedBy  *string    `json:"locked_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Service reads and writes conversation locks.
type Service struct {
	repo     repositories.LockRepository
	ttl      time.Duration
	interval time.Duration
	audit    *telemetry.AuditEmitter
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a lock service. Non-positive durations fall back to the defaults.
func New(repo repositories.LockRepository, ttl, interval time.Duration, audit *telemetry.AuditEmitter, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Service{
		repo:     repo,
		ttl:      ttl,
		interval: interval,
		audit:    audit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status reads the lock of chatID from userID's point of view.
func (s *Service) Status(ctx context.Context, chatID, userID string) (Status, error) {
	lock, err := s.repo.GetLock(ctx, chatID)
	if err != nil {
		return Status{}, fmt.Errorf("read lock of chat %s: %w", chatID, err)
	}
	st := s.describe(lock, userID)
	observability.IncLockCheck(string(st.State))
	return st, nil
}

// Claim takes the lock for userID. Losing to another holder is reported as
// HeldByOther, not as an error.
func (s *Service) Claim(ctx context.Context, chatID, userID, requestID string) (Status, error) {
	now := s.now().UTC()
	ok, err := s.repo.ClaimLock(ctx, chatID, userID, now, s.ttl)
	if err != nil {
		return Status{}, fmt.Errorf("claim lock of chat %s: %w", chatID, err)
	}
	if !ok {
		return s.Status(ctx, chatID, userID)
	}

	expires := now.Add(s.ttl)
	holder := userID
	s.audit.Emit(ctx, telemetry.EventLockClaimed, requestID, &holder, telemetry.AuditPayload{ChatID: chatID})
	log.Info().Str("chat_id", chatID).Str("user_id", userID).Msg("conversation lock claimed")
	return Status{
		ChatID:    chatID,
		State:     HeldBySelf,
		LockedBy:  &holder,
		LockedAt:  &now,
		ExpiresAt: &expires,
	}, nil
}

// Release drops userID's lock. Releasing a lock held by someone else does nothing.
func (s *Service) Release(ctx context.Context, chatID, userID, requestID string) error {
	if err := s.repo.ReleaseLock(ctx, chatID, userID); err != nil {
		return fmt.Errorf("release lock of chat %s: %w", chatID, err)
	}
	holder := userID
	s.audit.Emit(ctx, telemetry.EventLockReleased, requestID, &holder, telemetry.AuditPayload{ChatID: chatID})
	return nil
}

// Watch reports the lock state right away and then every interval, but only
// calls fn when the state or holder changed. Read errors are logged and the
// next tick tries again. Watch returns when ctx is done.
func (s *Service) Watch(ctx context.Context, chatID, userID string, fn func(Status)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last *Status
	check := func() {
		st, err := s.Status(ctx, chatID, userID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("chat_id", chatID).Msg("lock check failed")
			}
			return
		}
		if last != nil && sameHolder(*last, st) {
			return
		}
		last = &st
		fn(st)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (s *Service) describe(lock models.ConversationLock, userID string) Status {
	st := Status{ChatID: lock.ChatID, State: Unlocked}
	if lock.LockedBy == nil || *lock.LockedBy == "" || lock.LockedAt == nil {
		return st
	}
	expires := lock.LockedAt.Add(s.ttl)
	if !s.now().Before(expires) {
		return st
	}
	st.LockedBy = lock.LockedBy
	st.LockedAt = lock.LockedAt
	st.ExpiresAt = &expires
	if *lock.LockedBy == userID {
		st.State = HeldBySelf
	} else {
		st.State = HeldByOther
	}
	return st
}

func sameHolder(a, b Status) bool {
	if a.State != b.State {
		return false
	}
	if a.LockedBy == nil || b.LockedBy == nil {
		return a.LockedBy == b.LockedBy
	}
	return *a.LockedBy == *b.LockedBy
}
