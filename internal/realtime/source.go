// Package realtime subscribes to the backend's tenant-wide "new_message"
// broadcast and forwards the events to the sync engine.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"inbox-sync/internal/models"
)

// Source produces realtime events until ctx is cancelled. Implementations
// reconnect on their own; Run only returns once ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- models.RealtimeEvent) error
}

// session is one connection attempt. It returns when the connection drops.
// connected is called once the subscription is live.
type session func(ctx context.Context, out chan<- models.RealtimeEvent, connected func()) error

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// runWithReconnect keeps a session alive, backing off between failures and
// resetting the delay after every successful connect.
func runWithReconnect(ctx context.Context, name string, out chan<- models.RealtimeEvent, connect session) error {
	b := newBackOff()
	op := func() error {
		err := connect(ctx, out, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("source", name).Dur("retry_in", wait).Msg("realtime connection lost")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func forward(ctx context.Context, out chan<- models.RealtimeEvent, ev models.RealtimeEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
