package discovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/pkg/node"
)

// DefaultResyncDelay separates a broken watch from the next List.
const DefaultResyncDelay = 5 * time.Second

// Handler receives what Follow reads from a store.
type Handler interface {
	// Apply handles one change from a running watch.
	Apply(ev Event)
	// Reset replaces the handler's view with a fresh full listing.
	Reset(eps []node.Endpoint)
}

// Follow watches store until ctx is done. A watch that ends early, for
// example because its start revision was compacted, is followed by a fresh
// List handed to h.Reset and a new Watch from that listing. Failed listings
// are retried every delay until ctx is done.
func Follow(ctx context.Context, store Store, h Handler, delay time.Duration, log *zap.Logger) {
	if delay <= 0 {
		delay = DefaultResyncDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	for {
		events := store.Watch(ctx)
	watch:
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					break watch
				}
				h.Apply(ev)
			}
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("Node watch ended, resyncing", zap.Duration("delay", delay))

		if !sleep(ctx, delay) {
			return
		}
		eps, err := backoff.Retry(ctx, func() ([]node.Endpoint, error) { return store.List(ctx) },
			backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Warn("Failed to list nodes", zap.Duration("retry_in", next), zap.Error(err))
			}))
		if err != nil {
			return
		}
		h.Reset(eps)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
