package presence

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/go-eventpresence/internal/logging"
	"github.com/npezzotti/go-eventpresence/internal/stats"
	"github.com/rs/zerolog"
)

// Aggregator derives advisory viewer counts from a Store. A failing store
// never surfaces an error: the last count seen for the event is returned
// instead, or zero if there is none.
type Aggregator struct {
	store  Store
	window time.Duration
	log    zerolog.Logger
	stats  stats.StatsProvider

	mu   sync.Mutex
	last map[string]int
}

func NewAggregator(store Store, window time.Duration, logger zerolog.Logger, su stats.StatsProvider) *Aggregator {
	su.RegisterMetric(stats.StoreErrors)

	return &Aggregator{
		store:  store,
		window: window,
		log:    logger,
		stats:  su,
		last:   make(map[string]int),
	}
}

func (a *Aggregator) Window() time.Duration {
	return a.window
}

func (a *Aggregator) Count(ctx context.Context, eventId string) int {
	n, err := a.store.CountActive(ctx, eventId, a.window)
	if err != nil {
		a.stats.Incr(stats.StoreErrors)
		fallback := a.lastKnown(eventId)
		a.log.Warn().Err(err).
			Str(logging.FieldEventId, eventId).
			Int("fallback", fallback).
			Msg("count viewers failed, using last known count")
		return fallback
	}

	if n < 0 {
		a.log.Warn().Str(logging.FieldEventId, eventId).Int("count", n).Msg("negative viewer count clamped")
		n = 0
	}

	a.mu.Lock()
	a.last[eventId] = n
	a.mu.Unlock()

	return n
}

func (a *Aggregator) lastKnown(eventId string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last[eventId]
}
