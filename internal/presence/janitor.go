package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor reclaims records abandoned without a clean disconnect.
type Janitor struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewJanitor(store Store, interval, retention time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		log:       logger,
	}
}

// Run purges expired records every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) int {
	n, err := j.store.Purge(ctx, j.now().Add(-j.retention))
	if err != nil {
		j.log.Warn().Err(err).Msg("purge expired viewers")
		return 0
	}

	if n > 0 {
		j.log.Debug().Int("purged", n).Msg("purged expired viewers")
	}
	return n
}
