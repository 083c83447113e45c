package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StartPurgeLoop deletes expired TTL entries (session records) on interval
// until the returned stop function is called or ctx is cancelled.
func StartPurgeLoop(ctx context.Context, store *Store, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		purge(ctx, store)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purge(ctx, store)
			}
		}
	}()
	return cancel
}

func purge(ctx context.Context, store *Store) {
	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("memory_purge_failed")
		return
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Msg("memory_purge")
	}
}
