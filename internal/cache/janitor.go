package cache

import (
	"context"
	"log/slog"
	"time"
)

// RunJanitor sweeps expired items from s every interval until ctx is done.
// A non-positive interval disables it and leaves reclamation to lazy expiry
// and eviction.
func RunJanitor(ctx context.Context, s Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 && logger != nil {
				logger.Debug("swept expired items", slog.Int("count", n))
			}
		}
	}
}
