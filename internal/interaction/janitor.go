package interaction

import (
	"context"
	"log/slog"
	"time"
)

// StartJanitor runs a background goroutine that periodically discards expired
// interactions so sessions that never start another turn do not hold memory.
func StartJanitor(ctx context.Context, q *Queue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Interaction janitor started", "interval", interval, "ttl", q.ttl)

		for {
			select {
			case <-ticker.C:
				if n := q.Prune(); n > 0 {
					slog.Info("Interaction janitor discarded expired entries", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Interaction janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
