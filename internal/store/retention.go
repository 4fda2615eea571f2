package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// StartRetentionWorker periodically deletes turns older than retention.
// A non-positive retention keeps transcripts forever.
func StartRetentionWorker(ctx context.Context, s TranscriptStore, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Transcript retention worker started", "interval", retentionInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				pruneTranscripts(ctx, s, retention)
			case <-ctx.Done():
				slog.Info("Transcript retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneTranscripts(ctx context.Context, s TranscriptStore, retention time.Duration) {
	deleted, err := s.DeleteBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Error("Transcript retention worker failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Transcript retention worker deleted turns", "count", deleted)
	}
}
