// Package housekeeping runs background maintenance over stored sessions.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/casedrill/casedrill/internal/store"
)

// sweepInterval is how often the sweeper looks for idle sessions.
const sweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically marks sessions
// with no activity within idleTTL as abandoned. Abandoned sessions keep
// their state and revive if the learner comes back.
func StartSweeper(ctx context.Context, repo store.Repository, idleTTL time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", sweepInterval, "idle_ttl", idleTTL)

		for {
			select {
			case <-ticker.C:
				sweepIdleSessions(ctx, repo, idleTTL)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleSessions(ctx context.Context, repo store.Repository, idleTTL time.Duration) {
	idle, err := repo.GetIdleSessions(ctx, idleTTL)
	if err != nil {
		slog.Error("Sweeper failed to list idle sessions", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	slog.Info("Sweeper found idle sessions", "count", len(idle))

	marked := 0
	for _, sess := range idle {
		if err := repo.MarkAbandoned(ctx, sess.ID); err != nil {
			slog.Warn("Sweeper failed to mark session abandoned",
				"error", err,
				"session_id", sess.ID)
			continue
		}
		marked++
	}

	slog.Info("Sweeper pass completed", "marked_abandoned", marked)
}
