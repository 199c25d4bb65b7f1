package db

import (
	"context"
	"time"

	"permapaste/svc/util"

	"github.com/pkg/errors"
)

const checkpointInterval = 5 * time.Minute

// RunWALMaintenance checkpoints the WAL until ctx is cancelled, then runs a
// final checkpoint.
func (s *SQLite) RunWALMaintenance(ctx context.Context) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.checkpoint(ctx); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.checkpoint(final); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

func (s *SQLite) checkpoint(ctx context.Context) error {
	start := time.Now()
	var busy, logPages, checkpointed int
	mode := "PASSIVE"
	if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &checkpointed); err != nil {
		return errors.Wrap(err, "passive checkpoint")
	}
	// a large or contended log gets truncated so it cannot grow without bound
	if logPages > 1000 || busy > 0 {
		mode = "TRUNCATE"
		if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &checkpointed); err != nil {
			return errors.Wrap(err, "truncate checkpoint")
		}
	}
	var integrity string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&integrity); err != nil {
		return errors.Wrap(err, "quick_check")
	}
	if integrity != "ok" {
		return errors.Errorf("quick_check returned: %s", integrity)
	}
	util.Debug().
		Str("mode", mode).
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Dur("duration", time.Since(start)).
		Msg("WAL checkpoint completed")
	return nil
}
