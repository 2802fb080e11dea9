package server

import (
	"context"
	"time"
)

// retentionLoop periodically checks whether a new snapshot is due and runs
// one snapshot-and-prune cycle when it is. Errors are logged and never stop
// the loop.
func (s *Server) retentionLoop(ctx context.Context) {
	interval := min(s.cfg.SnapshotInterval.Duration/2, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunRetention(ctx); err != nil {
				s.logger.Error("retention cycle failed", "err", err)
			}
		}
	}
}

// RunRetention performs at most one snapshot-and-prune cycle. A snapshot is
// taken at (previous snapshot + interval), but only once that moment has
// left the detailed-history window; everything recorded before it that no
// snapshot pins is pruned, and blobs that lost their last reference are
// deleted best effort.
func (s *Server) RunRetention(ctx context.Context) error {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	previous, ok, err := s.store.LastSnapshotTime(ctx)
	if err != nil {
		return err
	}
	if !ok {
		previous, ok, err = s.store.OldestVersionTime(ctx)
		if err != nil {
			return err
		}
		if !ok {
			// No history yet, nothing to snapshot.
			return nil
		}
	}

	next := previous.Add(s.cfg.SnapshotInterval.Duration)
	latestAllowed := s.clock().Add(-s.cfg.RetainDetailedHistory.Duration)
	if next.After(latestAllowed) {
		return nil
	}

	stats, err := s.store.CreateSnapshot(ctx, next)
	if err != nil {
		return err
	}

	removed := 0
	for _, hash := range stats.OrphanHashes {
		if err := s.blobs.Delete(hash); err != nil {
			s.logger.Warn("failed to remove content blob", "hash", hash.Hex(), "err", err)
			continue
		}
		removed++
	}

	s.logger.Info("created snapshot",
		"snapshot_id", stats.SnapshotID,
		"timestamp", next,
		"tagged", stats.TaggedVersions,
		"pruned", stats.PrunedVersions,
		"blobs_removed", removed)
	return nil
}
