package scheduler

import "context"

// snapshot writes a point-in-time backup of the store and prunes snapshots
// past SnapshotRetentionDays (spec §4.8).
func (s *Scheduler) snapshot(ctx context.Context) {
	if err := s.store.Snapshot(s.snapshotDir, s.snapshotRetention); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot failed")
	}
}
