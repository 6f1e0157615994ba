package scheduler

import (
	"context"
	"time"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relayerr"
)

// reapOrphans closes out sessions that have sat orphaned longer than
// OrphanRetainHours: archives or deletes the bound thread on every platform
// per THREAD_CLEANUP, transitions the session to archived, and forgets its
// scrape offsets. Grounded on the reference's cleaner.go warn/TTL/close
// lifecycle, collapsed to a single retain-then-close step since this relay
// has no interactive Keep/Close step for orphaned (host-unreachable)
// sessions — only for the stale-but-reachable case the reference modeled.
func (s *Scheduler) reapOrphans(ctx context.Context) {
	stale := s.registry.List(func(sess *registry.Session) bool {
		return sess.Status == registry.StatusOrphaned && time.Since(sess.LastActivityAt) > s.orphanRetain
	})

	for _, sess := range stale {
		for platformName, adapter := range s.platforms {
			binding, err := s.store.GetThreadBinding(platformName, sess.Name)
			if err != nil {
				continue
			}
			if s.threadCleanup == "delete" {
				if err := adapter.Delete(ctx, binding.ThreadRef); err != nil {
					s.logger.Warn().Err(err).Str("session", sess.Name).Str("platform", platformName).Msg("orphan thread delete failed")
				}
				_ = s.store.DeleteThreadBinding(platformName, sess.Name)
			} else if err := adapter.Archive(ctx, binding.ThreadRef); err != nil {
				s.logger.Warn().Err(err).Str("session", sess.Name).Str("platform", platformName).Msg("orphan thread archive failed")
			}
		}

		if _, _, err := s.registry.Transition(sess.Name, registry.EventLifecycleClose); err != nil {
			if !relayerr.Is(err, relayerr.NotFound) {
				s.logger.Warn().Err(err).Str("session", sess.Name).Msg("orphan transition failed")
			}
			continue
		}
		s.scraper.Forget(sess.Name)
		s.bus.Publish(bus.Event{
			Kind:        bus.SessionStatusChange,
			SessionName: sess.Name,
			Payload:     map[string]string{"status": string(registry.StatusArchived), "reason": "orphan_retention_expired"},
			At:          time.Now(),
		})
	}
}
