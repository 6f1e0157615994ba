package scheduler

import (
	"context"

	"github.com/jiunbae/aily/internal/registry"
)

// pollHosts lists live tmux sessions on every configured host and reconciles
// them into the registry: sessions seen become/stay active, known
// non-archived sessions on the host that are no longer seen are marked
// ssh_missing (spec §4.2, §4.8).
func (s *Scheduler) pollHosts(ctx context.Context) {
	for _, host := range s.hosts {
		seen, err := s.exec.ListSessions(ctx, host)
		if err != nil {
			s.logger.Warn().Err(err).Str("host", host).Msg("host poll failed")
			continue
		}

		for name := range seen {
			if _, err := s.registry.Upsert(registry.Observation{
				Name:  name,
				Host:  host,
				Event: registry.EventSSHSeen,
			}); err != nil {
				s.logger.Warn().Err(err).Str("session", name).Msg("upsert on poll failed")
			}
		}

		known := s.registry.List(func(sess *registry.Session) bool { return sess.Host == host })
		for _, sess := range known {
			if _, stillThere := seen[sess.Name]; stillThere {
				continue
			}
			if sess.Status == registry.StatusArchived {
				continue
			}
			if _, _, err := s.registry.Transition(sess.Name, registry.EventSSHMissing); err != nil {
				s.logger.Warn().Err(err).Str("session", sess.Name).Msg("transition on missing failed")
			}
		}
	}
}
