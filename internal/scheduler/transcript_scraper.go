package scheduler

import (
	"context"

	"github.com/jiunbae/aily/internal/registry"
)

// scrapeTranscripts tails each active or waiting session's transcript file
// once per tick (spec §4.8). Sessions the scraper has no known path for are
// skipped silently inside Scraper.Scrape itself.
func (s *Scheduler) scrapeTranscripts(ctx context.Context) {
	sessions := s.registry.List(func(sess *registry.Session) bool {
		return sess.Status == registry.StatusActive || sess.Status == registry.StatusWaiting
	})
	for _, sess := range sessions {
		if sess.Host == "" || sess.Host == "unknown" {
			continue
		}
		if err := s.scraper.Scrape(ctx, sess.Host, sess.Name, sess.AgentType); err != nil {
			s.logger.Warn().Err(err).Str("session", sess.Name).Msg("transcript scrape failed")
		}
	}
}
