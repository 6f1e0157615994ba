package scheduler

import (
	"context"
	"time"

	"github.com/jiunbae/aily/internal/bus"
)

// heartbeat publishes a system.heartbeat event so dashboard clients can
// distinguish a quiet relay from a dead one (spec §4.6, §4.8).
func (s *Scheduler) heartbeat(ctx context.Context) {
	s.bus.Publish(bus.Event{
		Kind: bus.SystemHeartbeat,
		At:   time.Now(),
	})
}
