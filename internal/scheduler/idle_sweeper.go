package scheduler

import (
	"context"
	"time"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/registry"
)

// sweepIdle promotes active-but-stale sessions to idle for real, publishing
// a status-change event per demotion (spec §4.8, the registry's lazy
// deriveIdle on Get/List never persists or notifies).
func (s *Scheduler) sweepIdle(ctx context.Context) {
	for _, name := range s.registry.SweepIdle() {
		s.bus.Publish(bus.Event{
			Kind:        bus.SessionStatusChange,
			SessionName: name,
			Payload:     map[string]string{"status": string(registry.StatusIdle)},
			At:          time.Now(),
		})
	}
}
