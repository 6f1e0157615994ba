// Package scheduler runs the wall-clock-driven tier: host polling, transcript
// scraping, idle sweeping, orphan reaping, notify-retry draining, periodic
// snapshots and a heartbeat. Grounded on the reference's internal/event/cron.go
// hand-rolled per-job ticker loop — that file's own "TODO: upgrade to
// robfig/cron/v3" is adopted here as a declarative cron spec per job, since
// this tier has no event-sourced input and is purely schedule-driven.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/metrics"
	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/store"
)

// Executor is the subset of *hostexec.Executor the host poller needs.
type Executor interface {
	ListSessions(ctx context.Context, host string) (map[string]struct{}, error)
}

// Scraper is the subset of *scrape.Scraper the transcript job drives.
type Scraper interface {
	Scrape(ctx context.Context, host, sessionName, agentType string) error
	Forget(sessionName string)
}

// Notifier is the subset of *router.Router the notify-retry job drains.
type Notifier interface {
	RetryDue(ctx context.Context, limit int)
}

// Scheduler owns a cron instance running every fixed-interval job (spec §4.8).
type Scheduler struct {
	cron      *cron.Cron
	exec      Executor
	scraper   Scraper
	registry  *registry.Registry
	store     *store.Store
	bus       *bus.Bus
	router    Notifier
	platforms map[string]platform.Adapter
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	hosts             []string
	threadCleanup     string
	orphanRetain      time.Duration
	snapshotDir       string
	snapshotRetention time.Duration
}

// Deps bundles the collaborators a Scheduler drives. Unexported fields in
// Scheduler are filled in from this at New.
type Deps struct {
	Exec      Executor
	Scraper   Scraper
	Registry  *registry.Registry
	Store     *store.Store
	Bus       *bus.Bus
	Router    Notifier
	Platforms map[string]platform.Adapter
	Metrics   *metrics.Metrics
}

// New builds a Scheduler from cfg and deps. Call Start to begin running jobs.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Scheduler, error) {
	hostSpecs, err := cfg.ParseSSHHosts()
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	hosts := make([]string, 0, len(hostSpecs))
	for _, h := range hostSpecs {
		hosts = append(hosts, h.Name)
	}

	s := &Scheduler{
		cron:              cron.New(cron.WithSeconds()),
		exec:              deps.Exec,
		scraper:           deps.Scraper,
		registry:          deps.Registry,
		store:             deps.Store,
		bus:               deps.Bus,
		router:            deps.Router,
		platforms:         deps.Platforms,
		metrics:           deps.Metrics,
		logger:            logger.With().Str("component", "scheduler").Logger(),
		hosts:             hosts,
		threadCleanup:     cfg.ThreadCleanup,
		orphanRetain:      time.Duration(cfg.OrphanRetainHours) * time.Hour,
		snapshotDir:       cfg.SnapshotDir,
		snapshotRetention: time.Duration(cfg.SnapshotRetentionDays) * 24 * time.Hour,
	}

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"host_poller", cronEvery(time.Duration(cfg.PollIntervalMS) * time.Millisecond), s.pollHosts},
		{"transcript_scraper", cronEvery(time.Duration(cfg.ScrapeIntervalMS) * time.Millisecond), s.scrapeTranscripts},
		{"idle_sweeper", "0 * * * * *", s.sweepIdle},
		{"orphan_reaper", "0 */5 * * * *", s.reapOrphans},
		{"notify_retry", "*/10 * * * * *", s.drainNotifyRetries},
		{"heartbeat", "*/25 * * * * *", s.heartbeat},
		{"snapshot", fmt.Sprintf("0 0 */%d * * *", maxInt(cfg.SnapshotIntervalHours, 1)), s.snapshot},
	}
	for _, j := range jobs {
		job := j
		if _, err := s.cron.AddFunc(job.spec, func() {
			s.metrics.RecordSchedulerTick(job.name)
			job.fn(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("scheduler: registering job %s: %w", job.name, err)
		}
	}
	return s, nil
}

// Start begins running all registered jobs; non-blocking.
func (s *Scheduler) Start() {
	s.logger.Info().Msg("scheduler starting")
	s.cron.Start()
}

// Stop halts job dispatch and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func cronEvery(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("*/%d * * * * *", secs)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
