// Command aily runs the bidirectional session relay: it maintains the
// fleet-wide Session Registry, the Message Store, one Platform Adapter per
// configured chat platform, the Router gluing them to the Host Executor,
// the Event Bus, and the Dashboard Gateway, then blocks until a shutdown
// signal drains everything in reverse construction order.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/gateway"
	"github.com/jiunbae/aily/internal/health"
	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/metrics"
	"github.com/jiunbae/aily/internal/platform"
	discordplat "github.com/jiunbae/aily/internal/platform/discord"
	slackplat "github.com/jiunbae/aily/internal/platform/slack"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/router"
	"github.com/jiunbae/aily/internal/scheduler"
	"github.com/jiunbae/aily/internal/scrape"
	"github.com/jiunbae/aily/internal/sshpool"
	"github.com/jiunbae/aily/internal/store"
)

// exit codes (spec §6)
const (
	exitClean            = 0
	exitConfigError      = 2
	exitStorageOpenError = 3
	exitPlatformAuthFail = 4
	exitSignalShutdown   = 130
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		os.Exit(exitConfigError)
	}

	if cfg.Environment == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("discord_enabled", cfg.DiscordEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Msg("starting aily relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		os.Exit(exitStorageOpenError)
	}

	eventBus := bus.New(logger)
	metricsReg := metrics.New()
	checker := health.NewChecker(logger, eventBus)

	var registryRef *registry.Registry

	reg, err := registry.New(st, logger, func(name string, old, new registry.Status) {
		eventBus.Publish(bus.Event{
			Kind:        bus.SessionStatusChange,
			SessionName: name,
			Payload:     map[string]string{"from": string(old), "to": string(new)},
		})
		if registryRef != nil {
			statusCounts := map[registry.Status]int{}
			for _, s := range registryRef.List(nil) {
				statusCounts[s.Status]++
			}
			for status, count := range statusCounts {
				metricsReg.SetSessionsByStatus(string(status), float64(count))
			}
		}
	}, time.Duration(cfg.IdleAfterSec)*time.Second)
	if err != nil {
		logger.Error().Err(err).Msg("failed to warm-start registry")
		os.Exit(exitStorageOpenError)
	}
	registryRef = reg

	hostSpecs, err := cfg.ParseSSHHosts()
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse SSH_HOSTS")
		os.Exit(exitConfigError)
	}

	pool, err := sshpool.New(logger, cfg.SSHKnownHostsFile, hostSpecs)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize SSH pool")
		st.Close()
		os.Exit(exitStorageOpenError)
	}

	exec := hostexec.New(pool, logger)

	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})
	for _, h := range hostSpecs {
		hostName := h.Name
		checker.Register("ssh."+hostName, func(ctx context.Context) health.Status {
			names, err := exec.ListSessions(ctx, hostName)
			if err != nil {
				return health.StatusDown
			}
			// Liveness beyond "control channel answers": capture one line from
			// an arbitrary live session to prove tmux itself is still
			// responsive, not just sshd (spec §8; SPEC_FULL.md Part C §9 Open
			// Question 1 — capture() doubles as the liveness probe).
			for name := range names {
				if _, err := exec.Capture(ctx, hostName, name, 1); err != nil {
					return health.StatusDegraded
				}
				break
			}
			return health.StatusOK
		})
	}

	defaultHost := ""
	if len(hostSpecs) > 0 {
		defaultHost = hostSpecs[0].Name
	}

	// platforms is populated below, after the Router that needs it as a
	// constructor argument; the map itself is a reference type so the
	// Router observes entries added after New returns.
	platforms := make(map[string]platform.Adapter)

	rtr := router.New(st, reg, eventBus, exec, platforms, defaultHost, cfg.NotifyMaxRetries, logger)

	if cfg.SlackEnabled() {
		rawAPI := goslack.New(cfg.SlackBotToken, goslack.OptionAppLevelToken(cfg.SlackAppToken))
		socket := socketmode.New(rawAPI)
		adapter := slackplat.NewAdapter(rawAPI, socket, cfg.SlackChannelID, rtr, logger)
		adapter.Preload(loadThreadBindings(st, "slack", logger))
		platforms["slack"] = adapter
		checker.Register("slack", func(ctx context.Context) health.Status {
			if _, err := rawAPI.AuthTestContext(ctx); err != nil {
				return health.StatusDown
			}
			return health.StatusOK
		})
	}

	fatal := func(code int, format string, args ...any) {
		logger.Error().Msgf(format, args...)
		pool.Close()
		st.Close()
		os.Exit(code)
	}

	if cfg.DiscordEnabled() {
		session, err := discordgo.New("Bot " + cfg.DiscordBotToken)
		if err != nil {
			fatal(exitPlatformAuthFail, "failed to construct discord session: %v", err)
		}
		session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
		adapter := discordplat.NewAdapter(session, session, cfg.DiscordChannelID, rtr, logger)
		adapter.Preload(loadThreadBindings(st, "discord", logger))
		platforms["discord"] = adapter
		checker.Register("discord", func(ctx context.Context) health.Status {
			if session.DataReady {
				return health.StatusOK
			}
			return health.StatusDegraded
		})
	}

	if len(platforms) == 0 {
		logger.Warn().Msg("no platforms configured — relay will run with no chat-side surface")
	}

	for name, adapter := range platforms {
		if err := adapter.Connect(ctx); err != nil {
			fatal(exitPlatformAuthFail, "failed to connect platform adapter %s: %v", name, err)
		}
	}

	scraper := scrape.New(pool, rtr, func(host, sessionName, agentType string) (string, bool) {
		return cfg.TranscriptPath(sessionName, agentType)
	}, slog.Default())

	sched, err := scheduler.New(cfg, scheduler.Deps{
		Exec:      exec,
		Scraper:   scraper,
		Registry:  reg,
		Store:     st,
		Bus:       eventBus,
		Router:    rtr,
		Platforms: platforms,
		Metrics:   metricsReg,
	}, logger)
	if err != nil {
		fatal(exitConfigError, "failed to construct scheduler: %v", err)
	}
	sched.Start()

	gw := gateway.New(gateway.Config{
		ListenAddr:     cfg.MgmtListenAddr,
		DashboardToken: cfg.DashboardToken,
		JWTSecret:      cfg.DashboardJWTSecret,
		WSMaxClients:   cfg.WSMaxClients,
		RateLimit:      gateway.RateLimitConfig{RPS: cfg.MgmtRateLimitRPS, Burst: cfg.MgmtRateLimitBurst},
		CORSOrigins:    cfg.MgmtCORSOrigins,
		TLSCert:        cfg.MgmtTLSCert,
		TLSKey:         cfg.MgmtTLSKey,
		DefaultHost:    defaultHost,
	}, gateway.Deps{
		Store:    st,
		Registry: reg,
		Bus:      eventBus,
		Exec:     exec,
		Scraper:  scraper,
		Router:   rtr,
		Health:   checker,
		Metrics:  metricsReg,
	}, logger)

	gwErrCh := make(chan error, 1)
	go func() {
		gwErrCh <- gw.Start()
	}()

	logger.Info().Msg("aily relay running")

	exitCode := exitClean
runLoop:
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
			exitCode = exitSignalShutdown
			break runLoop
		case <-hupCh:
			logger.Info().Msg("SIGHUP received, reloading host roster")
			newSpecs, err := cfg.ParseSSHHosts()
			if err != nil {
				logger.Error().Err(err).Msg("host roster reload: re-parsing SSH_HOSTS/HOSTS_FILE failed")
				continue
			}
			if err := exec.Reload(cfg.SSHKnownHostsFile, newSpecs); err != nil {
				logger.Error().Err(err).Msg("host roster reload failed")
			}
		case err := <-gwErrCh:
			if err != nil {
				logger.Error().Err(err).Msg("dashboard gateway exited unexpectedly")
			}
			break runLoop
		}
	}

	if err := gw.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("dashboard gateway shutdown error")
	}
	sched.Stop()
	for name, adapter := range platforms {
		if err := adapter.Disconnect(); err != nil {
			logger.Warn().Err(err).Str("platform", name).Msg("platform disconnect error")
		}
	}
	pool.Close()
	if err := st.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close error")
	}

	logger.Info().Msg("aily relay stopped")
	os.Exit(exitCode)
}

// loadThreadBindings reads every persisted thread binding for a platform,
// keyed by session name, so its adapter's in-memory thread cache can be
// warm-started before Connect — without this, every binding made in a prior
// run would look unknown after a restart and get re-created from scratch.
func loadThreadBindings(st *store.Store, platformName string, logger zerolog.Logger) map[string]string {
	bindings, err := st.ListThreadBindings(platformName)
	if err != nil {
		logger.Warn().Err(err).Str("platform", platformName).Msg("loading thread bindings failed, starting cold")
		return nil
	}
	out := make(map[string]string, len(bindings))
	for _, b := range bindings {
		out[b.SessionName] = b.ThreadRef
	}
	return out
}
