package gateway

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/jiunbae/aily/internal/registry"
)

// stats handles GET /api/stats — aggregate counts for the dashboard home
// view.
func (g *Gateway) stats(c *fiber.Ctx) error {
	sessions := g.registry.List(nil)
	byStatus := make(map[string]int)
	for _, s := range sessions {
		byStatus[string(s.Status)]++
	}
	return c.JSON(StatsResponse{
		TotalSessions:   len(sessions),
		ByStatus:        byStatus,
		SubscriberCount: g.bus.SubscriberCount(),
	})
}

const preferencesUserID = "default"

// getPreferences handles GET /api/preferences. aily has no multi-user
// login; preferences are keyed by a single "default" user slot.
func (g *Gateway) getPreferences(c *fiber.Ctx) error {
	raw, err := g.store.GetPreferences(preferencesUserID)
	if err != nil {
		return c.JSON(fiber.Map{"preferences": fiber.Map{}})
	}
	var prefs map[string]any
	if jsonErr := json.Unmarshal([]byte(raw), &prefs); jsonErr != nil {
		return c.JSON(fiber.Map{"preferences": fiber.Map{}})
	}
	return c.JSON(fiber.Map{"preferences": prefs})
}

// putPreferences handles PUT /api/preferences.
func (g *Gateway) putPreferences(c *fiber.Ctx) error {
	var req PreferencesRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", err.Error())
	}
	raw, err := json.Marshal(req.Preferences)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_argument", "Bad Request", err.Error())
	}
	if err := g.store.SavePreferences(preferencesUserID, string(raw)); err != nil {
		return problemFromErr(c, err)
	}
	return c.JSON(req)
}

// hookEvent handles POST /api/hooks/event — the unauthenticated webhook
// entry for local hook scripts (spec §6). Neither this handler nor the
// middleware restricts the request source: the endpoint is reachable on
// whatever address the gateway listens on (default ":8090", all interfaces).
func (g *Gateway) hookEvent(c *fiber.Ctx) error {
	var req HookEventRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", err.Error())
	}
	if req.SessionName == "" || req.Role == "" {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_argument", "Bad Request", "session_name and role are required")
	}

	if _, ok := g.registry.Get(req.SessionName); !ok {
		if _, err := g.registry.Upsert(registry.Observation{
			Name:      req.SessionName,
			AgentType: req.Agent,
			Event:     registry.EventSSHSeen,
		}); err != nil {
			g.logger.Warn().Err(err).Str("session", req.SessionName).Msg("registry upsert on hook event failed")
		}
	}

	source := "hook"
	if req.Agent != "" {
		source = req.Agent
	}
	g.router.NotifyHook(c.Context(), req.SessionName, req.Role, source, req.Content, req.ExternalID)
	return c.SendStatus(fiber.StatusAccepted)
}

// liveness handles GET /healthz — unauthenticated liveness probe.
func (g *Gateway) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// healthDetail handles GET /api/health — per-component health beyond the
// liveness-only /healthz (spec Part C supplement).
func (g *Gateway) healthDetail(c *fiber.Ctx) error {
	if g.health == nil {
		return c.JSON(HealthDetailResponse{Status: "ok", Checks: map[string]string{}})
	}
	results := g.health.RunAll(c.Context())
	checks := make(map[string]string, len(results))
	status := "ok"
	for name, s := range results {
		checks[name] = string(s)
		if s != "ok" {
			status = "degraded"
		}
	}
	return c.JSON(HealthDetailResponse{Status: status, Checks: checks})
}
