package gateway

import (
	"sort"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relayerr"
)

func toSessionDTO(s *registry.Session) SessionDTO {
	dto := SessionDTO{
		Name:               s.Name,
		Host:               s.Host,
		AgentType:          s.AgentType,
		Status:             string(s.Status),
		CreatedAt:          fmtTime(s.CreatedAt),
		LastActivityAt:     fmtTime(s.LastActivityAt),
		LastMessagePreview: s.LastMessagePreview,
	}
	if s.LastError != nil {
		dto.LastError = s.LastError.Error()
	}
	return dto
}

// listSessions handles GET /api/sessions?limit=&sort=&status=&host=.
func (g *Gateway) listSessions(c *fiber.Ctx) error {
	statusFilter := c.Query("status")
	hostFilter := c.Query("host")

	sessions := g.registry.List(func(s *registry.Session) bool {
		if statusFilter != "" && string(s.Status) != statusFilter {
			return false
		}
		if hostFilter != "" && s.Host != hostFilter {
			return false
		}
		return true
	})

	switch c.Query("sort", "last_activity") {
	case "name":
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })
	case "status":
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].Status < sessions[j].Status })
	case "created_at":
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.After(sessions[j].CreatedAt) })
	default:
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt) })
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(sessions) {
			sessions = sessions[:limit]
		}
	}

	dtos := make([]SessionDTO, 0, len(sessions))
	for _, s := range sessions {
		dtos = append(dtos, toSessionDTO(s))
	}
	return c.JSON(fiber.Map{"sessions": dtos, "total": len(dtos)})
}

// createSession handles POST /api/sessions.
func (g *Gateway) createSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", err.Error())
	}
	if req.Name == "" {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_argument", "Bad Request", "name is required")
	}
	host := req.Host
	if host == "" {
		host = g.cfg.DefaultHost
	}

	if err := g.exec.CreateSession(c.Context(), host, req.Name); err != nil && relayerr.CodeOf(err) != relayerr.Duplicate {
		return problemFromErr(c, err)
	}

	sess, err := g.registry.Upsert(registry.Observation{
		Name:      req.Name,
		Host:      host,
		AgentType: req.AgentType,
		Event:     registry.EventSSHSeen,
	})
	if err != nil {
		return problemFromErr(c, err)
	}

	g.bus.Publish(busEvent(bus.SessionCreated, req.Name, nil))
	return c.Status(fiber.StatusCreated).JSON(toSessionDTO(sess))
}

// getSession handles GET /api/sessions/{name}.
func (g *Gateway) getSession(c *fiber.Ctx) error {
	sess, ok := g.registry.Get(c.Params("name"))
	if !ok {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "no such session")
	}
	return c.JSON(toSessionDTO(sess))
}

// deleteSession handles DELETE /api/sessions/{name}.
func (g *Gateway) deleteSession(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := g.killOne(c, name); err != nil {
		return problemFromErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// bulkDeleteSessions handles POST /api/sessions/bulk-delete.
func (g *Gateway) bulkDeleteSessions(c *fiber.Ctx) error {
	var req BulkDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", err.Error())
	}

	resp := BulkDeleteResponse{Failed: make(map[string]string)}
	for _, name := range req.Names {
		if err := g.killOne(c, name); err != nil {
			resp.Failed[name] = err.Error()
			continue
		}
		resp.Deleted = append(resp.Deleted, name)
	}
	return c.JSON(resp)
}

func (g *Gateway) killOne(c *fiber.Ctx, name string) error {
	sess, ok := g.registry.Get(name)
	if !ok {
		return relayerr.New(relayerr.NotFound, "no such session")
	}
	if err := g.exec.KillSession(c.Context(), sess.Host, name); err != nil && relayerr.CodeOf(err) != relayerr.NotFound {
		return err
	}
	if _, _, err := g.registry.Transition(name, registry.EventLifecycleClose); err != nil {
		return err
	}
	g.bus.Publish(busEvent(bus.SessionDeleted, name, nil))
	return nil
}
