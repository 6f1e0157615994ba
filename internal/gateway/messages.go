package gateway

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relayerr"
	"github.com/jiunbae/aily/internal/store"
)

func toMessageDTO(m store.Message) MessageDTO {
	return MessageDTO{
		ID:         m.ID,
		Role:       m.Role,
		Source:     m.Source,
		Content:    m.Content,
		Timestamp:  fmtTime(m.Timestamp),
		ExternalID: m.ExternalID,
	}
}

// listMessages handles GET /api/sessions/{name}/messages?limit=&offset=.
func (g *Gateway) listMessages(c *fiber.Ctx) error {
	name := c.Params("name")
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	msgs, total, err := g.store.Page(name, limit, offset)
	if err != nil {
		return problemFromErr(c, err)
	}

	dtos := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		dtos = append(dtos, toMessageDTO(m))
	}
	if limit <= 0 {
		limit = 50
	}
	return c.JSON(MessagePageResponse{Messages: dtos, Total: total, Limit: limit, Offset: offset})
}

// sendMessage handles POST /api/sessions/{name}/send — the dashboard's
// equivalent of a platform reply: a two-step inject through the Host
// Executor, recorded as a user message from source "dashboard".
func (g *Gateway) sendMessage(c *fiber.Ctx) error {
	name := c.Params("name")
	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", err.Error())
	}
	if req.Text == "" {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_argument", "Bad Request", "text is required")
	}

	sess, ok := g.registry.Get(name)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "no such session")
	}

	if _, err := g.store.Append(store.Message{
		SessionID: name,
		Role:      "user",
		Source:    "dashboard",
		Content:   req.Text,
		Timestamp: time.Now(),
	}); err != nil && relayerr.CodeOf(err) != relayerr.Duplicate {
		return problemFromErr(c, err)
	}

	if err := g.exec.Inject(c.Context(), sess.Host, name, req.Text, true); err != nil {
		_ = g.registry.MarkError(name, relayerr.Wrap(relayerr.Unreachable, "inject failed", err))
		return problemFromErr(c, err)
	}

	if _, err := g.registry.Upsert(registry.Observation{Name: name, Event: registry.EventMsgInbound}); err != nil {
		g.logger.Warn().Err(err).Str("session", name).Msg("registry upsert after dashboard send failed")
	}
	g.bus.Publish(busEvent(bus.MessageNew, name, map[string]string{"role": "user", "text": req.Text, "source": "dashboard"}))

	return c.SendStatus(fiber.StatusAccepted)
}

// syncSession handles POST /api/sessions/{name}/sync — forces one
// out-of-band transcript rescrape outside the scheduler's normal 3s tick.
func (g *Gateway) syncSession(c *fiber.Ctx) error {
	name := c.Params("name")
	sess, ok := g.registry.Get(name)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", "no such session")
	}
	if err := g.scraper.Scrape(c.Context(), sess.Host, name, sess.AgentType); err != nil {
		return problemFromErr(c, err)
	}
	g.bus.Publish(busEvent(bus.SyncComplete, name, nil))
	return c.SendStatus(fiber.StatusAccepted)
}
