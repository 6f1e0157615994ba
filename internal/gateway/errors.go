package gateway

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/relayerr"
)

// problemFromErr maps a relayerr.Code to an HTTP status and RFC 7807 body,
// the gateway's single point of translation from internal error kinds to
// the wire (spec §7).
func problemFromErr(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	errType := "internal_error"
	switch relayerr.CodeOf(err) {
	case relayerr.NotFound:
		status, errType = fiber.StatusNotFound, "not_found"
	case relayerr.InvalidArgument:
		status, errType = fiber.StatusBadRequest, "invalid_argument"
	case relayerr.Duplicate:
		status, errType = fiber.StatusConflict, "duplicate"
	case relayerr.RateLimited:
		status, errType = fiber.StatusTooManyRequests, "rate_limited"
	case relayerr.Unreachable:
		status, errType = fiber.StatusBadGateway, "unreachable"
	case relayerr.Cancelled:
		status, errType = fiber.StatusRequestTimeout, "cancelled"
	}
	return problemResponse(c, status, errType, fiber.ErrInternalServerError.Message, err.Error())
}

// busEvent builds a bus.Event with the current time stamped, for handlers
// that publish state changes as a side effect of a REST call.
func busEvent(kind bus.Kind, sessionName string, payload any) bus.Event {
	return bus.Event{Kind: kind, SessionName: sessionName, Payload: payload, At: time.Now()}
}
