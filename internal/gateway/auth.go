package gateway

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// unauthenticatedPaths are exempt from bearer auth: liveness, metrics, the
// hook webhook (spec §4.7, §6; not source-restricted), and the login
// exchange.
var unauthenticatedPaths = map[string]bool{
	"/healthz":         true,
	"/metrics":         true,
	"/api/hooks/event": true,
	"/api/auth/login":  true,
}

// newAuthMiddleware validates the Authorization header against the static
// DASHBOARD_TOKEN or, when DASHBOARD_JWT_SECRET is set, against a signed
// session token minted from it. Mirrors the reference mgmt package's
// bearer-scheme check and invalid_api_key problem response, generalized to
// aily's single-token (no role map) auth model.
func newAuthMiddleware(token string, issuer *tokenIssuer, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if unauthenticatedPaths[c.Path()] {
			return c.Next()
		}

		auth := c.Get("Authorization")
		if auth == "" {
			return problemResponse(c, fiber.StatusUnauthorized, "missing_auth", "Unauthorized", "Authorization header is required")
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized, "invalid_auth_scheme", "Unauthorized", "Authorization header must use Bearer scheme")
		}
		candidate := strings.TrimPrefix(auth, "Bearer ")

		if token != "" && candidate == token {
			return c.Next()
		}
		if issuer != nil {
			if _, err := issuer.Verify(candidate); err == nil {
				return c.Next()
			}
		}

		logger.Warn().Str("path", c.Path()).Str("method", c.Method()).Msg("unauthorized dashboard request")
		return problemResponse(c, fiber.StatusUnauthorized, "invalid_token", "Unauthorized", "Invalid dashboard token")
	}
}

// LoginRequest is the payload for POST /api/auth/login.
type LoginRequest struct {
	Token string `json:"token"`
}

// LoginResponse is the response for POST /api/auth/login.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// login handles POST /api/auth/login: exchanges the static DASHBOARD_TOKEN
// for a short-lived signed session token, so a browser dashboard session
// never has to keep the long-lived static token in its own storage.
// Unavailable unless DASHBOARD_JWT_SECRET is configured.
func (g *Gateway) login(c *fiber.Ctx) error {
	if g.issuer == nil {
		return problemResponse(c, fiber.StatusNotImplemented, "jwt_disabled", "Not Implemented", "DASHBOARD_JWT_SECRET is not configured")
	}
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", err.Error())
	}
	if g.cfg.DashboardToken == "" || req.Token != g.cfg.DashboardToken {
		return problemResponse(c, fiber.StatusUnauthorized, "invalid_token", "Unauthorized", "Invalid dashboard token")
	}
	signed, err := g.issuer.Issue("dashboard")
	if err != nil {
		return problemFromErr(c, err)
	}
	return c.JSON(LoginResponse{Token: signed, ExpiresIn: int64(tokenTTL.Seconds())})
}

// logout handles POST /api/auth/logout: revokes the bearer token presented
// on this request so it can't be replayed even though it hasn't expired.
func (g *Gateway) logout(c *fiber.Ctx) error {
	if g.issuer == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	auth := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if auth != "" {
		if err := g.issuer.Revoke(auth); err != nil {
			return problemFromErr(c, err)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
