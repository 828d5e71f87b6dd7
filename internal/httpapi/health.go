package httpapi

import "github.com/gofiber/fiber/v2"

// healthHandler implements GET /health: liveness only — the loaded cluster
// count and pool occupancy. It does not check that the credential vault is
// readable, and it never touches a directory cluster, so it
// stays cheap enough to be polled by a container HEALTHCHECK directive.
func (a *App) healthHandler(c *fiber.Ctx) error {
	stats := a.pool.Stats()

	return c.JSON(fiber.Map{
		"status":       "ok",
		"clusters":     len(a.clusters.all()),
		"pool_sessions": stats.IdleSessions,
		"pool_fingerprints": stats.Fingerprints,
	})
}
