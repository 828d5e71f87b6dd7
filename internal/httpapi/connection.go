package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
)

type connectRequest struct {
	Cluster      string `json:"cluster"`
	BindPassword string `json:"bind_password"`
}

// connectHandler implements POST /connection/connect: validates the bind
// credential against the cluster (selector class HEALTH) and, on success,
// stores it in the vault for subsequent pooled operations.
func (a *App) connectHandler(c *fiber.Ctx) error {
	var req connectRequest
	if err := c.BodyParser(&req); err != nil {
		return apierr.BadRequest("invalid request body: %v", err)
	}

	if req.Cluster == "" || req.BindPassword == "" {
		return apierr.BadRequest("cluster and bind_password are required")
	}

	cluster, err := a.clusters.byName(req.Cluster)
	if err != nil {
		return err
	}

	if _, err := a.sel.Select(c.UserContext(), cluster, config.ClassHealth); err != nil {
		return err
	}

	if err := a.gw.BindTest(c.UserContext(), cluster, cluster.BindDN, req.BindPassword); err != nil {
		return err
	}

	if err := a.vault.Store(cluster.Name, req.BindPassword, 0); err != nil {
		return apierr.Wrap(apierr.KindInternal, "storing credential", err)
	}

	return c.JSON(fiber.Map{"connected": true})
}

// passwordCheckHandler implements GET /password/check/{name}.
func (a *App) passwordCheckHandler(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := a.clusters.byName(name); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"cached": a.vault.Present(name)})
}

// passwordClearHandler implements DELETE /password/cache/{name}.
func (a *App) passwordClearHandler(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := a.clusters.byName(name); err != nil {
		return err
	}

	if err := a.vault.Clear(name); err != nil {
		return apierr.Wrap(apierr.KindInternal, "clearing credential", err)
	}

	return c.JSON(fiber.Map{"cleared": true})
}
