// Package httpapi is the thin Fiber v2 binding over the gateway core
// described in spec.md §6. No business logic lives here: every handler
// parses its request, calls into the directory/vault/replication/selector/
// gateway packages, and renders JSON. This mirrors the teacher's own split
// between internal/web (HTTP binding) and internal/ldap/internal/ldap_cache
// (LDAP logic) — handlers here never touch go-ldap directly either.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/directory"
	"github.com/netresearch/ldapgw/internal/ldapgw"
	"github.com/netresearch/ldapgw/internal/pool"
	"github.com/netresearch/ldapgw/internal/replication"
	"github.com/netresearch/ldapgw/internal/selector"
	"github.com/netresearch/ldapgw/internal/vault"
)

// App binds the core packages to the HTTP surface of spec.md §6.
type App struct {
	fiber *fiber.App

	clusters clusterStore

	vault   *vault.Vault
	pool    *pool.Pool
	sel     *selector.Selector
	gw      *ldapgw.Gateway
	dir     *directory.Service
	repl    *replication.Monitor
}

// Deps are the already-constructed core components New wires into routes.
// Constructing them is main's job (cmd/ldapgw-server); httpapi only binds.
type Deps struct {
	Clusters []config.Cluster
	Vault    *vault.Vault
	Pool     *pool.Pool
	Selector *selector.Selector
	Gateway  *ldapgw.Gateway
	Dir      *directory.Service
	Repl     *replication.Monitor

	AllowedOrigins []string
}

// New constructs an App and registers every route from spec.md §6.
func New(deps Deps) *App {
	a := &App{
		clusters: newClusterStore(deps.Clusters),
		vault:    deps.Vault,
		pool:     deps.Pool,
		sel:      deps.Selector,
		gw:       deps.Gateway,
		dir:      deps.Dir,
		repl:     deps.Repl,
	}

	a.fiber = fiber.New(fiber.Config{
		AppName:      "netresearch/ldapgw",
		ErrorHandler: a.handleError,
	})

	// requestid runs first so every later middleware and handler, and the
	// error handler, can read the same X-Request-Id off the response header
	// (per spec.md §9's `request_id` structured-log field).
	a.fiber.Use(requestid.New())
	a.fiber.Use(helmet.New())
	a.fiber.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	a.fiber.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(deps.AllowedOrigins),
	}))

	a.fiber.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	a.setupRoutes()

	return a
}

func joinOrigins(origins []string) string {
	out := ""
	for i, o := range origins {
		if i > 0 {
			out += ","
		}

		out += o
	}

	return out
}

// Listen starts the HTTP server and blocks until ctx is cancelled or the
// server fails. On cancellation it returns nil and leaves the server running;
// Shutdown stops it.
func (a *App) Listen(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- a.fiber.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, drains the connection pool and
// cancels in-flight paged iterators (by virtue of their caller's ctx being
// cancelled by the caller), per spec.md §5.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownErr := a.fiber.ShutdownWithContext(ctx)

	a.pool.Drain()

	if shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("error shutting down HTTP server")

		return shutdownErr
	}

	return nil
}

// Test exposes the underlying *fiber.App's Test method for handler-level
// tests, matching the teacher's own handlers_test.go pattern.
func (a *App) Test(req *http.Request, msTimeout ...int) (*http.Response, error) {
	return a.fiber.Test(req, msTimeout...)
}
