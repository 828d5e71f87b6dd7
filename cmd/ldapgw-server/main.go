// Package main provides the entry point for the multi-cluster LDAP gateway
// core described in spec.md. It loads the declarative cluster topology and
// process settings, wires the credential vault, node selector, connection
// pool and LDAP gateway together, and serves the HTTP surface of spec.md §6
// until a shutdown signal arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/directory"
	"github.com/netresearch/ldapgw/internal/httpapi"
	"github.com/netresearch/ldapgw/internal/ldapgw"
	"github.com/netresearch/ldapgw/internal/pool"
	"github.com/netresearch/ldapgw/internal/replication"
	"github.com/netresearch/ldapgw/internal/selector"
	"github.com/netresearch/ldapgw/internal/vault"
	"github.com/netresearch/ldapgw/internal/version"
)

const (
	shutdownTimeout     = 30 * time.Second
	healthCheckTimeout  = 3 * time.Second
	healthCheckEndpoint = "http://localhost:8080/health"
)

func main() {
	if len(os.Args) == 2 && os.Args[1] == "--health-check" {
		os.Exit(runHealthCheck())
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msgf("ldapgw %s starting...", version.FormatVersion())

	opts, err := config.ParseServerOpts()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}

	log.Logger = log.Logger.Level(opts.LogLevel)
	if opts.JSONLogs {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(opts.LogLevel)
	}

	app, err := buildApp(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	serverErr := make(chan error, 1)

	go func() {
		addr := ":" + strconv.Itoa(opts.Port)
		if err := app.Listen(ctx, addr); err != nil {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		shutdownCancel()
		os.Exit(1) //nolint:gocritic // Exit is intentional after shutdown error
	}

	log.Info().Msg("graceful shutdown complete")
}

// buildApp wires the core packages together per spec.md §2's data flow:
// directory service -> node selector + connection pool -> LDAP gateway,
// with the pool's Opener/Closer bound back to the gateway it belongs to.
func buildApp(opts *config.ServerOpts) (*httpapi.App, error) {
	clusters, err := config.LoadClusters(opts.ClusterConfigPath)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(clusters); err != nil {
		return nil, err
	}

	v, err := vault.Open(opts.SecretsDir, vault.WithDefaultTTL(opts.PasswordCacheTTL))
	if err != nil {
		return nil, err
	}

	sel := selector.New()

	var gw *ldapgw.Gateway

	p := pool.New(
		func(ctx context.Context, cluster string, node config.Node, bindDN, password string) (any, error) {
			return gw.Opener(ctx, cluster, node, bindDN, password)
		},
		func(handle any) { gw.Closer(handle) },
		pool.WithIdleTTL(opts.PoolIdleTTL),
	)

	gw = ldapgw.New(p, sel, v, opts.LDAPNetTimeout, opts.LDAPOpTimeout)

	dir := directory.New(gw)

	repl := replication.New(gw)

	app := httpapi.New(httpapi.Deps{
		Clusters:       clusters,
		Vault:          v,
		Pool:           p,
		Selector:       sel,
		Gateway:        gw,
		Dir:            dir,
		Repl:           repl,
		AllowedOrigins: opts.AllowedOrigins,
	})

	return app, nil
}

func runHealthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthCheckEndpoint, nil)
	if err != nil {
		return 1
	}

	client := &http.Client{}

	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return 0
	}

	return 1
}
