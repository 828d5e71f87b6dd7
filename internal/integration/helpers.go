//go:build integration

package integration

import (
	"context"
	"fmt"
	"strconv"

	"github.com/testcontainers/testcontainers-go/modules/openldap"
)

// ldapFixture is a running OpenLDAP container plus the connection details
// the gateway core needs to dial it directly (host/port, not a URL),
// mirroring the teacher's OpenLDAPContainer helper in
// internal/integration/testcontainer_helpers.go but built on the pack's
// dedicated testcontainers-go openldap module instead of a hand-rolled
// GenericContainer + ldapadd exec (osixia/openldap predates that module;
// this spec's pack already vendors the module, so this test uses it).
type ldapFixture struct {
	container *openldap.OpenLDAPContainer
	Host      string
	Port      int
	BaseDN    string
	AdminDN   string
	AdminPass string
}

const (
	fixtureBaseDN    = "dc=example,dc=org"
	fixtureAdminUser = "admin"
	fixtureAdminPass = "adminpassword"
)

// startLDAP starts a single OpenLDAP node for the duration of a test.
func startLDAP(ctx context.Context) (*ldapFixture, error) {
	container, err := openldap.Run(ctx, "bitnami/openldap:2.6.7",
		openldap.WithAdminUsername(fixtureAdminUser),
		openldap.WithAdminPassword(fixtureAdminPass),
		openldap.WithBaseDN(fixtureBaseDN),
	)
	if err != nil {
		return nil, fmt.Errorf("starting openldap container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, "1389/tcp")
	if err != nil {
		return nil, fmt.Errorf("resolving mapped ldap port: %w", err)
	}

	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return nil, fmt.Errorf("parsing mapped port %q: %w", mapped.Port(), err)
	}

	return &ldapFixture{
		container: container,
		Host:      host,
		Port:      port,
		BaseDN:    fixtureBaseDN,
		AdminDN:   "cn=" + fixtureAdminUser + "," + fixtureBaseDN,
		AdminPass: fixtureAdminPass,
	}, nil
}

func (f *ldapFixture) Stop(ctx context.Context) error {
	return f.container.Terminate(ctx)
}
