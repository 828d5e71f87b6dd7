//go:build integration

// Package integration runs the gateway core against a real OpenLDAP
// container via testcontainers-go, exercising the directory service,
// credential vault and replication monitor end-to-end rather than against
// the fake ldapConn used by the package-level unit tests.
//
// Run with: go test -tags=integration ./internal/integration/...
package integration
