package replication

import (
	"context"
	"net"
	"testing"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/ldapgw"
	"github.com/netresearch/ldapgw/internal/pool"
	"github.com/netresearch/ldapgw/internal/selector"
)

type csnConn struct {
	csn string
}

func (c *csnConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return &ldap.SearchResult{Entries: []*ldap.Entry{
		ldap.NewEntry(req.BaseDN, map[string][]string{"contextCSN": {c.csn}}),
	}}, nil
}

func (c *csnConn) Add(*ldap.AddRequest) error       { return nil }
func (c *csnConn) Modify(*ldap.ModifyRequest) error  { return nil }
func (c *csnConn) Del(*ldap.DelRequest) error         { return nil }

type pipeDialer struct{}

func (pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	server, client := net.Pipe()
	_ = server.Close()

	return client, nil
}

type fakeVault struct{}

func (fakeVault) Load(string) (string, error) { return "secret", nil }

func testCluster() *config.Cluster {
	return &config.Cluster{
		Name:   "corp",
		BaseDN: "dc=corp,dc=example,dc=com",
		BindDN: "cn=admin,dc=corp,dc=example,dc=com",
		Nodes: []config.Node{
			{Host: "ldap-a", Port: 389, Index: 0},
			{Host: "ldap-b", Port: 389, Index: 1},
		},
	}
}

func TestSnapshotReportsInSyncWhenCSNsMatch(t *testing.T) {
	conn := &csnConn{csn: "20260101000000.000000Z#000000#000#000000"}

	opener := func(context.Context, string, config.Node, string, string) (any, error) { return conn, nil }
	closer := func(any) {}
	p := pool.New(opener, closer)
	t.Cleanup(p.Drain)

	sel := selector.New(selector.WithDialer(pipeDialer{}))
	gw := ldapgw.New(p, sel, fakeVault{}, time.Second, time.Second)
	mon := New(gw)

	snap, err := mon.Snapshot(context.Background(), testCluster())
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 2)

	for _, n := range snap.Nodes {
		assert.True(t, n.Reachable)
		assert.True(t, n.InSync)
	}
}

func TestCSNSequenceParsesLeadingTimestamp(t *testing.T) {
	assert.Equal(t, 20260101000000, csnSequence("20260101000000.000000Z#000000#000#000000"))
	assert.Equal(t, 0, csnSequence(""))
	assert.Equal(t, 0, csnSequence("garbage"))
}
