package ldapgw

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/pool"
	"github.com/netresearch/ldapgw/internal/selector"
)

// fakeConn is a minimal ldapConn used to drive the gateway without a real
// directory server.
type fakeConn struct {
	searchFn func(*ldap.SearchRequest) (*ldap.SearchResult, error)
	addFn    func(*ldap.AddRequest) error
	modifyFn func(*ldap.ModifyRequest) error
	delFn    func(*ldap.DelRequest) error
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if f.searchFn != nil {
		return f.searchFn(req)
	}

	return &ldap.SearchResult{}, nil
}

func (f *fakeConn) Add(req *ldap.AddRequest) error {
	if f.addFn != nil {
		return f.addFn(req)
	}

	return nil
}

func (f *fakeConn) Modify(req *ldap.ModifyRequest) error {
	if f.modifyFn != nil {
		return f.modifyFn(req)
	}

	return nil
}

func (f *fakeConn) Del(req *ldap.DelRequest) error {
	if f.delFn != nil {
		return f.delFn(req)
	}

	return nil
}

type fakeVault struct {
	password string
	err      error
}

func (v *fakeVault) Load(string) (string, error) { return v.password, v.err }

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

type acceptAllDialer struct{}

func (acceptAllDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	server, client := net.Pipe()
	_ = server.Close()

	return client, nil
}

func TestAddSucceeds(t *testing.T) {
	var captured *ldap.AddRequest
	conn := &fakeConn{addFn: func(r *ldap.AddRequest) error { captured = r; return nil }}
	gw := newTestGatewayWithReachableSelector(t, conn)

	err := gw.Add(context.Background(), testCluster(), "uid=jdoe,ou=people,dc=corp,dc=example,dc=com", map[string][]string{
		"uid": {"jdoe"},
	})

	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "uid=jdoe,ou=people,dc=corp,dc=example,dc=com", captured.DN)
}

func TestAddConflictMapsToKindConflict(t *testing.T) {
	conn := &fakeConn{addFn: func(*ldap.AddRequest) error {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, assert.AnError)
	}}
	gw := newTestGatewayWithReachableSelector(t, conn)

	err := gw.Add(context.Background(), testCluster(), "uid=jdoe,ou=people,dc=corp,dc=example,dc=com", nil)

	require.Error(t, err)
	assert.Equal(t, apierr.KindConflict, apierr.KindOf(err))
}

func TestDeleteMapsNoSuchObjectToNotFound(t *testing.T) {
	conn := &fakeConn{delFn: func(*ldap.DelRequest) error {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, assert.AnError)
	}}
	gw := newTestGatewayWithReachableSelector(t, conn)

	err := gw.Delete(context.Background(), testCluster(), "uid=ghost,ou=people,dc=corp,dc=example,dc=com")

	require.Error(t, err)
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
}

func TestModifyWithNoChangesIsANoop(t *testing.T) {
	called := false
	conn := &fakeConn{modifyFn: func(*ldap.ModifyRequest) error { called = true; return nil }}
	gw := newTestGatewayWithReachableSelector(t, conn)

	err := gw.Modify(context.Background(), testCluster(), "uid=jdoe,ou=people,dc=corp,dc=example,dc=com", nil)

	require.NoError(t, err)
	assert.False(t, called)
}

func TestCreateWithTemplateResolvesPlaceholders(t *testing.T) {
	var captured *ldap.AddRequest
	conn := &fakeConn{
		searchFn: func(*ldap.SearchRequest) (*ldap.SearchResult, error) {
			return &ldap.SearchResult{Entries: []*ldap.Entry{
				ldap.NewEntry("uid=a,dc=corp,dc=example,dc=com", map[string][]string{"uidNumber": {"2005"}}),
			}}, nil
		},
		addFn: func(r *ldap.AddRequest) error { captured = r; return nil },
	}
	gw := newTestGatewayWithReachableSelector(t, conn)

	template := config.UserCreationTemplate{
		Attributes: map[string]string{
			"uidNumber": "next_uid",
			"cn":        "${given_name}",
		},
		ObjectClass: []string{"posixAccount", "inetOrgPerson"},
	}

	err := gw.CreateWithTemplate(context.Background(), testCluster(), "uid=new,dc=corp,dc=example,dc=com", template, map[string]string{
		"given_name": "Ada",
	})

	require.NoError(t, err)
	require.NotNil(t, captured)

	attrs := map[string][]string{}
	for _, a := range captured.Attributes {
		attrs[a.Type] = a.Vals
	}

	assert.Equal(t, []string{"2006"}, attrs["uidNumber"])
	assert.Equal(t, []string{"Ada"}, attrs["cn"])
}

func TestCreateWithTemplateMissingFieldIsBadRequest(t *testing.T) {
	conn := &fakeConn{}
	gw := newTestGatewayWithReachableSelector(t, conn)

	template := config.UserCreationTemplate{
		Attributes: map[string]string{"cn": "${given_name}"},
	}

	err := gw.CreateWithTemplate(context.Background(), testCluster(), "uid=new,dc=corp,dc=example,dc=com", template, nil)

	require.Error(t, err)
	assert.Equal(t, apierr.KindBadRequest, apierr.KindOf(err))
}

func TestSearchPagedIteratesUntilExhausted(t *testing.T) {
	pages := [][]*ldap.Entry{
		{ldap.NewEntry("uid=a,dc=corp,dc=example,dc=com", map[string][]string{"uid": {"a"}})},
		{ldap.NewEntry("uid=b,dc=corp,dc=example,dc=com", map[string][]string{"uid": {"b"}})},
	}
	call := 0
	conn := &fakeConn{searchFn: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		idx := call
		call++

		if idx >= len(pages) {
			return &ldap.SearchResult{}, nil
		}

		result := &ldap.SearchResult{Entries: pages[idx]}
		if idx < len(pages)-1 {
			paging := ldap.NewControlPaging(1)
			paging.SetCookie([]byte("cookie"))
			result.Controls = []ldap.Control{paging}
		}

		return result, nil
	}}
	gw := newTestGatewayWithReachableSelector(t, conn)

	iter, err := gw.SearchPaged(context.Background(), testCluster(), testCluster().BaseDN, ldap.ScopeWholeSubtree, "(objectClass=*)", []string{"uid"}, 1, 0)
	require.NoError(t, err)
	defer iter.Close()

	var seen []string
	for {
		page, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
		for _, e := range page.Entries {
			seen = append(seen, e.Attr("uid"))
		}
	}

	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestPagedSearchCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	gw := newTestGatewayWithReachableSelector(t, conn)

	iter, err := gw.SearchPaged(context.Background(), testCluster(), testCluster().BaseDN, ldap.ScopeWholeSubtree, "(objectClass=*)", nil, 50, 0)
	require.NoError(t, err)

	require.NoError(t, iter.Close())
	require.NoError(t, iter.Close())
}

// newTestGatewayWithReachableSelector builds a Gateway whose selector always
// treats every node as reachable, bypassing real TCP dials in unit tests.
func newTestGatewayWithReachableSelector(t *testing.T, conn *fakeConn) *Gateway {
	t.Helper()

	opener := func(context.Context, string, config.Node, string, string) (any, error) {
		return conn, nil
	}
	closer := func(any) {}

	p := pool.New(opener, closer)
	t.Cleanup(p.Drain)

	sel := selector.New(selector.WithDialer(acceptAllDialer{}))

	return New(p, sel, &fakeVault{password: "secret"}, 2*time.Second, 2*time.Second)
}
