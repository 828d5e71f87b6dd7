// Package ldapgw is the wire-level LDAP gateway described in spec.md §4.4:
// it owns raw protocol operations (bind, search with paging, add, modify,
// delete, root DSE) behind pooled sessions, filter escaping, and the
// declarative placeholder resolution used on entry creation. It is the
// only package in this module that imports the LDAP wire client directly.
package ldapgw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/metrics"
	"github.com/netresearch/ldapgw/internal/pool"
	"github.com/netresearch/ldapgw/internal/selector"
	"github.com/netresearch/ldapgw/internal/vault"
)

const (
	minAllocatedUID = 2000
	maxUIDAttempts  = 3
)

// ldapConn is the subset of *ldap.Conn the gateway depends on. Pooled
// session handles are stored and asserted against this interface, not the
// concrete type, so tests can substitute a fake wire connection.
type ldapConn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
}

var _ ldapConn = (*ldap.Conn)(nil)

// CredentialSource resolves the bind password for a cluster; the credential
// vault implements it.
type CredentialSource interface {
	Load(cluster string) (string, error)
}

var _ CredentialSource = (*vault.Vault)(nil)

// Gateway is the wire-level LDAP client shared by the directory and
// replication services. It owns no cluster state; every call is scoped by
// the *config.Cluster the caller passes in.
type Gateway struct {
	pool       *pool.Pool
	selector   *selector.Selector
	vault      CredentialSource
	netTimeout time.Duration
	opTimeout  time.Duration

	uidLocksMu sync.Mutex
	uidLocks   map[string]*sync.Mutex
}

// New constructs a Gateway. netTimeout bounds the TCP dial/TLS handshake;
// opTimeout bounds each individual LDAP request after a connection is
// established.
func New(p *pool.Pool, sel *selector.Selector, v CredentialSource, netTimeout, opTimeout time.Duration) *Gateway {
	return &Gateway{
		pool:       p,
		selector:   sel,
		vault:      v,
		netTimeout: netTimeout,
		opTimeout:  opTimeout,
		uidLocks:   make(map[string]*sync.Mutex),
	}
}

// Opener adapts Gateway's own dial+bind logic to pool.Opener.
func (g *Gateway) Opener(ctx context.Context, cluster string, node config.Node, bindDN, password string) (any, error) {
	return g.dialAndBind(ctx, node, bindDN, password)
}

// Closer adapts *ldap.Conn.Close to pool.Closer.
func (g *Gateway) Closer(handle any) {
	if conn, ok := handle.(*ldap.Conn); ok {
		conn.Close()
	}
}

func (g *Gateway) dialAndBind(ctx context.Context, node config.Node, bindDN, password string) (*ldap.Conn, error) {
	addr := fmt.Sprintf("%s:%d", node.Host, node.Port)

	conn, err := ldap.DialURL(
		"ldap://"+addr,
		ldap.DialWithDialer(&net.Dialer{Timeout: g.netTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	conn.SetTimeout(g.opTimeout)

	if err := conn.Bind(bindDN, password); err != nil {
		conn.Close()

		return nil, err
	}

	return conn, nil
}

// acquireSession resolves the bind password from the vault, selects a node
// for the given operation class, and checks out a pooled session.
func (g *Gateway) acquireSession(ctx context.Context, cluster *config.Cluster, class config.OpClass) (*pool.Session, error) {
	node, err := g.selector.Select(ctx, cluster, class)
	if err != nil {
		return nil, err
	}

	passwordProvider := func() (string, error) {
		return g.vault.Load(cluster.Name)
	}

	return g.pool.Acquire(ctx, cluster.Name, node, cluster.BindDN, passwordProvider)
}

// BindTest performs a one-shot simple bind outside the pool to validate a
// credential, per spec.md §4.4. The connection is always closed before
// returning, regardless of outcome.
func (g *Gateway) BindTest(ctx context.Context, cluster *config.Cluster, bindDN, password string) error {
	node, err := g.selector.Select(ctx, cluster, config.ClassHealth)
	if err != nil {
		return err
	}

	conn, err := g.dialAndBind(ctx, node, bindDN, password)
	if err != nil {
		return mapBindError(err)
	}
	conn.Close()

	return nil
}

// SearchPaged begins a lazy, single-use paged search. The caller must call
// Close on the returned iterator, typically via defer, even if it abandons
// iteration early. maxPages <= 0 means unbounded.
func (g *Gateway) SearchPaged(
	ctx context.Context, cluster *config.Cluster, baseDN string, scope int, filter string, attrs []string, pageSize, maxPages int,
) (*PagedSearch, error) {
	sess, err := g.acquireSession(ctx, cluster, config.ClassRead)
	if err != nil {
		return nil, err
	}

	if pageSize <= 0 {
		pageSize = 100
	}

	return &PagedSearch{
		gw:       g,
		sess:     sess,
		baseDN:   baseDN,
		scope:    scope,
		filter:   filter,
		attrs:    attrs,
		pageSize: pageSize,
		maxPages: maxPages,
	}, nil
}

// ReadEntry fetches a single entry by DN, or apierr.KindNotFound if absent.
func (g *Gateway) ReadEntry(ctx context.Context, cluster *config.Cluster, dn string, attrs []string) (*Entry, error) {
	sess, err := g.acquireSession(ctx, cluster, config.ClassRead)
	if err != nil {
		return nil, err
	}

	conn, ok := sess.Handle.(ldapConn)
	if !ok {
		g.pool.Release(sess, false)

		return nil, errors.New("ldapgw: pooled session handle is not an LDAP connection")
	}

	req := ldap.NewSearchRequest(
		dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, int(g.opTimeout.Seconds()), false,
		"(objectClass=*)", attrs, nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		healthy := !isTimeoutErr(err)
		g.pool.Release(sess, healthy)

		var ldapErr *ldap.Error
		if errors.As(err, &ldapErr) && ldapErr.ResultCode == ldap.LDAPResultNoSuchObject {
			return nil, apierr.NotFound("entry not found: %s", dn)
		}

		return nil, mapLDAPError(err)
	}

	g.pool.Release(sess, true)

	if len(result.Entries) == 0 {
		return nil, apierr.NotFound("entry not found: %s", dn)
	}

	entry := entryFromLDAP(result.Entries[0])

	return &entry, nil
}

// directConn opens a short-lived connection to a specific node, bypassing
// both the node selector and the session pool. Used by replication
// snapshotting and probing, which need to address individual nodes
// directly rather than through the selector's write/read policy, and must
// never evict warm pooled sessions with fan-out traffic.
func (g *Gateway) directConn(ctx context.Context, cluster *config.Cluster, node config.Node) (ldapConn, func(), error) {
	password, err := g.vault.Load(cluster.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving bind password for direct node access: %w", err)
	}

	conn, err := g.dialAndBind(ctx, node, cluster.BindDN, password)
	if err != nil {
		return nil, nil, mapBindError(err)
	}

	return conn, func() { conn.Close() }, nil
}

// RootDSE reads the root DSE of a specific node.
func (g *Gateway) RootDSE(ctx context.Context, cluster *config.Cluster, node config.Node) (*Entry, error) {
	conn, closeFn, err := g.directConn(ctx, cluster, node)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	req := ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, int(g.opTimeout.Seconds()), false,
		"(objectClass=*)", []string{"contextCSN", "namingContexts", "supportedControl"}, nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return nil, mapLDAPError(err)
	}

	if len(result.Entries) == 0 {
		return nil, apierr.NotFound("root DSE not returned by %s:%d", node.Host, node.Port)
	}

	entry := entryFromLDAP(result.Entries[0])

	return &entry, nil
}

// ReadEntryOnNode reads a single entry by DN from a specific node, bypassing
// the selector and pool. Used by the replication probe to determine
// whether a just-written entry has propagated to a given node.
func (g *Gateway) ReadEntryOnNode(ctx context.Context, cluster *config.Cluster, node config.Node, dn string) (*Entry, error) {
	conn, closeFn, err := g.directConn(ctx, cluster, node)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	req := ldap.NewSearchRequest(
		dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, int(g.opTimeout.Seconds()), false,
		"(objectClass=*)", []string{"1.1"}, nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		var ldapErr *ldap.Error
		if errors.As(err, &ldapErr) && ldapErr.ResultCode == ldap.LDAPResultNoSuchObject {
			return nil, apierr.NotFound("entry not yet visible on %s:%d", node.Host, node.Port)
		}

		return nil, mapLDAPError(err)
	}

	if len(result.Entries) == 0 {
		return nil, apierr.NotFound("entry not yet visible on %s:%d", node.Host, node.Port)
	}

	entry := entryFromLDAP(result.Entries[0])

	return &entry, nil
}

// doWrite implements the mutation state machine of spec.md §4.4:
// idle -> acquired -> sent -> {committed, rejected, timed_out}. A rejected
// mutation (the server understood and refused the request) releases its
// session as healthy; a timed-out one releases it as unhealthy, since the
// connection's state after a timeout is unknown.
func (g *Gateway) doWrite(ctx context.Context, cluster *config.Cluster, fn func(conn ldapConn) error) error {
	start := time.Now()
	defer func() {
		metrics.Gateway.Duration.WithLabelValues(cluster.Name, "write").Observe(time.Since(start).Seconds())
	}()

	sess, err := g.acquireSession(ctx, cluster, config.ClassWrite)
	if err != nil {
		metrics.Gateway.Operations.WithLabelValues(cluster.Name, "write", "acquire_failed").Inc()

		return err
	}

	conn, ok := sess.Handle.(ldapConn)
	if !ok {
		g.pool.Release(sess, false)

		return errors.New("ldapgw: pooled session handle is not an LDAP connection")
	}

	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	err = fn(conn)
	select {
	case <-opCtx.Done():
		if err == nil {
			err = opCtx.Err()
		}
	default:
	}

	if err == nil {
		g.pool.Release(sess, true)
		metrics.Gateway.Operations.WithLabelValues(cluster.Name, "write", "committed").Inc()

		return nil
	}

	if isTimeoutErr(err) {
		g.pool.Release(sess, false)
		metrics.Gateway.Operations.WithLabelValues(cluster.Name, "write", "timed_out").Inc()

		return apierr.Timeout("write to cluster %s timed out: %v", cluster.Name, err)
	}

	g.pool.Release(sess, true)
	metrics.Gateway.Operations.WithLabelValues(cluster.Name, "write", "rejected").Inc()

	return mapLDAPError(err)
}

// Add creates a new entry with the given attribute set.
func (g *Gateway) Add(ctx context.Context, cluster *config.Cluster, dn string, attrs map[string][]string) error {
	return g.doWrite(ctx, cluster, func(conn ldapConn) error {
		req := ldap.NewAddRequest(dn, nil)
		for name, values := range attrs {
			req.Attribute(name, values)
		}

		return conn.Add(req)
	})
}

// Modify applies a set of attribute changes to an existing entry.
func (g *Gateway) Modify(ctx context.Context, cluster *config.Cluster, dn string, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}

	return g.doWrite(ctx, cluster, func(conn ldapConn) error {
		req := ldap.NewModifyRequest(dn, nil)

		for _, c := range changes {
			switch c.Op {
			case ChangeAdd:
				req.Add(c.Attribute, c.Values)
			case ChangeReplace:
				req.Replace(c.Attribute, c.Values)
			case ChangeDelete:
				req.Delete(c.Attribute, c.Values)
			}
		}

		return conn.Modify(req)
	})
}

// Delete removes an entry by DN.
func (g *Gateway) Delete(ctx context.Context, cluster *config.Cluster, dn string) error {
	return g.doWrite(ctx, cluster, func(conn ldapConn) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
}

// CreateWithTemplate resolves a cluster's declarative creation template
// (next_uid, days_since_epoch, ${field} placeholders) into a concrete
// attribute set and adds dn, per spec.md §4.4's auto-generation note.
// Resolution runs inside a per-cluster write lock so two concurrent
// creations can never compute the same next_uid; on a uidNumber collision
// reported by the server the resolver retries with max+1, up to three
// attempts total.
func (g *Gateway) CreateWithTemplate(
	ctx context.Context, cluster *config.Cluster, dn string, template config.UserCreationTemplate, values map[string]string,
) error {
	needsUID := templateReferencesNextUID(template)

	if !needsUID {
		attrs, err := g.resolvePlaceholders(template, values, 0)
		if err != nil {
			return err
		}

		return g.Add(ctx, cluster, dn, attrs)
	}

	mu := g.uidMutex(cluster.Name)
	mu.Lock()
	defer mu.Unlock()

	uid, err := g.nextUID(ctx, cluster)
	if err != nil {
		return err
	}

	var lastErr error

	for attempt := 1; attempt <= maxUIDAttempts; attempt++ {
		attrs, err := g.resolvePlaceholders(template, values, uid)
		if err != nil {
			return err
		}

		lastErr = g.Add(ctx, cluster, dn, attrs)
		if lastErr == nil {
			return nil
		}

		if apierr.KindOf(lastErr) != apierr.KindConflict {
			return lastErr
		}

		log.Warn().Str("cluster", cluster.Name).Int("uid", uid).Int("attempt", attempt).Msg("uidNumber collision, retrying with next value")
		uid++
	}

	return apierr.Wrap(apierr.KindConflict, "uidNumber allocation failed after retries", lastErr)
}

func (g *Gateway) uidMutex(cluster string) *sync.Mutex {
	g.uidLocksMu.Lock()
	defer g.uidLocksMu.Unlock()

	mu, ok := g.uidLocks[cluster]
	if !ok {
		mu = &sync.Mutex{}
		g.uidLocks[cluster] = mu
	}

	return mu
}

func templateReferencesNextUID(t config.UserCreationTemplate) bool {
	for _, v := range t.Attributes {
		if strings.Contains(v, "next_uid") {
			return true
		}
	}

	return false
}

// nextUID scans the cluster's user subtree for the current maximum
// uidNumber and returns one more than it, floored at 2000.
func (g *Gateway) nextUID(ctx context.Context, cluster *config.Cluster) (int, error) {
	iter, err := g.SearchPaged(ctx, cluster, cluster.UsersBaseDN(), ldap.ScopeWholeSubtree, "(uidNumber=*)", []string{"uidNumber"}, 500, 0)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	max := minAllocatedUID - 1

	for {
		page, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return 0, err
		}

		for _, e := range page.Entries {
			v := e.Attr("uidNumber")
			if v == "" {
				continue
			}

			n, err := strconv.Atoi(v)
			if err != nil {
				continue
			}

			if n > max {
				max = n
			}
		}

		if !page.HasMore {
			break
		}
	}

	uid := max + 1
	if uid < minAllocatedUID {
		uid = minAllocatedUID
	}

	return uid, nil
}

func (g *Gateway) resolvePlaceholders(t config.UserCreationTemplate, values map[string]string, uid int) (map[string][]string, error) {
	attrs := make(map[string][]string, len(t.Attributes)+1)

	days := strconv.Itoa(int(time.Now().UTC().Unix() / 86400))
	uidStr := strconv.Itoa(uid)

	for attrName, tmpl := range t.Attributes {
		resolved, err := resolveOne(tmpl, values, uidStr, days)
		if err != nil {
			return nil, err
		}

		attrs[attrName] = []string{resolved}
	}

	if len(t.ObjectClass) > 0 {
		attrs["objectClass"] = t.ObjectClass
	}

	return attrs, nil
}

func resolveOne(tmpl string, values map[string]string, uidStr, days string) (string, error) {
	resolved := strings.ReplaceAll(tmpl, "next_uid", uidStr)
	resolved = strings.ReplaceAll(resolved, "days_since_epoch", days)

	for {
		start := strings.Index(resolved, "${")
		if start == -1 {
			break
		}

		end := strings.Index(resolved[start:], "}")
		if end == -1 {
			return "", apierr.BadRequest("unterminated placeholder in template value %q", tmpl)
		}
		end += start

		field := resolved[start+2 : end]

		value, ok := values[field]
		if !ok {
			return "", apierr.BadRequest("missing required field %q referenced by creation template", field)
		}

		resolved = resolved[:start] + value + resolved[end+1:]
	}

	return resolved, nil
}
