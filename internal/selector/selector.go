// Package selector chooses which cluster node receives a given LDAP
// operation, per spec.md §4.2. WRITE always targets node 0 and never fails
// over; READ prefers the nodes furthest from the master, probing reachability
// with a short TCP dial; HEALTH returns node 0 for a single target or all
// nodes for a fan-out.
package selector

import (
	"context"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/metrics"
)

const (
	defaultProbeTimeout  = 2 * time.Second
	defaultProbeInterval = 5 * time.Second
	unreachableCacheSize = 1024
)

// Dialer abstracts the L4 reachability probe so tests can avoid real
// sockets. The production Dialer uses net.Dialer.DialContext.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct {
	timeout time.Duration
}

func (d netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.timeout}

	return dialer.DialContext(ctx, network, address)
}

type unreachableEntry struct {
	at time.Time
}

// Selector implements the node-selection policy of spec.md §4.2. It is
// stateless with respect to cluster data (callers pass the cluster each
// call) but keeps a bounded "known unreachable" cache per node to avoid
// repeatedly timing out a down node within one probe interval.
type Selector struct {
	dialer        Dialer
	probeTimeout  time.Duration
	probeInterval time.Duration
	unreachable   *lru.Cache[string, unreachableEntry]
	now           func() time.Time
}

// Option configures a Selector at construction.
type Option func(*Selector)

func WithDialer(d Dialer) Option { return func(s *Selector) { s.dialer = d } }

func WithProbeTimeout(d time.Duration) Option { return func(s *Selector) { s.probeTimeout = d } }

func WithProbeInterval(d time.Duration) Option { return func(s *Selector) { s.probeInterval = d } }

// WithClock overrides the selector's time source; used by tests to exercise
// probe-interval expiry deterministically.
func WithClock(fn func() time.Time) Option { return func(s *Selector) { s.now = fn } }

// New constructs a Selector with the documented defaults (2s probe timeout).
func New(opts ...Option) *Selector {
	cache, _ := lru.New[string, unreachableEntry](unreachableCacheSize)

	s := &Selector{
		dialer:        netDialer{timeout: defaultProbeTimeout},
		probeTimeout:  defaultProbeTimeout,
		probeInterval: defaultProbeInterval,
		unreachable:   cache,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func nodeKey(cluster string, n config.Node) string {
	return fmt.Sprintf("%s|%s:%d", cluster, n.Host, n.Port)
}

// Select picks a node for the given cluster and operation class.
func (s *Selector) Select(ctx context.Context, cluster *config.Cluster, class config.OpClass) (config.Node, error) {
	switch class {
	case config.ClassWrite:
		return s.selectWrite(ctx, cluster)
	case config.ClassHealth:
		return cluster.MasterNode(), nil
	default:
		return s.selectRead(ctx, cluster)
	}
}

// SelectFanout returns every node for a cluster, used for HEALTH fan-out and
// replication snapshotting. No reachability filtering is applied here; each
// caller probes/binds on its own and reports per-node failures.
func (s *Selector) SelectFanout(cluster *config.Cluster) []config.Node {
	return cluster.AllNodes()
}

// selectWrite never fails over: node 0 or service_unavailable.
func (s *Selector) selectWrite(ctx context.Context, cluster *config.Cluster) (config.Node, error) {
	master := cluster.MasterNode()

	if s.reachable(ctx, cluster.Name, master) {
		metrics.Selector.Selections.WithLabelValues(cluster.Name, "WRITE", "ok").Inc()

		return master, nil
	}

	metrics.Selector.Selections.WithLabelValues(cluster.Name, "WRITE", "unavailable").Inc()

	return config.Node{}, apierr.ServiceUnavailable("write node %s:%d unreachable for cluster %s", master.Host, master.Port, cluster.Name)
}

// selectRead probes candidates in reverse declared order (last node first,
// node 0 last), returning the first reachable one.
func (s *Selector) selectRead(ctx context.Context, cluster *config.Cluster) (config.Node, error) {
	nodes := cluster.AllNodes()

	for i := len(nodes) - 1; i >= 0; i-- {
		if s.reachable(ctx, cluster.Name, nodes[i]) {
			metrics.Selector.Selections.WithLabelValues(cluster.Name, "READ", "ok").Inc()

			return nodes[i], nil
		}
	}

	metrics.Selector.Selections.WithLabelValues(cluster.Name, "READ", "unavailable").Inc()

	return config.Node{}, apierr.ServiceUnavailable("no reachable read node for cluster %s", cluster.Name)
}

// reachable performs (or reuses a cached recent result of) an L4 TCP dial
// probe. A cached "unreachable" bit is honored only within probeInterval so
// sustained recovery is never masked past one interval.
func (s *Selector) reachable(ctx context.Context, cluster string, n config.Node) bool {
	key := nodeKey(cluster, n)

	if entry, ok := s.unreachable.Get(key); ok {
		if s.now().Sub(entry.at) < s.probeInterval {
			return false
		}

		s.unreachable.Remove(key)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", n.Host, n.Port)

	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		log.Debug().Str("cluster", cluster).Str("node", addr).Err(err).Msg("node unreachable")
		metrics.Selector.ProbeFails.WithLabelValues(cluster, addr).Inc()
		s.unreachable.Add(key, unreachableEntry{at: s.now()})

		return false
	}
	_ = conn.Close()

	return true
}
