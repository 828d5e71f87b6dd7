// Package pool implements the reusable authenticated-session pool described
// in spec.md §4.3. Sessions are keyed by (cluster, host, port, bind DN) —
// the "fingerprint" from the glossary — and are checked out exclusively: at
// most one caller ever holds a given session concurrently. This generalizes
// the teacher's internal/ldap.ConnectionPool (single implicit cluster, a
// channel-based free list) to a per-key LIFO stack guarded by per-key
// mutexes, matching spec.md §4.3/§5's "per-key lock, coarser global lock for
// bookkeeping" requirement.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
	"github.com/netresearch/ldapgw/internal/metrics"
)

// Session is a pooled authenticated connection handle. Handle is opaque to
// the pool; it is whatever the Opener returns (the gateway supplies a
// *ldap.Conn wrapper).
type Session struct {
	Cluster    string
	Node       config.Node
	BindDN     string
	Handle     any
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// PasswordProvider resolves the bind password for a (cluster, bind DN) pair,
// backed by the credential vault. Returning an error aborts acquisition with
// that error.
type PasswordProvider func() (string, error)

// Opener opens a new authenticated LDAP connection for (cluster, node, bindDN,
// password); network/operation timeouts are the Opener's own concern. Acquire
// reports every (nil, err) result as apierr.KindAuthFailed, with err as the
// wrapped cause.
type Opener func(ctx context.Context, cluster string, node config.Node, bindDN, password string) (any, error)

// Closer releases resources held by a Handle returned by Opener.
type Closer func(handle any)

// Fingerprint is the pool's map key: cluster + node coordinates + bind DN.
type Fingerprint struct {
	Cluster string
	Host    string
	Port    int
	BindDN  string
}

func fingerprintOf(cluster string, node config.Node, bindDN string) Fingerprint {
	return Fingerprint{Cluster: cluster, Host: node.Host, Port: node.Port, BindDN: bindDN}
}

// keyPool is the per-fingerprint LIFO stack of idle sessions, each guarded
// by its own mutex so creation bursts for one fingerprint never block
// acquisition for another.
type keyPool struct {
	mu   sync.Mutex
	idle []*Session
}

// Stats summarizes pool occupancy for the /health surface.
type Stats struct {
	Fingerprints int
	IdleSessions int
}

// Pool manages pooled LDAP sessions across all clusters and bind identities.
type Pool struct {
	opener  Opener
	closer  Closer
	idleTTL time.Duration

	mu    sync.RWMutex // protects the keys map itself, not its contents
	keys  map[Fingerprint]*keyPool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// Option configures a Pool at construction.
type Option func(*Pool)

func WithIdleTTL(d time.Duration) Option { return func(p *Pool) { p.idleTTL = d } }

func WithClock(fn func() time.Time) Option { return func(p *Pool) { p.now = fn } }

// New constructs a Pool with the documented default idle TTL (300s) and
// starts its background reaper, which scans at most every idleTTL/2.
func New(opener Opener, closer Closer, opts ...Option) *Pool {
	p := &Pool{
		opener:  opener,
		closer:  closer,
		idleTTL: 300 * time.Second,
		keys:    make(map[Fingerprint]*keyPool),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.reapLoop()

	return p
}

func (p *Pool) poolFor(fp Fingerprint) *keyPool {
	p.mu.RLock()
	kp, ok := p.keys[fp]
	p.mu.RUnlock()

	if ok {
		return kp
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if kp, ok = p.keys[fp]; ok {
		return kp
	}

	kp = &keyPool{}
	p.keys[fp] = kp

	return kp
}

// Acquire returns a session for (cluster, node, bindDN), reusing a
// recently-used idle session when available. On miss it invokes
// passwordProvider and opens a fresh connection via the configured Opener.
func (p *Pool) Acquire(
	ctx context.Context, cluster string, node config.Node, bindDN string, passwordProvider PasswordProvider,
) (*Session, error) {
	fp := fingerprintOf(cluster, node, bindDN)
	kp := p.poolFor(fp)

	if sess := p.popIdle(kp); sess != nil {
		metrics.Pool.Acquires.WithLabelValues(cluster, "idle_reuse").Inc()
		metrics.Pool.IdleHits.Inc()

		return sess, nil
	}

	password, err := passwordProvider()
	if err != nil {
		metrics.Pool.Acquires.WithLabelValues(cluster, "password_error").Inc()

		return nil, fmt.Errorf("resolving bind password: %w", err)
	}

	handle, err := p.opener(ctx, cluster, node, bindDN, password)
	if err != nil {
		metrics.Pool.Acquires.WithLabelValues(cluster, "auth_failed").Inc()

		return nil, apierr.Wrap(apierr.KindAuthFailed, fmt.Sprintf("bind failed for %s@%s", bindDN, cluster), err)
	}

	metrics.Pool.Acquires.WithLabelValues(cluster, "opened").Inc()
	metrics.Pool.Opens.Inc()

	now := p.now()

	return &Session{
		Cluster:    cluster,
		Node:       node,
		BindDN:     bindDN,
		Handle:     handle,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

// popIdle pops the most-recently-used still-fresh idle session for kp,
// discarding (and closing) any it finds expired along the way.
func (p *Pool) popIdle(kp *keyPool) *Session {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for len(kp.idle) > 0 {
		last := len(kp.idle) - 1
		sess := kp.idle[last]
		kp.idle = kp.idle[:last]

		if p.now().Sub(sess.LastUsedAt) < p.idleTTL {
			return sess
		}

		p.closer(sess.Handle)
	}

	return nil
}

// Release returns sess to the pool when healthy, or closes its underlying
// connection and drops it when not.
func (p *Pool) Release(sess *Session, healthy bool) {
	if sess == nil {
		return
	}

	if !healthy {
		metrics.Pool.Releases.WithLabelValues(sess.Cluster, "false").Inc()
		p.closer(sess.Handle)

		return
	}

	metrics.Pool.Releases.WithLabelValues(sess.Cluster, "true").Inc()

	sess.LastUsedAt = p.now()

	fp := fingerprintOf(sess.Cluster, sess.Node, sess.BindDN)
	kp := p.poolFor(fp)

	kp.mu.Lock()
	kp.idle = append(kp.idle, sess)
	kp.mu.Unlock()
}

// Stats reports current pool occupancy across all fingerprints.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{Fingerprints: len(p.keys)}

	for _, kp := range p.keys {
		kp.mu.Lock()
		stats.IdleSessions += len(kp.idle)
		kp.mu.Unlock()
	}

	return stats
}

// Drain closes every idle session across every fingerprint and stops the
// background reaper. Called on process shutdown.
func (p *Pool) Drain() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, kp := range p.keys {
		kp.mu.Lock()
		for _, sess := range kp.idle {
			p.closer(sess.Handle)
		}
		kp.idle = nil
		kp.mu.Unlock()
	}

	p.keys = make(map[Fingerprint]*keyPool)
}

// reapLoop runs at most every idleTTL/2, per spec.md §4.3.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	interval := p.idleTTL / 2
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reapExpired()
		}
	}
}

func (p *Pool) reapExpired() {
	p.mu.RLock()
	pools := make([]*keyPool, 0, len(p.keys))
	for _, kp := range p.keys {
		pools = append(pools, kp)
	}
	p.mu.RUnlock()

	removed := 0

	for _, kp := range pools {
		kp.mu.Lock()
		fresh := kp.idle[:0]

		for _, sess := range kp.idle {
			if p.now().Sub(sess.LastUsedAt) < p.idleTTL {
				fresh = append(fresh, sess)

				continue
			}

			p.closer(sess.Handle)
			removed++
		}

		kp.idle = fresh
		kp.mu.Unlock()
	}

	if removed > 0 {
		metrics.Pool.Reaped.Add(float64(removed))
		log.Debug().Int("removed", removed).Msg("connection pool reaper removed expired sessions")
	}
}
