package selector

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldapgw/internal/apierr"
	"github.com/netresearch/ldapgw/internal/config"
)

// fakeConn is a no-op net.Conn used so the selector's probe can "succeed"
// without opening a real socket.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

// fakeDialer simulates reachability per "host:port" address without opening
// real sockets.
type fakeDialer struct {
	mu           sync.Mutex
	unreachable  map[string]bool
	dialedOrder  []string
}

func (f *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dialedOrder = append(f.dialedOrder, address)

	if f.unreachable[address] {
		return nil, errors.New("connection refused")
	}

	return fakeConn{}, nil
}

func (f *fakeDialer) markUnreachable(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable == nil {
		f.unreachable = make(map[string]bool)
	}
	f.unreachable[addr] = true
}

func (f *fakeDialer) markReachable(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unreachable, addr)
}

func threeNodeCluster() *config.Cluster {
	return &config.Cluster{
		Name: "corp",
		Nodes: []config.Node{
			{Host: "a", Port: 389, Index: 0},
			{Host: "b", Port: 389, Index: 1},
			{Host: "c", Port: 389, Index: 2},
		},
	}
}

func TestSelectReadFailoverOrder(t *testing.T) {
	// S3 — Failover on READ.
	dialer := &fakeDialer{}
	sel := New(WithDialer(dialer))
	cluster := threeNodeCluster()
	ctx := context.Background()

	n, err := sel.Select(ctx, cluster, config.ClassRead)
	require.NoError(t, err)
	assert.Equal(t, "c", n.Host)

	dialer.markUnreachable("c:389")
	n, err = sel.Select(ctx, cluster, config.ClassRead)
	require.NoError(t, err)
	assert.Equal(t, "b", n.Host)

	dialer.markUnreachable("b:389")
	n, err = sel.Select(ctx, cluster, config.ClassRead)
	require.NoError(t, err)
	assert.Equal(t, "a", n.Host)
}

func TestSelectWriteNeverFailsOver(t *testing.T) {
	// S4 — WRITE never fails over.
	dialer := &fakeDialer{}
	dialer.markUnreachable("a:389") // master unreachable
	sel := New(WithDialer(dialer))
	cluster := threeNodeCluster()

	_, err := sel.Select(context.Background(), cluster, config.ClassWrite)
	require.Error(t, err)
	assert.Equal(t, apierr.KindServiceUnavailable, apierr.KindOf(err))

	// b and c must never have been dialed for a WRITE selection.
	for _, addr := range dialer.dialedOrder {
		assert.NotEqual(t, "b:389", addr)
		assert.NotEqual(t, "c:389", addr)
	}
}

func TestSelectWriteUsesMasterWhenReachable(t *testing.T) {
	dialer := &fakeDialer{}
	sel := New(WithDialer(dialer))
	cluster := threeNodeCluster()

	n, err := sel.Select(context.Background(), cluster, config.ClassWrite)
	require.NoError(t, err)
	assert.Equal(t, 0, n.Index)
}

func TestSelectHealthSingleTargetIsMaster(t *testing.T) {
	dialer := &fakeDialer{}
	sel := New(WithDialer(dialer))
	cluster := threeNodeCluster()

	n, err := sel.Select(context.Background(), cluster, config.ClassHealth)
	require.NoError(t, err)
	assert.Equal(t, 0, n.Index)
}

func TestSelectFanoutReturnsAllNodes(t *testing.T) {
	sel := New()
	cluster := threeNodeCluster()

	nodes := sel.SelectFanout(cluster)
	assert.Len(t, nodes, 3)
}

func TestSelectReadAllUnreachable(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.markUnreachable("a:389")
	dialer.markUnreachable("b:389")
	dialer.markUnreachable("c:389")
	sel := New(WithDialer(dialer))
	cluster := threeNodeCluster()

	_, err := sel.Select(context.Background(), cluster, config.ClassRead)
	require.Error(t, err)
	assert.Equal(t, apierr.KindServiceUnavailable, apierr.KindOf(err))
}

func TestUnreachableCacheDoesNotMaskRecoveryPastInterval(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.markUnreachable("c:389")

	current := time.Unix(0, 0)
	clock := func() time.Time { return current }

	sel := New(WithDialer(dialer), WithProbeInterval(1*time.Minute), WithClock(clock))
	cluster := threeNodeCluster()

	n, err := sel.Select(context.Background(), cluster, config.ClassRead)
	require.NoError(t, err)
	assert.Equal(t, "b", n.Host) // c cached unreachable, falls back

	// Node c recovers, but the cache should still mask it before the interval elapses.
	dialer.markReachable("c:389")
	current = current.Add(30 * time.Second)
	n, err = sel.Select(context.Background(), cluster, config.ClassRead)
	require.NoError(t, err)
	assert.Equal(t, "b", n.Host)

	// After the full interval, the selector must re-probe and discover recovery.
	current = current.Add(31 * time.Second)
	n, err = sel.Select(context.Background(), cluster, config.ClassRead)
	require.NoError(t, err)
	assert.Equal(t, "c", n.Host)
}
