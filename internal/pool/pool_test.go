package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldapgw/internal/config"
)

type fakeHandle struct {
	id     int
	closed bool
}

func newTestPool(t *testing.T, idleTTL time.Duration) (*Pool, *int32, *int32) {
	t.Helper()

	var opened, closed int32

	opener := func(_ context.Context, _ string, _ config.Node, _, _ string) (any, error) {
		n := atomic.AddInt32(&opened, 1)

		return &fakeHandle{id: int(n)}, nil
	}

	closer := func(h any) {
		atomic.AddInt32(&closed, 1)
		h.(*fakeHandle).closed = true
	}

	p := New(opener, closer, WithIdleTTL(idleTTL))
	t.Cleanup(p.Drain)

	return p, &opened, &closed
}

func testNode() config.Node { return config.Node{Host: "ldap-a", Port: 389, Index: 0} }

func TestAcquireCreatesThenReuses(t *testing.T) {
	p, opened, _ := newTestPool(t, time.Minute)
	ctx := context.Background()
	pw := func() (string, error) { return "pw", nil }

	sess, err := p.Acquire(ctx, "corp", testNode(), "cn=admin", pw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(opened))

	p.Release(sess, true)

	sess2, err := p.Acquire(ctx, "corp", testNode(), "cn=admin", pw)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(opened), "second acquire should reuse, not open a new connection")
	assert.Same(t, sess, sess2)
}

func TestReleaseUnhealthyClosesAndDoesNotPool(t *testing.T) {
	p, opened, closed := newTestPool(t, time.Minute)
	ctx := context.Background()
	pw := func() (string, error) { return "pw", nil }

	sess, err := p.Acquire(ctx, "corp", testNode(), "cn=admin", pw)
	require.NoError(t, err)

	p.Release(sess, false)
	assert.Equal(t, int32(1), atomic.LoadInt32(closed))

	_, err = p.Acquire(ctx, "corp", testNode(), "cn=admin", pw)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(opened), "unhealthy release must force a fresh connection")
}

func TestIdleSessionExpiresBeforeNextCheckout(t *testing.T) {
	current := time.Unix(0, 0)
	clockFn := func() time.Time { return current }

	var opened int32
	opener := func(_ context.Context, _ string, _ config.Node, _, _ string) (any, error) {
		atomic.AddInt32(&opened, 1)

		return &fakeHandle{}, nil
	}
	closer := func(any) {}

	p := New(opener, closer, WithIdleTTL(10*time.Second), WithClock(clockFn))
	defer p.Drain()

	pw := func() (string, error) { return "pw", nil }
	sess, err := p.Acquire(context.Background(), "corp", testNode(), "cn=admin", pw)
	require.NoError(t, err)

	p.Release(sess, true)

	current = current.Add(11 * time.Second)

	_, err = p.Acquire(context.Background(), "corp", testNode(), "cn=admin", pw)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&opened), "expired idle session must not be reused")
}

func TestDifferentFingerprintsDoNotShareSessions(t *testing.T) {
	p, opened, _ := newTestPool(t, time.Minute)
	pw := func() (string, error) { return "pw", nil }
	ctx := context.Background()

	_, err := p.Acquire(ctx, "corp", testNode(), "cn=admin1", pw)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "corp", testNode(), "cn=admin2", pw)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(opened))
}

func TestConcurrentAcquireReleaseIsSafe(t *testing.T) {
	// Pool concurrency: 50 concurrent callers hammering acquire+release on
	// the same fingerprint must never race or panic, and every checkout must
	// be exclusive.
	p, _, _ := newTestPool(t, time.Minute)
	ctx := context.Background()
	pw := func() (string, error) { return "pw", nil }

	var wg sync.WaitGroup
	var inUse int32
	var held sync.Map

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			sess, err := p.Acquire(ctx, "corp", testNode(), "cn=admin", pw)
			require.NoError(t, err)

			_, alreadyHeld := held.LoadOrStore(sess, struct{}{})
			assert.False(t, alreadyHeld, "session checked out by two callers at once")

			cur := atomic.AddInt32(&inUse, 1)
			assert.LessOrEqual(t, cur, int32(50))
			atomic.AddInt32(&inUse, -1)

			held.Delete(sess)
			p.Release(sess, true)
		}()
	}

	wg.Wait()
}

func TestStatsReflectsIdleSessions(t *testing.T) {
	p, _, _ := newTestPool(t, time.Minute)
	pw := func() (string, error) { return "pw", nil }
	ctx := context.Background()

	sess, err := p.Acquire(ctx, "corp", testNode(), "cn=admin", pw)
	require.NoError(t, err)

	assert.Equal(t, 0, p.Stats().IdleSessions)

	p.Release(sess, true)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Fingerprints)
	assert.Equal(t, 1, stats.IdleSessions)
}
