package pool

import (
	"context"
	"net"
	"testing"
	"time"

	mssql "github.com/tdsclient/mssql"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *mssql.Config {
	cfg := mssql.DefaultConfig()
	cfg.Pool.MaxConcurrent = 2
	cfg.Pool.AcquisitionTimeout = 200 * time.Millisecond
	return cfg
}

// pipeConn returns a Connection built over one end of an in-memory
// net.Pipe, and the other end for the test to hold (and close) so the
// pipe doesn't block on an unread peer.
func pipeConn(t *testing.T) *mssql.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	return mssql.NewConnForTesting(client, 4096)
}

func TestPoolAcquireReusesInjectedIdleConn(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	conn := pipeConn(t)
	p.InjectTestConn(conn)
	assert.Equal(t, 1, p.Stats().Idle)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, lease.Conn())

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 1, stats.Active)
}

func TestPoolReleaseReturnsConnectionToIdle(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(lease)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Active)
}

func TestPoolReleaseDiscardClosesConnection(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	lease.Discard()
	p.Release(lease)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
	assert.False(t, lease.Conn().Healthy())
}

func TestPoolMarkRotateDiscardsStaleIdleConn(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1 // nothing listens here; any fresh Dial attempt fails fast
	cfg.ConnectTimeout = 200 * time.Millisecond
	p := New(cfg)
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	require.Equal(t, 1, p.Stats().Total)

	p.MarkRotate()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Acquire(ctx)
	assert.Error(t, err, "stale idle conn is discarded, forcing a fresh dial that fails against the unreachable host")
	assert.Equal(t, 0, p.Stats().Total)
}

func TestPoolReleaseDiscardsConnectionFromStaleGeneration(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.MarkRotate()
	p.Release(lease)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
}

func TestPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConcurrent = 1
	cfg.Pool.AcquisitionTimeout = 50 * time.Millisecond
	p := New(cfg)
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(1), p.Stats().Exhausted)

	p.Release(lease)
}

func TestPoolAcquireUnblocksWhenLeaseIsReleased(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConcurrent = 1
	cfg.Pool.AcquisitionTimeout = 2 * time.Second
	p := New(cfg)
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := p.Acquire(context.Background())
		assert.NoError(t, err)
		if second != nil {
			p.Release(second)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(lease)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiting Acquire never unblocked after Release")
	}
}

func TestPoolAcquireReturnsPromptlyOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConcurrent = 1
	cfg.Pool.AcquisitionTimeout = 5 * time.Second
	p := New(cfg)
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(lease)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = p.Acquire(ctx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, elapsed, time.Second, "Acquire should return shortly after ctx is cancelled, not wait out the acquisition timeout")
}

func TestPoolAcquireServesWaitersInFIFOOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConcurrent = 1
	cfg.Pool.AcquisitionTimeout = 2 * time.Second
	p := New(cfg)
	defer p.Close()

	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	const numWaiters = 4
	order := make(chan int, numWaiters)
	for i := 0; i < numWaiters; i++ {
		i := i
		go func() {
			// Stagger entry onto the wait queue so arrival order is
			// deterministic, then immediately release back into the
			// pool so the next queued waiter is unblocked in turn.
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			l, err := p.Acquire(context.Background())
			if err == nil {
				order <- i
				p.Release(l)
			}
		}()
		time.Sleep(15 * time.Millisecond)
	}

	p.Release(lease)

	got := make([]int, 0, numWaiters)
	for i := 0; i < numWaiters; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for waiter %d", i)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestPoolAcquireAfterCloseFails(t *testing.T) {
	p := New(testConfig())
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	p := New(testConfig())
	require.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestPoolDrainClosesIdleImmediately(t *testing.T) {
	p := New(testConfig())
	p.InjectTestConn(pipeConn(t))
	p.InjectTestConn(pipeConn(t))
	require.Equal(t, 2, p.Stats().Idle)

	p.Drain()
	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
}

func TestPoolDrainWaitsForActiveThenReturns(t *testing.T) {
	p := New(testConfig())
	p.InjectTestConn(pipeConn(t))
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Drain()
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(lease)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return after the active lease was released")
	}
}

func TestPoolReapIdleKeepsMinIdleAndReapsOldest(t *testing.T) {
	cfg := testConfig()
	p := New(cfg)
	defer p.Close()
	// Set after New so the background warm-up (which would otherwise
	// try to dial real connections for MinIdle>0) never fires.
	cfg.Pool.MinIdle = 1

	old := idleConn{conn: pipeConn(t), idleFrom: time.Now().Add(-time.Hour)}
	fresh := idleConn{conn: pipeConn(t), idleFrom: time.Now()}

	p.mu.Lock()
	p.idle = []idleConn{old, fresh}
	p.total = 2
	p.mu.Unlock()

	p.reapIdle(time.Minute)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.idle, 1)
	assert.Same(t, fresh.conn, p.idle[0].conn)
	assert.Equal(t, 1, p.total)
}

func TestPoolReapIdleNoopBelowMinIdle(t *testing.T) {
	cfg := testConfig()
	p := New(cfg)
	defer p.Close()
	cfg.Pool.MinIdle = 5

	p.mu.Lock()
	p.idle = []idleConn{{conn: pipeConn(t), idleFrom: time.Now().Add(-time.Hour)}}
	p.total = 1
	p.mu.Unlock()

	p.reapIdle(time.Minute)
	assert.Equal(t, 1, p.Stats().Idle)
}
