package ignite

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ignite-fabric/ignite/msg"
)

// resetProcess drops the shared singleton between tests so each test gets
// its own discovery group instance bound to a fresh port.
func resetProcess(t *testing.T) {
	t.Helper()
	procMu.Lock()
	old := proc
	proc = nil
	procMu.Unlock()

	if old != nil {
		_ = old.disc.Close()
		_ = old.pubSrv.Close()
		_ = old.reqSrv.Close()
	}
}

func testOpts(group string, msgPort, srvPort int) []Option {
	return []Option{
		WithDiscoveryAddr(group, msgPort, srvPort),
		WithHeartbeatPeriod(50 * time.Millisecond),
		WithPartition("test-partition"),
	}
}

func TestInvalidTopicRejected(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.1", 29101, 29102)...)
	require.NoError(t, err)
	defer n.Close()

	require.ErrorIs(t, n.Advertise("no-leading-slash", ScopeAll), ErrInvalidTopic)
	require.ErrorIs(t, n.Advertise("/double//slash", ScopeAll), ErrInvalidTopic)
	require.ErrorIs(t, n.Advertise("/trailing/", ScopeAll), ErrInvalidTopic)
}

func TestPublishWithoutAdvertiseRejected(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.2", 29103, 29104)...)
	require.NoError(t, err)
	defer n.Close()

	err = n.Publish("/foo", &msg.StringMsg{Data: "hi"})
	require.ErrorIs(t, err, ErrNotAdvertised)
}

// S1: single-process pub/sub with the in-process shortcut.
func TestSingleProcessPubSubShortcut(t *testing.T) {
	resetProcess(t)
	a, err := NewNode(testOpts("239.18.0.3", 29105, 29106)...)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNode()
	require.NoError(t, err)
	defer b.Close()

	var calls int32
	var got string
	_, err = Subscribe[*msg.StringMsg](a, "/foo", func(topic string, m *msg.StringMsg, sender uuid.UUID) {
		atomic.AddInt32(&calls, 1)
		got = m.Data
	})
	require.NoError(t, err)

	require.NoError(t, b.Advertise("/foo", ScopeAll))
	require.NoError(t, b.Publish("/foo", &msg.StringMsg{Data: "hi"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "hi", got)
}

// Invariant 2: publish with no subscriber is a silent no-op.
func TestPublishNoSubscriberIsNoop(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.4", 29107, 29108)...)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Advertise("/quiet", ScopeAll))
	require.NoError(t, n.Publish("/quiet", &msg.StringMsg{Data: "x"}))
}

// Invariant 3: a local publish with a local subscriber invokes the
// callback exactly once per publish.
func TestLocalPublishInvokesOnce(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.5", 29109, 29110)...)
	require.NoError(t, err)
	defer n.Close()

	var calls int32
	_, err = Subscribe[*msg.StringMsg](n, "/foo", func(string, *msg.StringMsg, uuid.UUID) {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)
	require.NoError(t, n.Advertise("/foo", ScopeAll))

	require.NoError(t, n.Publish("/foo", &msg.StringMsg{Data: "one"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
}

// S3 / Invariant 4: blocking Request with a local replier returns true
// synchronously.
func TestBlockingRequestLocalReplier(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.6", 29111, 29112)...)
	require.NoError(t, err)
	defer n.Close()

	err = AdvertiseService[*msg.Int32, *msg.Int32](n, "/echo", ScopeAll, func(req *msg.Int32) (*msg.Int32, bool) {
		return &msg.Int32{Value: req.Value}, true
	})
	require.NoError(t, err)

	rep, ok, err := RequestBlocking[*msg.Int32, *msg.Int32](n, "/echo", &msg.Int32{Value: 10}, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, rep.Value)
}

// S4: service timeout when no responder exists.
func TestBlockingRequestTimeout(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.7", 29113, 29114)...)
	require.NoError(t, err)
	defer n.Close()

	start := time.Now()
	_, ok, err := RequestBlocking[*msg.Int32, *msg.Int32](n, "/nonexistent", &msg.Int32{Value: 1}, 200*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.LessOrEqual(t, elapsed, 600*time.Millisecond)
}

// S6: replier uniqueness within a process.
func TestReplierUniquenessWithinProcess(t *testing.T) {
	resetProcess(t)
	a, err := NewNode(testOpts("239.18.0.8", 29115, 29116)...)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNode()
	require.NoError(t, err)
	defer b.Close()

	err = AdvertiseService[*msg.Int32, *msg.Int32](a, "/echo", ScopeAll, func(req *msg.Int32) (*msg.Int32, bool) {
		return req, true
	})
	require.NoError(t, err)

	err = AdvertiseService[*msg.Int32, *msg.Int32](b, "/echo", ScopeAll, func(req *msg.Int32) (*msg.Int32, bool) {
		return req, true
	})
	require.ErrorIs(t, err, ErrAlreadyAdvertised)
}

// Invariant 1: unadvertise stops further ADVERTISE activity.
func TestUnadvertiseStopsReannouncing(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.9", 29117, 29118)...)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Advertise("/foo", ScopeAll))
	require.NoError(t, n.Unadvertise("/foo"))

	n.mu.Lock()
	_, stillAdvertised := n.advertised["/foo"]
	n.mu.Unlock()
	require.False(t, stillAdvertised)

	// Heartbeats are sent for the discovery service's local entries.
	require.NotContains(t, n.proc.disc.Topics("/"), n.wireTopic("/foo"))
}

// S5: partition isolation rests on the wire-level key: a subscription is
// stored in the registry under the partition-prefixed topic only. (All
// nodes of one process share the partition of the first node created.)
func TestPartitionPrefixesRegistryKey(t *testing.T) {
	resetProcess(t)
	a, err := NewNode(append(testOpts("239.18.0.11", 29121, 29122), WithPartition("partition-a"))...)
	require.NoError(t, err)
	defer a.Close()

	var calls int32
	_, err = Subscribe[*msg.StringMsg](a, "/foo", func(string, *msg.StringMsg, uuid.UUID) {
		atomic.AddInt32(&calls, 1)
	})
	require.NoError(t, err)

	require.Equal(t, "/partition-a/foo", a.wireTopic("/foo"))
	require.True(t, a.proc.reg.HasSubs("/partition-a/foo"))
	require.False(t, a.proc.reg.HasSubs("/foo"))
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	resetProcess(t)
	n, err := NewNode(testOpts("239.18.0.10", 29119, 29120)...)
	require.NoError(t, err)
	defer n.Close()

	var mu sync.Mutex
	var calls int
	_, err = Subscribe[*msg.StringMsg](n, "/foo", func(string, *msg.StringMsg, uuid.UUID) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, n.Unsubscribe("/foo"))
	require.False(t, n.proc.reg.HasSubs(n.wireTopic("/foo")))
}
