package discovery

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, cb Callbacks) (*Service, uuid.UUID) {
	t.Helper()
	processUUID := uuid.New()
	svc, err := New(Config{
		Group:          DefaultGroup,
		MsgPort:        19317,
		SrvPort:        19318,
		AnnouncePeriod: 50 * time.Millisecond,
	}, processUUID, cb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, processUUID
}

func TestDiscoveryAdvertiseDiscoverAcrossServices(t *testing.T) {
	connected := make(chan Publisher, 4)
	a, _ := newTestService(t, Callbacks{})
	b, _ := newTestService(t, Callbacks{
		OnConnection: func(topic string, p Publisher) { connected <- p },
	})

	node := uuid.New()
	require.NoError(t, a.Advertise("/robot/odom", node, ScopeAll, "127.0.0.1:9000", "127.0.0.1:9001"))

	// Give the advertisement a moment to land, then subscribe.
	time.Sleep(100 * time.Millisecond)
	b.Discover("/robot/odom")

	select {
	case p := <-connected:
		require.Equal(t, "/robot/odom", p.Topic)
		require.Equal(t, "127.0.0.1:9000", p.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery")
	}
}

func TestDiscoveryProcessScopeNeverLeavesProcess(t *testing.T) {
	connected := make(chan Publisher, 4)
	a, _ := newTestService(t, Callbacks{})
	b, _ := newTestService(t, Callbacks{
		OnConnection: func(topic string, p Publisher) { connected <- p },
	})

	node := uuid.New()
	require.NoError(t, a.Advertise("/scoped", node, ScopeProcess, "127.0.0.1:9100", "127.0.0.1:9101"))

	time.Sleep(100 * time.Millisecond)
	b.Discover("/scoped")

	select {
	case <-connected:
		t.Fatal("process-scoped advertisement should never be observed by another process")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDiscoveryPickResponderTieBreak(t *testing.T) {
	svc, _ := newTestService(t, Callbacks{})

	node1 := uuid.New()
	node2 := uuid.New()
	require.NoError(t, svc.AdvertiseSrv("/svc/echo", node1, ScopeProcess, "127.0.0.1:9200", "Int32", "Int32"))
	require.NoError(t, svc.AdvertiseSrv("/svc/echo", node2, ScopeProcess, "127.0.0.1:9201", "Int32", "Int32"))

	// Process-scoped responders are not registered in the remote table, so
	// simulate two remote responders directly to exercise the tie-break.
	svc.mu.Lock()
	svc.remoteSrvs["/svc/echo"] = map[string]*Responder{
		peerKey(uuid.New(), node1): {Topic: "/svc/echo", ProcessUUID: uuid.New(), NodeUUID: node1},
		peerKey(uuid.New(), node2): {Topic: "/svc/echo", ProcessUUID: uuid.New(), NodeUUID: node2},
	}
	svc.mu.Unlock()

	best, ok := svc.PickResponder("/svc/echo")
	require.True(t, ok)

	all := svc.Responders("/svc/echo")
	require.Len(t, all, 2)
	for _, r := range all {
		require.False(t, lessIdentity(r.ProcessUUID, r.NodeUUID, best.ProcessUUID, best.NodeUUID))
	}
}

func TestDiscoveryUnadvertiseRemovesLocalEntry(t *testing.T) {
	svc, _ := newTestService(t, Callbacks{})
	node := uuid.New()

	require.NoError(t, svc.Advertise("/foo", node, ScopeAll, "127.0.0.1:9300", "127.0.0.1:9301"))
	require.Contains(t, svc.Topics("/"), "/foo")

	require.NoError(t, svc.Unadvertise("/foo", node))
	require.NotContains(t, svc.Topics("/"), "/foo")
}
