package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id       string
	owner    uuid.UUID
	typeName string
	invoked  int
}

func (f *fakeSub) ID() string       { return f.id }
func (f *fakeSub) Owner() uuid.UUID { return f.owner }
func (f *fakeSub) TypeName() string { return f.typeName }
func (f *fakeSub) Invoke(topic string, payload []byte, sender uuid.UUID) {
	f.invoked++
}

type fakeReplier struct {
	owner uuid.UUID
}

func (f *fakeReplier) Owner() uuid.UUID  { return f.owner }
func (f *fakeReplier) ReqType() string   { return "Int32" }
func (f *fakeReplier) RepType() string   { return "Int32" }
func (f *fakeReplier) Invoke(topic string, payload []byte) ([]byte, bool) {
	return payload, true
}

func TestRegistrySubSnapshotAndRemove(t *testing.T) {
	r := New()
	owner := uuid.New()

	r.AddSub("/foo", &fakeSub{id: "h1", owner: owner, typeName: "StringMsg"})
	r.AddSub("/foo", &fakeSub{id: "h2", owner: owner, typeName: "StringMsg"})

	require.True(t, r.HasSubs("/foo"))
	snap := r.SnapshotSubs("/foo")
	require.Len(t, snap, 2)

	removed := r.RemoveSubsByOwner("/foo", owner)
	require.Len(t, removed, 2)
	require.False(t, r.HasSubs("/foo"))
}

func TestRegistryReplierAtMostOne(t *testing.T) {
	r := New()
	owner1 := uuid.New()
	owner2 := uuid.New()

	require.NoError(t, r.AddReplier("/echo", &fakeReplier{owner: owner1}))
	err := r.AddReplier("/echo", &fakeReplier{owner: owner2})
	require.ErrorIs(t, err, ErrReplierExists)

	h, ok := r.GetReplier("/echo")
	require.True(t, ok)
	require.Equal(t, owner1, h.Owner())

	require.False(t, r.RemoveReplier("/echo", owner2))
	require.True(t, r.RemoveReplier("/echo", owner1))
	_, ok = r.GetReplier("/echo")
	require.False(t, ok)
}

func TestRegistryPendingRequestLifecycle(t *testing.T) {
	r := New()
	owner := uuid.New()
	id := uuid.New()

	r.AddRequest(&PendingRequest{ID: id, Topic: "/echo", OwnerNode: owner})

	pr, ok := r.RemoveRequest("/echo", id)
	require.True(t, ok)
	require.Equal(t, id, pr.ID)

	_, ok = r.RemoveRequest("/echo", id)
	require.False(t, ok)
}

func TestRegistryRemoveRequestsByOwner(t *testing.T) {
	r := New()
	owner := uuid.New()
	other := uuid.New()

	r.AddRequest(&PendingRequest{ID: uuid.New(), Topic: "/a", OwnerNode: owner})
	r.AddRequest(&PendingRequest{ID: uuid.New(), Topic: "/b", OwnerNode: owner})
	r.AddRequest(&PendingRequest{ID: uuid.New(), Topic: "/a", OwnerNode: other})

	removed := r.RemoveRequestsByOwner(owner)
	require.Len(t, removed, 2)

	remaining := r.RemoveRequestsByOwner(other)
	require.Len(t, remaining, 1)
}

func TestRegistryTopicsPrefix(t *testing.T) {
	r := New()
	owner := uuid.New()

	r.AddSub("/robot/odom", &fakeSub{id: "h1", owner: owner, typeName: "Pose"})
	r.AddSub("/robot/scan", &fakeSub{id: "h2", owner: owner, typeName: "Scan"})
	r.AddSub("/other", &fakeSub{id: "h3", owner: owner, typeName: "Pose"})

	topics := r.Topics("/robot")
	require.ElementsMatch(t, []string{"/robot/odom", "/robot/scan"}, topics)
}

func TestRegistryTopicRefcountReleasesWhenLastHandlerGoes(t *testing.T) {
	r := New()
	owner := uuid.New()

	r.AddSub("/foo", &fakeSub{id: "h1", owner: owner, typeName: "StringMsg"})
	require.ElementsMatch(t, []string{"/foo"}, r.Topics("/"))

	r.RemoveSubsByOwner("/foo", owner)
	require.Empty(t, r.Topics("/"))
}
