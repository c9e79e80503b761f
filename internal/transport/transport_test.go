package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite-fabric/ignite/internal/wire"
)

func TestPubSubFanOut(t *testing.T) {
	srv, err := NewPubServer("127.0.0.1:0", Config{})
	require.NoError(t, err)
	defer srv.Close()

	subA, err := DialSub(srv.Addr(), "/robot/odom", Config{})
	require.NoError(t, err)
	defer subA.Close()

	subB, err := DialSub(srv.Addr(), "/robot/odom", Config{})
	require.NoError(t, err)
	defer subB.Close()

	require.Eventually(t, func() bool {
		return srv.SubscriberCount("/robot/odom") == 2
	}, time.Second, 10*time.Millisecond)

	frame := &wire.DataFrame{Topic: "/robot/odom", TypeName: "Pose", Payload: []byte("hello")}
	require.NoError(t, srv.Publish(frame))

	for _, sub := range []*SubConn{subA, subB} {
		got, err := sub.Recv()
		require.NoError(t, err)
		require.Equal(t, "Pose", got.TypeName)
		require.Equal(t, []byte("hello"), got.Payload)
	}
}

func TestPubSubDisconnectRemovesSubscriber(t *testing.T) {
	srv, err := NewPubServer("127.0.0.1:0", Config{})
	require.NoError(t, err)
	defer srv.Close()

	sub, err := DialSub(srv.Addr(), "/topic", Config{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return srv.SubscriberCount("/topic") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())

	require.Eventually(t, func() bool {
		return srv.SubscriberCount("/topic") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	handler := func(req *wire.RequestFrame) (*wire.ResponseFrame, error) {
		return &wire.ResponseFrame{
			Topic:         req.Topic,
			RequestID:     req.RequestID,
			ResponseBytes: append([]byte("echo:"), req.RequestBytes...),
			Result:        true,
		}, nil
	}

	srv, err := NewReqServer("127.0.0.1:0", handler, Config{})
	require.NoError(t, err)
	defer srv.Close()

	req := &wire.RequestFrame{Topic: "/svc/echo", ReqType: "Int32", RepType: "Int32", RequestBytes: []byte("42")}
	resp, err := DoRequest(srv.Addr(), req, 2*time.Second, Config{})
	require.NoError(t, err)
	require.True(t, resp.Result)
	require.Equal(t, []byte("echo:42"), resp.ResponseBytes)
}

func TestRequestNoResponderConnectionRefused(t *testing.T) {
	_, err := DoRequest("127.0.0.1:1", &wire.RequestFrame{Topic: "/x"}, time.Second, Config{})
	require.Error(t, err)
}
