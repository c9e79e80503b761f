package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Version:     Version,
		ProcessUUID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Type:        MsgSubscribe,
		Flags:       0,
		Topic:       "/foo/bar",
	}

	buf := h.Encode()
	got, n, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, h, got)
}

func TestDatagramRoundTripAdvertise(t *testing.T) {
	d := &Datagram{
		Header: Header{
			Version:     Version,
			ProcessUUID: [16]byte{9: 1},
			Type:        MsgAdvertise,
			Topic:       "/foo",
		},
		Address:     "127.0.0.1:9000",
		CtrlAddress: "127.0.0.1:9001",
		NodeUUID:    [16]byte{1: 2},
		Scope:       2,
	}

	buf := EncodeDatagram(d)
	got, err := DecodeDatagram(buf)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestDatagramRoundTripAdvertiseSrv(t *testing.T) {
	d := &Datagram{
		Header: Header{
			Version:     Version,
			ProcessUUID: [16]byte{2: 7},
			Type:        MsgAdvertiseSrv,
			Topic:       "/echo",
		},
		Address:     "127.0.0.1:9002",
		CtrlAddress: "127.0.0.1:9003",
		NodeUUID:    [16]byte{3: 9},
		Scope:       0,
		ReqType:     "Int32",
		RepType:     "Int32",
	}

	buf := EncodeDatagram(d)
	got, err := DecodeDatagram(buf)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestDatagramSubscribeHasNoBody(t *testing.T) {
	d := &Datagram{
		Header: Header{
			Version:     Version,
			ProcessUUID: [16]byte{4: 1},
			Type:        MsgSubscribe,
			Topic:       "/foo",
		},
	}

	buf := EncodeDatagram(d)
	got, err := DecodeDatagram(buf)
	require.NoError(t, err)
	require.Equal(t, d.Header, got.Header)
}

func TestDatagramVersionMismatch(t *testing.T) {
	d := &Datagram{
		Header: Header{
			Version: Version + 1,
			Type:    MsgHeartbeat,
			Topic:   "/foo",
		},
	}

	buf := EncodeDatagram(d)
	_, err := DecodeDatagram(buf)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDatagramUnknownType(t *testing.T) {
	buf := (&Header{Version: Version, Type: MsgType(200), Topic: "/foo"}).Encode()
	_, err := DecodeDatagram(buf)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestFrameRoundTripData(t *testing.T) {
	df := &DataFrame{
		Topic:         "/foo",
		SenderProcess: [16]byte{5: 1},
		TypeName:      "StringMsg",
		Payload:       []byte("hello"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, df.Parts()))

	parts, err := ReadFrame(&buf)
	require.NoError(t, err)

	got, err := ParseDataFrame(parts)
	require.NoError(t, err)
	require.Equal(t, df, got)
}

func TestFrameRoundTripRequestResponse(t *testing.T) {
	rq := &RequestFrame{
		Topic:           "/echo",
		RequestID:       [16]byte{1: 1},
		SenderReplyAddr: "127.0.0.1:7000",
		SenderProcess:   [16]byte{2: 2},
		ReqType:         "Int32",
		RepType:         "Int32",
		RequestBytes:    []byte{10, 0, 0, 0},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, rq.Parts()))
	parts, err := ReadFrame(&buf)
	require.NoError(t, err)
	gotRq, err := ParseRequestFrame(parts)
	require.NoError(t, err)
	require.Equal(t, rq, gotRq)

	rp := &ResponseFrame{
		Topic:         "/echo",
		RequestID:     rq.RequestID,
		SenderProcess: [16]byte{3: 3},
		ResponseBytes: []byte{10, 0, 0, 0},
		Result:        true,
	}

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, rp.Parts()))
	parts, err = ReadFrame(&buf)
	require.NoError(t, err)
	gotRp, err := ParseResponseFrame(parts)
	require.NoError(t, err)
	require.Equal(t, rp, gotRp)
}

func TestFrameTooManyParts(t *testing.T) {
	parts := make([][]byte, MaxParts+1)
	var buf bytes.Buffer
	require.Error(t, WriteFrame(&buf, parts))
}
