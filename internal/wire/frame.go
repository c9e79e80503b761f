package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxParts bounds a single multi-part frame so a corrupt peer can't make us
// allocate unbounded memory while reading part counts.
const MaxParts = 16

// MaxPartSize bounds a single part's length for the same reason.
const MaxPartSize = 64 << 20

// WriteFrame writes a multi-part frame: partCount:u16, then for every part
// len:u32|bytes. Used for data-plane, request and response frames, which
// all share this shape per spec §4.1.
func WriteFrame(w io.Writer, parts [][]byte) error {
	if len(parts) > MaxParts {
		return fmt.Errorf("wire: too many parts (%d > %d)", len(parts), MaxParts)
	}

	header := make([]byte, 2)
	binary.LittleEndian.PutUint16(header, uint16(len(parts)))
	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, part := range parts {
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(part)))
		if _, err := w.Write(lenBuf); err != nil {
			return err
		}
		if len(part) == 0 {
			continue
		}
		if _, err := w.Write(part); err != nil {
			return err
		}
	}

	return nil
}

// ReadFrame reads back a frame written by WriteFrame.
func ReadFrame(r io.Reader) ([][]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint16(header))
	if count > MaxParts {
		return nil, fmt.Errorf("wire: too many parts (%d > %d)", count, MaxParts)
	}

	parts := make([][]byte, count)
	for i := 0; i < count; i++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(lenBuf)
		if n > MaxPartSize {
			return nil, fmt.Errorf("wire: part too large (%d > %d)", n, MaxPartSize)
		}
		if n == 0 {
			parts[i] = []byte{}
			continue
		}
		part := make([]byte, n)
		if _, err := io.ReadFull(r, part); err != nil {
			return nil, err
		}
		parts[i] = part
	}

	return parts, nil
}

// DataFrame is the data-plane frame sent over the publish socket.
type DataFrame struct {
	Topic         string
	SenderProcess [16]byte
	TypeName      string
	Payload       []byte
}

func (f *DataFrame) Parts() [][]byte {
	return [][]byte{[]byte(f.Topic), f.SenderProcess[:], []byte(f.TypeName), f.Payload}
}

func ParseDataFrame(parts [][]byte) (*DataFrame, error) {
	if len(parts) != 4 {
		return nil, fmt.Errorf("wire: data frame needs 4 parts, got %d", len(parts))
	}
	f := &DataFrame{
		Topic:    string(parts[0]),
		TypeName: string(parts[2]),
		Payload:  parts[3],
	}
	copy(f.SenderProcess[:], parts[1])
	return f, nil
}

// RequestFrame is sent by a client on the request socket.
type RequestFrame struct {
	Topic             string
	RequestID         [16]byte
	SenderReplyAddr   string
	SenderProcess     [16]byte
	ReqType           string
	RepType           string
	RequestBytes      []byte
}

func (f *RequestFrame) Parts() [][]byte {
	return [][]byte{
		[]byte(f.Topic),
		f.RequestID[:],
		[]byte(f.SenderReplyAddr),
		f.SenderProcess[:],
		[]byte(f.ReqType),
		[]byte(f.RepType),
		f.RequestBytes,
	}
}

func ParseRequestFrame(parts [][]byte) (*RequestFrame, error) {
	if len(parts) != 7 {
		return nil, fmt.Errorf("wire: request frame needs 7 parts, got %d", len(parts))
	}
	f := &RequestFrame{
		Topic:        string(parts[0]),
		SenderReplyAddr: string(parts[2]),
		ReqType:      string(parts[4]),
		RepType:      string(parts[5]),
		RequestBytes: parts[6],
	}
	copy(f.RequestID[:], parts[1])
	copy(f.SenderProcess[:], parts[3])
	return f, nil
}

// ResponseFrame is sent back on the same reply connection.
type ResponseFrame struct {
	Topic           string
	RequestID       [16]byte
	SenderProcess   [16]byte
	ResponseBytes   []byte
	Result          bool
}

func (f *ResponseFrame) Parts() [][]byte {
	result := byte(0)
	if f.Result {
		result = 1
	}
	return [][]byte{
		[]byte(f.Topic),
		f.RequestID[:],
		f.SenderProcess[:],
		f.ResponseBytes,
		{result},
	}
}

func ParseResponseFrame(parts [][]byte) (*ResponseFrame, error) {
	if len(parts) != 5 {
		return nil, fmt.Errorf("wire: response frame needs 5 parts, got %d", len(parts))
	}
	f := &ResponseFrame{
		Topic:         string(parts[0]),
		ResponseBytes: parts[3],
	}
	copy(f.RequestID[:], parts[1])
	copy(f.SenderProcess[:], parts[2])
	if len(parts[4]) > 0 {
		f.Result = parts[4][0] != 0
	}
	return f, nil
}
