// Package msg provides sample message types implementing ignite.Codec,
// standing in for the external structured-message library the fabric
// treats as an out-of-scope collaborator.
package msg

import (
	"encoding/binary"
	"errors"
)

var errShortInt32 = errors.New("msg: Int32 requires exactly 4 bytes")

// StringMsg wraps a UTF-8 string, encoded as raw bytes.
type StringMsg struct {
	Data string
}

func (m *StringMsg) TypeName() string { return "StringMsg" }

func (m *StringMsg) Marshal() ([]byte, error) {
	return []byte(m.Data), nil
}

func (m *StringMsg) Unmarshal(buf []byte) error {
	m.Data = string(buf)
	return nil
}

// Int32 wraps a single little-endian 32-bit integer.
type Int32 struct {
	Value int32
}

func (m *Int32) TypeName() string { return "Int32" }

func (m *Int32) Marshal() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(m.Value))
	return buf, nil
}

func (m *Int32) Unmarshal(buf []byte) error {
	if len(buf) != 4 {
		return errShortInt32
	}
	m.Value = int32(binary.LittleEndian.Uint32(buf))
	return nil
}
