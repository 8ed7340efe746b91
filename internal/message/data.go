package message

import (
	"encoding/binary"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

// Data carries chunk payload and the sender timestamp in microseconds used
// by the receiver for one way delay samples.
type Data struct {
	ChunkRange
	Timestamp uint64
	Payload   []byte
}

func (*Data) Type() models.MessageType { return models.MessageData }

func (m *Data) Append(b []byte) []byte {
	b = m.ChunkRange.append(append(b, byte(models.MessageData)))
	b = binary.BigEndian.AppendUint64(b, m.Timestamp)
	return append(b, m.Payload...)
}

// Parse expects Count()*ChunkSize payload bytes. The last chunk of the
// content may be short, in which case the payload is whatever remains.
func (m *Data) Parse(data []byte, p Params) (int, error) {
	n, err := m.ChunkRange.parse(data, p)
	if err != nil {
		return 0, err
	}
	if len(data) < n+8 {
		return 0, ErrShortBuffer
	}
	m.Timestamp = binary.BigEndian.Uint64(data[n : n+8])
	n += 8

	expected := uint64(m.Count()) * uint64(p.ChunkSize)
	remaining := uint64(len(data) - n)
	if expected > remaining {
		expected = remaining
	}
	m.Payload = make([]byte, expected)
	copy(m.Payload, data[n:n+int(expected)])
	return n + int(expected), nil
}
