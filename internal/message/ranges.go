package message

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

// ChunkRange is an inclusive range of chunk ids in 32 bit chunk addressing.
type ChunkRange struct {
	Start uint32
	End   uint32
}

// CheckRange reports ranges whose start is after their end. Parsers never
// validate this themselves.
func (r ChunkRange) CheckRange() error {
	if r.Start > r.End {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, r.Start, r.End)
	}
	return nil
}

func (r ChunkRange) Count() uint32 {
	if r.Start > r.End {
		return 0
	}
	return r.End - r.Start + 1
}

// Each calls fn for every id of a well formed range.
func (r ChunkRange) Each(fn func(id uint32)) {
	if r.Start > r.End {
		return
	}
	for id := r.Start; ; id++ {
		fn(id)
		if id == r.End {
			return
		}
	}
}

func (r ChunkRange) append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, r.Start)
	return binary.BigEndian.AppendUint32(b, r.End)
}

func (r *ChunkRange) parse(data []byte, p Params) (int, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 0, ErrShortBuffer
	}
	r.Start = binary.BigEndian.Uint32(data[0:4])
	r.End = binary.BigEndian.Uint32(data[4:8])
	return 8, nil
}

type Have struct {
	ChunkRange
}

func (*Have) Type() models.MessageType { return models.MessageHave }

func (m *Have) Append(b []byte) []byte {
	return m.ChunkRange.append(append(b, byte(models.MessageHave)))
}

func (m *Have) Parse(data []byte, p Params) (int, error) {
	return m.ChunkRange.parse(data, p)
}

type Request struct {
	ChunkRange
}

func (*Request) Type() models.MessageType { return models.MessageRequest }

func (m *Request) Append(b []byte) []byte {
	return m.ChunkRange.append(append(b, byte(models.MessageRequest)))
}

func (m *Request) Parse(data []byte, p Params) (int, error) {
	return m.ChunkRange.parse(data, p)
}

type Cancel struct {
	ChunkRange
}

func (*Cancel) Type() models.MessageType { return models.MessageCancel }

func (m *Cancel) Append(b []byte) []byte {
	return m.ChunkRange.append(append(b, byte(models.MessageCancel)))
}

func (m *Cancel) Parse(data []byte, p Params) (int, error) {
	return m.ChunkRange.parse(data, p)
}

// Ack acknowledges a range and carries the one way delay sample in
// microseconds measured by the receiver.
type Ack struct {
	ChunkRange
	DelaySample uint64
}

func (*Ack) Type() models.MessageType { return models.MessageAck }

func (m *Ack) Append(b []byte) []byte {
	b = m.ChunkRange.append(append(b, byte(models.MessageAck)))
	return binary.BigEndian.AppendUint64(b, m.DelaySample)
}

func (m *Ack) Parse(data []byte, p Params) (int, error) {
	n, err := m.ChunkRange.parse(data, p)
	if err != nil {
		return 0, err
	}
	if len(data) < n+8 {
		return 0, ErrShortBuffer
	}
	m.DelaySample = binary.BigEndian.Uint64(data[n : n+8])
	return n + 8, nil
}

type Choke struct{}

func (*Choke) Type() models.MessageType                 { return models.MessageChoke }
func (*Choke) Append(b []byte) []byte                   { return append(b, byte(models.MessageChoke)) }
func (*Choke) Parse(data []byte, p Params) (int, error) { return 0, nil }

type Unchoke struct{}

func (*Unchoke) Type() models.MessageType                 { return models.MessageUnchoke }
func (*Unchoke) Append(b []byte) []byte                   { return append(b, byte(models.MessageUnchoke)) }
func (*Unchoke) Parse(data []byte, p Params) (int, error) { return 0, nil }

type PexReq struct{}

func (*PexReq) Type() models.MessageType                 { return models.MessagePexReq }
func (*PexReq) Append(b []byte) []byte                   { return append(b, byte(models.MessagePexReq)) }
func (*PexReq) Parse(data []byte, p Params) (int, error) { return 0, nil }

// PexResV4 carries one IPv4 endpoint known to the sender.
type PexResV4 struct {
	Addr models.Addr
}

func (*PexResV4) Type() models.MessageType { return models.MessagePexResV4 }

func (m *PexResV4) Append(b []byte) []byte {
	b = append(b, byte(models.MessagePexResV4))
	compact := m.Addr.Bytes()
	if compact == nil {
		compact = make([]byte, 6)
	}
	return append(b, compact...)
}

func (m *PexResV4) Parse(data []byte, p Params) (int, error) {
	if len(data) < 6 {
		return 0, ErrShortBuffer
	}
	if err := m.Addr.ReadFromBytes(data[:6]); err != nil {
		return 0, err
	}
	return 6, nil
}
