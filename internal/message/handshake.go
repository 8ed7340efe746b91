package message

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

type optionCode uint8

const (
	optVersion           optionCode = 0
	optMinVersion        optionCode = 1
	optSwarmID           optionCode = 2
	optIntegrityMethod   optionCode = 3
	optMerkleHash        optionCode = 4
	optChunkAddressing   optionCode = 6
	optLiveDiscardWindow optionCode = 7
	optChunkSize         optionCode = 9
	optEnd               optionCode = 255
)

const ProtocolVersion = 1

type IntegrityMethod uint8

const (
	IntegrityNone IntegrityMethod = iota
	IntegrityMerkle
	IntegritySignAll
	IntegrityUnified
)

// Handshake opens a channel. A zero source channel closes it.
type Handshake struct {
	SrcChannel        uint32
	Version           uint8
	MinVersion        uint8
	SwarmID           models.SwarmID
	Integrity         IntegrityMethod
	MerkleHash        HashType
	Addressing        ChunkAddressing
	LiveDiscardWindow uint32
	ChunkSize         uint32
}

func (*Handshake) Type() models.MessageType { return models.MessageHandshake }

func (m *Handshake) Closing() bool {
	return m.SrcChannel == 0
}

// Params returns the channel parameters announced by the handshake.
func (m *Handshake) Params() Params {
	return Params{ChunkSize: m.ChunkSize, Addressing: m.Addressing, HashType: m.MerkleHash}
}

func (m *Handshake) Append(b []byte) []byte {
	b = append(b, byte(models.MessageHandshake))
	b = binary.BigEndian.AppendUint32(b, m.SrcChannel)
	b = append(b, byte(optVersion), m.Version)
	b = append(b, byte(optMinVersion), m.MinVersion)
	if len(m.SwarmID) > 0 {
		b = append(b, byte(optSwarmID))
		b = binary.BigEndian.AppendUint16(b, uint16(len(m.SwarmID)))
		b = append(b, m.SwarmID...)
	}
	b = append(b, byte(optIntegrityMethod), byte(m.Integrity))
	b = append(b, byte(optMerkleHash), byte(m.MerkleHash))
	b = append(b, byte(optChunkAddressing), byte(m.Addressing))
	if m.LiveDiscardWindow > 0 {
		b = append(b, byte(optLiveDiscardWindow))
		b = binary.BigEndian.AppendUint32(b, m.LiveDiscardWindow)
	}
	if m.ChunkSize > 0 {
		b = append(b, byte(optChunkSize))
		b = binary.BigEndian.AppendUint32(b, m.ChunkSize)
	}
	return append(b, byte(optEnd))
}

func (m *Handshake) Parse(data []byte, p Params) (int, error) {
	if len(data) < 4 {
		return 0, ErrShortBuffer
	}
	m.SrcChannel = binary.BigEndian.Uint32(data[0:4])
	n := 4

	for {
		if n >= len(data) {
			return 0, ErrShortBuffer
		}
		code := optionCode(data[n])
		n++
		switch code {
		case optEnd:
			return n, nil
		case optVersion, optMinVersion, optIntegrityMethod, optMerkleHash, optChunkAddressing:
			if n >= len(data) {
				return 0, ErrShortBuffer
			}
			m.setByteOption(code, data[n])
			n++
		case optSwarmID:
			if n+2 > len(data) {
				return 0, ErrShortBuffer
			}
			length := int(binary.BigEndian.Uint16(data[n : n+2]))
			n += 2
			if n+length > len(data) {
				return 0, ErrShortBuffer
			}
			m.SwarmID = append(models.SwarmID(nil), data[n:n+length]...)
			n += length
		case optLiveDiscardWindow, optChunkSize:
			if n+4 > len(data) {
				return 0, ErrShortBuffer
			}
			v := binary.BigEndian.Uint32(data[n : n+4])
			if code == optChunkSize {
				m.ChunkSize = v
			} else {
				m.LiveDiscardWindow = v
			}
			n += 4
		default:
			return 0, fmt.Errorf("%w: handshake option %d", ErrUnknownMessage, code)
		}
	}
}

func (m *Handshake) setByteOption(code optionCode, v byte) {
	switch code {
	case optVersion:
		m.Version = v
	case optMinVersion:
		m.MinVersion = v
	case optIntegrityMethod:
		m.Integrity = IntegrityMethod(v)
	case optMerkleHash:
		m.MerkleHash = HashType(v)
	case optChunkAddressing:
		m.Addressing = ChunkAddressing(v)
	}
}
