package message

import (
	"encoding/binary"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

type Integrity struct {
	StartChunk uint32
	EndChunk   uint32
	HashType   HashType
	HashData   []byte
}

func (*Integrity) Type() models.MessageType { return models.MessageIntegrity }

func (m *Integrity) Range() ChunkRange {
	return ChunkRange{Start: m.StartChunk, End: m.EndChunk}
}

func (m *Integrity) Append(b []byte) []byte {
	b = append(b, byte(models.MessageIntegrity))
	b = binary.BigEndian.AppendUint32(b, m.StartChunk)
	b = binary.BigEndian.AppendUint32(b, m.EndChunk)
	hash := make([]byte, m.HashType.Len())
	copy(hash, m.HashData)
	return append(b, hash...)
}

// Parse reads the range and a digest whose length follows the hash type of
// the channel.
func (m *Integrity) Parse(data []byte, p Params) (int, error) {
	hashLen := p.HashType.Len()
	if len(data) < 8+hashLen {
		return 0, ErrShortBuffer
	}
	m.HashType = p.HashType
	m.StartChunk = binary.BigEndian.Uint32(data[0:4])
	m.EndChunk = binary.BigEndian.Uint32(data[4:8])
	m.HashData = make([]byte, hashLen)
	copy(m.HashData, data[8:8+hashLen])
	return 8 + hashLen, nil
}
