// Package message encodes and decodes the messages carried in PPSPP datagrams.
//
// A datagram is a 4 byte big endian channel id followed by messages laid out
// back to back. Every message starts with a one byte type; the body parsers
// report how many bytes they consumed so the next message can be located.
package message

import (
	"errors"
	"fmt"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

var (
	ErrShortBuffer           = errors.New("short buffer")
	ErrUnknownMessage        = errors.New("unknown message type")
	ErrUnsupportedAddressing = errors.New("unsupported chunk addressing method")
	ErrInvalidRange          = errors.New("start chunk after end chunk")
)

type Message interface {
	Type() models.MessageType
	// Append writes the type byte and the body to b.
	Append(b []byte) []byte
	// Parse decodes the body (without the type byte) and returns the
	// number of bytes consumed.
	Parse(data []byte, p Params) (int, error)
}

type HashType uint8

const (
	HashSHA1 HashType = iota
	HashSHA224
	HashSHA256
	HashSHA384
	HashSHA512
)

// Len is the digest size in bytes, 0 when the type carries no digest.
func (h HashType) Len() int {
	switch h {
	case HashSHA1:
		return 20
	case HashSHA224:
		return 28
	case HashSHA256:
		return 32
	case HashSHA384:
		return 48
	case HashSHA512:
		return 64
	default:
		return 0
	}
}

type ChunkAddressing uint8

const (
	Addressing32BitBins ChunkAddressing = iota
	Addressing64BitBytes
	Addressing32BitChunks
	Addressing64BitBins
	Addressing64BitChunks
)

// Params carries the per channel values that change message layouts.
type Params struct {
	ChunkSize  uint32
	Addressing ChunkAddressing
	HashType   HashType
}

func DefaultParams() Params {
	return Params{ChunkSize: 1024, Addressing: Addressing32BitChunks, HashType: HashSHA1}
}

func (p Params) check() error {
	if p.Addressing != Addressing32BitChunks {
		return fmt.Errorf("%w: %d", ErrUnsupportedAddressing, p.Addressing)
	}
	return nil
}

// New returns an empty message for the type.
func New(t models.MessageType) (Message, error) {
	switch t {
	case models.MessageHandshake:
		return &Handshake{}, nil
	case models.MessageData:
		return &Data{}, nil
	case models.MessageAck:
		return &Ack{}, nil
	case models.MessageHave:
		return &Have{}, nil
	case models.MessageIntegrity:
		return &Integrity{}, nil
	case models.MessagePexResV4:
		return &PexResV4{}, nil
	case models.MessagePexReq:
		return &PexReq{}, nil
	case models.MessageRequest:
		return &Request{}, nil
	case models.MessageCancel:
		return &Cancel{}, nil
	case models.MessageChoke:
		return &Choke{}, nil
	case models.MessageUnchoke:
		return &Unchoke{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, t)
	}
}
