package message

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

// Build prefixes the messages with the channel id.
func Build(channel uint32, msgs ...Message) []byte {
	b := make([]byte, 4, 64)
	binary.BigEndian.PutUint32(b, channel)
	for _, m := range msgs {
		b = m.Append(b)
	}
	return b
}

// Channel reads the channel id of a datagram.
func Channel(datagram []byte) (uint32, error) {
	if len(datagram) < 4 {
		return 0, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(datagram[:4]), nil
}

// Decoder walks the messages of one datagram. Params may be changed between
// calls to Next, e.g. once a handshake announced the channel parameters.
type Decoder struct {
	buf    []byte
	off    int
	Params Params
}

func NewDecoder(datagram []byte, p Params) (*Decoder, uint32, error) {
	channel, err := Channel(datagram)
	if err != nil {
		return nil, 0, err
	}
	return &Decoder{buf: datagram, off: 4, Params: p}, channel, nil
}

func (d *Decoder) More() bool {
	return d.off < len(d.buf)
}

func (d *Decoder) Next() (Message, error) {
	if !d.More() {
		return nil, ErrShortBuffer
	}
	t := models.MessageType(d.buf[d.off])
	msg, err := New(t)
	if err != nil {
		return nil, err
	}
	n, err := msg.Parse(d.buf[d.off+1:], d.Params)
	if err != nil {
		return nil, fmt.Errorf("parse %s at offset %d: %w", t, d.off, err)
	}
	d.off += 1 + n
	return msg, nil
}

// Parse decodes every message of a datagram with fixed parameters.
func Parse(datagram []byte, p Params) (uint32, []Message, error) {
	d, channel, err := NewDecoder(datagram, p)
	if err != nil {
		return 0, nil, err
	}
	msgs := make([]Message, 0)
	for d.More() {
		msg, err := d.Next()
		if err != nil {
			return channel, nil, err
		}
		if hs, ok := msg.(*Handshake); ok && hs.ChunkSize > 0 {
			d.Params = hs.Params()
		}
		msgs = append(msgs, msg)
	}
	return channel, msgs, nil
}
