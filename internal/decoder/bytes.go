package decoder

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize bounds a single length prefixed frame.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame too large")

func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, 0, n)
	needToRead := n
	for needToRead > 0 {
		buff := make([]byte, needToRead)
		readed, err := r.Read(buff)
		result = append(result, buff[:readed]...)
		needToRead -= readed
		if err != nil {
			if needToRead == 0 {
				break
			}
			return nil, err
		}
	}

	return result, nil
}

// ReadFrame reads a 4 byte big endian length followed by that many bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	header, err := ReadBytes(r, 4)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}
	return ReadBytes(r, int(length))
}

func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
