package decoder

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadBytes(t *testing.T) {
	var tests = []struct {
		name   string
		assert func(t *testing.T, actual []byte, err error)
		setup  func() (io.Reader, int)
	}{
		{
			name: "read 1 byte",
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []byte{0x01}, actual)
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer([]byte{0x01}), 1
			},
		},
		{
			name: "reading more bytes than available should return EOF error",
			assert: func(t *testing.T, actual []byte, err error) {
				if assert.Error(t, err) {
					assert.Equal(t, io.EOF, err)
				}
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer([]byte{0x01}), 2
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r, n := tt.setup()
			actual, err := ReadBytes(r, n)
			tt.assert(t, actual, err)
		})
	}
}

func TestFrames(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) io.Reader
		assert func(t *testing.T, actual []byte, err error)
	}{
		{
			name: "write then read a frame",
			setup: func(t *testing.T) io.Reader {
				buf := bytes.NewBuffer(nil)
				assert.Nil(t, WriteFrame(buf, []byte("datagram")))
				return buf
			},
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []byte("datagram"), actual)
			},
		},
		{
			name: "oversized length is rejected",
			setup: func(t *testing.T) io.Reader {
				return bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
			},
			assert: func(t *testing.T, actual []byte, err error) {
				assert.ErrorIs(t, err, ErrFrameTooLarge)
			},
		},
		{
			name: "empty frame",
			setup: func(t *testing.T) io.Reader {
				return bytes.NewBuffer([]byte{0, 0, 0, 0})
			},
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Empty(t, actual)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := ReadFrame(tt.setup(t))
			tt.assert(t, actual, err)
		})
	}
}
