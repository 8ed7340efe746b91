// Package p2p holds the sockets peers talk over: framed TCP connections, the
// shared UDP socket, outbound dials and the inbound listener. Everything read
// from the network is handed to the event loop.
package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/WendelHime/goppspp/internal/decoder"
	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/swarm"
	"github.com/google/uuid"
)

var ErrUnsupportedAddr = errors.New("unsupported network address")

// Handler receives what the sockets read, always on the event loop.
type Handler interface {
	HandleDatagram(conn swarm.Conn, datagram []byte)
	ConnectionLost(conn swarm.Conn, err error)
}

// TCPConn carries datagrams over a stream as 4 byte length prefixed frames.
type TCPConn struct {
	id     string
	conn   net.Conn
	remote models.Addr

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewTCPConn(conn net.Conn) (*TCPConn, error) {
	remote, err := AddrFromNet(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}
	return &TCPConn{id: uuid.NewString(), conn: conn, remote: remote}, nil
}

func (c *TCPConn) ID() string                  { return c.id }
func (c *TCPConn) RemoteAddr() models.Addr     { return c.remote }
func (c *TCPConn) Transport() models.Transport { return models.TransportTCP }

// Send writes one datagram. Safe from any goroutine.
func (c *TCPConn) Send(datagram []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return decoder.WriteFrame(c.conn, datagram)
}

// Close is idempotent.
func (c *TCPConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Serve reads frames until the connection fails and posts each to h on the
// loop. It blocks, run it on its own goroutine.
func (c *TCPConn) Serve(l *loop.Loop, h Handler, logger *slog.Logger) {
	for {
		frame, err := decoder.ReadFrame(c.conn)
		if err != nil {
			logger.Debug("connection read stopped", slog.String("conn", c.id), slog.String("peer", c.remote.String()), slog.Any("error", err))
			l.Post(func() { h.ConnectionLost(c, err) })
			return
		}
		l.Post(func() { h.HandleDatagram(c, frame) })
	}
}

// AddrFromNet converts TCP and UDP socket addresses.
func AddrFromNet(addr net.Addr) (models.Addr, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return models.Addr{IP: a.IP, Port: uint16(a.Port)}, nil
	case *net.UDPAddr:
		return models.Addr{IP: a.IP, Port: uint16(a.Port)}, nil
	default:
		return models.Addr{}, fmt.Errorf("%w: %v", ErrUnsupportedAddr, addr)
	}
}
