package tracker

import (
	"context"
	"net"
	"sync"

	"github.com/WendelHime/goppspp/internal/decoder"
)

// Conn carries tracker messages as length prefixed bencode records.
type Conn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

func (c *Conn) Send(msg Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return decoder.WriteFrame(c.conn, data)
}

// Receive blocks until the next message arrives.
func (c *Conn) Receive() (Message, error) {
	frame, err := decoder.ReadFrame(c.conn)
	if err != nil {
		return Message{}, err
	}
	return UnmarshalMessage(frame)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
