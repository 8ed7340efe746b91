package swarm

import "github.com/WendelHime/goppspp/internal/shared/models"

// Conn is the link a member's datagrams travel on. A TCP connection may be
// shared by members of several swarms.
type Conn interface {
	ID() string
	RemoteAddr() models.Addr
	Transport() models.Transport
	Send(datagram []byte) error
	Close() error
}

// PacketConn is the shared UDP socket of the node, handing out a Conn per
// remote endpoint.
type PacketConn interface {
	Peer(addr models.Addr) Conn
}

// ChannelAllocator hands out local channel ids unique within the node.
type ChannelAllocator interface {
	NextChannel() uint32
}
