package p2p

import (
	"log/slog"
	"net"
	"sync"

	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/swarm"
	"github.com/google/uuid"
)

const maxDatagramSize = 65535

// UDPSocket is the one socket every UDP member of the node shares.
type UDPSocket struct {
	conn  *net.UDPConn
	mu    sync.Mutex
	peers map[string]*udpPeer
}

func ListenUDP(port int) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn, peers: make(map[string]*udpPeer)}, nil
}

func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Peer returns the connection for a remote endpoint, the same one for every
// call with that endpoint.
func (s *UDPSocket) Peer(addr models.Addr) swarm.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	if p, ok := s.peers[key]; ok {
		return p
	}
	p := &udpPeer{id: uuid.NewString(), socket: s, addr: addr}
	s.peers[key] = p
	return p
}

// Serve reads datagrams until the socket is closed. It blocks.
func (s *UDPSocket) Serve(l *loop.Loop, h Handler, logger *slog.Logger) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			logger.Debug("udp socket read stopped", slog.Any("error", err))
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		peer := s.Peer(models.Addr{IP: from.IP, Port: uint16(from.Port)})
		l.Post(func() { h.HandleDatagram(peer, datagram) })
	}
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

type udpPeer struct {
	id     string
	socket *UDPSocket
	addr   models.Addr
}

func (p *udpPeer) ID() string                  { return p.id }
func (p *udpPeer) RemoteAddr() models.Addr     { return p.addr }
func (p *udpPeer) Transport() models.Transport { return models.TransportUDP }

func (p *udpPeer) Send(datagram []byte) error {
	_, err := p.socket.conn.WriteToUDP(datagram, &net.UDPAddr{IP: p.addr.IP, Port: int(p.addr.Port)})
	return err
}

// Close is a no-op, the socket belongs to the node.
func (p *udpPeer) Close() error {
	return nil
}
