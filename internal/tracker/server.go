package tracker

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/WendelHime/goppspp/internal/shared/models"
)

type registration struct {
	addr models.Addr
	conn *Conn
}

// Server is a minimal tracker: it keeps the registered endpoints of every
// swarm and tells the peers about each other.
type Server struct {
	ln  net.Listener
	log *slog.Logger

	mu     sync.Mutex
	swarms map[string]map[string]registration
	conns  map[*Conn]struct{}
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{
		log:    logger,
		swarms: make(map[string]map[string]registration),
		conns:  make(map[*Conn]struct{}),
	}
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("tracker listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts peers until Close. It blocks.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := NewConn(conn)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	return err
}

// Peers lists the endpoints registered for a swarm.
func (s *Server) Peers(swarmID string) []models.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addrs(s.peers(swarmID, models.Addr{}))
}

func (s *Server) handle(c *Conn) {
	defer s.drop(c)
	for {
		msg, err := c.Receive()
		if errors.Is(err, ErrInvalidMessage) {
			s.log.Warn("dropping malformed tracker message", slog.String("peer", c.RemoteAddr().String()), slog.Any("error", err))
			continue
		}
		if err != nil {
			s.log.Debug("tracker peer gone", slog.String("peer", c.RemoteAddr().String()), slog.Any("error", err))
			return
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *Conn, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case MessageRegister:
		peers := s.peers(msg.SwarmID, msg.Endpoint)
		s.notify(peers, Message{Type: MessageNewNode, SwarmID: msg.SwarmID, Endpoint: msg.Endpoint})
		if s.swarms[msg.SwarmID] == nil {
			s.swarms[msg.SwarmID] = make(map[string]registration)
		}
		s.swarms[msg.SwarmID][msg.Endpoint.String()] = registration{addr: msg.Endpoint, conn: c}
		s.log.Info("peer registered", slog.String("swarm", msg.SwarmID), slog.String("peer", msg.Endpoint.String()))
		s.reply(c, Message{Type: MessageOtherPeers, SwarmID: msg.SwarmID, Details: addrs(peers)})
	case MessageUnregister:
		s.unregister(msg.SwarmID, msg.Endpoint)
	case MessageGetPeers:
		var self models.Addr
		for _, r := range s.swarms[msg.SwarmID] {
			if r.conn == c {
				self = r.addr
			}
		}
		s.reply(c, Message{Type: MessageOtherPeers, SwarmID: msg.SwarmID, Details: addrs(s.peers(msg.SwarmID, self))})
	default:
		s.log.Warn("unexpected message from peer", slog.String("type", msg.RawType))
	}
}

func (s *Server) unregister(swarmID string, addr models.Addr) {
	regs, ok := s.swarms[swarmID]
	if !ok {
		return
	}
	if _, ok := regs[addr.String()]; !ok {
		return
	}
	delete(regs, addr.String())
	s.log.Info("peer unregistered", slog.String("swarm", swarmID), slog.String("peer", addr.String()))
	s.notify(s.peers(swarmID, addr), Message{Type: MessageRemoveNode, SwarmID: swarmID, Endpoint: addr})
}

// drop unregisters everything a closed connection registered.
func (s *Server) drop(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	c.Close()
	for swarmID, regs := range s.swarms {
		for _, r := range regs {
			if r.conn == c {
				s.unregister(swarmID, r.addr)
			}
		}
	}
}

func (s *Server) peers(swarmID string, except models.Addr) []registration {
	out := make([]registration, 0)
	for _, r := range s.swarms[swarmID] {
		if r.addr.Equal(except) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Server) notify(regs []registration, msg Message) {
	for _, r := range regs {
		s.reply(r.conn, msg)
	}
}

func (s *Server) reply(c *Conn, msg Message) {
	if err := c.Send(msg); err != nil {
		s.log.Debug("failed to send to peer", slog.String("type", msg.Type.String()), slog.Any("error", err))
	}
}

func addrs(regs []registration) []models.Addr {
	out := make([]models.Addr, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.addr)
	}
	return out
}
