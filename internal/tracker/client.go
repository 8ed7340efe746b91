package tracker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"sort"

	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/swarm"
)

var ErrNotConnected = errors.New("not connected to tracker")

// Hive is the part of the connection registry discovery drives.
type Hive interface {
	GetSwarm(id string) *swarm.Swarm
	GetProtoByAddress(addr models.Addr) swarm.Conn
	MakeConnection(addr models.Addr, swarmID string) error
}

// Coster ranks peers by network cost, see the alto package.
type Coster interface {
	CostByIP(local, peer net.IP) (int, error)
}

type Sender interface {
	Send(msg Message) error
}

// Client applies tracker notifications to the swarms. All its methods run on
// the event loop.
type Client struct {
	hive    Hive
	conn    Sender
	coster  Coster
	localIP net.IP
	shuffle func([]models.Addr)
	log     *slog.Logger
}

func NewClient(hive Hive, localIP net.IP, logger *slog.Logger) *Client {
	return &Client{
		hive:    hive,
		localIP: localIP,
		shuffle: func(addrs []models.Addr) {
			rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
		},
		log: logger,
	}
}

// WithCoster enables cost ranked connects.
func (c *Client) WithCoster(coster Coster) *Client {
	c.coster = coster
	return c
}

func (c *Client) WithConn(conn Sender) *Client {
	c.conn = conn
	return c
}

func (c *Client) send(msg Message) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Send(msg)
}

func (c *Client) Register(swarmID string, port uint16) error {
	return c.send(Message{Type: MessageRegister, SwarmID: swarmID, Endpoint: models.Addr{IP: c.localIP, Port: port}})
}

func (c *Client) Unregister(swarmID string, port uint16) error {
	return c.send(Message{Type: MessageUnregister, SwarmID: swarmID, Endpoint: models.Addr{IP: c.localIP, Port: port}})
}

func (c *Client) GetPeers(swarmID string) error {
	return c.send(Message{Type: MessageGetPeers, SwarmID: swarmID})
}

// Run reads the tracker connection and hands every message to the loop until
// the connection closes. Malformed records are dropped. A lost tracker is
// logged, the node keeps running with what it knows.
func (c *Client) Run(ctx context.Context, l *loop.Loop, conn *Conn) {
	for {
		msg, err := conn.Receive()
		if errors.Is(err, ErrInvalidMessage) {
			c.log.Warn("dropping malformed tracker message", slog.Any("error", err))
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("lost connection to tracker", slog.Any("error", err))
			}
			return
		}
		l.Post(func() { c.HandleMessage(msg) })
	}
}

// HandleMessage updates the swarm a notification is about and starts
// connections to the peers it names.
func (c *Client) HandleMessage(msg Message) {
	if msg.SwarmID == "" {
		c.log.Warn("tracker message without swarm id", slog.String("type", msg.RawType))
		return
	}
	s := c.hive.GetSwarm(msg.SwarmID)
	if s == nil {
		c.log.Warn("tracker message for unknown swarm", slog.String("swarm", msg.SwarmID))
		return
	}

	switch msg.Type {
	case MessageOtherPeers:
		if len(msg.Details) == 0 {
			return
		}
		s.AddOtherPeers(msg.Details...)
		if s.Live() && s.LiveSource() {
			return
		}
		if c.coster != nil {
			c.connectRanked(s, msg.Details)
			return
		}
		c.connectShuffled(s, msg.Details)
	case MessageNewNode:
		c.log.Info("tracker announced new node", slog.String("swarm", msg.SwarmID), slog.String("peer", msg.Endpoint.String()))
		s.AddOtherPeers(msg.Endpoint)
		if s.Live() && s.LiveSource() {
			return
		}
		if !s.AnyFreePeerSlots() {
			c.log.Info("swarm has no free slots, ignoring new node", slog.String("swarm", msg.SwarmID))
			return
		}
		c.connectOne(s, msg.Endpoint)
	case MessageRemoveNode:
		s.RemoveOtherPeers(msg.Endpoint)
	case MessageRegister, MessageUnregister, MessageGetPeers, MessageUnknown:
		c.log.Warn("unrecognized tracker message", slog.String("type", msg.RawType), slog.String("swarm", msg.SwarmID))
	}
}

func (c *Client) connectShuffled(s *swarm.Swarm, peers []models.Addr) {
	shuffled := append([]models.Addr(nil), peers...)
	c.shuffle(shuffled)
	for _, peer := range shuffled {
		c.connectOne(s, peer)
	}
}

// connectRanked tries cheaper peers first. Peers the cost map does not know
// go last.
func (c *Client) connectRanked(s *swarm.Swarm, peers []models.Addr) {
	buckets := make(map[int][]models.Addr)
	for _, peer := range peers {
		cost, err := c.coster.CostByIP(c.localIP, peer.IP)
		if err != nil {
			c.log.Warn("no cost for peer", slog.String("peer", peer.String()), slog.Any("error", err))
			cost = math.MaxInt
		}
		buckets[cost] = append(buckets[cost], peer)
	}

	costs := make([]int, 0, len(buckets))
	for cost := range buckets {
		costs = append(costs, cost)
	}
	sort.Ints(costs)
	c.log.Info("peers ranked by cost", slog.String("swarm", s.ID().String()), slog.Any("costs", costs))

	for _, cost := range costs {
		for _, peer := range buckets[cost] {
			c.connectOne(s, peer)
		}
	}
}

func (c *Client) connectOne(s *swarm.Swarm, peer models.Addr) {
	switch s.Transport() {
	case models.TransportTCP:
		conn := c.hive.GetProtoByAddress(peer)
		if conn == nil {
			if err := c.hive.MakeConnection(peer, s.ID().String()); err != nil {
				c.log.Debug("no dial started", slog.String("peer", peer.String()), slog.Any("error", err))
			}
			return
		}
		c.addMember(s, peer, conn)
	case models.TransportUDP:
		c.addMember(s, peer, nil)
	}
}

func (c *Client) addMember(s *swarm.Swarm, peer models.Addr, conn swarm.Conn) {
	m, err := s.AddMember(peer, conn)
	if err != nil {
		c.log.Info("peer not added", slog.String("swarm", s.ID().String()), slog.String("peer", peer.String()), slog.Any("error", err))
		return
	}
	if err := m.SendHandshake(); err != nil {
		c.log.Warn("handshake failed", slog.String("peer", peer.String()), slog.Any("error", err))
	}
}
