package tracker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/WendelHime/goppspp/internal/decoder"
	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/message"
	"github.com/WendelHime/goppspp/internal/metrics"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/swarm"
	"github.com/benbjohnson/clock"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const swarmKey = "0a0b"

type fakeConn struct {
	addr      models.Addr
	transport models.Transport
	sent      [][]byte
}

func (c *fakeConn) ID() string                  { return c.addr.String() }
func (c *fakeConn) RemoteAddr() models.Addr     { return c.addr }
func (c *fakeConn) Transport() models.Transport { return c.transport }
func (c *fakeConn) Close() error                { return nil }
func (c *fakeConn) Send(d []byte) error {
	c.sent = append(c.sent, d)
	return nil
}

type fakeUDP struct {
	conns map[string]*fakeConn
}

func (u *fakeUDP) Peer(addr models.Addr) swarm.Conn {
	c := &fakeConn{addr: addr, transport: models.TransportUDP}
	u.conns[addr.String()] = c
	return c
}

type channels struct{ next uint32 }

func (c *channels) NextChannel() uint32 {
	c.next++
	return c.next
}

type fakeHive struct {
	swarm *swarm.Swarm
	conns map[string]swarm.Conn
	dials []models.Addr
}

func (h *fakeHive) GetSwarm(id string) *swarm.Swarm {
	if id == swarmKey {
		return h.swarm
	}
	return nil
}

func (h *fakeHive) GetProtoByAddress(addr models.Addr) swarm.Conn {
	return h.conns[addr.String()]
}

func (h *fakeHive) MakeConnection(addr models.Addr, swarmID string) error {
	h.dials = append(h.dials, addr)
	return nil
}

type fakeCoster map[string]int

func (c fakeCoster) CostByIP(local, peer net.IP) (int, error) {
	cost, ok := c[peer.String()]
	if !ok {
		return 0, errors.New("unknown")
	}
	return cost, nil
}

type recordingSender struct {
	msgs []Message
}

func (s *recordingSender) Send(msg Message) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

type swarmOptions struct {
	transport  models.Transport
	live       bool
	liveSource bool
	maxPeers   int
}

func newSwarm(opts swarmOptions) (*swarm.Swarm, *fakeUDP) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	udp := &fakeUDP{conns: make(map[string]*fakeConn)}
	cfg := swarm.Config{
		Meta: models.SwarmMeta{
			ID:   models.SwarmID{0x0a, 0x0b},
			Info: models.SwarmInfo{Length: 64, ChunkSize: 16, Live: opts.live},
		},
		LiveSource: opts.liveSource,
		Transport:  opts.transport,
		MaxPeers:   opts.maxPeers,
		UDP:        udp,
	}
	return swarm.New(cfg, &channels{}, loop.New(clock.NewMock(), logger), metrics.NewUnregistered(), logger), udp
}

func addr(t *testing.T, ip string, port int) models.Addr {
	a, err := models.NewAddr(ip, port)
	require.Nil(t, err)
	return a
}

func memberAddrs(s *swarm.Swarm) []string {
	out := make([]string, 0)
	for _, m := range s.Members() {
		out = append(out, m.Addr().String())
	}
	return out
}

func TestHandleMessage(t *testing.T) {
	var tests = []struct {
		name   string
		opts   swarmOptions
		setup  func(t *testing.T, h *fakeHive, c *Client)
		msgs   func(t *testing.T) []Message
		assert func(t *testing.T, h *fakeHive, udp *fakeUDP)
	}{
		{
			name: "live source only records peers",
			opts: swarmOptions{transport: models.TransportTCP, live: true, liveSource: true},
			msgs: func(t *testing.T) []Message {
				return []Message{
					{Type: MessageOtherPeers, SwarmID: swarmKey, Details: []models.Addr{addr(t, "10.0.0.1", 1), addr(t, "10.0.0.2", 2)}},
					{Type: MessageNewNode, SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.3", 3)},
				}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Empty(t, h.dials)
				assert.Empty(t, h.swarm.Members())
				assert.Len(t, h.swarm.OtherPeers(), 3)
			},
		},
		{
			name: "live swarm without source role connects",
			opts: swarmOptions{transport: models.TransportTCP, live: true},
			msgs: func(t *testing.T) []Message {
				return []Message{{Type: MessageNewNode, SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.3", 3)}}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Len(t, h.dials, 1)
			},
		},
		{
			name: "tcp peers without connection are dialed",
			opts: swarmOptions{transport: models.TransportTCP},
			msgs: func(t *testing.T) []Message {
				return []Message{{Type: MessageOtherPeers, SwarmID: swarmKey, Details: []models.Addr{addr(t, "10.0.0.1", 1), addr(t, "10.0.0.2", 2)}}}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.ElementsMatch(t, []models.Addr{addr(t, "10.0.0.1", 1), addr(t, "10.0.0.2", 2)}, h.dials)
				assert.Empty(t, h.swarm.Members())
			},
		},
		{
			name: "existing tcp connection is reused with a handshake",
			opts: swarmOptions{transport: models.TransportTCP},
			setup: func(t *testing.T, h *fakeHive, c *Client) {
				h.conns["10.0.0.1:1"] = &fakeConn{addr: addr(t, "10.0.0.1", 1), transport: models.TransportTCP}
			},
			msgs: func(t *testing.T) []Message {
				return []Message{{Type: MessageNewNode, SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.1", 1)}}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Empty(t, h.dials)
				assert.Equal(t, []string{"10.0.0.1:1"}, memberAddrs(h.swarm))
				conn := h.conns["10.0.0.1:1"].(*fakeConn)
				require.Len(t, conn.sent, 1)
				_, msgs, err := message.Parse(conn.sent[0], h.swarm.Params())
				require.Nil(t, err)
				assert.Equal(t, models.MessageHandshake, msgs[0].Type())
			},
		},
		{
			name: "udp peers become members directly",
			opts: swarmOptions{transport: models.TransportUDP},
			msgs: func(t *testing.T) []Message {
				return []Message{{Type: MessageOtherPeers, SwarmID: swarmKey, Details: []models.Addr{addr(t, "10.0.0.1", 1), addr(t, "10.0.0.2", 2)}}}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Empty(t, h.dials)
				assert.ElementsMatch(t, []string{"10.0.0.1:1", "10.0.0.2:2"}, memberAddrs(h.swarm))
				assert.Len(t, udp.conns["10.0.0.1:1"].sent, 1)
				assert.Len(t, udp.conns["10.0.0.2:2"].sent, 1)
			},
		},
		{
			name: "cost ranked peers connect cheapest first",
			opts: swarmOptions{transport: models.TransportUDP},
			setup: func(t *testing.T, h *fakeHive, c *Client) {
				c.WithCoster(fakeCoster{"10.0.0.1": 30, "10.0.0.2": 10, "10.0.0.3": 20})
			},
			msgs: func(t *testing.T) []Message {
				return []Message{{Type: MessageOtherPeers, SwarmID: swarmKey, Details: []models.Addr{
					addr(t, "10.0.0.4", 4), addr(t, "10.0.0.1", 1), addr(t, "10.0.0.2", 2), addr(t, "10.0.0.3", 3),
				}}}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Equal(t, []string{"10.0.0.2:2", "10.0.0.3:3", "10.0.0.1:1", "10.0.0.4:4"}, memberAddrs(h.swarm))
			},
		},
		{
			name: "new node without free slots is skipped",
			opts: swarmOptions{transport: models.TransportUDP, maxPeers: 1},
			setup: func(t *testing.T, h *fakeHive, c *Client) {
				_, err := h.swarm.AddMember(addr(t, "10.0.0.9", 9), nil)
				require.Nil(t, err)
			},
			msgs: func(t *testing.T) []Message {
				return []Message{{Type: MessageNewNode, SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.1", 1)}}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Equal(t, []string{"10.0.0.9:9"}, memberAddrs(h.swarm))
				assert.True(t, h.swarm.HasOtherPeer(addr(t, "10.0.0.1", 1)))
			},
		},
		{
			name: "remove node forgets the peer",
			opts: swarmOptions{transport: models.TransportTCP, live: true, liveSource: true},
			msgs: func(t *testing.T) []Message {
				return []Message{
					{Type: MessageOtherPeers, SwarmID: swarmKey, Details: []models.Addr{addr(t, "10.0.0.1", 1), addr(t, "10.0.0.2", 2)}},
					{Type: MessageRemoveNode, SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.1", 1)},
				}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Equal(t, []models.Addr{addr(t, "10.0.0.2", 2)}, h.swarm.OtherPeers())
			},
		},
		{
			name: "unknown swarm, empty details and unknown types change nothing",
			opts: swarmOptions{transport: models.TransportTCP},
			msgs: func(t *testing.T) []Message {
				return []Message{
					{Type: MessageOtherPeers, SwarmID: "ffff", Details: []models.Addr{addr(t, "10.0.0.1", 1)}},
					{Type: MessageOtherPeers, SwarmID: swarmKey},
					{Type: MessageUnknown, RawType: "bogus", SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.1", 1)},
					{Type: MessageNewNode, Endpoint: addr(t, "10.0.0.1", 1)},
				}
			},
			assert: func(t *testing.T, h *fakeHive, udp *fakeUDP) {
				assert.Empty(t, h.dials)
				assert.Empty(t, h.swarm.OtherPeers())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, udp := newSwarm(tt.opts)
			h := &fakeHive{swarm: s, conns: make(map[string]swarm.Conn)}
			c := NewClient(h, net.IPv4(10, 0, 0, 100), slog.New(slog.NewTextHandler(io.Discard, nil)))
			if tt.setup != nil {
				tt.setup(t, h, c)
			}
			for _, msg := range tt.msgs(t) {
				c.HandleMessage(msg)
			}
			tt.assert(t, h, udp)
		})
	}
}

func TestShuffledConnect(t *testing.T) {
	s, _ := newSwarm(swarmOptions{transport: models.TransportUDP})
	h := &fakeHive{swarm: s, conns: make(map[string]swarm.Conn)}
	c := NewClient(h, net.IPv4(10, 0, 0, 100), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.shuffle = func(addrs []models.Addr) {
		for i, j := 0, len(addrs)-1; i < j; i, j = i+1, j-1 {
			addrs[i], addrs[j] = addrs[j], addrs[i]
		}
	}
	details := []models.Addr{addr(t, "10.0.0.1", 1), addr(t, "10.0.0.2", 2), addr(t, "10.0.0.3", 3)}
	c.HandleMessage(Message{Type: MessageOtherPeers, SwarmID: swarmKey, Details: details})

	assert.Equal(t, []string{"10.0.0.3:3", "10.0.0.2:2", "10.0.0.1:1"}, memberAddrs(s))
	assert.Equal(t, "10.0.0.1:1", details[0].String())
}

func TestRequests(t *testing.T) {
	s, _ := newSwarm(swarmOptions{transport: models.TransportTCP})
	h := &fakeHive{swarm: s, conns: make(map[string]swarm.Conn)}
	c := NewClient(h, net.IPv4(10, 0, 0, 100), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, c.GetPeers(swarmKey), ErrNotConnected)

	sender := &recordingSender{}
	c.WithConn(sender)
	require.Nil(t, c.Register(swarmKey, 6778))
	require.Nil(t, c.GetPeers(swarmKey))
	require.Nil(t, c.Unregister(swarmKey, 6778))

	require.Len(t, sender.msgs, 3)
	assert.Equal(t, MessageRegister, sender.msgs[0].Type)
	assert.Equal(t, "10.0.0.100:6778", sender.msgs[0].Endpoint.String())
	assert.Equal(t, MessageGetPeers, sender.msgs[1].Type)
	assert.Equal(t, MessageUnregister, sender.msgs[2].Type)
	assert.Equal(t, "10.0.0.100:6778", sender.msgs[2].Endpoint.String())
}

func TestRunSkipsMalformedMessages(t *testing.T) {
	s, _ := newSwarm(swarmOptions{transport: models.TransportUDP})
	h := &fakeHive{swarm: s, conns: make(map[string]swarm.Conn)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(h, net.IPv4(10, 0, 0, 100), logger)
	l := loop.New(clock.NewMock(), logger)

	local, remote := net.Pipe()
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), l, NewConn(local))
		close(done)
	}()

	buf := bytes.NewBuffer([]byte{})
	require.Nil(t, bencode.Marshal(buf, wireMessage{
		Type:     MessageRemoveNode.String(),
		SwarmID:  swarmKey,
		Endpoint: wireEndpoint{IP: "10.0.0.8", Port: 99999},
		Details:  []wireEndpoint{},
	}))
	require.Nil(t, decoder.WriteFrame(remote, buf.Bytes()))
	require.Nil(t, NewConn(remote).Send(Message{
		Type:     MessageNewNode,
		SwarmID:  swarmKey,
		Endpoint: addr(t, "10.0.0.9", 9000),
	}))
	require.Nil(t, remote.Close())
	<-done

	l.RunPending()
	peers := s.OtherPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "10.0.0.9:9000", peers[0].String())
}
