// Package node wires the sockets, the registry, the swarm and the tracker
// into a running PPSPP peer.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/WendelHime/goppspp/internal/alto"
	"github.com/WendelHime/goppspp/internal/config"
	"github.com/WendelHime/goppspp/internal/hive"
	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/message"
	"github.com/WendelHime/goppspp/internal/metrics"
	"github.com/WendelHime/goppspp/internal/p2p"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/swarm"
	"github.com/WendelHime/goppspp/internal/tracker"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
)

// PeerRefreshInterval is how often a node with free slots asks the tracker
// for peers again.
const PeerRefreshInterval = 30 * time.Second

var ErrNoHandshake = errors.New("datagram on channel 0 without handshake")

type Node struct {
	cfg     config.Config
	meta    models.SwarmMeta
	loop    *loop.Loop
	metrics *metrics.Metrics
	hive    *hive.Hive
	swarm   *swarm.Swarm
	log     *slog.Logger

	udp      *p2p.UDPSocket
	listener *p2p.Listener
	port     uint16
	localIP  net.IP

	tracker     *tracker.Client
	trackerConn *tracker.Conn
	alto        alto.Client

	bar          *progressbar.ProgressBar
	completeOnce sync.Once
	complete     chan struct{}
	liveSource   *os.File
	nextLive     uint32
}

// New opens the sockets and the content store and creates the swarm. Run
// starts talking to the network.
func New(cfg config.Config, meta models.SwarmMeta, reg prometheus.Registerer, logger *slog.Logger) (*Node, error) {
	if cfg.Live {
		meta.Info.Live = true
	}
	n := &Node{
		cfg:      cfg,
		meta:     meta,
		loop:     loop.New(clock.New(), logger),
		metrics:  metrics.New(reg),
		log:      logger,
		complete: make(chan struct{}),
	}
	dialer := p2p.NewDialer(n.loop, cfg.DialTimeout, n.onDialed, logger)
	n.hive = hive.New(dialer, n.loop, n.metrics, logger)

	if err := n.openSockets(); err != nil {
		return nil, err
	}

	store, err := n.openStore()
	if err != nil {
		n.closeSockets()
		return nil, err
	}

	swarmCfg := swarm.Config{
		Meta:       meta,
		LiveSource: cfg.LiveSource,
		Transport:  cfg.Transport(),
		MaxPeers:   cfg.MaxPeers,
		Store:      store,
		OnChunk:    n.onChunk,
	}
	if n.udp != nil {
		swarmCfg.UDP = n.udp
	}
	s, err := n.hive.CreateSwarm(swarmCfg)
	if err != nil {
		n.closeSockets()
		store.Close()
		return nil, err
	}
	n.swarm = s

	n.localIP = n.announceIP()
	n.tracker = tracker.NewClient(n.hive, n.localIP, logger)
	if cfg.ALTO != "" {
		n.alto = alto.NewClient(cfg.ALTO, logger)
	}
	if cfg.Progress && !meta.Info.Live && !s.Complete() {
		n.bar = progressbar.DefaultBytes(meta.Info.Length, "downloading")
	}
	return n, nil
}

func (n *Node) openSockets() error {
	switch n.cfg.Transport() {
	case models.TransportUDP:
		udp, err := p2p.ListenUDP(n.cfg.Port)
		if err != nil {
			return fmt.Errorf("listen udp: %w", err)
		}
		n.udp = udp
		addr, err := p2p.AddrFromNet(udp.LocalAddr())
		if err != nil {
			udp.Close()
			return err
		}
		n.port = addr.Port
	case models.TransportTCP:
		ln, err := p2p.Listen(n.cfg.Port, n.loop, n.onAccept, n.log)
		if err != nil {
			return fmt.Errorf("listen tcp: %w", err)
		}
		n.listener = ln
		addr, err := p2p.AddrFromNet(ln.Addr())
		if err != nil {
			ln.Close()
			return err
		}
		n.port = addr.Port
	}
	return nil
}

func (n *Node) closeSockets() error {
	var err error
	if n.udp != nil {
		err = multierr.Append(err, n.udp.Close())
	}
	if n.listener != nil {
		err = multierr.Append(err, n.listener.Close())
	}
	return err
}

func (n *Node) openStore() (swarm.Store, error) {
	if n.cfg.LiveSource {
		f, err := os.Open(n.cfg.ContentPath)
		if err != nil {
			return nil, fmt.Errorf("open live source: %w", err)
		}
		n.liveSource = f
		return swarm.NewMemStore(), nil
	}
	return swarm.OpenFileStore(n.cfg.ContentPath, n.meta.Info, n.cfg.CacheChunks)
}

func (n *Node) announceIP() net.IP {
	if n.cfg.AnnounceIP != "" {
		return net.ParseIP(n.cfg.AnnounceIP)
	}
	ip, err := p2p.LocalIP()
	if err != nil {
		n.log.Warn("failed to detect local ip, announcing loopback", slog.Any("error", err))
		return net.IPv4(127, 0, 0, 1)
	}
	return ip
}

func (n *Node) Swarm() *swarm.Swarm {
	return n.swarm
}

func (n *Node) Hive() *hive.Hive {
	return n.hive
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

func (n *Node) Loop() *loop.Loop {
	return n.loop
}

// Addr is the endpoint announced to the tracker.
func (n *Node) Addr() models.Addr {
	return models.Addr{IP: n.localIP, Port: n.port}
}

// Done is closed once the whole content is stored.
func (n *Node) Done() <-chan struct{} {
	return n.complete
}

// Run serves the sockets, joins the swarm through the tracker and processes
// events until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if n.udp != nil {
		go n.udp.Serve(n.loop, n, n.log)
	}
	if n.listener != nil {
		go n.listener.Serve()
	}

	if n.alto != nil {
		if err := multierr.Combine(n.alto.FetchNetworkMap(ctx), n.alto.FetchCostMap(ctx)); err != nil {
			n.log.Warn("failed to fetch alto maps, peers are not ranked", slog.Any("error", err))
		} else {
			n.tracker.WithCoster(n.alto)
		}
	}

	n.joinTracker(ctx)
	if n.swarm.Complete() {
		n.markComplete()
	}
	if n.liveSource != nil {
		n.loop.Post(n.publishLive)
	}
	n.loop.AfterFunc(PeerRefreshInterval, n.refreshPeers)

	n.log.Info("node running", slog.String("swarm", n.swarm.ID().String()), slog.String("addr", n.Addr().String()), slog.String("transport", n.cfg.Transport().String()))
	err := n.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) joinTracker(ctx context.Context) {
	addr := n.cfg.Tracker
	if addr == "" {
		addr = n.meta.Tracker
	}
	if addr == "" {
		n.log.Warn("no tracker configured, waiting for peers to connect")
		return
	}
	conn, err := tracker.Dial(ctx, addr)
	if err != nil {
		n.log.Warn("failed to connect to tracker", slog.String("tracker", addr), slog.Any("error", err))
		return
	}
	n.trackerConn = conn
	n.tracker.WithConn(conn)
	go n.tracker.Run(ctx, n.loop, conn)
	if err := n.tracker.Register(n.swarm.ID().String(), n.port); err != nil {
		n.log.Warn("failed to register with tracker", slog.Any("error", err))
	}
}

func (n *Node) refreshPeers() {
	if n.trackerConn != nil && !n.swarm.LiveSource() && !n.swarm.Complete() && n.swarm.AnyFreePeerSlots() {
		if err := n.tracker.GetPeers(n.swarm.ID().String()); err != nil {
			n.log.Debug("failed to refresh peers", slog.Any("error", err))
		}
	}
	n.loop.AfterFunc(PeerRefreshInterval, n.refreshPeers)
}

// publishLive makes the next chunk of the live source available.
func (n *Node) publishLive() {
	buf := make([]byte, n.swarm.ChunkSize())
	read, err := io.ReadFull(n.liveSource, buf)
	if read > 0 {
		if addErr := n.swarm.AddChunk(n.nextLive, buf[:read]); addErr != nil {
			n.log.Warn("failed to publish live chunk", slog.Any("chunk", n.nextLive), slog.Any("error", addErr))
		}
		n.nextLive++
	}
	if err != nil {
		n.log.Info("live source exhausted", slog.Any("chunks", n.nextLive))
		return
	}
	n.loop.AfterFunc(n.cfg.LiveInterval, n.publishLive)
}

func (n *Node) onChunk(id uint32, size int) {
	if n.bar != nil {
		n.bar.Add(size)
	}
	if !n.swarm.Live() && n.swarm.Complete() {
		n.markComplete()
	}
}

func (n *Node) markComplete() {
	n.completeOnce.Do(func() {
		n.log.Info("content complete", slog.String("swarm", n.swarm.ID().String()))
		close(n.complete)
	})
}

// HandleDatagram routes a datagram to the member owning its channel. On
// channel 0 the leading handshake names the swarm and the sender becomes a
// member.
func (n *Node) HandleDatagram(conn swarm.Conn, datagram []byte) {
	channel, err := message.Channel(datagram)
	if err != nil {
		n.log.Warn("dropping datagram", slog.String("peer", conn.RemoteAddr().String()), slog.Any("error", err))
		return
	}
	if channel == 0 {
		n.adopt(conn, datagram)
		return
	}

	s, m := n.hive.MemberByChannel(channel)
	if m == nil {
		n.log.Debug("datagram for unknown channel", slog.Any("channel", channel), slog.String("peer", conn.RemoteAddr().String()))
		return
	}
	_, msgs, err := message.Parse(datagram, s.Params())
	if err != nil {
		n.log.Warn("dropping malformed datagram", slog.String("peer", conn.RemoteAddr().String()), slog.Any("error", err))
		return
	}
	m.HandleDatagram(msgs, len(datagram))
}

func (n *Node) adopt(conn swarm.Conn, datagram []byte) {
	_, msgs, err := message.Parse(datagram, message.DefaultParams())
	if err == nil && len(msgs) == 0 {
		err = ErrNoHandshake
	}
	if err != nil {
		n.log.Warn("dropping malformed handshake", slog.String("peer", conn.RemoteAddr().String()), slog.Any("error", err))
		return
	}
	hs, ok := msgs[0].(*message.Handshake)
	if !ok || hs.Closing() {
		n.log.Warn("dropping datagram", slog.String("peer", conn.RemoteAddr().String()), slog.Any("error", ErrNoHandshake))
		return
	}

	s := n.hive.GetSwarm(hs.SwarmID.String())
	if s == nil {
		n.log.Warn("handshake for unknown swarm", slog.String("swarm", hs.SwarmID.String()), slog.String("peer", conn.RemoteAddr().String()))
		return
	}

	addr := conn.RemoteAddr()
	m := s.MemberByAddr(addr)
	if m == nil {
		var memberConn swarm.Conn
		if conn.Transport() == models.TransportTCP {
			memberConn = conn
		}
		m, err = s.AddMember(addr, memberConn)
		if err != nil {
			n.log.Info("peer not admitted", slog.String("peer", addr.String()), slog.Any("error", err))
			return
		}
		n.hive.RemoveOrphanConnection(conn)
	}
	m.HandleDatagram(msgs, len(datagram))
}

// ConnectionLost drops the members that used a broken connection.
func (n *Node) ConnectionLost(conn swarm.Conn, err error) {
	n.log.Info("connection lost", slog.String("peer", conn.RemoteAddr().String()), slog.String("conn", conn.ID()), slog.Any("error", err))
	n.hive.DropConnection(conn)
	conn.Close()
}

func (n *Node) onAccept(conn *p2p.TCPConn) {
	n.hive.AddOrphanConnection(conn)
	go conn.Serve(n.loop, n, n.log)
}

// onDialed attaches a finished dial to every swarm waiting on it.
func (n *Node) onDialed(addr models.Addr, conn *p2p.TCPConn, err error) {
	waiting := n.hive.ResolvePending(addr)
	if err != nil {
		n.log.Warn("dial failed", slog.String("peer", addr.String()), slog.Any("swarms", waiting), slog.Any("error", err))
		return
	}
	go conn.Serve(n.loop, n, n.log)

	attached := 0
	for _, id := range waiting {
		s := n.hive.GetSwarm(id)
		if s == nil {
			continue
		}
		m, err := s.AddMember(addr, conn)
		if err != nil {
			n.log.Info("peer not added", slog.String("swarm", id), slog.String("peer", addr.String()), slog.Any("error", err))
			continue
		}
		if err := m.SendHandshake(); err != nil {
			continue
		}
		attached++
	}
	if attached == 0 {
		n.hive.AddOrphanConnection(conn)
	}
}

// Close leaves the tracker, closes the swarm and the sockets. Call it once
// Run returned.
func (n *Node) Close() error {
	var err error
	if n.trackerConn != nil {
		if unregErr := n.tracker.Unregister(n.swarm.ID().String(), n.port); unregErr != nil {
			n.log.Debug("failed to unregister", slog.Any("error", unregErr))
		}
		err = multierr.Append(err, ignoreClosed(n.trackerConn.Close()))
	}
	err = multierr.Append(err, n.hive.CloseAllSwarms())
	err = multierr.Append(err, ignoreClosed(n.closeSockets()))
	if n.liveSource != nil {
		err = multierr.Append(err, n.liveSource.Close())
	}
	if n.bar != nil {
		n.bar.Finish()
	}
	n.log.Info("node closed")
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
