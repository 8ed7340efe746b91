// Package swarm holds the membership and chunk possession state of the
// swarms a node takes part in.
package swarm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/message"
	"github.com/WendelHime/goppspp/internal/metrics"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"go.uber.org/multierr"
)

var (
	ErrNoFreeSlots  = errors.New("no free peer slots")
	ErrMemberExists = errors.New("member already in swarm")
	ErrNoConnection = errors.New("no connection for member")
	ErrOutOfBounds  = errors.New("chunk range out of bounds")
)

// DefaultLiveDiscardWindow is the number of chunks a live member keeps.
const DefaultLiveDiscardWindow = 1000

type Config struct {
	Meta       models.SwarmMeta
	LiveSource bool
	Transport  models.Transport
	// MaxPeers of 0 means no limit.
	MaxPeers int
	// UDP is the socket UDP members talk through, nil for TCP swarms.
	UDP   PacketConn
	Store Store
	// OnChunk is called for every newly stored chunk.
	OnChunk func(id uint32, size int)
}

type Swarm struct {
	id         models.SwarmID
	meta       models.SwarmMeta
	live       bool
	liveSrc    bool
	transport  models.Transport
	maxPeers   int
	udp        PacketConn
	store      Store
	onChunk    func(id uint32, size int)
	channels   ChannelAllocator
	loop       *loop.Loop
	metrics    *metrics.Metrics
	log        *slog.Logger
	setHave    models.ChunkSet
	pending    models.ChunkSet
	members    []*Member
	otherPeers map[string]models.Addr
}

func New(cfg Config, channels ChannelAllocator, l *loop.Loop, m *metrics.Metrics, logger *slog.Logger) *Swarm {
	store := cfg.Store
	if store == nil {
		store = NewMemStore()
	}
	return &Swarm{
		id:         cfg.Meta.ID,
		meta:       cfg.Meta,
		live:       cfg.Meta.Info.Live,
		liveSrc:    cfg.LiveSource,
		transport:  cfg.Transport,
		maxPeers:   cfg.MaxPeers,
		udp:        cfg.UDP,
		store:      store,
		onChunk:    cfg.OnChunk,
		channels:   channels,
		loop:       l,
		metrics:    m,
		log:        logger.With(slog.String("swarm", cfg.Meta.ID.String())),
		setHave:    store.Stored(),
		pending:    models.NewChunkSet(),
		otherPeers: make(map[string]models.Addr),
	}
}

func (s *Swarm) ID() models.SwarmID {
	return s.id
}

func (s *Swarm) Meta() models.SwarmMeta {
	return s.meta
}

func (s *Swarm) Live() bool {
	return s.live
}

func (s *Swarm) LiveSource() bool {
	return s.liveSrc
}

func (s *Swarm) Transport() models.Transport {
	return s.transport
}

func (s *Swarm) ChunkSize() int {
	return int(s.meta.Info.ChunkSize)
}

func (s *Swarm) Params() message.Params {
	return message.Params{
		ChunkSize:  uint32(s.meta.Info.ChunkSize),
		Addressing: message.Addressing32BitChunks,
		HashType:   message.HashSHA1,
	}
}

// Have is the live set of locally owned chunks.
// BoundRange limits a peer supplied range to chunks the swarm can hold.
// Static content rejects ranges past its last chunk. Live content keeps the
// newest discard window of a wider range.
func (s *Swarm) BoundRange(r message.ChunkRange) (message.ChunkRange, error) {
	if err := r.CheckRange(); err != nil {
		return r, err
	}
	if s.live {
		if r.End-r.Start >= DefaultLiveDiscardWindow {
			r.Start = r.End - (DefaultLiveDiscardWindow - 1)
		}
		return r, nil
	}
	if total := s.meta.Info.Chunks(); r.End >= total {
		return r, fmt.Errorf("%w: %d..%d with %d chunks", ErrOutOfBounds, r.Start, r.End, total)
	}
	return r, nil
}

func (s *Swarm) Have() models.ChunkSet {
	return s.setHave
}

func (s *Swarm) Complete() bool {
	chunks := s.meta.Info.Chunks()
	return chunks > 0 && uint32(s.setHave.Len()) >= chunks
}

func (s *Swarm) Members() []*Member {
	return append([]*Member(nil), s.members...)
}

func (s *Swarm) AnyFreePeerSlots() bool {
	return s.maxPeers <= 0 || len(s.members) < s.maxPeers
}

func (s *Swarm) AddOtherPeers(addrs ...models.Addr) {
	for _, addr := range addrs {
		s.otherPeers[addr.String()] = addr
	}
}

func (s *Swarm) RemoveOtherPeers(addrs ...models.Addr) {
	for _, addr := range addrs {
		delete(s.otherPeers, addr.String())
	}
}

func (s *Swarm) OtherPeers() []models.Addr {
	peers := make([]models.Addr, 0, len(s.otherPeers))
	for _, addr := range s.otherPeers {
		peers = append(peers, addr)
	}
	return peers
}

func (s *Swarm) HasOtherPeer(addr models.Addr) bool {
	_, ok := s.otherPeers[addr.String()]
	return ok
}

// AddMember admits a peer. conn may be nil for UDP swarms, the member then
// talks through the shared socket.
func (s *Swarm) AddMember(addr models.Addr, conn Conn) (*Member, error) {
	if !s.AnyFreePeerSlots() {
		return nil, ErrNoFreeSlots
	}
	for _, m := range s.members {
		if m.addr.Equal(addr) {
			return nil, fmt.Errorf("%w: %s", ErrMemberExists, addr)
		}
	}

	var transport models.Transport
	if conn == nil {
		if s.udp == nil {
			return nil, ErrNoConnection
		}
		conn = s.udp.Peer(addr)
		transport = models.TransportUDP
	} else {
		transport = conn.Transport()
	}

	m := newMember(s, addr, transport, conn, s.channels.NextChannel())
	s.members = append(s.members, m)
	s.metrics.Members.Inc()
	s.log.Info("member added", slog.String("peer", addr.String()), slog.String("transport", transport.String()), slog.Any("channel", m.localChannel))
	return m, nil
}

// RemoveMember stops the member's sender and drops it.
func (s *Swarm) RemoveMember(m *Member) {
	for i, member := range s.members {
		if member == m {
			m.stop()
			s.members = append(s.members[:i], s.members[i+1:]...)
			s.metrics.Members.Dec()
			s.releasePending(m)
			s.log.Info("member removed", slog.String("peer", m.addr.String()))
			return
		}
	}
}

// RemoveMembersOn drops every member using conn, e.g. after it broke.
func (s *Swarm) RemoveMembersOn(conn Conn) {
	for _, m := range s.Members() {
		if m.conn == conn {
			s.RemoveMember(m)
		}
	}
}

func (s *Swarm) MemberByChannel(channel uint32) *Member {
	for _, m := range s.members {
		if m.localChannel == channel {
			return m
		}
	}
	return nil
}

func (s *Swarm) MemberByAddr(addr models.Addr) *Member {
	for _, m := range s.members {
		if m.addr.Equal(addr) {
			return m
		}
	}
	return nil
}

func (s *Swarm) ChunkData(id uint32) ([]byte, error) {
	if !s.setHave.Has(id) {
		return nil, fmt.Errorf("%w: %d", ErrChunkNotFound, id)
	}
	return s.store.ReadChunk(id)
}

// SaveChunk stores a received chunk, reporting false for duplicates.
func (s *Swarm) SaveChunk(id uint32, data []byte) (bool, error) {
	s.pending.Remove(id)
	if s.setHave.Has(id) {
		return false, nil
	}
	if err := s.store.WriteChunk(id, data); err != nil {
		return false, err
	}
	s.setHave.Add(id)
	s.metrics.ChunksReceived.Inc()
	if s.onChunk != nil {
		s.onChunk(id, len(data))
	}
	return true, nil
}

// AddChunk makes a locally produced chunk available, as a live source does.
func (s *Swarm) AddChunk(id uint32, data []byte) error {
	if _, err := s.SaveChunk(id, data); err != nil {
		return err
	}
	s.announce(message.ChunkRange{Start: id, End: id}, nil)
	return nil
}

// announce sends HAVE for a range to every handshaken member but skip.
func (s *Swarm) announce(r message.ChunkRange, skip *Member) {
	for _, m := range s.members {
		if m == skip || !m.handshaken {
			continue
		}
		if err := m.send(&message.Have{ChunkRange: r}); err != nil {
			s.log.Warn("failed to announce chunk", slog.String("peer", m.addr.String()), slog.Any("error", err))
		}
	}
}

func (s *Swarm) releasePending(m *Member) {
	for id := range m.asked {
		s.pending.Remove(id)
	}
}

// Close stops every member, tells them the channel is gone and releases
// their TCP connections.
func (s *Swarm) Close() error {
	var err error
	for _, m := range s.members {
		m.stop()
		if sendErr := m.sendClose(); sendErr != nil {
			s.log.Debug("failed to send close handshake", slog.String("peer", m.addr.String()), slog.Any("error", sendErr))
		}
		if m.transport == models.TransportTCP {
			err = multierr.Append(err, m.conn.Close())
		}
		s.metrics.Members.Dec()
	}
	s.members = nil
	err = multierr.Append(err, s.store.Close())
	s.log.Info("swarm closed")
	return err
}
