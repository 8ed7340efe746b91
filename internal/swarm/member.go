package swarm

import (
	"log/slog"
	"time"

	"github.com/WendelHime/goppspp/internal/ledbat"
	"github.com/WendelHime/goppspp/internal/message"
	"github.com/WendelHime/goppspp/internal/sender"
	"github.com/WendelHime/goppspp/internal/shared/models"
)

const (
	// MaxOutstandingRequests caps the chunks asked from one member at once.
	MaxOutstandingRequests = 64
	// MaxPexPeers caps the endpoints sent in reply to PEX_REQ.
	MaxPexPeers = 16
)

type Member struct {
	swarm         *Swarm
	addr          models.Addr
	transport     models.Transport
	conn          Conn
	localChannel  uint32
	remoteChannel uint32
	params        message.Params

	setRequested models.ChunkSet
	setSent      models.ChunkSet
	peerHave     models.ChunkSet
	asked        models.ChunkSet
	hashes       map[uint32][]byte

	handshakeSent bool
	handshaken    bool
	chokedByPeer  bool

	ledbat *ledbat.Controller
	sched  *sender.Scheduler
	log    *slog.Logger

	bytesSent     uint64
	bytesReceived uint64
}

func newMember(s *Swarm, addr models.Addr, transport models.Transport, conn Conn, channel uint32) *Member {
	m := &Member{
		swarm:        s,
		addr:         addr,
		transport:    transport,
		conn:         conn,
		localChannel: channel,
		params:       s.Params(),
		setRequested: models.NewChunkSet(),
		setSent:      models.NewChunkSet(),
		peerHave:     models.NewChunkSet(),
		asked:        models.NewChunkSet(),
		hashes:       make(map[uint32][]byte),
		ledbat:       ledbat.New(s.loop.Clock(), s.ChunkSize()),
		log:          s.log.With(slog.String("peer", addr.String())),
	}
	m.sched = sender.New(s, m, m.ledbat, s.loop, s.metrics, m.log)
	return m
}

func (m *Member) Addr() models.Addr              { return m.addr }
func (m *Member) Transport() models.Transport    { return m.transport }
func (m *Member) Conn() Conn                     { return m.conn }
func (m *Member) LocalChannel() uint32           { return m.localChannel }
func (m *Member) RemoteChannel() uint32          { return m.remoteChannel }
func (m *Member) ChunkSize() int                 { return int(m.params.ChunkSize) }
func (m *Member) Sent() models.ChunkSet          { return m.setSent }
func (m *Member) Requested() models.ChunkSet     { return m.setRequested }
func (m *Member) PeerHave() models.ChunkSet      { return m.peerHave }
func (m *Member) Congestion() *ledbat.Controller { return m.ledbat }
func (m *Member) Scheduler() *sender.Scheduler   { return m.sched }
func (m *Member) Handshaken() bool               { return m.handshaken }
func (m *Member) BytesSent() uint64              { return m.bytesSent }
func (m *Member) BytesReceived() uint64          { return m.bytesReceived }

// SendAndAccount sends a datagram carrying chunk data and accounts it for
// statistics and congestion control.
func (m *Member) SendAndAccount(datagram []byte) error {
	if err := m.write(datagram); err != nil {
		return err
	}
	m.ledbat.DataSent(m.ChunkSize())
	return nil
}

func (m *Member) write(datagram []byte) error {
	if err := m.conn.Send(datagram); err != nil {
		return err
	}
	m.bytesSent += uint64(len(datagram))
	m.swarm.metrics.BytesSent.Add(float64(len(datagram)))
	return nil
}

func (m *Member) send(msgs ...message.Message) error {
	return m.write(message.Build(m.remoteChannel, msgs...))
}

func (m *Member) handshake() *message.Handshake {
	hs := &message.Handshake{
		SrcChannel: m.localChannel,
		Version:    message.ProtocolVersion,
		MinVersion: message.ProtocolVersion,
		SwarmID:    m.swarm.id,
		Integrity:  message.IntegrityNone,
		MerkleHash: m.params.HashType,
		Addressing: m.params.Addressing,
		ChunkSize:  m.params.ChunkSize,
	}
	if m.swarm.live {
		hs.LiveDiscardWindow = DefaultLiveDiscardWindow
	}
	return hs
}

// SendHandshake opens the channel. Once the remote channel is known the
// handshake also carries what we have.
func (m *Member) SendHandshake() error {
	msgs := []message.Message{m.handshake()}
	if m.remoteChannel != 0 {
		msgs = append(msgs, m.haveMessages()...)
	}
	if err := m.send(msgs...); err != nil {
		m.log.Warn("failed to send handshake", slog.Any("error", err))
		return err
	}
	m.handshakeSent = true
	return nil
}

func (m *Member) sendClose() error {
	return m.send(&message.Handshake{SrcChannel: 0, Version: message.ProtocolVersion})
}

func (m *Member) haveMessages() []message.Message {
	msgs := make([]message.Message, 0)
	for _, r := range m.swarm.setHave.Ranges() {
		msgs = append(msgs, &message.Have{ChunkRange: message.ChunkRange{Start: r[0], End: r[1]}})
	}
	return msgs
}

// SendRequestedChunks starts the sender unless it runs already.
func (m *Member) SendRequestedChunks() {
	m.sched.Start()
}

func (m *Member) stop() {
	m.sched.Stop()
}

// HandleDatagram processes the messages of one datagram in order.
func (m *Member) HandleDatagram(msgs []message.Message, size int) {
	m.bytesReceived += uint64(size)
	m.swarm.metrics.BytesReceived.Add(float64(size))
	for _, msg := range msgs {
		m.HandleMessage(msg)
	}
}

func (m *Member) HandleMessage(msg message.Message) {
	switch msg := msg.(type) {
	case *message.Handshake:
		m.handleHandshake(msg)
	case *message.Have:
		m.handleHave(msg)
	case *message.Request:
		m.handleRequest(msg)
	case *message.Cancel:
		if r, ok := m.bound(msg.Type(), msg.ChunkRange); ok {
			r.Each(m.setRequested.Remove)
		}
	case *message.Data:
		m.handleData(msg)
	case *message.Ack:
		m.handleAck(msg)
	case *message.Integrity:
		if r, ok := m.bound(msg.Type(), msg.Range()); !ok || r != msg.Range() {
			return
		}
		m.hashes[msg.StartChunk] = msg.HashData
	case *message.Choke:
		m.chokedByPeer = true
	case *message.Unchoke:
		m.chokedByPeer = false
		m.requestMissing()
	case *message.PexReq:
		m.handlePexReq()
	case *message.PexResV4:
		if !msg.Addr.Equal(m.addr) {
			m.swarm.AddOtherPeers(msg.Addr)
		}
	default:
		m.log.Warn("unhandled message", slog.String("type", msg.Type().String()))
	}
}

// bound applies the swarm's range limits to a received message.
func (m *Member) bound(kind models.MessageType, r message.ChunkRange) (message.ChunkRange, bool) {
	bounded, err := m.swarm.BoundRange(r)
	if err != nil {
		m.log.Warn("protocol anomaly", slog.String("type", kind.String()), slog.Any("error", err))
		return r, false
	}
	return bounded, true
}

func (m *Member) handleHandshake(hs *message.Handshake) {
	if hs.Closing() {
		m.log.Info("peer closed the channel")
		m.swarm.RemoveMember(m)
		return
	}
	if hs.ChunkSize != 0 && hs.ChunkSize != m.params.ChunkSize {
		m.log.Warn("protocol anomaly: chunk size mismatch", slog.Any("local", m.params.ChunkSize), slog.Any("remote", hs.ChunkSize))
	}
	m.remoteChannel = hs.SrcChannel

	if m.handshakeSent {
		if msgs := m.haveMessages(); len(msgs) > 0 {
			if err := m.send(msgs...); err != nil {
				m.log.Warn("failed to send HAVE", slog.Any("error", err))
			}
		}
	} else if err := m.SendHandshake(); err != nil {
		return
	}
	m.handshaken = true
}

func (m *Member) handleHave(have *message.Have) {
	r, ok := m.bound(have.Type(), have.ChunkRange)
	if !ok {
		return
	}
	m.peerHave.AddRange(r.Start, r.End)
	m.requestMissing()
}

// requestMissing asks for chunks the peer has that we neither have nor
// already asked anyone for.
func (m *Member) requestMissing() {
	if m.chokedByPeer || !m.handshaken {
		return
	}
	room := MaxOutstandingRequests - m.asked.Len()
	if room <= 0 {
		return
	}
	missing := m.peerHave.Difference(m.swarm.setHave).Difference(m.swarm.pending)
	ids := missing.Sorted()
	if len(ids) > room {
		ids = ids[:room]
	}
	if len(ids) == 0 {
		return
	}

	batch := models.NewChunkSet(ids...)
	msgs := make([]message.Message, 0)
	for _, r := range batch.Ranges() {
		msgs = append(msgs, &message.Request{ChunkRange: message.ChunkRange{Start: r[0], End: r[1]}})
	}
	if err := m.send(msgs...); err != nil {
		m.log.Warn("failed to send REQUEST", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		m.asked.Add(id)
		m.swarm.pending.Add(id)
	}
}

func (m *Member) handleRequest(req *message.Request) {
	r, ok := m.bound(req.Type(), req.ChunkRange)
	if !ok {
		return
	}
	m.setRequested.AddRange(r.Start, r.End)
	m.SendRequestedChunks()
}

func (m *Member) handleData(data *message.Data) {
	if r, ok := m.bound(data.Type(), data.ChunkRange); !ok || r != data.ChunkRange {
		return
	}
	now := m.swarm.loop.Clock().Now()
	delay := now.UnixMicro() - int64(data.Timestamp)

	size := m.ChunkSize()
	payload := data.Payload
	for id := data.Start; ; id++ {
		if len(payload) == 0 {
			break
		}
		n := size
		if n > len(payload) {
			n = len(payload)
		}
		m.asked.Remove(id)
		stored, err := m.swarm.SaveChunk(id, payload[:n])
		if err != nil {
			m.log.Warn("failed to store chunk", slog.Any("chunk", id), slog.Any("error", err))
			return
		}
		if stored {
			m.swarm.announce(message.ChunkRange{Start: id, End: id}, m)
		}
		payload = payload[n:]
		if id == data.End {
			break
		}
	}

	ack := &message.Ack{ChunkRange: data.ChunkRange, DelaySample: uint64(delay)}
	if err := m.send(ack); err != nil {
		m.log.Warn("failed to send ACK", slog.Any("error", err))
	}
	m.requestMissing()
}

func (m *Member) handleAck(ack *message.Ack) {
	r, ok := m.bound(ack.Type(), ack.ChunkRange)
	if !ok {
		return
	}
	acked := 0
	r.Each(func(id uint32) {
		if m.setSent.Has(id) {
			m.setSent.Remove(id)
			m.setRequested.Remove(id)
			acked++
		}
		m.peerHave.Add(id)
	})
	if acked == 0 {
		return
	}
	delay := time.Duration(int64(ack.DelaySample)) * time.Microsecond
	m.ledbat.AckReceived(delay, 0, acked*m.ChunkSize())
}

func (m *Member) handlePexReq() {
	msgs := make([]message.Message, 0)
	for _, addr := range m.swarm.OtherPeers() {
		if addr.Equal(m.addr) || addr.IP.To4() == nil {
			continue
		}
		msgs = append(msgs, &message.PexResV4{Addr: addr})
		if len(msgs) == MaxPexPeers {
			break
		}
	}
	if len(msgs) == 0 {
		return
	}
	if err := m.send(msgs...); err != nil {
		m.log.Warn("failed to send PEX_RESv4", slog.Any("error", err))
	}
}
