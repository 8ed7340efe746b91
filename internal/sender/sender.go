// Package sender drives chunk delivery to one member: every tick sends the
// next requested chunk or retransmits one that looks lost, then reschedules
// itself after the delay asked by the congestion controller.
package sender

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/message"
	"github.com/WendelHime/goppspp/internal/metrics"
	"github.com/WendelHime/goppspp/internal/shared/models"
)

// IdleInterval is the wait after a tick that sent nothing while the
// controller asked for no delay.
const IdleInterval = 10 * time.Millisecond

type Source interface {
	Have() models.ChunkSet
	ChunkData(id uint32) ([]byte, error)
}

type Peer interface {
	Sent() models.ChunkSet
	Requested() models.ChunkSet
	RemoteChannel() uint32
	ChunkSize() int
	SendAndAccount(datagram []byte) error
}

type Congestion interface {
	DataLoss()
	Delay(n int) time.Duration
}

type Scheduler struct {
	src     Source
	peer    Peer
	cc      Congestion
	loop    *loop.Loop
	metrics *metrics.Metrics
	log     *slog.Logger

	window  Window
	timer   *loop.Timer
	running bool
	gen     uint64
}

func New(src Source, peer Peer, cc Congestion, l *loop.Loop, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{src: src, peer: peer, cc: cc, loop: l, metrics: m, log: logger}
}

func (s *Scheduler) Running() bool {
	return s.running
}

func (s *Scheduler) Window() *Window {
	return &s.window
}

// Start queues the first tick unless the scheduler already runs.
func (s *Scheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	s.schedule(0)
}

// Stop cancels the pending tick. It must run before the member state goes
// away.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.gen++
	s.timer.Cancel()
	s.timer = nil
}

// Tick runs one decision and reschedules.
func (s *Scheduler) Tick() {
	d := Decide(s.src.Have(), s.peer.Requested(), s.peer.Sent(), &s.window)

	switch d.Action {
	case ActionSend:
		if err := s.buildAndSend(d.Chunk); err != nil {
			s.log.Warn("failed to send chunk", slog.Any("chunk", d.Chunk), slog.Any("error", err))
			break
		}
		s.window.Push(d.Chunk)
		s.metrics.ChunksSent.Inc()
	case ActionRetransmit:
		s.cc.DataLoss()
		if err := s.buildAndSend(d.Chunk); err != nil {
			s.log.Warn("failed to retransmit chunk", slog.Any("chunk", d.Chunk), slog.Any("error", err))
			break
		}
		s.metrics.ChunksRetransmitted.Inc()
		s.log.Debug("chunk looks lost, retransmitted", slog.Any("chunk", d.Chunk), slog.Any("window", s.window.IDs()))
	case ActionIdle:
	}

	delay := s.cc.Delay(s.peer.ChunkSize())
	if delay <= 0 && d.Action == ActionIdle {
		delay = IdleInterval
	}
	s.schedule(delay)
}

func (s *Scheduler) schedule(delay time.Duration) {
	gen := s.gen
	fire := func() {
		if !s.running || gen != s.gen {
			return
		}
		s.Tick()
	}
	if delay <= 0 {
		s.timer = nil
		s.loop.Post(fire)
		return
	}
	s.timer = s.loop.AfterFunc(delay, fire)
}

func (s *Scheduler) buildAndSend(id uint32) error {
	data, err := s.src.ChunkData(id)
	if err != nil {
		return err
	}

	md := message.Data{
		ChunkRange: message.ChunkRange{Start: id, End: id},
		Timestamp:  uint64(s.loop.Clock().Now().UnixMicro()),
		Payload:    data,
	}
	datagram := make([]byte, 4, 4+1+16+len(data))
	binary.BigEndian.PutUint32(datagram, s.peer.RemoteChannel())
	datagram = md.Append(datagram)

	if err := s.peer.SendAndAccount(datagram); err != nil {
		return err
	}
	s.peer.Sent().Add(id)
	return nil
}
