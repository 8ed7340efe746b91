// Package hive is the node's registry of swarms and peer connections. It
// decides whether an outbound dial is needed and remembers which swarms wait
// on one.
package hive

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/metrics"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/swarm"
	"go.uber.org/multierr"
)

var (
	ErrSwarmExists  = errors.New("swarm already exists")
	ErrUnknownSwarm = errors.New("unknown swarm")
	ErrDialPending  = errors.New("dial already pending")
)

// Dialer starts an outbound connection without waiting for it. The outcome
// is reported back on the event loop.
type Dialer interface {
	DialAsync(addr models.Addr)
}

type pendingDial struct {
	addr   models.Addr
	swarms []string
}

// Hive is owned by the node and only touched from its event loop.
type Hive struct {
	dialer  Dialer
	loop    *loop.Loop
	metrics *metrics.Metrics
	log     *slog.Logger

	swarms      map[string]*swarm.Swarm
	orphans     []swarm.Conn
	pending     map[string]*pendingDial
	lastChannel uint32
}

func New(dialer Dialer, l *loop.Loop, m *metrics.Metrics, logger *slog.Logger) *Hive {
	return &Hive{
		dialer:  dialer,
		loop:    l,
		metrics: m,
		log:     logger,
		swarms:  make(map[string]*swarm.Swarm),
		pending: make(map[string]*pendingDial),
	}
}

// CreateSwarm registers a new swarm. An existing swarm with the same id is
// kept untouched.
func (h *Hive) CreateSwarm(cfg swarm.Config) (*swarm.Swarm, error) {
	key := cfg.Meta.ID.String()
	if _, ok := h.swarms[key]; ok {
		h.log.Warn("swarm already exists", slog.String("swarm", key))
		return nil, fmt.Errorf("%w: %s", ErrSwarmExists, key)
	}
	s := swarm.New(cfg, h, h.loop, h.metrics, h.log)
	h.swarms[key] = s
	h.log.Info("swarm created", slog.String("swarm", key), slog.Bool("live", cfg.Meta.Info.Live), slog.Bool("live_src", cfg.LiveSource))
	return s, nil
}

// GetSwarm looks a swarm up by its hex id.
func (h *Hive) GetSwarm(id string) *swarm.Swarm {
	return h.swarms[id]
}

func (h *Hive) Swarms() []*swarm.Swarm {
	out := make([]*swarm.Swarm, 0, len(h.swarms))
	for _, s := range h.swarms {
		out = append(out, s)
	}
	return out
}

func (h *Hive) AddOrphanConnection(conn swarm.Conn) {
	for _, c := range h.orphans {
		if c == conn {
			return
		}
	}
	h.orphans = append(h.orphans, conn)
}

// RemoveOrphanConnection is a no-op for connections not in the list.
func (h *Hive) RemoveOrphanConnection(conn swarm.Conn) {
	for i, c := range h.orphans {
		if c == conn {
			h.orphans = append(h.orphans[:i], h.orphans[i+1:]...)
			return
		}
	}
}

func (h *Hive) Orphans() []swarm.Conn {
	return append([]swarm.Conn(nil), h.orphans...)
}

// GetProtoByAddress returns the first non UDP connection some member holds
// to addr, or nil.
func (h *Hive) GetProtoByAddress(addr models.Addr) swarm.Conn {
	for _, s := range h.swarms {
		for _, m := range s.Members() {
			if m.Transport() != models.TransportUDP && m.Addr().Equal(addr) {
				return m.Conn()
			}
		}
	}
	return nil
}

// MakeConnection asks for an outbound connection to addr on behalf of a
// swarm. A swarm already waiting on addr is not queued twice. Every other
// request starts its own dial, the first one to finish serves all waiting
// swarms.
func (h *Hive) MakeConnection(addr models.Addr, swarmID string) error {
	if _, ok := h.swarms[swarmID]; !ok {
		h.log.Warn("dial requested for unknown swarm", slog.String("swarm", swarmID), slog.String("peer", addr.String()))
		return fmt.Errorf("%w: %s", ErrUnknownSwarm, swarmID)
	}

	key := addr.String()
	p, ok := h.pending[key]
	if ok {
		for _, id := range p.swarms {
			if id == swarmID {
				h.log.Debug("dial already pending", slog.String("swarm", swarmID), slog.String("peer", key))
				return ErrDialPending
			}
		}
		p.swarms = append(p.swarms, swarmID)
	} else {
		h.pending[key] = &pendingDial{addr: addr, swarms: []string{swarmID}}
	}

	h.metrics.DialsStarted.Inc()
	h.log.Debug("dialing peer", slog.String("swarm", swarmID), slog.String("peer", key))
	h.dialer.DialAsync(addr)
	return nil
}

// CheckIfWaiting lists the swarms waiting on a dial to addr without
// consuming them.
func (h *Hive) CheckIfWaiting(addr models.Addr) []string {
	p, ok := h.pending[addr.String()]
	if !ok {
		return nil
	}
	return append([]string(nil), p.swarms...)
}

// ResolvePending consumes every swarm waiting on addr. The dial outcome
// decides what happens to them, the table entry is gone either way.
func (h *Hive) ResolvePending(addr models.Addr) []string {
	key := addr.String()
	p, ok := h.pending[key]
	if !ok {
		return nil
	}
	delete(h.pending, key)
	return p.swarms
}

// NextChannel hands out local channel ids unique across all swarms. Zero
// is reserved for handshakes.
func (h *Hive) NextChannel() uint32 {
	h.lastChannel++
	if h.lastChannel == 0 {
		h.lastChannel++
	}
	return h.lastChannel
}

// MemberByChannel finds the member owning a local channel id.
func (h *Hive) MemberByChannel(channel uint32) (*swarm.Swarm, *swarm.Member) {
	for _, s := range h.swarms {
		if m := s.MemberByChannel(channel); m != nil {
			return s, m
		}
	}
	return nil, nil
}

// DropConnection forgets a broken connection: members using it leave their
// swarms and it stops being an orphan.
func (h *Hive) DropConnection(conn swarm.Conn) {
	h.RemoveOrphanConnection(conn)
	for _, s := range h.swarms {
		s.RemoveMembersOn(conn)
	}
}

// CloseAllSwarms closes every swarm and orphan connection and empties the
// tables.
func (h *Hive) CloseAllSwarms() error {
	var err error
	for key, s := range h.swarms {
		if closeErr := s.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close swarm %s: %w", key, closeErr))
		}
	}
	for _, conn := range h.orphans {
		err = multierr.Append(err, conn.Close())
	}
	h.swarms = make(map[string]*swarm.Swarm)
	h.orphans = nil
	h.pending = make(map[string]*pendingDial)
	return err
}
