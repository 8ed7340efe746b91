// Package ledbat implements the LEDBAT delay based congestion controller
// (RFC 6817) used to pace chunk delivery to a member.
package ledbat

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	Target          = 100 * time.Millisecond
	Gain            = 1.0
	AllowedIncrease = 1
	MinCwnd         = 2
	InitCwnd        = 2
	BaseHistory     = 10
	CurrentFilter   = 4

	InitialCTO = time.Second
	MinCTO     = 200 * time.Millisecond
	MaxCTO     = 60 * time.Second

	rttAlpha = 0.125
	rttBeta  = 0.25
)

type Controller struct {
	clock clock.Clock
	mss   int

	cwnd   float64
	flight int

	baseDelays   []time.Duration
	baseRollover time.Time
	currentDelay []time.Duration

	srtt   time.Duration
	rttvar time.Duration
	cto    time.Duration

	lastLoss time.Time
	losses   int
}

// New creates a controller whose segment size is mss bytes, normally the
// chunk size of the member.
func New(clk clock.Clock, mss int) *Controller {
	if mss <= 0 {
		mss = 1
	}
	return &Controller{
		clock:        clk,
		mss:          mss,
		cwnd:         float64(InitCwnd * mss),
		baseRollover: clk.Now(),
		cto:          InitialCTO,
	}
}

func (c *Controller) Window() int {
	return int(c.cwnd)
}

func (c *Controller) FlightSize() int {
	return c.flight
}

func (c *Controller) CTO() time.Duration {
	return c.cto
}

func (c *Controller) Losses() int {
	return c.losses
}

// DataSent accounts n bytes put on the wire.
func (c *Controller) DataSent(n int) {
	c.flight += n
}

// AckReceived processes n acknowledged bytes with the one way delay sample
// reported by the receiver and, when known, the round trip time.
func (c *Controller) AckReceived(delay, rtt time.Duration, n int) {
	c.updateBaseDelay(delay)
	c.updateCurrentDelay(delay)

	queuing := minDelay(c.currentDelay) - minDelay(c.baseDelays)
	offTarget := float64(Target-queuing) / float64(Target)
	c.cwnd += Gain * offTarget * float64(n) * float64(c.mss) / c.cwnd

	maxAllowed := float64(c.flight + AllowedIncrease*c.mss)
	if c.cwnd > maxAllowed {
		c.cwnd = maxAllowed
	}
	if min := float64(MinCwnd * c.mss); c.cwnd < min {
		c.cwnd = min
	}

	c.flight -= n
	if c.flight < 0 {
		c.flight = 0
	}

	if rtt > 0 {
		c.updateRTT(rtt)
	}
}

// DataLoss halves the window and backs off the timeout, at most once per
// round trip.
func (c *Controller) DataLoss() {
	now := c.clock.Now()
	if !c.lastLoss.IsZero() && now.Sub(c.lastLoss) < c.roundTrip() {
		return
	}
	c.lastLoss = now
	c.losses++

	half := c.cwnd / 2
	if min := float64(MinCwnd * c.mss); half < min {
		half = min
	}
	if half < c.cwnd {
		c.cwnd = half
	}

	c.cto *= 2
	if c.cto > MaxCTO {
		c.cto = MaxCTO
	}
}

// Delay is how long to wait before sending n more bytes. It is zero while
// the window has room.
func (c *Controller) Delay(n int) time.Duration {
	if c.flight+n <= int(c.cwnd) {
		return 0
	}
	return time.Duration(float64(c.roundTrip()) * float64(n) / c.cwnd)
}

func (c *Controller) roundTrip() time.Duration {
	if c.srtt == 0 {
		return Target
	}
	return c.srtt
}

func (c *Controller) updateRTT(rtt time.Duration) {
	if c.srtt == 0 {
		c.srtt = rtt
		c.rttvar = rtt / 2
	} else {
		diff := c.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = time.Duration((1-rttBeta)*float64(c.rttvar) + rttBeta*float64(diff))
		c.srtt = time.Duration((1-rttAlpha)*float64(c.srtt) + rttAlpha*float64(rtt))
	}
	c.cto = c.srtt + 4*c.rttvar
	if c.cto < MinCTO {
		c.cto = MinCTO
	}
	if c.cto > MaxCTO {
		c.cto = MaxCTO
	}
}

func (c *Controller) updateBaseDelay(delay time.Duration) {
	now := c.clock.Now()
	if len(c.baseDelays) == 0 {
		c.baseDelays = append(c.baseDelays, delay)
		c.baseRollover = now
		return
	}
	if now.Sub(c.baseRollover) >= time.Minute {
		c.baseRollover = now
		c.baseDelays = append(c.baseDelays, delay)
		if len(c.baseDelays) > BaseHistory {
			c.baseDelays = c.baseDelays[1:]
		}
		return
	}
	last := len(c.baseDelays) - 1
	if delay < c.baseDelays[last] {
		c.baseDelays[last] = delay
	}
}

func (c *Controller) updateCurrentDelay(delay time.Duration) {
	c.currentDelay = append(c.currentDelay, delay)
	if len(c.currentDelay) > CurrentFilter {
		c.currentDelay = c.currentDelay[1:]
	}
}

func minDelay(delays []time.Duration) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	m := delays[0]
	for _, d := range delays[1:] {
		if d < m {
			m = d
		}
	}
	return m
}
