package p2p

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/shared/models"
)

const DefaultDialTimeout = 5 * time.Second

// DialFunc receives the outcome of an outbound dial on the event loop.
type DialFunc func(addr models.Addr, conn *TCPConn, err error)

type Dialer struct {
	loop    *loop.Loop
	timeout time.Duration
	done    DialFunc
	log     *slog.Logger
}

func NewDialer(l *loop.Loop, timeout time.Duration, done DialFunc, logger *slog.Logger) *Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Dialer{loop: l, timeout: timeout, done: done, log: logger}
}

// DialAsync connects in the background and never blocks the caller.
func (d *Dialer) DialAsync(addr models.Addr) {
	go func() {
		var tc *TCPConn
		conn, err := net.DialTimeout("tcp", addr.String(), d.timeout)
		if err == nil {
			tc, err = NewTCPConn(conn)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			d.log.Debug("dial failed", slog.String("peer", addr.String()), slog.Any("error", err))
		}
		d.loop.Post(func() { d.done(addr, tc, err) })
	}()
}

// AcceptFunc receives inbound connections on the event loop.
type AcceptFunc func(conn *TCPConn)

type Listener struct {
	ln     net.Listener
	loop   *loop.Loop
	accept AcceptFunc
	log    *slog.Logger
}

func Listen(port int, l *loop.Loop, accept AcceptFunc, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, loop: l, accept: accept, log: logger}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts until the listener is closed. It blocks.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.log.Debug("listener stopped", slog.Any("error", err))
			return
		}
		tc, err := NewTCPConn(conn)
		if err != nil {
			l.log.Warn("rejecting connection", slog.Any("error", err))
			conn.Close()
			continue
		}
		l.log.Info("accepted connection", slog.String("peer", tc.RemoteAddr().String()), slog.String("conn", tc.ID()))
		l.loop.Post(func() { l.accept(tc) })
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// LocalIP returns the IPv4 address the node is reachable on. Dialing UDP
// only picks a route, nothing is sent.
func LocalIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	addr, err := AddrFromNet(conn.LocalAddr())
	if err != nil {
		return nil, err
	}
	return addr.IP.To4(), nil
}
