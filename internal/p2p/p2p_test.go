package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/WendelHime/goppspp/internal/loop"
	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/WendelHime/goppspp/internal/swarm"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	conn     swarm.Conn
	datagram []byte
}

type recorder struct {
	datagrams chan received
	lost      chan swarm.Conn
}

func newRecorder() *recorder {
	return &recorder{datagrams: make(chan received, 16), lost: make(chan swarm.Conn, 16)}
}

func (r *recorder) HandleDatagram(conn swarm.Conn, datagram []byte) {
	r.datagrams <- received{conn: conn, datagram: datagram}
}

func (r *recorder) ConnectionLost(conn swarm.Conn, err error) {
	r.lost <- conn
}

func runLoop(t *testing.T) (*loop.Loop, *slog.Logger) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := loop.New(clock.New(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l, logger
}

func TestTCPRoundTrip(t *testing.T) {
	l, logger := runLoop(t)
	rec := newRecorder()

	accepted := make(chan *TCPConn, 1)
	ln, err := Listen(0, l, func(conn *TCPConn) {
		go conn.Serve(l, rec, logger)
		accepted <- conn
	}, logger)
	require.Nil(t, err)
	defer ln.Close()
	go ln.Serve()

	dialed := make(chan *TCPConn, 1)
	d := NewDialer(l, time.Second, func(addr models.Addr, conn *TCPConn, err error) {
		require.Nil(t, err)
		dialed <- conn
	}, logger)
	target, err := AddrFromNet(ln.Addr())
	require.Nil(t, err)
	d.DialAsync(models.Addr{IP: net.IPv4(127, 0, 0, 1), Port: target.Port})

	var out *TCPConn
	select {
	case out = <-dialed:
	case <-time.After(5 * time.Second):
		t.Fatal("dial did not complete")
	}
	in := <-accepted
	assert.NotEqual(t, out.ID(), in.ID())
	assert.Equal(t, models.TransportTCP, out.Transport())
	assert.Equal(t, target.Port, out.RemoteAddr().Port)

	require.Nil(t, out.Send([]byte{0, 0, 0, 1, 3}))
	require.Nil(t, out.Send([]byte{0, 0, 0, 2}))
	first := <-rec.datagrams
	second := <-rec.datagrams
	assert.Same(t, in, first.conn)
	assert.Equal(t, []byte{0, 0, 0, 1, 3}, first.datagram)
	assert.Equal(t, []byte{0, 0, 0, 2}, second.datagram)

	require.Nil(t, out.Close())
	require.Nil(t, out.Close())
	select {
	case lost := <-rec.lost:
		assert.Same(t, in, lost)
	case <-time.After(5 * time.Second):
		t.Fatal("lost connection not reported")
	}
}

func TestDialFailure(t *testing.T) {
	l, logger := runLoop(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.Nil(t, ln.Close())

	errs := make(chan error, 1)
	d := NewDialer(l, time.Second, func(addr models.Addr, conn *TCPConn, err error) {
		assert.Nil(t, conn)
		errs <- err
	}, logger)
	peer, err := models.NewAddr("127.0.0.1", port)
	require.Nil(t, err)
	d.DialAsync(peer)

	select {
	case err := <-errs:
		assert.NotNil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dial did not complete")
	}
}

func TestUDPSocket(t *testing.T) {
	l, logger := runLoop(t)
	rec := newRecorder()

	a, err := ListenUDP(0)
	require.Nil(t, err)
	defer a.Close()
	b, err := ListenUDP(0)
	require.Nil(t, err)
	defer b.Close()
	go b.Serve(l, rec, logger)

	bPort := b.LocalAddr().(*net.UDPAddr).Port
	peer := a.Peer(models.Addr{IP: net.IPv4(127, 0, 0, 1), Port: uint16(bPort)})
	assert.Same(t, peer, a.Peer(models.Addr{IP: net.IPv4(127, 0, 0, 1), Port: uint16(bPort)}))
	assert.Equal(t, models.TransportUDP, peer.Transport())
	require.Nil(t, peer.Send([]byte{0, 0, 0, 0, 1}))
	assert.Nil(t, peer.Close())

	select {
	case got := <-rec.datagrams:
		assert.Equal(t, []byte{0, 0, 0, 0, 1}, got.datagram)
		assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, int(got.conn.RemoteAddr().Port))
		assert.Same(t, got.conn, b.Peer(got.conn.RemoteAddr()))
	case <-time.After(5 * time.Second):
		t.Fatal("datagram not received")
	}
}

func TestAddrFromNet(t *testing.T) {
	addr, err := AddrFromNet(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80})
	require.Nil(t, err)
	assert.Equal(t, "10.0.0.1:80", addr.String())

	_, err = AddrFromNet(&net.UnixAddr{Name: "sock", Net: "unix"})
	assert.True(t, errors.Is(err, ErrUnsupportedAddr))
}
