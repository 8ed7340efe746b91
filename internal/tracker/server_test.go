package tracker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *Conn) Message {
	type result struct {
		msg Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.Receive()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		require.Nil(t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message from tracker")
		return Message{}
	}
}

func TestServer(t *testing.T) {
	srv := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Nil(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	defer srv.Close()

	ctx := context.Background()
	first, err := Dial(ctx, srv.Addr().String())
	require.Nil(t, err)
	defer first.Close()
	second, err := Dial(ctx, srv.Addr().String())
	require.Nil(t, err)
	defer second.Close()

	firstAddr := addr(t, "10.0.0.1", 6778)
	secondAddr := addr(t, "10.0.0.2", 6778)

	require.Nil(t, first.Send(Message{Type: MessageRegister, SwarmID: swarmKey, Endpoint: firstAddr}))
	msg := receive(t, first)
	assert.Equal(t, MessageOtherPeers, msg.Type)
	assert.Empty(t, msg.Details)

	require.Nil(t, second.Send(Message{Type: MessageRegister, SwarmID: swarmKey, Endpoint: secondAddr}))
	msg = receive(t, second)
	assert.Equal(t, MessageOtherPeers, msg.Type)
	assert.Equal(t, swarmKey, msg.SwarmID)
	assert.Equal(t, []models.Addr{firstAddr}, msg.Details)

	msg = receive(t, first)
	assert.Equal(t, MessageNewNode, msg.Type)
	assert.Equal(t, secondAddr, msg.Endpoint)

	require.Nil(t, first.Send(Message{Type: MessageGetPeers, SwarmID: swarmKey}))
	msg = receive(t, first)
	assert.Equal(t, []models.Addr{secondAddr}, msg.Details)

	assert.ElementsMatch(t, []models.Addr{firstAddr, secondAddr}, srv.Peers(swarmKey))

	require.Nil(t, second.Send(Message{Type: MessageUnregister, SwarmID: swarmKey, Endpoint: secondAddr}))
	msg = receive(t, first)
	assert.Equal(t, MessageRemoveNode, msg.Type)
	assert.Equal(t, secondAddr, msg.Endpoint)
	assert.Equal(t, []models.Addr{firstAddr}, srv.Peers(swarmKey))
}

func TestServerDropsClosedPeers(t *testing.T) {
	srv := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Nil(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	defer srv.Close()

	ctx := context.Background()
	stay, err := Dial(ctx, srv.Addr().String())
	require.Nil(t, err)
	defer stay.Close()
	leave, err := Dial(ctx, srv.Addr().String())
	require.Nil(t, err)

	require.Nil(t, stay.Send(Message{Type: MessageRegister, SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.1", 1)}))
	receive(t, stay)
	require.Nil(t, leave.Send(Message{Type: MessageRegister, SwarmID: swarmKey, Endpoint: addr(t, "10.0.0.2", 2)}))
	receive(t, leave)
	assert.Equal(t, MessageNewNode, receive(t, stay).Type)

	require.Nil(t, leave.Close())
	msg := receive(t, stay)
	assert.Equal(t, MessageRemoveNode, msg.Type)
	assert.Equal(t, "10.0.0.2:2", msg.Endpoint.String())
}

func TestUnmarshalMessage(t *testing.T) {
	data, err := Message{Type: MessageOtherPeers, SwarmID: swarmKey, Details: []models.Addr{{IP: net.IPv4(1, 2, 3, 4), Port: 5}}}.Marshal()
	require.Nil(t, err)
	msg, err := UnmarshalMessage(data)
	require.Nil(t, err)
	assert.Equal(t, "other_peers", msg.RawType)
	assert.Equal(t, "1.2.3.4:5", msg.Details[0].String())
	assert.Nil(t, msg.Endpoint.IP)

	msg, err = UnmarshalMessage([]byte("d4:type5:bogus8:swarm_id4:0a0be"))
	require.Nil(t, err)
	assert.Equal(t, MessageUnknown, msg.Type)
	assert.Equal(t, "bogus", msg.RawType)

	_, err = UnmarshalMessage([]byte("d4:type8:new_node8:endpointd2:ip3:bad4:porti1eee"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = UnmarshalMessage([]byte("not bencode"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
