// Package tracker talks to the rendezvous tracker that tells a node about
// the other peers of its swarms, and ships a small tracker server.
package tracker

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

var ErrInvalidMessage = errors.New("invalid tracker message")

type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageRegister
	MessageUnregister
	MessageGetPeers
	MessageOtherPeers
	MessageNewNode
	MessageRemoveNode
)

var messageTypeNames = map[MessageType]string{
	MessageRegister:   "register",
	MessageUnregister: "unregister",
	MessageGetPeers:   "get_peers",
	MessageOtherPeers: "other_peers",
	MessageNewNode:    "new_node",
	MessageRemoveNode: "remove_node",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

func ParseMessageType(s string) MessageType {
	for t, name := range messageTypeNames {
		if name == s {
			return t
		}
	}
	return MessageUnknown
}

// Message is one tracker control record. Endpoint is set for register,
// unregister, new_node and remove_node, Details for other_peers.
type Message struct {
	Type     MessageType
	SwarmID  string
	Endpoint models.Addr
	Details  []models.Addr
	// RawType keeps the type as received, for logging unknown ones.
	RawType string
}

type wireEndpoint struct {
	IP   string `bencode:"ip"`
	Port int64  `bencode:"port"`
}

type wireMessage struct {
	Type     string         `bencode:"type"`
	SwarmID  string         `bencode:"swarm_id"`
	Endpoint wireEndpoint   `bencode:"endpoint"`
	Details  []wireEndpoint `bencode:"details"`
}

func toWire(addr models.Addr) wireEndpoint {
	if addr.IP == nil {
		return wireEndpoint{}
	}
	return wireEndpoint{IP: addr.IP.String(), Port: int64(addr.Port)}
}

func fromWire(e wireEndpoint) (models.Addr, error) {
	if e.IP == "" && e.Port == 0 {
		return models.Addr{}, nil
	}
	ip := net.ParseIP(e.IP)
	if ip == nil || e.Port <= 0 || e.Port > 0xffff {
		return models.Addr{}, fmt.Errorf("%w: endpoint %s:%d", ErrInvalidMessage, e.IP, e.Port)
	}
	return models.Addr{IP: ip, Port: uint16(e.Port)}, nil
}

func (m Message) Marshal() ([]byte, error) {
	w := wireMessage{
		Type:     m.Type.String(),
		SwarmID:  m.SwarmID,
		Endpoint: toWire(m.Endpoint),
		Details:  make([]wireEndpoint, 0, len(m.Details)),
	}
	for _, d := range m.Details {
		w.Details = append(w.Details, toWire(d))
	}
	buf := bytes.NewBuffer([]byte{})
	if err := bencode.Marshal(buf, w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalMessage(data []byte) (Message, error) {
	w := wireMessage{}
	if err := bencode.Unmarshal(bytes.NewReader(data), &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	endpoint, err := fromWire(w.Endpoint)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Type:     ParseMessageType(w.Type),
		RawType:  w.Type,
		SwarmID:  w.SwarmID,
		Endpoint: endpoint,
		Details:  make([]models.Addr, 0, len(w.Details)),
	}
	for _, d := range w.Details {
		addr, err := fromWire(d)
		if err != nil {
			return Message{}, err
		}
		msg.Details = append(msg.Details, addr)
	}
	return msg, nil
}
