package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func NewAddr(ip string, port int) (Addr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddr, ip)
	}
	if port <= 0 || port > 0xffff {
		return Addr{}, fmt.Errorf("%w: port %d", ErrInvalidAddr, port)
	}
	return Addr{IP: parsed, Port: uint16(port)}, nil
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

func (a Addr) Equal(other Addr) bool {
	return a.Port == other.Port && a.IP.Equal(other.IP)
}

var ErrInvalidAddr = errors.New("invalid address")

func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// Bytes returns the compact 6 byte form, nil for non IPv4 addresses.
func (a Addr) Bytes() []byte {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil
	}
	b := make([]byte, 6)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], a.Port)
	return b
}

type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return "unknown"
	}
}
