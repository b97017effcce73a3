package network

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies which connect entry point produced an observation
type Kind uint8

const (
	KindUnknown  Kind = 0
	KindStream   Kind = 1 // inet_stream_connect
	KindDatagram Kind = 2 // inet_dgram_connect
)

// String returns the label used in formatted records
func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "dgram"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind accepts the labels produced by String plus the long form "datagram".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "stream", "tcp":
		return KindStream, nil
	case "dgram", "datagram", "udp":
		return KindDatagram, nil
	default:
		return KindUnknown, fmt.Errorf("unknown connection kind %q", s)
	}
}

// Address is an IPv4 address in host order: a.b.c.d is a<<24 | b<<16 | c<<8 | d.
type Address uint32

// AddressFrom4 builds an Address from its four dotted-decimal octets.
func AddressFrom4(a, b, c, d byte) Address {
	return Address(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// AddressFromBytes reads an address stored in network byte order, as in sockaddr_in.sin_addr.
func AddressFromBytes(b []byte) Address {
	return Address(binary.BigEndian.Uint32(b))
}

// Octets returns the four octets in network order
func (a Address) Octets() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b
}

// String renders the address as dotted-decimal text
func (a Address) String() string {
	b := a.Octets()
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

// Observation is one intercepted connect call. It is built once from the
// probe arguments and the calling task and never modified afterwards.
type Observation struct {
	Kind Kind
	// Port is the destination port in network byte order, exactly as the
	// kernel saw it in sockaddr_in.sin_port.
	Port uint16
	Addr Address
	Comm string
	PID  uint32
}

// HostPort returns the destination port converted to host byte order
func (o Observation) HostPort() uint16 {
	return Ntohs(o.Port)
}

// Ntohs converts a port in network byte order to host byte order
func Ntohs(p uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], p)
	return binary.BigEndian.Uint16(b[:])
}

// Htons converts a port in host byte order to network byte order
func Htons(p uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], p)
	return binary.NativeEndian.Uint16(b[:])
}
