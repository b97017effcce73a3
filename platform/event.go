package platform

import (
	"encoding/binary"
	"fmt"

	"github.com/jnesss/connwatch/network"
)

// RecordSize is the byte length of one connect record on the ring buffer.
// Must stay in sync with struct connect_event in bpf/connwatch.bpf.c.
const RecordSize = 28

// rawConnect is the fixed layout written by the kprobe programs
type rawConnect struct {
	PID   uint32
	Daddr [4]byte // sin_addr, network order
	Dport uint16  // sin_port, network order as a native load sees it
	Kind  uint8
	_     uint8
	Comm  [16]byte
}

func decodeRaw(raw []byte) (rawConnect, error) {
	if len(raw) < RecordSize {
		return rawConnect{}, fmt.Errorf("short ringbuf record: got=%d want>=%d", len(raw), RecordSize)
	}
	var ev rawConnect
	ev.PID = binary.NativeEndian.Uint32(raw[0:4])
	copy(ev.Daddr[:], raw[4:8])
	ev.Dport = binary.NativeEndian.Uint16(raw[8:10])
	ev.Kind = raw[10]
	copy(ev.Comm[:], raw[12:28])
	return ev, nil
}

// Decode turns a raw ring buffer sample into an observation
func Decode(raw []byte) (network.Observation, error) {
	ev, err := decodeRaw(raw)
	if err != nil {
		return network.Observation{}, err
	}
	kind := network.Kind(ev.Kind)
	if kind != network.KindStream && kind != network.KindDatagram {
		return network.Observation{}, fmt.Errorf("unknown record kind %d", ev.Kind)
	}
	return network.Observation{
		Kind: kind,
		Port: ev.Dport,
		Addr: network.AddressFromBytes(ev.Daddr[:]),
		Comm: network.SanitizeComm(cstring(ev.Comm[:])),
		PID:  ev.PID,
	}, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
