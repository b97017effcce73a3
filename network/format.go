package network

import (
	"fmt"
)

// DefaultRecordCapacity is the size of one formatted record, newline included
const DefaultRecordCapacity = 128

// minRecordCapacity leaves room for one byte of text plus the newline
const minRecordCapacity = 2

// unknownComm stands in for a process name the kernel could not provide
const unknownComm = "?"

// FormatObservation renders obs as a single newline-terminated record
// holding at most capacity bytes:
//
//	stream port:443 addr:93.184.216.34 from curl pid 1234
//
// Records longer than capacity are cut and the last byte is forced to '\n'.
func FormatObservation(obs Observation, capacity int) []byte {
	if capacity < minRecordCapacity {
		capacity = minRecordCapacity
	}

	comm := obs.Comm
	if comm == "" {
		comm = unknownComm
	}

	buf := make([]byte, 0, capacity)
	buf = fmt.Appendf(buf, "%s port:%d addr:%s from %s pid %d\n",
		obs.Kind, obs.HostPort(), obs.Addr, comm, obs.PID)

	if len(buf) > capacity {
		buf = buf[:capacity]
		buf[capacity-1] = '\n'
	}
	return buf
}

// SanitizeComm keeps the printable ASCII part of a kernel task name so a
// record always stays a single line.
func SanitizeComm(comm string) string {
	out := make([]byte, 0, len(comm))
	for i := 0; i < len(comm); i++ {
		c := comm[i]
		if c < 0x20 || c > 0x7e {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
