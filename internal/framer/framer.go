// Package framer locates 188-byte TS packet boundaries in an arbitrary byte
// chunk (one UDP datagram or one file-read buffer) and reports resync events.
package framer

import (
	"bytes"
	"time"

	"github.com/snapetech/mtsqos/internal/tspacket"
)

// Packet is one framed (but not yet header-decoded) TS packet.
type Packet struct {
	Raw []byte // exactly tspacket.Len bytes

	// ResyncOffset is the number of junk bytes skipped before this cycle's
	// first packet; zero for every packet after the first in a cycle.
	ResyncOffset int

	Arrival time.Time
}

// Scan walks data for 0x47-aligned 188-byte packets and invokes emit for
// each one found, in order. It returns the number of trailing bytes that
// could not form a full packet (a resync-drop per spec §4.1): either the
// entire chunk, if no sync byte was found at all, or a trailing fragment
// shorter than 188 bytes.
func Scan(data []byte, arrival time.Time, emit func(Packet)) (dropped int) {
	idx := bytes.IndexByte(data, tspacket.SyncByte)
	if idx == -1 {
		return len(data)
	}
	data = data[idx:]
	resync := idx

	n := len(data) / tspacket.Len
	for i := 0; i < n; i++ {
		pkt := data[:tspacket.Len]
		data = data[tspacket.Len:]
		emit(Packet{Raw: pkt, ResyncOffset: resync, Arrival: arrival})
		resync = 0
	}
	return len(data)
}
