// Package pes decodes Packetized Elementary Stream headers carried in
// payload-unit-start TS packets.
package pes

import "errors"

// Stream IDs that never carry the optional PES header fields (PTS/DTS,
// scrambling control, and so on) — only stream_id and packet_length apply.
var noHeaderStreamIDs = map[byte]bool{
	0x21: true, // unknown
	0xBC: true, // program_stream_map
	0xBE: true, // padding_stream
	0xBF: true, // private_stream_2
	0xF0: true, // ECM
	0xF1: true, // EMM
	0xF2: true, // DSMCC_stream
	0xF8: true, // ITU-T Rec. H.222.1 type E
	0xFF: true, // program_stream_directory
}

// StreamKind classifies a stream_id per its high bits.
type StreamKind int

const (
	StreamKindOther StreamKind = iota
	StreamKindVideo
	StreamKindAudio
)

// PES is a decoded PES packet header.
type PES struct {
	StreamID             byte
	PacketLength         uint16
	StreamKind           StreamKind
	StreamNumber         byte
	HasOptionalHeader    bool
	ScramblingControl    byte
	Copyright            bool
	OriginalOrCopy       bool
	PTSDTSFlags          byte
	ESCRFlag             bool
	ESRateFlag           bool
	DSMTrickModeFlag     bool
	AdditionalCopyInfo   bool
	PESCRCFlag           bool
	PESExtensionFlag     bool
	HasPTS               bool
	PTS                  uint64
	HasDTS               bool
	DTS                  uint64
}

var errPESTooShort = errors.New("pes: packet too short")

// Decode parses a PES packet starting at its stream_id (the first 3 bytes of
// pes are stream_id and PES_packet_length; the 0x000001 start code itself is
// assumed already stripped by the caller, matching how payload-start
// detection hands off the PES payload).
func Decode(pes []byte) (*PES, error) {
	if len(pes) < 3 {
		return nil, errPESTooShort
	}
	p := &PES{
		StreamID:     pes[0],
		PacketLength: uint16(pes[1])<<8 | uint16(pes[2]),
	}
	if noHeaderStreamIDs[p.StreamID] {
		return p, nil
	}
	switch {
	case p.StreamID>>4 == 0xE:
		p.StreamKind = StreamKindVideo
		p.StreamNumber = p.StreamID & 0x0F
	case p.StreamID>>5 == 0x6:
		p.StreamKind = StreamKindAudio
		p.StreamNumber = p.StreamID & 0x1F
	}
	if len(pes) < 6 {
		return p, nil
	}
	p.HasOptionalHeader = true
	b1 := pes[3]
	b2 := pes[4]
	p.ScramblingControl = (b1 & 0x30) >> 4
	p.Copyright = b1&0x02 != 0
	p.OriginalOrCopy = b1&0x01 != 0
	p.PTSDTSFlags = (b2 & 0xC0) >> 6
	p.ESCRFlag = b2&0x20 != 0
	p.ESRateFlag = b2&0x10 != 0
	p.DSMTrickModeFlag = b2&0x08 != 0
	p.AdditionalCopyInfo = b2&0x04 != 0
	p.PESCRCFlag = b2&0x02 != 0
	p.PESExtensionFlag = b2&0x01 != 0

	pos := 6
	if p.PTSDTSFlags == 2 || p.PTSDTSFlags == 3 {
		if pos+5 > len(pes) {
			return p, nil
		}
		p.PTS = decodeTimestamp33(pes[pos : pos+5])
		p.HasPTS = true
		pos += 5
	}
	if p.PTSDTSFlags == 3 {
		if pos+5 > len(pes) {
			return p, nil
		}
		p.DTS = decodeTimestamp33(pes[pos : pos+5])
		p.HasDTS = true
		pos += 5
	}
	return p, nil
}

// decodeTimestamp33 decodes a 33-bit PTS/DTS timestamp from its 5-byte
// marker-interleaved encoding (4 bits discarded, marker bits between each
// field).
func decodeTimestamp33(b []byte) uint64 {
	b1 := b[0]
	b23 := uint16(b[1])<<8 | uint16(b[2])
	b45 := uint16(b[3])<<8 | uint16(b[4])
	return (uint64(b1&0x0E) << 29) + (uint64(b23>>1) << 15) + uint64(b45>>1)
}
