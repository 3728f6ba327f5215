// Package tspacket decodes the 4-byte MPEG-2 Transport Stream header and
// adaptation field for a single 188-byte packet.
package tspacket

import (
	"errors"
	"time"
)

const (
	// SyncByte is the fixed TS packet sync marker.
	SyncByte = 0x47
	// Len is the fixed TS packet length.
	Len = 188

	// NullPID carries null (stuffing) packets and is never stats-tracked for CC.
	NullPID = 0x1FFF
)

// ErrShort is returned when the raw buffer is too small to hold a TS packet.
var ErrShort = errors.New("tspacket: buffer shorter than 188 bytes")

// AdaptationField holds the decoded contents of a TS adaptation field.
type AdaptationField struct {
	Length                       int
	Discontinuity                bool
	RandomAccess                 bool
	ESPriority                   bool
	PCRFlag                      bool
	OPCRFlag                     bool
	SplicingPointFlag            bool
	TransportPrivateDataFlag     bool
	AdaptationFieldExtensionFlag bool

	// PCR/OPCR are the full 42-bit (base*300 + extension) clock values.
	PCR  uint64
	OPCR uint64

	SpliceCountdown int8
	PrivateData     []byte
	Extension       []byte
}

// Packet is the decoded form of one 188-byte TS packet.
type Packet struct {
	Raw []byte // the original 188 bytes, as handed to Decode

	Sync              byte
	TEI               bool
	PUSI              bool
	TransportPriority bool
	PID               uint16
	TSC               byte // transport_scrambling_control, 2 bits
	AFC               byte // adaptation_field_control, 2 bits
	CC                byte // continuity_counter, 4 bits

	Adaptation *AdaptationField

	// PayloadOffset is the byte offset of the payload within Raw, or -1 if
	// AFC carries no payload (adaptation-field-only).
	PayloadOffset int

	Arrival      time.Time
	ResyncOffset int // non-zero only on the first packet emitted after a resync

	// Err is set when structural parsing failed; the packet is still
	// returned so the caller can count it as a seen-PID packet with no
	// further semantics (spec §4.2 failure mode).
	Err error
}

// Payload returns the packet's payload bytes, or nil if AFC carries none.
func (p *Packet) Payload() []byte {
	if p.PayloadOffset < 0 || p.PayloadOffset > len(p.Raw) {
		return nil
	}
	return p.Raw[p.PayloadOffset:]
}

// HasPayload reports whether AFC indicates a payload is present (AFC 1 or 3).
func (p *Packet) HasPayload() bool {
	return p.AFC == 1 || p.AFC == 3
}

// Decode parses the TS header and adaptation field of a single 188-byte
// packet. It always returns a non-nil *Packet; on structural failure it
// returns the best-effort header fields decoded so far with Err set.
func Decode(raw []byte, arrival time.Time, resyncOffset int) *Packet {
	p := &Packet{
		Raw:           raw,
		Arrival:       arrival,
		ResyncOffset:  resyncOffset,
		PayloadOffset: -1,
	}
	if len(raw) < 4 {
		p.Err = ErrShort
		return p
	}

	p.Sync = raw[0]
	b23 := uint16(raw[1])<<8 | uint16(raw[2])
	p.TEI = b23&0x8000 != 0
	p.PUSI = b23&0x4000 != 0
	p.TransportPriority = b23&0x2000 != 0
	p.PID = b23 & 0x1FFF
	b4 := raw[3]
	p.TSC = (b4 >> 6) & 0x03
	p.AFC = (b4 >> 4) & 0x03
	p.CC = b4 & 0x0F

	if p.AFC == 2 || p.AFC == 3 {
		af, err := decodeAdaptationField(raw)
		if err != nil {
			p.Err = err
			return p
		}
		p.Adaptation = af
	}

	switch p.AFC {
	case 1:
		p.PayloadOffset = 4
	case 3:
		if p.Adaptation == nil {
			p.Err = errors.New("tspacket: AFC=3 but no adaptation field decoded")
			return p
		}
		p.PayloadOffset = 5 + p.Adaptation.Length
		if p.PayloadOffset > len(raw) {
			p.Err = errors.New("tspacket: adaptation field length overruns packet")
			p.PayloadOffset = -1
		}
	}
	return p
}

func decodeAdaptationField(raw []byte) (*AdaptationField, error) {
	if len(raw) < 5 {
		return nil, errors.New("tspacket: short packet for adaptation field length")
	}
	af := &AdaptationField{Length: int(raw[4])}
	if af.Length == 0 {
		return af, nil
	}
	if 5+af.Length > len(raw) {
		return af, errors.New("tspacket: adaptation field length exceeds packet")
	}
	flags := raw[5]
	af.Discontinuity = flags&0x80 != 0
	af.RandomAccess = flags&0x40 != 0
	af.ESPriority = flags&0x20 != 0
	af.PCRFlag = flags&0x10 != 0
	af.OPCRFlag = flags&0x08 != 0
	af.SplicingPointFlag = flags&0x04 != 0
	af.TransportPrivateDataFlag = flags&0x02 != 0
	af.AdaptationFieldExtensionFlag = flags&0x01 != 0

	pos := 6
	end := 5 + af.Length // one past the last adaptation-field byte
	if af.PCRFlag {
		if pos+6 > end || pos+6 > len(raw) {
			return af, errors.New("tspacket: truncated PCR")
		}
		af.PCR = decodePCRBytes(raw[pos : pos+6])
		pos += 6
	}
	if af.OPCRFlag {
		// §9 Open Question (a): the original source re-read the PCR byte
		// range here; OPCR gets its own 6 bytes, symmetric with PCR.
		if pos+6 > end || pos+6 > len(raw) {
			return af, errors.New("tspacket: truncated OPCR")
		}
		af.OPCR = decodePCRBytes(raw[pos : pos+6])
		pos += 6
	}
	if af.SplicingPointFlag {
		if pos+1 > end {
			return af, errors.New("tspacket: truncated splice countdown")
		}
		af.SpliceCountdown = int8(raw[pos])
		pos++
	}
	if af.TransportPrivateDataFlag {
		if pos+1 > end {
			return af, errors.New("tspacket: truncated private data length")
		}
		l := int(raw[pos])
		pos++
		if pos+l > end {
			return af, errors.New("tspacket: truncated private data")
		}
		af.PrivateData = raw[pos : pos+l]
		pos += l
	}
	if af.AdaptationFieldExtensionFlag {
		if pos+1 > end {
			return af, errors.New("tspacket: truncated extension length")
		}
		l := int(raw[pos])
		pos++
		if pos+l > end {
			return af, errors.New("tspacket: truncated extension")
		}
		af.Extension = raw[pos : pos+l]
	}
	return af, nil
}

// decodePCRBytes decodes a 6-byte PCR/OPCR field as base*300 + extension,
// where base is the 33-bit value from the top of the range and extension is
// the trailing 9 bits.
func decodePCRBytes(b []byte) uint64 {
	base := (uint64(b[0]) << 25) |
		(uint64(b[1]) << 17) |
		(uint64(b[2]) << 9) |
		(uint64(b[3]) << 1) |
		(uint64(b[4]) >> 7)
	ext := (uint64(b[4]&0x01) << 8) | uint64(b[5])
	return base*300 + ext
}
