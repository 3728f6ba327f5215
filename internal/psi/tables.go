// Package psi decodes MPEG-2/DVB PSI and SI tables: PAT, PMT, CAT, SDT, BAT,
// and their descriptors, verifying CRC-32/MPEG-2 over the section body.
package psi

import (
	"errors"
)

const (
	TableIDPAT        = 0x00
	TableIDCAT        = 0x01
	TableIDPMT        = 0x02
	TableIDSDTActual  = 0x42
	TableIDSDTOther   = 0x46
	TableIDBAT        = 0x4A
)

var errSectionTooShort = errors.New("psi: section too short")

// ProgramEntry is one PAT loop entry: either a network PID (program_number
// 0) or a program_map PID (any other program_number).
type ProgramEntry struct {
	ProgramNumber uint16
	NetworkPID    *uint16
	ProgramMapPID *uint16
}

// PAT is a decoded Program Association Table.
type PAT struct {
	TableID            byte
	TransportStreamID  uint16
	Version            byte
	CurrentNext        bool
	SectionNumber      byte
	LastSectionNumber  byte
	Programs           []ProgramEntry
	CRC32              uint32
	CRCOk              bool
}

// NetworkPIDs returns the set of network_PIDs (program_number == 0).
func (p *PAT) NetworkPIDs() []uint16 {
	var out []uint16
	for _, e := range p.Programs {
		if e.NetworkPID != nil {
			out = append(out, *e.NetworkPID)
		}
	}
	return out
}

// ProgramMapPIDs returns the set of program_map_PIDs (program_number != 0).
func (p *PAT) ProgramMapPIDs() []uint16 {
	var out []uint16
	for _, e := range p.Programs {
		if e.ProgramMapPID != nil {
			out = append(out, *e.ProgramMapPID)
		}
	}
	return out
}

// ElementaryStream is one PMT stream loop entry.
type ElementaryStream struct {
	StreamType    byte
	ElementaryPID uint16
}

// PMT is a decoded Program Map Table.
type PMT struct {
	TableID           byte
	ProgramNumber     uint16
	Version           byte
	CurrentNext       bool
	SectionNumber     byte
	LastSectionNumber byte
	PCRPID            uint16
	Descriptors       []Descriptor
	Streams           []ElementaryStream
	CRC32             uint32
	CRCOk             bool
}

// CAT is a decoded Conditional Access Table.
type CAT struct {
	TableID           byte
	Version           byte
	CurrentNext       bool
	SectionNumber     byte
	LastSectionNumber byte
	Descriptors       []Descriptor
	CRC32             uint32
	CRCOk             bool
}

// SDTService is one SDT service loop entry.
type SDTService struct {
	ServiceID                uint16
	EITScheduleFlag          bool
	EITPresentFollowingFlag  bool
	RunningStatus            byte
	FreeCAMode               bool
	Descriptors              []Descriptor
}

// SDT is a decoded Service Description Table (actual or other).
type SDT struct {
	TableID           byte
	TransportStreamID uint16
	Version           byte
	CurrentNext       bool
	SectionNumber     byte
	LastSectionNumber byte
	OriginalNetworkID uint16
	Services          []SDTService
	CRC32             uint32
	CRCOk             bool
}

// BATTransportStream is one BAT transport_stream loop entry.
type BATTransportStream struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Descriptors       []Descriptor
}

// BAT is a decoded Bouquet Association Table.
type BAT struct {
	TableID           byte
	BouquetID         uint16
	Version           byte
	CurrentNext       bool
	SectionNumber     byte
	LastSectionNumber byte
	Descriptors       []Descriptor
	TransportStreams  []BATTransportStream
	CRC32             uint32
	CRCOk             bool
}

// sectionHeader holds the fields common to every long-form PSI/SI section,
// after the pointer_field has been skipped.
type sectionHeader struct {
	tableID       byte
	sectionLength int // bytes following the length field itself
	idField       uint16 // transport_stream_id / program_number / bouquet_id
	version       byte
	currentNext   bool
	sectionNumber byte
	lastSection   byte
}

// parseSectionHeader reads the 8-byte long-form section header starting at
// sec[0] (table_id) and returns it along with the position just past it.
func parseSectionHeader(sec []byte) (sectionHeader, int, error) {
	if len(sec) < 8 {
		return sectionHeader{}, 0, errSectionTooShort
	}
	h := sectionHeader{tableID: sec[0]}
	b12 := uint16(sec[1])<<8 | uint16(sec[2])
	h.sectionLength = int(b12 & 0x0FFF)
	h.idField = uint16(sec[3])<<8 | uint16(sec[4])
	b := sec[5]
	h.version = (b >> 1) & 0x1F
	h.currentNext = b&0x01 != 0
	h.sectionNumber = sec[6]
	h.lastSection = sec[7]
	return h, 8, nil
}

// verifyCRC checks the trailing 4-byte CRC-32/MPEG-2 of a section against
// CRC32MPEG2 computed over [sectionStart:posCRC), returning the stored CRC,
// whether it matched, and an error if the section was too short to hold one.
func verifyCRC(section []byte, sectionStart, posCRC int) (uint32, bool, error) {
	if posCRC+4 > len(section) {
		return 0, false, errSectionTooShort
	}
	stored := uint32(section[posCRC])<<24 | uint32(section[posCRC+1])<<16 |
		uint32(section[posCRC+2])<<8 | uint32(section[posCRC+3])
	computed := CRC32MPEG2(section[sectionStart:posCRC])
	return stored, stored == computed, nil
}

// DecodePAT decodes a reassembled PAT section, given the bytes starting at
// the pointer_field.
func DecodePAT(section []byte) (*PAT, error) {
	if len(section) < 1 {
		return nil, errSectionTooShort
	}
	ptr := int(section[0])
	pos := 1 + ptr
	if pos >= len(section) {
		return nil, errSectionTooShort
	}
	sec := section[pos:]
	h, headerLen, err := parseSectionHeader(sec)
	if err != nil {
		return nil, err
	}
	pat := &PAT{
		TableID:           h.tableID,
		TransportStreamID: h.idField,
		Version:           h.version,
		CurrentNext:       h.currentNext,
		SectionNumber:     h.sectionNumber,
		LastSectionNumber: h.lastSection,
		CRCOk:             true,
	}
	p := headerLen
	entries := (h.sectionLength - 9) / 4
	for i := 0; i < entries; i++ {
		if p+4 > len(sec) {
			break
		}
		progNum := uint16(sec[p])<<8 | uint16(sec[p+1])
		pid := (uint16(sec[p+2])<<8 | uint16(sec[p+3])) & 0x1FFF
		if progNum == 0 {
			pat.Programs = append(pat.Programs, ProgramEntry{ProgramNumber: progNum, NetworkPID: &pid})
		} else {
			pat.Programs = append(pat.Programs, ProgramEntry{ProgramNumber: progNum, ProgramMapPID: &pid})
		}
		p += 4
	}
	stored, ok, crcErr := verifyCRC(sec, 0, p)
	if crcErr != nil {
		pat.CRCOk = false
		return pat, nil
	}
	pat.CRC32 = stored
	pat.CRCOk = ok
	return pat, nil
}

// DecodePMT decodes a reassembled PMT section.
func DecodePMT(section []byte) (*PMT, error) {
	if len(section) < 1 {
		return nil, errSectionTooShort
	}
	ptr := int(section[0])
	pos := 1 + ptr
	if pos >= len(section) {
		return nil, errSectionTooShort
	}
	sec := section[pos:]
	h, headerLen, err := parseSectionHeader(sec)
	if err != nil {
		return nil, err
	}
	posCRC := 3 + h.sectionLength - 4
	if posCRC > len(sec) || posCRC < headerLen+4 {
		return nil, errSectionTooShort
	}
	pmt := &PMT{
		TableID:           h.tableID,
		ProgramNumber:     h.idField,
		Version:           h.version,
		CurrentNext:       h.currentNext,
		SectionNumber:     h.sectionNumber,
		LastSectionNumber: h.lastSection,
		CRCOk:             true,
	}
	p := headerLen
	if p+4 > len(sec) {
		return nil, errSectionTooShort
	}
	pmt.PCRPID = (uint16(sec[p])<<8 | uint16(sec[p+1])) & 0x1FFF
	progInfoLen := int(uint16(sec[p+2])<<8|uint16(sec[p+3])) & 0x0FFF
	p += 4
	if progInfoLen > 0 {
		if p+progInfoLen > len(sec) {
			return nil, errSectionTooShort
		}
		descs, _ := DecodeDescriptors(sec[p : p+progInfoLen])
		pmt.Descriptors = descs
	}
	p += progInfoLen
	for p < posCRC {
		if p+5 > len(sec) {
			break
		}
		streamType := sec[p]
		elemPID := (uint16(sec[p+1])<<8 | uint16(sec[p+2])) & 0x1FFF
		esInfoLen := int(uint16(sec[p+3])<<8|uint16(sec[p+4])) & 0x0FFF
		pmt.Streams = append(pmt.Streams, ElementaryStream{StreamType: streamType, ElementaryPID: elemPID})
		p += 5 + esInfoLen
	}
	stored, ok, crcErr := verifyCRC(sec, 0, posCRC)
	if crcErr != nil {
		pmt.CRCOk = false
		return pmt, nil
	}
	pmt.CRC32 = stored
	pmt.CRCOk = ok
	return pmt, nil
}

// DecodeCAT decodes a reassembled CAT section.
func DecodeCAT(section []byte) (*CAT, error) {
	if len(section) < 1 {
		return nil, errSectionTooShort
	}
	ptr := int(section[0])
	pos := 1 + ptr
	if pos >= len(section) {
		return nil, errSectionTooShort
	}
	sec := section[pos:]
	h, headerLen, err := parseSectionHeader(sec)
	if err != nil {
		return nil, err
	}
	posCRC := 3 + h.sectionLength - 4
	if posCRC > len(sec) || posCRC < headerLen {
		return nil, errSectionTooShort
	}
	cat := &CAT{
		TableID:           h.tableID,
		Version:           h.version,
		CurrentNext:       h.currentNext,
		SectionNumber:     h.sectionNumber,
		LastSectionNumber: h.lastSection,
		CRCOk:             true,
	}
	if headerLen < posCRC {
		descs, _ := DecodeDescriptors(sec[headerLen:posCRC])
		cat.Descriptors = descs
	}
	stored, ok, crcErr := verifyCRC(sec, 0, posCRC)
	if crcErr != nil {
		cat.CRCOk = false
		return cat, nil
	}
	cat.CRC32 = stored
	cat.CRCOk = ok
	return cat, nil
}

// decodeSDTBody decodes an SDT section (actual or other), given the bytes
// starting at pointer_field. table_id governs nothing about the fields here
// (SDT actual and other share layout); the caller distinguishes them by
// table_id for dispatch.
func decodeSDTBody(section []byte) (*SDT, error) {
	if len(section) < 1 {
		return nil, errSectionTooShort
	}
	ptr := int(section[0])
	pos := 1 + ptr
	if pos >= len(section) {
		return nil, errSectionTooShort
	}
	sec := section[pos:]
	h, headerLen, err := parseSectionHeader(sec)
	if err != nil {
		return nil, err
	}
	posCRC := 3 + h.sectionLength - 4
	if posCRC > len(sec) || posCRC < headerLen+2 {
		return nil, errSectionTooShort
	}
	sdt := &SDT{
		TableID:           h.tableID,
		TransportStreamID: h.idField,
		Version:           h.version,
		CurrentNext:       h.currentNext,
		SectionNumber:     h.sectionNumber,
		LastSectionNumber: h.lastSection,
		CRCOk:             true,
	}
	if headerLen+2 > len(sec) {
		return nil, errSectionTooShort
	}
	sdt.OriginalNetworkID = uint16(sec[headerLen])<<8 | uint16(sec[headerLen+1])
	p := headerLen + 2 + 1 // original_network_id (2) + 1 reserved byte
	for p < posCRC {
		if p+5 > len(sec) {
			break
		}
		serviceID := uint16(sec[p])<<8 | uint16(sec[p+1])
		b34 := sec[p+2]
		b56 := uint16(sec[p+3])<<8 | uint16(sec[p+4])
		eitSchedule := b34&0x02 != 0
		eitPF := b34&0x01 != 0
		runningStatus := byte((b56 & 0xE000) >> 13)
		freeCA := b56&0x1000 != 0
		descLoopLen := int(b56 & 0x0FFF)
		p += 5
		var descs []Descriptor
		if descLoopLen > 0 {
			if p+descLoopLen > len(sec) {
				break
			}
			descs, _ = DecodeDescriptors(sec[p : p+descLoopLen])
			p += descLoopLen
		}
		sdt.Services = append(sdt.Services, SDTService{
			ServiceID:               serviceID,
			EITScheduleFlag:         eitSchedule,
			EITPresentFollowingFlag: eitPF,
			RunningStatus:           runningStatus,
			FreeCAMode:              freeCA,
			Descriptors:             descs,
		})
	}
	stored, ok, crcErr := verifyCRC(sec, 0, posCRC)
	if crcErr != nil {
		sdt.CRCOk = false
		return sdt, nil
	}
	sdt.CRC32 = stored
	sdt.CRCOk = ok
	return sdt, nil
}

// DecodeSDT decodes a full SDT section, including its service descriptors.
func DecodeSDT(section []byte) (*SDT, error) {
	return decodeSDTBody(section)
}

// DecodeBAT decodes a reassembled BAT section.
func DecodeBAT(section []byte) (*BAT, error) {
	if len(section) < 1 {
		return nil, errSectionTooShort
	}
	ptr := int(section[0])
	pos := 1 + ptr
	if pos >= len(section) {
		return nil, errSectionTooShort
	}
	sec := section[pos:]
	h, headerLen, err := parseSectionHeader(sec)
	if err != nil {
		return nil, err
	}
	posCRC := 3 + h.sectionLength - 4
	if posCRC > len(sec) || posCRC < headerLen+2 {
		return nil, errSectionTooShort
	}
	bat := &BAT{
		TableID:           h.tableID,
		BouquetID:         h.idField,
		Version:           h.version,
		CurrentNext:       h.currentNext,
		SectionNumber:     h.sectionNumber,
		LastSectionNumber: h.lastSection,
		CRCOk:             true,
	}
	p := headerLen
	if p+2 > len(sec) {
		return nil, errSectionTooShort
	}
	descLen := int(uint16(sec[p])<<8|uint16(sec[p+1])) & 0x0FFF
	p += 2
	if descLen > 0 {
		if p+descLen > len(sec) {
			return nil, errSectionTooShort
		}
		bat.Descriptors, _ = DecodeDescriptors(sec[p : p+descLen])
		p += descLen
	}
	if p+2 > len(sec) {
		return nil, errSectionTooShort
	}
	tsLoopLen := int(uint16(sec[p])<<8|uint16(sec[p+1])) & 0x0FFF
	p += 2
	loopEnd := p + tsLoopLen
	for p < loopEnd {
		if p+6 > len(sec) {
			break
		}
		tsID := uint16(sec[p])<<8 | uint16(sec[p+1])
		onID := uint16(sec[p+2])<<8 | uint16(sec[p+3])
		dLen := int(uint16(sec[p+4])<<8|uint16(sec[p+5])) & 0x0FFF
		p += 6
		var descs []Descriptor
		if dLen > 0 {
			if p+dLen > len(sec) {
				break
			}
			descs, _ = DecodeDescriptors(sec[p : p+dLen])
			p += dLen
		}
		bat.TransportStreams = append(bat.TransportStreams, BATTransportStream{
			TransportStreamID: tsID,
			OriginalNetworkID: onID,
			Descriptors:       descs,
		})
	}
	stored, ok, crcErr := verifyCRC(sec, 0, posCRC)
	if crcErr != nil {
		bat.CRCOk = false
		return bat, nil
	}
	bat.CRC32 = stored
	bat.CRCOk = ok
	return bat, nil
}

// CheckCRCOnly verifies the CRC of a generic long-form section without
// decoding its body. The demultiplexer does not call it: it always decodes
// SDT and BAT sections in full.
func CheckCRCOnly(section []byte) bool {
	if len(section) < 1 {
		return false
	}
	ptr := int(section[0])
	pos := 1 + ptr
	if pos >= len(section) {
		return false
	}
	sec := section[pos:]
	if len(sec) < 8 {
		return false
	}
	sectionLength := int(uint16(sec[1])<<8|uint16(sec[2])) & 0x0FFF
	posCRC := 3 + sectionLength - 4
	_, ok, err := verifyCRC(sec, 0, posCRC)
	return err == nil && ok
}
