package psi

import "testing"

// appendCRC computes CRC32MPEG2 over body and appends it big-endian, mirroring
// what a real multiplexer does when emitting a section.
func appendCRC(body []byte) []byte {
	crc := CRC32MPEG2(body)
	return append(append([]byte{}, body...),
		byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

func TestDecodePAT_twoPrograms(t *testing.T) {
	// table_id, section_length placeholder, transport_stream_id, version/cn,
	// section_number, last_section_number, then two 4-byte program entries.
	sec := []byte{
		0x00,       // table_id
		0xB0, 0x11, // section_syntax=1, section_length=17
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next=1
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x00, 0xE0, 0x10, // program_number=0 -> network_pid=0x10
		0x00, 0x02, 0xE0, 0x21, // program_number=2 -> pmt_pid=0x21
	}
	full := appendCRC(sec)
	section := append([]byte{0x00}, full...) // pointer_field = 0

	pat, err := DecodePAT(section)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pat.CRCOk {
		t.Fatal("CRCOk = false, want true")
	}
	if pat.TransportStreamID != 1 {
		t.Errorf("TransportStreamID = %d, want 1", pat.TransportStreamID)
	}
	if len(pat.Programs) != 2 {
		t.Fatalf("got %d programs, want 2", len(pat.Programs))
	}
	netPIDs := pat.NetworkPIDs()
	if len(netPIDs) != 1 || netPIDs[0] != 0x10 {
		t.Errorf("NetworkPIDs = %v, want [0x10]", netPIDs)
	}
	pmtPIDs := pat.ProgramMapPIDs()
	if len(pmtPIDs) != 1 || pmtPIDs[0] != 0x21 {
		t.Errorf("ProgramMapPIDs = %v, want [0x21]", pmtPIDs)
	}
}

func TestDecodePAT_crcMismatchStillReturnsObject(t *testing.T) {
	sec := []byte{
		0x00,
		0xB0, 0x11,
		0x00, 0x01,
		0xC1,
		0x00, 0x00,
		0x00, 0x00, 0xE0, 0x10,
		0x00, 0x02, 0xE0, 0x21,
	}
	full := appendCRC(sec)
	full[len(full)-1] ^= 0xFF // corrupt CRC
	section := append([]byte{0x00}, full...)

	pat, err := DecodePAT(section)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pat.CRCOk {
		t.Fatal("CRCOk = true, want false after corruption")
	}
	if len(pat.Programs) != 2 {
		t.Errorf("got %d programs, want 2 even on CRC mismatch", len(pat.Programs))
	}
}

func TestDecodePMT_streamsAndDescriptors(t *testing.T) {
	progInfo := []byte{0x09, 0x04, 0x00, 0x09, 0xE0, 0x10} // CA descriptor
	streams := []byte{
		0x02, 0xE1, 0x00, 0xF0, 0x00, // video, pid 0x100
		0x06, 0xE1, 0x01, 0xF0, 0x00, // private/audio, pid 0x101
	}
	bodyAfterLen := []byte{
		0x00, 0x02, // program_number
		0xC1,       // version/current_next
		0x00, 0x00, // section_number, last
		0xE0, 0x20, // PCR_PID 0x20
	}
	bodyAfterLen = append(bodyAfterLen, byte(len(progInfo)>>8), byte(len(progInfo)))
	bodyAfterLen = append(bodyAfterLen, progInfo...)
	bodyAfterLen = append(bodyAfterLen, streams...)

	sectionLength := len(bodyAfterLen) + 4 // + CRC, counted from after the length field
	sec := []byte{0x02, byte(0xB0 | (sectionLength >> 8)), byte(sectionLength)}
	sec = append(sec, bodyAfterLen...)
	full := appendCRC(sec)
	section := append([]byte{0x00}, full...)

	pmt, err := DecodePMT(section)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pmt.CRCOk {
		t.Fatal("CRCOk = false, want true")
	}
	if pmt.ProgramNumber != 2 {
		t.Errorf("ProgramNumber = %d, want 2", pmt.ProgramNumber)
	}
	if pmt.PCRPID != 0x20 {
		t.Errorf("PCRPID = %#x, want 0x20", pmt.PCRPID)
	}
	if len(pmt.Descriptors) != 1 {
		t.Fatalf("got %d program descriptors, want 1", len(pmt.Descriptors))
	}
	if len(pmt.Streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(pmt.Streams))
	}
	if pmt.Streams[0].StreamType != 0x02 || pmt.Streams[0].ElementaryPID != 0x100 {
		t.Errorf("stream[0] = %+v", pmt.Streams[0])
	}
	if pmt.Streams[1].StreamType != 0x06 || pmt.Streams[1].ElementaryPID != 0x101 {
		t.Errorf("stream[1] = %+v", pmt.Streams[1])
	}
}

func TestDecodeCAT_descriptorsOnly(t *testing.T) {
	caDesc := []byte{0x09, 0x04, 0x00, 0x09, 0xE0, 0x11}
	bodyAfterLen := []byte{
		0xFF, 0xFF, // reserved transport_stream_id-equivalent field (unused by CAT)
		0xC1,
		0x00, 0x00,
	}
	bodyAfterLen = append(bodyAfterLen, caDesc...)
	sectionLength := len(bodyAfterLen) + 4
	sec := []byte{0x01, byte(0xB0 | (sectionLength >> 8)), byte(sectionLength)}
	sec = append(sec, bodyAfterLen...)
	full := appendCRC(sec)
	section := append([]byte{0x00}, full...)

	cat, err := DecodeCAT(section)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cat.CRCOk {
		t.Fatal("CRCOk = false, want true")
	}
	if len(cat.Descriptors) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(cat.Descriptors))
	}
	if _, ok := cat.Descriptors[0].Data.(*CADescriptor); !ok {
		t.Errorf("Descriptors[0].Data is %T, want *CADescriptor", cat.Descriptors[0].Data)
	}
}

func TestDecodeSDT_oneService(t *testing.T) {
	svcDesc := []byte{0x48, 0x0B, 0x01, 0x03, 'A', 'B', 'C', 0x05, 'H', 'e', 'l', 'l', 'o'}
	descLoopLen := len(svcDesc)
	b56 := uint16(0x4000) | uint16(descLoopLen&0x0FFF) // running_status=2, free_ca=0
	entry := []byte{
		0x00, 0x05, // service_id
		0x03, // reserved_future_use(6)+EIT_schedule_flag(1)+EIT_present_following_flag(1), both flags set
		byte(b56 >> 8), byte(b56),
	}
	entry = append(entry, svcDesc...)

	bodyAfterLen := []byte{
		0x00, 0x01, // transport_stream_id
		0xC1,
		0x00, 0x00,
		0x00, 0x09, // original_network_id
		0xFF,       // reserved
	}
	bodyAfterLen = append(bodyAfterLen, entry...)
	sectionLength := len(bodyAfterLen) + 4
	sec := []byte{0x42, byte(0xB0 | (sectionLength >> 8)), byte(sectionLength)}
	sec = append(sec, bodyAfterLen...)
	full := appendCRC(sec)
	section := append([]byte{0x00}, full...)

	sdt, err := DecodeSDT(section)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sdt.CRCOk {
		t.Fatal("CRCOk = false, want true")
	}
	if sdt.OriginalNetworkID != 9 {
		t.Errorf("OriginalNetworkID = %d, want 9", sdt.OriginalNetworkID)
	}
	if len(sdt.Services) != 1 {
		t.Fatalf("got %d services, want 1", len(sdt.Services))
	}
	svc := sdt.Services[0]
	if svc.ServiceID != 5 {
		t.Errorf("ServiceID = %d, want 5", svc.ServiceID)
	}
	if len(svc.Descriptors) != 1 {
		t.Fatalf("got %d service descriptors, want 1", len(svc.Descriptors))
	}
}

func TestDecodeBAT_oneTransportStream(t *testing.T) {
	bouquetDesc := []byte{0x47, 0x05, 'H', 'e', 'l', 'l', 'o'}
	tsDesc := []byte{0x41, 0x03, 0x00, 0x01, 0x01}

	bodyAfterLen := []byte{
		0x00, 0x7B, // bouquet_id
		0xC1,
		0x00, 0x00,
	}
	bodyAfterLen = append(bodyAfterLen, byte(len(bouquetDesc)>>8), byte(len(bouquetDesc)))
	bodyAfterLen = append(bodyAfterLen, bouquetDesc...)

	tsLoop := []byte{
		0x00, 0x01, // transport_stream_id
		0x00, 0x09, // original_network_id
	}
	tsLoop = append(tsLoop, byte(len(tsDesc)>>8), byte(len(tsDesc)))
	tsLoop = append(tsLoop, tsDesc...)

	bodyAfterLen = append(bodyAfterLen, byte(len(tsLoop)>>8), byte(len(tsLoop)))
	bodyAfterLen = append(bodyAfterLen, tsLoop...)

	sectionLength := len(bodyAfterLen) + 4
	sec := []byte{0x4A, byte(0xB0 | (sectionLength >> 8)), byte(sectionLength)}
	sec = append(sec, bodyAfterLen...)
	full := appendCRC(sec)
	section := append([]byte{0x00}, full...)

	bat, err := DecodeBAT(section)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bat.CRCOk {
		t.Fatal("CRCOk = false, want true")
	}
	if bat.BouquetID != 0x7B {
		t.Errorf("BouquetID = %#x, want 0x7B", bat.BouquetID)
	}
	if len(bat.Descriptors) != 1 {
		t.Fatalf("got %d bouquet descriptors, want 1", len(bat.Descriptors))
	}
	if len(bat.TransportStreams) != 1 {
		t.Fatalf("got %d transport streams, want 1", len(bat.TransportStreams))
	}
	ts := bat.TransportStreams[0]
	if ts.TransportStreamID != 1 || ts.OriginalNetworkID != 9 {
		t.Errorf("ts = %+v", ts)
	}
	if len(ts.Descriptors) != 1 {
		t.Errorf("got %d ts descriptors, want 1", len(ts.Descriptors))
	}
}

func TestCheckCRCOnly(t *testing.T) {
	sec := []byte{
		0x00,
		0xB0, 0x11,
		0x00, 0x01,
		0xC1,
		0x00, 0x00,
		0x00, 0x00, 0xE0, 0x10,
		0x00, 0x02, 0xE0, 0x21,
	}
	full := appendCRC(sec)
	section := append([]byte{0x00}, full...)
	if !CheckCRCOnly(section) {
		t.Fatal("CheckCRCOnly = false, want true")
	}
	full[len(full)-1] ^= 0xFF
	corrupted := append([]byte{0x00}, full...)
	if CheckCRCOnly(corrupted) {
		t.Fatal("CheckCRCOnly = true on corrupted section, want false")
	}
}
