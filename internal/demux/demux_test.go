package demux

import (
	"testing"
	"time"

	"github.com/snapetech/mtsqos/internal/psi"
	"github.com/snapetech/mtsqos/internal/stats"
	"github.com/snapetech/mtsqos/internal/tspacket"
)

func crcSection(body []byte) []byte {
	crc := psi.CRC32MPEG2(body)
	return append(append([]byte{}, body...), byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

func patPayload(tsID uint16, progNum, pmtPID uint16) []byte {
	body := []byte{
		0x00,
		0xB0, 0x11,
		byte(tsID >> 8), byte(tsID),
		0xC1,
		0x00, 0x00,
		0x00, 0x00, 0xE0, 0x10,
		byte(progNum >> 8), byte(progNum), byte(0xE0 | (pmtPID >> 8)), byte(pmtPID),
	}
	full := crcSection(body)
	return append([]byte{0x00}, full...)
}

func makePacket(pid uint16, pusi bool, cc byte, payload []byte) *tspacket.Packet {
	raw := make([]byte, 4+len(payload))
	raw[0] = tspacket.SyncByte
	b23 := pid & 0x1FFF
	if pusi {
		b23 |= 0x4000
	}
	raw[1] = byte(b23 >> 8)
	raw[2] = byte(b23)
	raw[3] = 0x10 | (cc & 0x0F) // AFC=1
	copy(raw[4:], payload)
	return tspacket.Decode(raw, time.Now(), 0)
}

func TestDemuxer_patArrivalFiresEventAndUpdatesRegistry(t *testing.T) {
	d := New(stats.Config{})
	var got *psi.PAT
	d.OnPATReceived.Subscribe(func(pat *psi.PAT) { got = pat })

	pkt := makePacket(0x0000, true, 0, patPayload(1, 2, 0x20))
	d.Process(pkt, 0)

	if got == nil {
		t.Fatal("OnPATReceived did not fire")
	}
	if !d.Registry.IsPMTPID(0x20) {
		t.Error("0x20 should now be a program_map PID")
	}
}

func TestDemuxer_patReplacementLogsAndUpdates(t *testing.T) {
	d := New(stats.Config{})
	d.Process(makePacket(0x0000, true, 0, patPayload(1, 2, 0x20)), 0)

	fired := 0
	d.OnPATReceived.Subscribe(func(*psi.PAT) { fired++ })
	d.Process(makePacket(0x0000, true, 1, patPayload(1, 3, 0x30)), 0)

	if fired != 1 {
		t.Fatalf("OnPATReceived fired %d times, want 1", fired)
	}
	if !d.Registry.IsPMTPID(0x30) {
		t.Error("0x30 should now be a program_map PID")
	}
	if d.Registry.IsPMTPID(0x20) {
		t.Error("0x20 should no longer be a program_map PID")
	}
}

type pmtStream struct {
	streamType byte
	pid        uint16
}

func pmtPayload(progNum, pcrPID uint16, streams []pmtStream) []byte {
	inner := []byte{
		byte(progNum >> 8), byte(progNum),
		0xC1,
		0x00, 0x00,
		byte(0xE0 | (pcrPID >> 8)), byte(pcrPID),
		0xF0, 0x00,
	}
	for _, s := range streams {
		inner = append(inner, s.streamType, byte(0xE0|(s.pid>>8)), byte(s.pid), 0xF0, 0x00)
	}
	sectionLength := len(inner) + 4
	body := append([]byte{0x02, byte(0xB0 | (sectionLength >> 8)), byte(sectionLength)}, inner...)
	full := crcSection(body)
	return append([]byte{0x00}, full...)
}

func TestDemuxer_pmtCRCFailureKeepsRegistryUnchanged(t *testing.T) {
	d := New(stats.Config{})
	d.Process(makePacket(0x0000, true, 0, patPayload(1, 2, 0x20)), 0)

	good := pmtPayload(2, 0x101, []pmtStream{{streamType: 0x1B, pid: 0x101}})
	d.Process(makePacket(0x20, true, 0, good), 0)
	if !d.Registry.IsStreamPID(0x101) {
		t.Fatal("0x101 should be a stream PID after the first valid PMT")
	}

	corrupt := pmtPayload(2, 0x102, []pmtStream{{streamType: 0x1B, pid: 0x102}})
	corrupt[len(corrupt)-1] ^= 0xFF // flip a CRC byte
	d.Process(makePacket(0x20, true, 1, corrupt), 0)

	if !d.Registry.IsStreamPID(0x101) {
		t.Error("0x101 should still be classified: a CRC-failed PMT must not replace the registry")
	}
	if d.Registry.IsStreamPID(0x102) {
		t.Error("0x102 should not be classified: its PMT failed CRC")
	}
}

func TestDemuxer_pmtUpdateChangesStreamPIDs(t *testing.T) {
	d := New(stats.Config{})
	d.Process(makePacket(0x0000, true, 0, patPayload(1, 2, 0x20)), 0)

	first := pmtPayload(2, 0x101, []pmtStream{{streamType: 0x1B, pid: 0x101}})
	d.Process(makePacket(0x20, true, 0, first), 0)
	if !d.Registry.IsStreamPID(0x101) {
		t.Fatal("0x101 should be a stream PID after the first PMT")
	}

	fired := 0
	d.OnPMTReceived.Subscribe(func(*psi.PMT) { fired++ })

	second := pmtPayload(2, 0x201, []pmtStream{{streamType: 0x0F, pid: 0x201}})
	d.Process(makePacket(0x20, true, 1, second), 0)

	if fired != 1 {
		t.Fatalf("OnPMTReceived fired %d times, want 1", fired)
	}
	if d.Registry.IsStreamPID(0x101) {
		t.Error("0x101 should no longer be a stream PID after the PMT replaced its stream list")
	}
	if !d.Registry.IsStreamPID(0x201) {
		t.Error("0x201 should be a stream PID after the PMT update")
	}
}

func TestDemuxer_patSplitAcrossPacketsReassembles(t *testing.T) {
	d := New(stats.Config{})
	var got *psi.PAT
	d.OnPATReceived.Subscribe(func(pat *psi.PAT) { got = pat })

	full := patPayload(1, 2, 0x20)
	head, tail := full[:8], full[8:]

	d.Process(makePacket(0x0000, true, 0, head), 0)
	if got != nil {
		t.Fatal("OnPATReceived fired before the section was fully reassembled")
	}
	d.Process(makePacket(0x0000, false, 1, tail), 0)

	if got == nil {
		t.Fatal("OnPATReceived did not fire once the continuation packet completed the section")
	}
	if !d.Registry.IsPMTPID(0x20) {
		t.Error("0x20 should now be a program_map PID")
	}
}

func TestDemuxer_pmtSplitAcrossPacketsReassembles(t *testing.T) {
	d := New(stats.Config{})
	d.Process(makePacket(0x0000, true, 0, patPayload(1, 2, 0x20)), 0)

	full := pmtPayload(2, 0x101, []pmtStream{{streamType: 0x1B, pid: 0x101}})
	head, tail := full[:8], full[8:]

	d.Process(makePacket(0x20, true, 0, head), 0)
	if d.Registry.IsStreamPID(0x101) {
		t.Fatal("0x101 should not be classified before the PMT section is fully reassembled")
	}
	d.Process(makePacket(0x20, false, 1, tail), 0)

	if !d.Registry.IsStreamPID(0x101) {
		t.Error("0x101 should be a stream PID once the continuation packet completed the PMT section")
	}
}

func TestDemuxer_knownPIDLabel(t *testing.T) {
	if KnownPIDLabel(0x0000) != "PAT" {
		t.Errorf("KnownPIDLabel(0x0000) = %q, want PAT", KnownPIDLabel(0x0000))
	}
	if KnownPIDLabel(0x1234) != "" {
		t.Errorf("KnownPIDLabel(0x1234) = %q, want empty", KnownPIDLabel(0x1234))
	}
}

func TestDemuxer_statsObservedForEveryPacket(t *testing.T) {
	d := New(stats.Config{StartupCCGraceMS: 0})
	d.Process(makePacket(0x0000, true, 0, patPayload(1, 2, 0x20)), 0)
	snap := d.Stats.Final(time.Now().Add(time.Second))
	if len(snap.PIDs) == 0 {
		t.Fatal("expected at least one PID in final snapshot")
	}
}
