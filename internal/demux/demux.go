// Package demux wires together the packet framer, header decoder, section
// reassembler, table/descriptor decoders, program registry, event bus and
// statistics engine into the single per-PID dispatch loop described by
// spec.md's Component Design section.
package demux

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/mtsqos/internal/eventbus"
	"github.com/snapetech/mtsqos/internal/pes"
	"github.com/snapetech/mtsqos/internal/psi"
	"github.com/snapetech/mtsqos/internal/registry"
	"github.com/snapetech/mtsqos/internal/section"
	"github.com/snapetech/mtsqos/internal/stats"
	"github.com/snapetech/mtsqos/internal/tspacket"
)

const (
	pidPAT = 0x0000
	pidCAT = 0x0001
	pidSDTBAT = 0x0011
	pidNull = 0x1FFF
)

// knownPIDs is the reserved/standard PID set used to label otherwise
// unclassified traffic instead of leaving it opaque in logs and reports.
var knownPIDs = map[uint16]string{
	0x0000: "PAT",
	0x0001: "CAT",
	0x0002: "TSDT",
	0x0003: "IPMP",
	0x0010: "NIT/ST",
	0x0011: "SDT/BAT/ST",
	0x0012: "EIT/ST/CIT",
	0x0013: "RST/ST",
	0x0014: "TDT/TOT/ST",
	0x0015: "network-sync",
	0x0016: "RNT",
	0x001C: "inband-signalling",
	0x001D: "measurement",
	0x001E: "DIT",
	0x001F: "SIT",
	0x1FFB: "DigiCipher-MGT",
	0x1FFF: "null",
}

// KnownPIDLabel returns the reserved-PID set's label for pid, or "" if pid
// is not one of the reserved values.
func KnownPIDLabel(pid uint16) string {
	return knownPIDs[pid]
}

// PacketDecodedEvent is delivered for every decoded packet, mirroring
// ts_reader.py's onPacketDecoded event, enriched with whatever table/PES
// object (if any) the dispatch decoded for this packet.
type PacketDecodedEvent struct {
	Packet       *tspacket.Packet
	ResyncOffset int
	PAT          *psi.PAT
	PMT          *psi.PMT
	CAT          *psi.CAT
	SDT          *psi.SDT
	BAT          *psi.BAT
	PES          *pes.PES
	CRCOk        *bool
	IsPCRPID     bool
}

// Demuxer holds all per-session dispatch state: registry, event bus,
// statistics engine, and reassembly buffers for PAT, CAT, PMT PIDs and
// PID 0x0011.
type Demuxer struct {
	SessionID uuid.UUID

	Registry *registry.Registry
	Stats    *stats.Engine

	OnPacketDecoded      *eventbus.Event[PacketDecodedEvent]
	OnPATReceived        *eventbus.Event[*psi.PAT]
	OnPMTReceived        *eventbus.Event[*psi.PMT]
	OnCATReceived        *eventbus.Event[*psi.CAT]
	OnSDTReceived        *eventbus.Event[*psi.SDT]
	OnProgramSDTReceived *eventbus.Event[*psi.SDT]
	OnBATReceived        *eventbus.Event[*psi.BAT]
	OnNITReceived        *eventbus.Event[*tspacket.Packet]

	patBuf     section.Reassembler
	catBuf     section.Reassembler
	pmtBuffers map[uint16]*section.Reassembler
	pid17Buf   section.Reassembler
}

// New builds a Demuxer with a fresh session id, an empty registry and a
// statistics engine configured with cfg.
func New(cfg stats.Config) *Demuxer {
	return &Demuxer{
		SessionID:            uuid.New(),
		Registry:             registry.New(),
		Stats:                stats.NewEngine(cfg),
		OnPacketDecoded:      eventbus.NewEvent[PacketDecodedEvent](),
		OnPATReceived:        eventbus.NewEvent[*psi.PAT](),
		OnPMTReceived:        eventbus.NewEvent[*psi.PMT](),
		OnCATReceived:        eventbus.NewEvent[*psi.CAT](),
		OnSDTReceived:        eventbus.NewEvent[*psi.SDT](),
		OnProgramSDTReceived: eventbus.NewEvent[*psi.SDT](),
		OnBATReceived:        eventbus.NewEvent[*psi.BAT](),
		OnNITReceived:        eventbus.NewEvent[*tspacket.Packet](),
		pmtBuffers:           make(map[uint16]*section.Reassembler),
	}
}

// Process dispatches a single decoded TS packet per-PID, mirroring
// ts_reader.TSReader.read's branch structure: PAT, CAT, PID 0x0011
// (SDT/BAT), known program_map PIDs, network PIDs, stream PIDs, other PIDs,
// remaining known PIDs, and finally unclassified PIDs.
func (d *Demuxer) Process(pkt *tspacket.Packet, resyncOffset int) {
	ev := PacketDecodedEvent{Packet: pkt, ResyncOffset: resyncOffset}
	statsEv := stats.PacketEvent{
		PID:                    pkt.PID,
		Arrival:                pkt.Arrival,
		ResyncOffset:           resyncOffset,
		SyncByteOk:             pkt.Sync == tspacket.SyncByte,
		TSC:                    pkt.TSC,
		AFC:                    pkt.AFC,
		CC:                     pkt.CC,
		TEI:                    pkt.TEI,
		IsPCRPID:               d.Registry.IsPCRPID(pkt.PID),
	}
	if pkt.Adaptation != nil {
		statsEv.DiscontinuityIndicator = pkt.Adaptation.Discontinuity
		if pkt.Adaptation.PCRFlag {
			statsEv.HasPCR = true
		}
	}

	switch {
	case pkt.PID == pidPAT:
		d.handlePAT(pkt, &ev, &statsEv)
	case pkt.PID == pidCAT:
		d.handleCAT(pkt, &ev, &statsEv)
	case pkt.PID == pidSDTBAT:
		d.handlePID17(pkt, &ev, &statsEv)
	case d.Registry.IsPMTPID(pkt.PID):
		d.handlePMT(pkt, &ev, &statsEv)
	case d.Registry.IsNetworkPID(pkt.PID):
		log.Printf("demux: session=%s pid=0x%04x NIT - no decoder", d.SessionID, pkt.PID)
		d.OnNITReceived.Fire(pkt)
	case d.Registry.IsStreamPID(pkt.PID):
		d.handleStream(pkt, &ev, &statsEv)
	case d.Registry.IsOtherPID(pkt.PID):
		// Program CA/EMM/ECM PID: observed for bitrate and timing only.
	case knownPIDs[pkt.PID] != "" && pkt.PID != pidNull:
		log.Printf("demux: session=%s pid=0x%04x known PID (%s) - no decoder", d.SessionID, pkt.PID, knownPIDs[pkt.PID])
	}

	d.Stats.Observe(statsEv)
	d.OnPacketDecoded.Fire(ev)
}

func (d *Demuxer) handlePAT(pkt *tspacket.Packet, ev *PacketDecodedEvent, statsEv *stats.PacketEvent) {
	if !pkt.HasPayload() {
		return
	}
	if pkt.PUSI {
		d.patBuf.Reset()
	}
	full, done := d.patBuf.Feed(pkt.Payload())
	if !done {
		return
	}
	pat, err := psi.DecodePAT(full)
	if err != nil {
		return
	}
	statsEv.PATSeen = true
	statsEv.PATTableID = pat.TableID
	crcOk := pat.CRCOk
	statsEv.CRCOk = &crcOk

	prev := d.Registry.PAT()
	if prev == nil {
		d.Registry.SetPAT(pat)
		d.OnPATReceived.Fire(pat)
	} else if pat.CRC32 != prev.CRC32 && pat.CRCOk {
		logPATDiff(d.SessionID, prev, pat)
		d.Registry.SetPAT(pat)
		d.OnPATReceived.Fire(pat)
	}
	ev.PAT = pat
	ev.CRCOk = &crcOk
}

func (d *Demuxer) handleCAT(pkt *tspacket.Packet, ev *PacketDecodedEvent, statsEv *stats.PacketEvent) {
	if !pkt.HasPayload() {
		return
	}
	if pkt.PUSI {
		d.catBuf.Reset()
	}
	full, done := d.catBuf.Feed(pkt.Payload())
	if !done {
		return
	}
	cat, err := psi.DecodeCAT(full)
	if err != nil {
		return
	}
	statsEv.CATSeen = true
	statsEv.CATTableID = cat.TableID
	crcOk := cat.CRCOk
	statsEv.CRCOk = &crcOk

	prev := d.Registry.CAT()
	if prev == nil {
		d.Registry.SetCAT(cat)
		d.OnCATReceived.Fire(cat)
	} else if cat.CRC32 != prev.CRC32 && cat.CRCOk {
		log.Printf("demux: session=%s CAT updated", d.SessionID)
		d.Registry.SetCAT(cat)
		d.OnCATReceived.Fire(cat)
	}
	ev.CAT = cat
	ev.CRCOk = &crcOk
}

// handlePID17 reassembles across packets when needed (mirrors
// ts_parser.decode_pid_17's __pid_17_buffer) and dispatches to SDT or BAT by
// table_id: 0x42 SDT-actual, 0x46 SDT-other, 0x4A BAT.
func (d *Demuxer) handlePID17(pkt *tspacket.Packet, ev *PacketDecodedEvent, statsEv *stats.PacketEvent) {
	if !pkt.HasPayload() {
		return
	}
	if pkt.PUSI {
		d.pid17Buf.Reset()
	}
	full, done := d.pid17Buf.Feed(pkt.Payload())
	if !done {
		return
	}
	tableID := sectionTableID(full)
	switch tableID {
	case psi.TableIDSDTActual, psi.TableIDSDTOther:
		sdt, err := psi.DecodeSDT(full)
		if err != nil {
			return
		}
		crcOk := sdt.CRCOk
		statsEv.CRCOk = &crcOk
		ev.SDT = sdt
		ev.CRCOk = &crcOk
		d.Registry.SetSDT(sdt)
		d.maybeEmitProgramSDT(sdt)
		d.OnSDTReceived.Fire(sdt)
	case psi.TableIDBAT:
		bat, err := psi.DecodeBAT(full)
		if err != nil {
			return
		}
		crcOk := bat.CRCOk
		statsEv.CRCOk = &crcOk
		ev.BAT = bat
		ev.CRCOk = &crcOk
		d.OnBATReceived.Fire(bat)
	}
}

// maybeEmitProgramSDT fires OnProgramSDTReceived for the first SDT service
// entry whose service_id matches a PAT program_number and that carries a
// service_descriptor (tag 72), narrowing the fired SDT to that one service.
func (d *Demuxer) maybeEmitProgramSDT(sdt *psi.SDT) {
	if d.OnProgramSDTReceived.HandlerCount() == 0 {
		return
	}
	pat := d.Registry.PAT()
	if pat == nil {
		return
	}
	progNums := make(map[uint16]struct{}, len(pat.Programs))
	for _, p := range pat.Programs {
		progNums[p.ProgramNumber] = struct{}{}
	}
	for _, svc := range sdt.Services {
		if _, ok := progNums[svc.ServiceID]; !ok {
			continue
		}
		for _, desc := range svc.Descriptors {
			if desc.Tag == psi.TagService {
				narrowed := *sdt
				narrowed.Services = []psi.SDTService{svc}
				d.OnProgramSDTReceived.Fire(&narrowed)
				return
			}
		}
	}
}

func (d *Demuxer) handlePMT(pkt *tspacket.Packet, ev *PacketDecodedEvent, statsEv *stats.PacketEvent) {
	if !pkt.HasPayload() {
		return
	}
	buf, ok := d.pmtBuffers[pkt.PID]
	if !ok {
		buf = &section.Reassembler{}
		d.pmtBuffers[pkt.PID] = buf
	}
	if pkt.PUSI {
		buf.Reset()
	}
	full, done := buf.Feed(pkt.Payload())
	if !done {
		return
	}
	pmt, err := psi.DecodePMT(full)
	if err != nil {
		return
	}
	statsEv.PMTSeen = true
	statsEv.PMTTableID = pmt.TableID
	crcOk := pmt.CRCOk
	statsEv.CRCOk = &crcOk
	ev.PMT = pmt
	ev.CRCOk = &crcOk

	prev := d.Registry.PMT(pkt.PID)
	if prev == nil {
		d.Registry.SetPMT(pkt.PID, pmt)
		d.OnPMTReceived.Fire(pmt)
	} else if pmt.CRC32 != prev.CRC32 && pmt.CRCOk {
		logPMTDiff(d.SessionID, prev, pmt)
		d.Registry.SetPMT(pkt.PID, pmt)
		d.OnPMTReceived.Fire(pmt)
	}
}

func (d *Demuxer) handleStream(pkt *tspacket.Packet, ev *PacketDecodedEvent, statsEv *stats.PacketEvent) {
	if !pkt.HasPayload() || (pkt.AFC != 1 && pkt.AFC != 3) {
		return
	}
	payload := pkt.Payload()
	if len(payload) < 4 || payload[0] != 0x00 || payload[1] != 0x00 || payload[2] != 0x01 || payload[3] < 188 {
		return
	}
	p, err := pes.Decode(payload[3:])
	if err != nil {
		return
	}
	ev.PES = p
	if p.HasPTS {
		statsEv.HasPTS = true
	}
}

func sectionTableID(section []byte) byte {
	if len(section) < 2 {
		return 0xFF
	}
	ptr := int(section[0])
	pos := 1 + ptr
	if pos >= len(section) {
		return 0xFF
	}
	return section[pos]
}

func logPATDiff(session uuid.UUID, old, new *psi.PAT) {
	msg := fmt.Sprintf("demux: session=%s PAT updated", session)
	if old.TableID != new.TableID {
		msg += fmt.Sprintf(" table_id %d->%d", old.TableID, new.TableID)
	}
	if old.TransportStreamID != new.TransportStreamID {
		msg += fmt.Sprintf(" ts_id %d->%d", old.TransportStreamID, new.TransportStreamID)
	}
	if old.Version != new.Version {
		msg += fmt.Sprintf(" ver_num %d->%d", old.Version, new.Version)
	}
	if diff := programsDiff(old.Programs, new.Programs); len(diff) > 0 {
		msg += fmt.Sprintf(" prog_nums differences are %v", diff)
	}
	log.Print(msg)
}

func logPMTDiff(session uuid.UUID, old, new *psi.PMT) {
	msg := fmt.Sprintf("demux: session=%s PMT updated", session)
	if old.TableID != new.TableID {
		msg += fmt.Sprintf(" table_id %d->%d", old.TableID, new.TableID)
	}
	if old.ProgramNumber != new.ProgramNumber {
		msg += fmt.Sprintf(" prog_num %d->%d", old.ProgramNumber, new.ProgramNumber)
	}
	if old.PCRPID != new.PCRPID {
		msg += fmt.Sprintf(" pcr_pid %d->%d", old.PCRPID, new.PCRPID)
	}
	if old.Version != new.Version {
		msg += fmt.Sprintf(" ver_num %d->%d", old.Version, new.Version)
	}
	if diff := streamsDiff(old.Streams, new.Streams); len(diff) > 0 {
		msg += fmt.Sprintf(" streams differences are %v", diff)
	}
	log.Print(msg)
}

func programsDiff(a, b []psi.ProgramEntry) []uint16 {
	seen := make(map[uint16]bool)
	for _, p := range a {
		seen[p.ProgramNumber] = true
	}
	var diff []uint16
	for _, p := range b {
		if !seen[p.ProgramNumber] {
			diff = append(diff, p.ProgramNumber)
		} else {
			seen[p.ProgramNumber] = false
		}
	}
	for num, still := range seen {
		if still {
			diff = append(diff, num)
		}
	}
	return diff
}

func streamsDiff(a, b []psi.ElementaryStream) []uint16 {
	seen := make(map[uint16]bool)
	for _, s := range a {
		seen[s.ElementaryPID] = true
	}
	var diff []uint16
	for _, s := range b {
		if !seen[s.ElementaryPID] {
			diff = append(diff, s.ElementaryPID)
		} else {
			seen[s.ElementaryPID] = false
		}
	}
	for pid, still := range seen {
		if still {
			diff = append(diff, pid)
		}
	}
	return diff
}

// Elapsed returns the time that has passed since start.
func Elapsed(start time.Time) time.Duration {
	return time.Since(start)
}
