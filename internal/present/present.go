// Package present renders decoded PSI tables and statistics snapshots in a
// tab-indented, human-readable form, and optionally exposes the latest
// snapshot over an HTTP debug endpoint.
package present

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/snapetech/mtsqos/internal/dictionary"
	"github.com/snapetech/mtsqos/internal/psi"
	"github.com/snapetech/mtsqos/internal/registry"
	"github.com/snapetech/mtsqos/internal/stats"
)

// Printer writes labeled, tab-indented table dumps to an io.Writer, resolving
// numeric codes to names via an optional dictionary (a nil dictionary simply
// prints the code with an empty name).
type Printer struct {
	dict *dictionary.Dictionary
}

// NewPrinter builds a Printer backed by dict (may be nil).
func NewPrinter(dict *dictionary.Dictionary) *Printer {
	return &Printer{dict: dict}
}

func (p *Printer) tableName(id byte) string {
	if p.dict == nil {
		return ""
	}
	return p.dict.TableName(id)
}

func (p *Printer) streamTypeName(t byte) string {
	if p.dict == nil {
		return ""
	}
	return p.dict.StreamTypeName(t)
}

func (p *Printer) descriptorTagName(tag byte) string {
	if p.dict == nil {
		return ""
	}
	return p.dict.DescriptorTagName(tag)
}

// PAT prints a Program Association Table dump.
func (p *Printer) PAT(w io.Writer, pat *psi.PAT, at time.Time) {
	fmt.Fprintf(w, "Program Association Table (%s)\n", at.Format(time.RFC3339))
	fmt.Fprintf(w, "\t%-25s0x%02X - %s\n", "Table ID:", pat.TableID, p.tableName(pat.TableID))
	fmt.Fprintf(w, "\t%-25s0x%04X\n", "Transport stream ID:", pat.TransportStreamID)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Version number:", pat.Version)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Current Next Indicator:", boolByte(pat.CurrentNext))
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Section Number:", pat.SectionNumber)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Last Section Number:", pat.LastSectionNumber)
	fmt.Fprintln(w, "\tProgram numbers:")
	for _, prog := range pat.Programs {
		if prog.ProgramNumber == 0 {
			fmt.Fprintf(w, "\t\tProgram_number=0x%04X, network_PID=0x%04X, program_map_PID=None\n",
				prog.ProgramNumber, deref(prog.NetworkPID))
		} else {
			fmt.Fprintf(w, "\t\tProgram_number=0x%04X, network_PID=None, program_map_PID=0x%04X\n",
				prog.ProgramNumber, deref(prog.ProgramMapPID))
		}
	}
	fmt.Fprintln(w)
}

// PMT prints a Program Map Table dump.
func (p *Printer) PMT(w io.Writer, pmt *psi.PMT, at time.Time) {
	fmt.Fprintf(w, "Program Map Table (%s)\n", at.Format(time.RFC3339))
	fmt.Fprintf(w, "\t%-25s0x%02X - %s\n", "Table ID:", pmt.TableID, p.tableName(pmt.TableID))
	fmt.Fprintf(w, "\t%-25s0x%04X\n", "Program number:", pmt.ProgramNumber)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Version number:", pmt.Version)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Current Next Indicator:", boolByte(pmt.CurrentNext))
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Section Number:", pmt.SectionNumber)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Last Section Number:", pmt.LastSectionNumber)
	fmt.Fprintf(w, "\t%-25s0x%04X\n", "PCR PID:", pmt.PCRPID)
	fmt.Fprintln(w, "\tDescriptors:")
	p.descriptors(w, "\t\t", pmt.Descriptors)
	fmt.Fprintln(w, "\tStreams:")
	for _, s := range pmt.Streams {
		fmt.Fprintf(w, "\t\tStream PID=0x%04X, Stream type=0x%02X - %s\n",
			s.ElementaryPID, s.StreamType, p.streamTypeName(s.StreamType))
	}
	fmt.Fprintln(w)
}

// SDT prints a Service Description Table dump.
func (p *Printer) SDT(w io.Writer, sdt *psi.SDT, at time.Time) {
	fmt.Fprintf(w, "Service Description Table (%s)\n", at.Format(time.RFC3339))
	fmt.Fprintf(w, "\t%-25s0x%02X - %s\n", "Table ID:", sdt.TableID, p.tableName(sdt.TableID))
	fmt.Fprintf(w, "\t%-25s0x%04X\n", "Transport Stream ID:", sdt.TransportStreamID)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Version number:", sdt.Version)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Current Next Indicator:", boolByte(sdt.CurrentNext))
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Section Number:", sdt.SectionNumber)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Last Section Number:", sdt.LastSectionNumber)
	fmt.Fprintf(w, "\t%-25s0x%04X\n", "Original Network ID:", sdt.OriginalNetworkID)
	fmt.Fprintln(w, "\tServices:")
	for _, svc := range sdt.Services {
		fmt.Fprintf(w, "\t\tService ID=0x%04X\n", svc.ServiceID)
		fmt.Fprintf(w, "\t\t\tEIT_schedule_flag=%v\n", svc.EITScheduleFlag)
		fmt.Fprintf(w, "\t\t\tEIT_present_following_flag=%v\n", svc.EITPresentFollowingFlag)
		fmt.Fprintf(w, "\t\t\tRunning_status=%d - %s\n", svc.RunningStatus, dictionary.RunningStatusName(svc.RunningStatus))
		fmt.Fprintf(w, "\t\t\tFree_CA_mode=%v\n", svc.FreeCAMode)
		p.descriptors(w, "\t\t\t", svc.Descriptors)
	}
	fmt.Fprintln(w)
}

// CAT prints a Conditional Access Table dump.
func (p *Printer) CAT(w io.Writer, cat *psi.CAT, at time.Time) {
	fmt.Fprintf(w, "Conditional Access Table (%s)\n", at.Format(time.RFC3339))
	fmt.Fprintf(w, "\t%-25s0x%02X - %s\n", "Table ID:", cat.TableID, p.tableName(cat.TableID))
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Version number:", cat.Version)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Current Next Indicator:", boolByte(cat.CurrentNext))
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Section Number:", cat.SectionNumber)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Last Section Number:", cat.LastSectionNumber)
	fmt.Fprintln(w, "\tDescriptors:")
	p.descriptors(w, "\t\t\t", cat.Descriptors)
	fmt.Fprintln(w)
}

// BAT prints a Bouquet Association Table dump.
func (p *Printer) BAT(w io.Writer, bat *psi.BAT, at time.Time) {
	fmt.Fprintf(w, "Bouquet Association Table (%s)\n", at.Format(time.RFC3339))
	fmt.Fprintf(w, "\t%-25s0x%02X - %s\n", "Table ID:", bat.TableID, p.tableName(bat.TableID))
	fmt.Fprintf(w, "\t%-25s0x%04X\n", "Bouquet ID:", bat.BouquetID)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Version number:", bat.Version)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Current Next Indicator:", boolByte(bat.CurrentNext))
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Section Number:", bat.SectionNumber)
	fmt.Fprintf(w, "\t%-25s0x%02X\n", "Last Section Number:", bat.LastSectionNumber)
	fmt.Fprintln(w, "\tBouquet descriptors:")
	p.descriptors(w, "\t\t", bat.Descriptors)
	fmt.Fprintln(w, "\tTransport streams:")
	for _, ts := range bat.TransportStreams {
		fmt.Fprintf(w, "\t\tTransport stream ID=0x%04X\n", ts.TransportStreamID)
		fmt.Fprintf(w, "\t\tOriginal network ID=0x%04X\n", ts.OriginalNetworkID)
		fmt.Fprintln(w, "\t\tDescriptors:")
		p.descriptors(w, "\t\t\t", ts.Descriptors)
	}
	fmt.Fprintln(w)
}

func (p *Printer) descriptors(w io.Writer, indent string, descs []psi.Descriptor) {
	for _, d := range descs {
		fmt.Fprintf(w, "%sDescriptor tag=0x%02X - %s\n", indent, d.Tag, p.descriptorTagName(d.Tag))
		if d.Data != nil {
			fmt.Fprintf(w, "%sDescriptor data=%+v\n", indent, d.Data)
		} else {
			fmt.Fprintf(w, "%sDescriptor data=%v\n", indent, d.Raw)
		}
	}
}

// Stat prints a statistics snapshot: program-level line, then per-PID lines
// sorted by PID, then any PID observed but not classified by the registry or
// the reserved known-PID set.
func (p *Printer) Stat(w io.Writer, snap stats.Snapshot, reg *registry.Registry, knownPIDs map[uint16]string) {
	fmt.Fprintln(w, "\nProgram statistic:")
	p.statLine(w, -1, snap.ProgramBitrate, snap.ProgramStat)

	fmt.Fprintln(w, "\nTS statistic:")
	pids := make([]stats.PIDSnapshot, len(snap.PIDs))
	copy(pids, snap.PIDs)
	sort.Slice(pids, func(i, j int) bool { return pids[i].PID < pids[j].PID })
	for _, ps := range pids {
		p.statLine(w, int(ps.PID), ps.Bitrate, ps.Stat)
	}

	var unknown []uint16
	for _, ps := range pids {
		if _, known := knownPIDs[ps.PID]; known {
			continue
		}
		if reg != nil && (reg.IsPMTPID(ps.PID) || reg.IsStreamPID(ps.PID) || reg.IsOtherPID(ps.PID) || reg.IsNetworkPID(ps.PID)) {
			continue
		}
		unknown = append(unknown, ps.PID)
	}
	if len(unknown) > 0 {
		fmt.Fprintln(w, "\nUnknown PIDs:")
		sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
		for _, pid := range unknown {
			fmt.Fprintf(w, "\tPID=0x%04X\n", pid)
		}
	}
}

func (p *Printer) statLine(w io.Writer, pid int, bitrate float64, st *stats.PidStat) {
	label := "          "
	if pid >= 0 {
		label = fmt.Sprintf("PID=0x%04X", pid)
	}
	if st == nil {
		fmt.Fprintf(w, "\t%s\t bitrate=%-10.1f stat: (no errors this interval)\n", label, bitrate)
		return
	}
	fmt.Fprintf(w, "\t%s\t bitrate=%-10.1f stat: packet_count=%-10d strambled_packets=%-3d PAT_error=%d  CC_errors=%d  PMT_error=%d  PID_error=%d  Transport_error=%d  CRC_error=%d  PCR_Error1=%d  PCR_Error2=%d,  PTS_error=%d,  CAT_error=%d\n",
		label, bitrate, st.PacketCount, st.ScrambledCount,
		st.PATError, st.CCErrors, st.PMTError, st.PIDError, st.TransportError,
		st.CRCError, st.PCRRepetitionError, st.PCRDiscontinuityIndicatorError, st.PTSError, st.CATError)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func deref(p *uint16) uint16 {
	if p == nil {
		return 0
	}
	return *p
}

// Server exposes the most recently published snapshot as JSON over HTTP, for
// a human (or curl) to inspect a live run without parsing log lines.
type Server struct {
	mu       sync.RWMutex
	latest   stats.Snapshot
	hasData  bool
	httpSrv  *http.Server
}

// NewServer builds a debug server. Call Publish on every tick to keep the
// exposed snapshot current, and Serve to start listening.
func NewServer(addr string) *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	if err := http2.ConfigureServer(httpSrv, &http2.Server{}); err != nil {
		log.Printf("present: http2 configure failed, falling back to HTTP/1.1: %v", err)
	}
	s.httpSrv = httpSrv
	return s
}

// Publish updates the snapshot served at /snapshot.
func (s *Server) Publish(snap stats.Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.hasData = true
	s.mu.Unlock()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap, ok := s.latest, s.hasData
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "no snapshot published yet"})
		return
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("present: encode snapshot response: %v", err)
	}
}

// Serve listens on the server's configured address until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("present: listen %s: %w", s.httpSrv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("present: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("present: serve: %w", err)
	}
}
