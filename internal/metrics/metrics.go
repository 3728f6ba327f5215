// Package metrics exports the Statistics Engine's ETSI TR 101 290 counters
// as Prometheus metrics, scraped over a /metrics HTTP endpoint.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/mtsqos/internal/stats"
)

// counterDesc pairs a Prometheus metric name with the PidStat field it
// reads, so Collect can walk one slice instead of one method call per
// counter.
type counterDesc struct {
	name string
	help string
	read func(*stats.PidStat) int64
}

var counterDescs = []counterDesc{
	{"mtsqos_packet_count_total", "Total TS packets observed.", func(s *stats.PidStat) int64 { return s.PacketCount }},
	{"mtsqos_scrambled_count_total", "Packets with a nonzero transport scrambling control.", func(s *stats.PidStat) int64 { return s.ScrambledCount }},
	{"mtsqos_ts_sync_loss_total", "Framer resync events.", func(s *stats.PidStat) int64 { return s.TSSyncLoss }},
	{"mtsqos_sync_byte_error_total", "Packets whose sync byte was not 0x47.", func(s *stats.PidStat) int64 { return s.SyncByteError }},
	{"mtsqos_pat_error_total", "ETSI PAT_error count.", func(s *stats.PidStat) int64 { return s.PATError }},
	{"mtsqos_cc_errors_total", "Continuity counter errors.", func(s *stats.PidStat) int64 { return s.CCErrors }},
	{"mtsqos_pmt_error_total", "ETSI PMT_error count.", func(s *stats.PidStat) int64 { return s.PMTError }},
	{"mtsqos_pid_error_total", "PID absence timeout errors.", func(s *stats.PidStat) int64 { return s.PIDError }},
	{"mtsqos_transport_error_total", "Transport error indicator set.", func(s *stats.PidStat) int64 { return s.TransportError }},
	{"mtsqos_crc_error_total", "Section CRC failures.", func(s *stats.PidStat) int64 { return s.CRCError }},
	{"mtsqos_pcr_repetition_error_total", "PCR repetition errors (>40ms).", func(s *stats.PidStat) int64 { return s.PCRRepetitionError }},
	{"mtsqos_pcr_discontinuity_error_total", "PCR discontinuity errors (>100ms, no discontinuity flag).", func(s *stats.PidStat) int64 { return s.PCRDiscontinuityIndicatorError }},
	{"mtsqos_pts_error_total", "PTS interval errors (>700ms).", func(s *stats.PidStat) int64 { return s.PTSError }},
	{"mtsqos_cat_error_total", "ETSI CAT_error count.", func(s *stats.PidStat) int64 { return s.CATError }},
}

// Collector implements prometheus.Collector over the most recently published
// snapshot from a stats.Engine. Publish must be called whenever a new
// snapshot is produced (normally from the same ticker goroutine that calls
// stats.Engine.Tick).
type Collector struct {
	descs   map[string]*prometheus.Desc
	latest  stats.Snapshot
	hasData bool
}

// NewCollector builds a Collector with pre-built metric descriptors for the
// 14 ETSI counters, each labeled by pid ("program" for the program-level
// aggregate).
func NewCollector() *Collector {
	c := &Collector{descs: make(map[string]*prometheus.Desc, len(counterDescs))}
	for _, cd := range counterDescs {
		c.descs[cd.name] = prometheus.NewDesc(cd.name, cd.help, []string{"pid"}, nil)
	}
	return c
}

// Publish stores snap as the snapshot Collect will read on the next scrape.
// Only snapshots carrying per-PID stats (has_errors or final) update
// anything beyond the program-level line — an interval snapshot with no
// errors leaves the previously published counters in place, since the
// underlying ETSI counters are monotonic and a quiet interval changes
// nothing.
func (c *Collector) Publish(snap stats.Snapshot) {
	if snap.ProgramStat == nil && len(snap.PIDs) > 0 && snap.PIDs[0].Stat == nil && !snap.Final {
		return
	}
	c.latest = snap
	c.hasData = true
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.hasData {
		return
	}
	if c.latest.ProgramStat != nil {
		c.emit(ch, "program", c.latest.ProgramStat)
	}
	for _, ps := range c.latest.PIDs {
		if ps.Stat == nil {
			continue
		}
		c.emit(ch, fmt.Sprintf("0x%04x", ps.PID), ps.Stat)
	}
}

func (c *Collector) emit(ch chan<- prometheus.Metric, label string, st *stats.PidStat) {
	for _, cd := range counterDescs {
		ch <- prometheus.MustNewConstMetric(c.descs[cd.name], prometheus.CounterValue, float64(cd.read(st)), label)
	}
}

// Server hosts the collector behind an HTTP /metrics endpoint.
type Server struct {
	collector *Collector
	addr      string
	httpSrv   *http.Server
}

// NewServer registers collector with a fresh Prometheus registry and builds
// an HTTP server for addr.
func NewServer(addr string, collector *Collector) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		collector: collector,
		addr:      addr,
		httpSrv:   &http.Server{Addr: addr, Handler: mux},
	}
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("metrics: serve: %w", err)
	}
}
