package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snapetech/mtsqos/internal/stats"
)

func sampleSnapshot() stats.Snapshot {
	return stats.Snapshot{
		HasErrors:      1,
		ProgramBitrate: 5000,
		ProgramStat:    &stats.PidStat{PacketCount: 100, CCErrors: 2},
		PIDs: []stats.PIDSnapshot{
			{PID: 0x101, Bitrate: 2500, Stat: &stats.PidStat{PacketCount: 50, PATError: 1}},
		},
	}
}

func TestCollector_emitsConstMetrics(t *testing.T) {
	c := NewCollector()
	c.Publish(sampleSnapshot())

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)

	count := testutil.CollectAndCount(c, "mtsqos_packet_count_total")
	if count != 2 {
		t.Fatalf("mtsqos_packet_count_total sample count = %d, want 2 (program + one pid)", count)
	}

	expected := `
# HELP mtsqos_cc_errors_total Continuity counter errors.
# TYPE mtsqos_cc_errors_total counter
mtsqos_cc_errors_total{pid="0x0101"} 0
mtsqos_cc_errors_total{pid="program"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mtsqos_cc_errors_total"); err != nil {
		t.Errorf("unexpected metric output: %v", err)
	}
}

func TestCollector_noDataYetEmitsNothing(t *testing.T) {
	c := NewCollector()
	count := testutil.CollectAndCount(c)
	if count != 0 {
		t.Errorf("expected no samples before Publish, got %d", count)
	}
}

func TestCollector_quietIntervalKeepsPreviousSnapshot(t *testing.T) {
	c := NewCollector()
	c.Publish(sampleSnapshot())

	quiet := stats.Snapshot{HasErrors: 0, ProgramBitrate: 5000, PIDs: []stats.PIDSnapshot{{PID: 0x101, Bitrate: 2500}}}
	c.Publish(quiet)

	count := testutil.CollectAndCount(c, "mtsqos_packet_count_total")
	if count != 2 {
		t.Errorf("quiet interval should not clear the last error snapshot, got %d samples", count)
	}
}

func TestServer_ServeRespectsContextCancel(t *testing.T) {
	c := NewCollector()
	srv := NewServer("127.0.0.1:0", c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := srv.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
