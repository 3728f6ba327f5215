// Package report assembles stats.Snapshot values into the wire/on-disk JSON
// shape described by spec.md §6's Output section, and optionally compresses
// the final report with brotli when written to a file.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/snapetech/mtsqos/internal/stats"
)

// PIDRecord is the JSON shape of one per-PID entry in a snapshot.
type PIDRecord struct {
	PID     uint16       `json:"pid"`
	Bitrate float64      `json:"bitrate"`
	Stat    *stats.PidStat `json:"stat,omitempty"`
}

// IntervalRecord is the JSON shape of an interval snapshot.
type IntervalRecord struct {
	Timestamp      time.Time       `json:"dt"`
	HasErrors      int             `json:"has_errors"`
	ProgramBitrate float64         `json:"program_bitrate"`
	ProgramStat    *stats.PidStat  `json:"program_stat,omitempty"`
	PIDs           []PIDRecord     `json:"pids"`
}

// FinalRecord is the JSON shape of the closing snapshot, carrying the
// session timestamps the interval records omit.
type FinalRecord struct {
	MonitoringStart time.Time      `json:"monitoring_start_dt"`
	MonitoringEnd   time.Time      `json:"monitoring_end_dt"`
	FirstPacket     time.Time      `json:"first_pk_dt"`
	PATReceived     time.Time      `json:"pat_received_dt"`
	PMTReceived     time.Time      `json:"pmt_received_dt"`
	HasErrors       int            `json:"has_errors"`
	ProgramBitrate  float64        `json:"program_bitrate"`
	ProgramStat     *stats.PidStat `json:"program_stat,omitempty"`
	PIDs            []PIDRecord    `json:"pids"`
}

// FromSnapshot converts an engine snapshot into its JSON-ready record,
// choosing IntervalRecord or FinalRecord by snap.Final.
func FromSnapshot(snap stats.Snapshot) interface{} {
	pids := make([]PIDRecord, 0, len(snap.PIDs))
	for _, p := range snap.PIDs {
		pids = append(pids, PIDRecord{PID: p.PID, Bitrate: p.Bitrate, Stat: p.Stat})
	}
	if snap.Final {
		return FinalRecord{
			MonitoringStart: snap.MonitoringStart,
			MonitoringEnd:   snap.MonitoringEnd,
			FirstPacket:     snap.FirstPacket,
			PATReceived:     snap.PATReceived,
			PMTReceived:     snap.PMTReceived,
			HasErrors:       snap.HasErrors,
			ProgramBitrate:  snap.ProgramBitrate,
			ProgramStat:     snap.ProgramStat,
			PIDs:            pids,
		}
	}
	return IntervalRecord{
		Timestamp:      snap.Timestamp,
		HasErrors:      snap.HasErrors,
		ProgramBitrate: snap.ProgramBitrate,
		ProgramStat:    snap.ProgramStat,
		PIDs:           pids,
	}
}

// Marshal renders a snapshot as JSON, matching the field names the
// reference implementation emits.
func Marshal(snap stats.Snapshot) ([]byte, error) {
	return json.Marshal(FromSnapshot(snap))
}

// WriteFile writes snap as JSON to path. When compress is true the JSON is
// brotli-compressed before being written, and the caller is expected to
// have chosen a path with a matching extension (e.g. ".json.br").
func WriteFile(path string, snap stats.Snapshot, compress bool) error {
	data, err := Marshal(snap)
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var bw *brotli.Writer
	if compress {
		bw = brotli.NewWriter(f)
		w = bw
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	if bw != nil {
		if err := bw.Close(); err != nil {
			return fmt.Errorf("report: brotli close %s: %w", path, err)
		}
	}
	return nil
}
