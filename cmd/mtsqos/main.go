// Command mtsqos monitors an MPEG-2 Transport Stream — read from a UDP
// multicast group, a raw .ts file, or a libpcap capture — and reports ETSI
// TR 101 290 QoS statistics at a configurable interval, plus a final
// summary on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapetech/mtsqos/internal/config"
	"github.com/snapetech/mtsqos/internal/demux"
	"github.com/snapetech/mtsqos/internal/dictionary"
	"github.com/snapetech/mtsqos/internal/framer"
	"github.com/snapetech/mtsqos/internal/ingest/capture"
	"github.com/snapetech/mtsqos/internal/ingest/multicast"
	"github.com/snapetech/mtsqos/internal/metrics"
	"github.com/snapetech/mtsqos/internal/present"
	"github.com/snapetech/mtsqos/internal/report"
	"github.com/snapetech/mtsqos/internal/stats"
	"github.com/snapetech/mtsqos/internal/tspacket"
)

func main() {
	for _, p := range []string{".env", "../.env", "../../.env"} {
		if err := config.LoadEnvFile(p); err != nil {
			log.Printf("mtsqos: %s: %v", p, err)
		}
	}

	yamlPath := flag.String("config", "", "optional YAML file of default overrides")
	flag.Parse()

	cfg, err := config.Parse(flag.Args(), *yamlPath)
	if err != nil {
		log.Fatalf("mtsqos: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("mtsqos: %v", err)
	}
	fmt.Println("shutting down")
}

func run(cfg *config.Config) error {
	var dict *dictionary.Dictionary
	if cfg.DictionaryPath != "" {
		d, err := dictionary.Open(cfg.DictionaryPath)
		if err != nil {
			log.Printf("mtsqos: dictionary unavailable, names will be blank: %v", err)
		} else {
			dict = d
			defer dict.Close()
		}
	}
	printer := present.NewPrinter(dict)

	statsCfg := stats.Config{
		Interval:         cfg.SnapshotInterval,
		StartupCCGraceMS: cfg.StartupCCGraceMS,
	}
	d := demux.New(statsCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var presentSrv *present.Server
	if cfg.PresentAddr != "" {
		presentSrv = present.NewServer(cfg.PresentAddr)
		go func() {
			if err := presentSrv.Serve(ctx); err != nil {
				log.Printf("mtsqos: present server: %v", err)
			}
		}()
	}

	var collector *metrics.Collector
	if cfg.MetricsAddr != "" {
		collector = metrics.NewCollector()
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, collector)
		go func() {
			if err := metricsSrv.Serve(ctx); err != nil {
				log.Printf("mtsqos: metrics server: %v", err)
			}
		}()
	}

	ingestDone := make(chan error, 1)
	handle := func(data []byte, arrival time.Time) {
		framer.Scan(data, arrival, func(fp framer.Packet) {
			pkt := tspacket.Decode(fp.Raw, fp.Arrival, fp.ResyncOffset)
			d.Process(pkt, fp.ResyncOffset)
		})
	}

	switch {
	case cfg.TSFile != "":
		go func() { ingestDone <- capture.ReadTSFile(cfg.TSFile, 7, handle) }()
	case cfg.PCAPFile != "":
		go func() { ingestDone <- capture.ReadPCAPFile(cfg.PCAPFile, handle) }()
	default:
		mcCfg := multicast.Config{
			Addr:          cfg.MulticastAddr,
			Port:          cfg.MulticastPort,
			WaitTimeout:   cfg.WaitTimeout,
			SessionLength: cfg.MonitoringTime,
		}
		go func() { ingestDone <- multicast.Run(ctx, mcCfg, handle) }()
	}

	ticker := time.NewTicker(cfg.SnapshotInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(cfg.MonitoringTime)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			snap := d.Stats.Tick(time.Now())
			printer.Stat(os.Stdout, snap, d.Registry, demuxKnownPIDs())
			if collector != nil {
				collector.Publish(snap)
			}
			if presentSrv != nil {
				presentSrv.Publish(snap)
			}

		case <-deadline.C:
			return finish(d, cfg, printer, collector, presentSrv)

		case err := <-ingestDone:
			if err != nil && err != multicast.ErrNoMulticast {
				return fmt.Errorf("ingest: %w", err)
			}
			return finish(d, cfg, printer, collector, presentSrv)

		case <-ctx.Done():
			return finish(d, cfg, printer, collector, presentSrv)
		}
	}
}

func finish(d *demux.Demuxer, cfg *config.Config, printer *present.Printer, collector *metrics.Collector, presentSrv *present.Server) error {
	final := d.Stats.Final(time.Now())
	printer.Stat(os.Stdout, final, d.Registry, demuxKnownPIDs())
	if collector != nil {
		collector.Publish(final)
	}
	if presentSrv != nil {
		presentSrv.Publish(final)
	}

	if cfg.ReportFile != "" {
		if err := report.WriteFile(cfg.ReportFile, final, cfg.ReportCompress); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	return nil
}

func demuxKnownPIDs() map[uint16]string {
	out := make(map[uint16]string, 16)
	for _, pid := range []uint16{0x0000, 0x0001, 0x0002, 0x0003, 0x0010, 0x0011, 0x0012, 0x0013, 0x0014, 0x0015, 0x0016, 0x001C, 0x001D, 0x001E, 0x001F, 0x1FFB, 0x1FFF} {
		if label := demux.KnownPIDLabel(pid); label != "" {
			out[pid] = label
		}
	}
	return out
}
