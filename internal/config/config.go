package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the monitor's run parameters: ingestion mode, session
// timing, and the optional ambient endpoints (metrics, debug, report file,
// dictionary database).
type Config struct {
	// Ingestion mode. Exactly one of Multicast or a file-mode flag applies.
	MulticastAddr string // -i, required in multicast mode
	MulticastPort int    // -p, default 1234

	TSFile   string // -file, raw .ts path (file mode)
	PCAPFile string // -pcap, libpcap capture path (file mode)

	WaitTimeout      time.Duration // -w seconds, default 15
	MonitoringTime   time.Duration // -t seconds, default 180
	SnapshotInterval time.Duration // -s seconds, default 1
	StartupCCGraceMS int64         // -e ms, default 500

	ReportFile     string // -report-file, optional path for the final JSON snapshot
	ReportCompress bool   // -report-compress, brotli-compress the written report

	DictionaryPath string // -dict, path to the sqlite name-lookup database
	MetricsAddr    string // -metrics-addr, empty disables the Prometheus endpoint
	PresentAddr    string // -present-addr, empty disables the debug JSON endpoint
}

// yamlOverrides mirrors the subset of Config fields a deployment may want to
// pin in a static file instead of passing on every invocation (timeouts and
// the grace window, not per-run ingestion parameters).
type yamlOverrides struct {
	WaitTimeoutSeconds      *int    `yaml:"wait_timeout_seconds"`
	MonitoringTimeSeconds   *int    `yaml:"monitoring_time_seconds"`
	SnapshotIntervalSeconds *int    `yaml:"snapshot_interval_seconds"`
	StartupCCGraceMS        *int64  `yaml:"startup_cc_grace_ms"`
	DictionaryPath          *string `yaml:"dictionary_path"`
	MetricsAddr             *string `yaml:"metrics_addr"`
	PresentAddr             *string `yaml:"present_addr"`
}

// Parse builds a Config from args (pass os.Args[1:]) and, if yamlPath is
// non-empty, applies its overrides before fs.Parse runs — a flag explicitly
// passed on the command line always wins over the YAML default.
func Parse(args []string, yamlPath string) (*Config, error) {
	fs := flag.NewFlagSet("mtsqos", flag.ContinueOnError)

	cfg := &Config{}
	var waitSeconds, monitorSeconds, intervalSeconds int
	var graceMS int64

	fs.StringVar(&cfg.MulticastAddr, "i", getEnv("MTSQOS_MULTICAST_ADDR", ""), "multicast group address to join")
	fs.IntVar(&cfg.MulticastPort, "p", getEnvInt("MTSQOS_MULTICAST_PORT", 1234), "multicast port")
	fs.StringVar(&cfg.TSFile, "file", getEnv("MTSQOS_TS_FILE", ""), "read a raw .ts file instead of multicast")
	fs.StringVar(&cfg.PCAPFile, "pcap", getEnv("MTSQOS_PCAP_FILE", ""), "read a libpcap capture instead of multicast")
	fs.IntVar(&waitSeconds, "w", 15, "seconds to wait for the first multicast packet")
	fs.IntVar(&monitorSeconds, "t", 180, "monitoring duration in seconds")
	fs.IntVar(&intervalSeconds, "s", 1, "snapshot interval in seconds")
	fs.Int64Var(&graceMS, "e", 500, "startup CC-error grace window in milliseconds")
	fs.StringVar(&cfg.ReportFile, "report-file", "", "write the final snapshot to this path")
	fs.BoolVar(&cfg.ReportCompress, "report-compress", false, "brotli-compress the report file")
	fs.StringVar(&cfg.DictionaryPath, "dict", getEnv("MTSQOS_DICT_PATH", ""), "path to the descriptor-name sqlite database")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getEnv("MTSQOS_METRICS_ADDR", ""), "listen address for the Prometheus /metrics endpoint")
	fs.StringVar(&cfg.PresentAddr, "present-addr", getEnv("MTSQOS_PRESENT_ADDR", ""), "listen address for the debug JSON /snapshot endpoint")

	if yamlPath != "" {
		if err := applyYAMLOverrides(fs, yamlPath); err != nil {
			return nil, err
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.WaitTimeout = time.Duration(waitSeconds) * time.Second
	cfg.MonitoringTime = time.Duration(monitorSeconds) * time.Second
	cfg.SnapshotInterval = time.Duration(intervalSeconds) * time.Second
	cfg.StartupCCGraceMS = graceMS

	if cfg.TSFile == "" && cfg.PCAPFile == "" && cfg.MulticastAddr == "" {
		return nil, fmt.Errorf("config: one of -i, -file, or -pcap is required")
	}
	return cfg, nil
}

// applyYAMLOverrides sets fs defaults from path before fs.Parse runs, so a
// flag actually passed on the command line still takes precedence.
func applyYAMLOverrides(fs *flag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var ov yamlOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	set := func(name string, v interface{}) {
		if v == nil {
			return
		}
		_ = fs.Set(name, fmt.Sprint(v))
	}
	if ov.WaitTimeoutSeconds != nil {
		set("w", *ov.WaitTimeoutSeconds)
	}
	if ov.MonitoringTimeSeconds != nil {
		set("t", *ov.MonitoringTimeSeconds)
	}
	if ov.SnapshotIntervalSeconds != nil {
		set("s", *ov.SnapshotIntervalSeconds)
	}
	if ov.StartupCCGraceMS != nil {
		set("e", *ov.StartupCCGraceMS)
	}
	if ov.DictionaryPath != nil {
		set("dict", *ov.DictionaryPath)
	}
	if ov.MetricsAddr != nil {
		set("metrics-addr", *ov.MetricsAddr)
	}
	if ov.PresentAddr != nil {
		set("present-addr", *ov.PresentAddr)
	}
	return nil
}

// getEnv returns os.Getenv(key), or defaultVal if unset or empty. Flag
// defaults read these at flag-registration time, so an .env file loaded by
// LoadEnvFile before fs.Parse runs can supply them.
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
