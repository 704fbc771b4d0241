// Package config provides configuration loading, validation, and hot-reload
// for qdiskd.
//
// Configuration file: /etc/qdiskd/config.yaml (default)
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (interval > 0, tko > 0, ...).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for qdiskd.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// NodeID is this node's id, 1-based, used as its status sector index.
	NodeID uint32 `yaml:"node_id"`

	Quorum        QuorumConfig        `yaml:"quorum"`
	Device        DeviceConfig        `yaml:"device"`
	Scorer        ScorerConfig        `yaml:"scorer"`
	Reboot        RebootConfig        `yaml:"reboot"`
	Scheduling    SchedulingConfig    `yaml:"scheduling"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Reporter      ReporterConfig      `yaml:"reporter"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// QuorumConfig holds the core timing discipline (spec §6's config key table).
type QuorumConfig struct {
	Interval    time.Duration `yaml:"interval"`    // cycle period, default 1s
	TKO         uint64        `yaml:"tko"`         // missed cycles before eviction, default 10
	TKOUp       uint64        `yaml:"tko_up"`       // consecutive heartbeats to come up, default tko/3 (min 2)
	UpgradeWait uint32        `yaml:"upgrade_wait"` // intervals after scoring up before bidding, default 2
	MasterWait  uint32        `yaml:"master_wait"`  // intervals holding an all-ack bid before MASTER, default tko/2 (>= tko_up+1)
	Votes       uint32        `yaml:"votes"`        // votes contributed to the cluster while we hold a disk vote
	Paranoid    bool          `yaml:"paranoid"`     // reboot on cycle-time overrun
	UseUptime   bool          `yaml:"use_uptime"`   // measure cycle length via monotonic uptime, not wall clock
	StopOnFatal bool          `yaml:"stop_cman"`    // ask the cluster membership service to leave on unrecoverable disk failure
}

// DeviceConfig identifies the shared block device.
type DeviceConfig struct {
	Path       string `yaml:"device"`      // absolute device or file path
	Label      string `yaml:"label"`       // alternative to Path: search by on-disk label
	StatusFile string `yaml:"status_file"` // where the reporter writes its periodic snapshot
}

// ScorerConfig holds the heuristic scorer's probes and gate.
type ScorerConfig struct {
	MinScore uint32        `yaml:"min_score"` // score gate; 0 => majority-of-weights
	Probes   []ProbeConfig `yaml:"probes"`
}

// ProbeConfig mirrors scorer.ProbeConfig in YAML form.
type ProbeConfig struct {
	Kind     string        `yaml:"kind"`
	Command  string        `yaml:"command"`
	Interval time.Duration `yaml:"interval"`
	TKO      int           `yaml:"tko"`
	Weight   uint32        `yaml:"weight"`
}

// RebootConfig controls self-eviction/paranoid reboot behavior and the
// rate-limiting budget around it (SPEC_FULL.md's reboot-budget addition).
type RebootConfig struct {
	Enabled      bool          `yaml:"reboot"`        // reboot on self-eviction, default on
	AllowKill    bool          `yaml:"allow_kill"`     // request fencing when evicting a peer, default on
	MaxPerWindow int           `yaml:"max_per_window"` // reboot budget capacity
	Window       time.Duration `yaml:"window"`         // reboot budget refill window
}

// SchedulingConfig requests a real-time scheduling class for the daemon
// process (spec §5, best-effort, non-fatal on failure).
type SchedulingConfig struct {
	Scheduler string `yaml:"scheduler"` // OS scheduling class, default "RR"
	Priority  int    `yaml:"priority"`  // scheduling priority, default 1
}

// ClusterConfig configures the gRPC/mTLS client to the cluster membership
// service (C7).
type ClusterConfig struct {
	Addr        string `yaml:"addr"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// ReporterConfig configures C8's snapshot writer and debug socket.
type ReporterConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SocketPath       string        `yaml:"socket_path"`
	Debug            bool          `yaml:"debug"`
}

// AuditConfig configures the hash-chained decision ledger.
type AuditConfig struct {
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with every default from spec §6.
func Defaults() Config {
	return Config{
		Quorum: QuorumConfig{
			Interval:    1 * time.Second,
			TKO:         10,
			TKOUp:       3, // tko/3 (min 2); recomputed by normalizeDerived if left at 0
			UpgradeWait: 2,
			MasterWait:  5, // tko/2, >= tko_up+1; recomputed by normalizeDerived if left at 0
			UseUptime:   true,
		},
		Device: DeviceConfig{
			StatusFile: "/run/qdiskd/status",
		},
		Scorer: ScorerConfig{
			MinScore: 0,
		},
		Reboot: RebootConfig{
			Enabled:      true,
			AllowKill:    true,
			MaxPerWindow: 3,
			Window:       10 * time.Minute,
		},
		Scheduling: SchedulingConfig{
			Scheduler: "RR",
			Priority:  1,
		},
		Reporter: ReporterConfig{
			SnapshotInterval: 5 * time.Second,
			SocketPath:       "/run/qdiskd/qdiskd.sock",
		},
		Audit: AuditConfig{
			DBPath: "/var/lib/qdiskd/audit.db",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path, merging over
// Defaults(). Fields the YAML document omits entirely keep their built-in
// default; tko_up and master_wait left at zero are re-derived from tko by
// normalizeDerived.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	normalizeDerived(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// normalizeDerived fills in tko_up and master_wait from tko when the
// config left them unset, per spec §6's default formulas.
func normalizeDerived(cfg *Config) {
	if cfg.Quorum.TKOUp == 0 {
		up := cfg.Quorum.TKO / 3
		if up < 2 {
			up = 2
		}
		cfg.Quorum.TKOUp = up
	}
	if cfg.Quorum.MasterWait == 0 {
		mw := uint32(cfg.Quorum.TKO / 2)
		if min := uint32(cfg.Quorum.TKOUp) + 1; mw < min {
			mw = min
		}
		cfg.Quorum.MasterWait = mw
	}
}

// Validate checks all config fields for correctness, collecting every
// violation into one descriptive error rather than failing on the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.NodeID == 0 {
		errs = append(errs, "node_id must be set and non-zero")
	}
	if cfg.Quorum.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("quorum.interval must be > 0, got %s", cfg.Quorum.Interval))
	}
	if cfg.Quorum.TKO == 0 {
		errs = append(errs, "quorum.tko must be > 0")
	}
	if cfg.Quorum.TKOUp == 0 {
		errs = append(errs, "quorum.tko_up must be > 0")
	}
	if cfg.Quorum.MasterWait < uint32(cfg.Quorum.TKOUp)+1 {
		errs = append(errs, fmt.Sprintf(
			"quorum.master_wait must be >= tko_up+1 (%d), got %d",
			cfg.Quorum.TKOUp+1, cfg.Quorum.MasterWait))
	}
	if cfg.Device.Path == "" && cfg.Device.Label == "" {
		errs = append(errs, "device.device or device.label must be set")
	}
	if cfg.Device.Path != "" && cfg.Device.Label != "" {
		errs = append(errs, "device.device and device.label are mutually exclusive")
	}
	for i, p := range cfg.Scorer.Probes {
		if p.Kind == "" {
			errs = append(errs, fmt.Sprintf("scorer.probes[%d].kind must not be empty", i))
		}
		if p.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("scorer.probes[%d].interval must be > 0", i))
		}
		if p.TKO < 1 {
			errs = append(errs, fmt.Sprintf("scorer.probes[%d].tko must be >= 1", i))
		}
	}
	if cfg.Reboot.MaxPerWindow < 1 {
		errs = append(errs, "reboot.max_per_window must be >= 1")
	}
	if cfg.Reboot.Window < time.Second {
		errs = append(errs, "reboot.window must be >= 1s")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
