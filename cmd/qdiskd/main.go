// Package main — cmd/qdiskd/main.go
//
// qdiskd entrypoint: the shared-disk quorum daemon.
//
// Startup sequence:
//  1. Load and validate config from /etc/qdiskd/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Resolve the shared device (by path, or by label via internal/label).
//  4. Open the device (O_DIRECT|O_SYNC) and validate its sector-0 header.
//  5. Open the audit ledger (BoltDB).
//  6. Build the heuristic scorer from configured probes and start it.
//  7. Dial the cluster membership service (mTLS gRPC).
//  8. Start the Prometheus metrics server.
//  9. Start the status reporter (periodic snapshot + query socket).
// 10. Attempt to request the configured real-time scheduling class (best effort).
// 11. Register SIGHUP handler for config hot-reload.
// 12. Run the quorum loop (C6) until SIGINT/SIGTERM.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the quorum loop, scorer, metrics
//     server, reporter).
//  2. The quorum loop performs its logout sequence (write NONE, no handoff).
//  3. Close the audit ledger, the cluster connection, and the device.
//  4. Flush the logger.
//  5. Exit 0.
//
// On device-open or header-validation failure: exit 1 immediately (no
// partial state). On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clusterquorum/qdiskd/internal/audit"
	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/budget"
	"github.com/clusterquorum/qdiskd/internal/cluster"
	"github.com/clusterquorum/qdiskd/internal/config"
	"github.com/clusterquorum/qdiskd/internal/label"
	"github.com/clusterquorum/qdiskd/internal/observability"
	"github.com/clusterquorum/qdiskd/internal/quorum"
	"github.com/clusterquorum/qdiskd/internal/reboot"
	"github.com/clusterquorum/qdiskd/internal/reporter"
	"github.com/clusterquorum/qdiskd/internal/scorer"

	_ "github.com/clusterquorum/qdiskd/contrib" // registers community probe runners
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/qdiskd/config.yaml", "Path to config.yaml")
	foreground := flag.Bool("f", false, "Run in the foreground (no daemonization)")
	debug := flag.Bool("d", false, "Enable debug logging and peer-dump reporting")
	quiet := flag.Bool("Q", false, "Silence stdout/stderr (still logs to the configured sink)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("qdiskd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}
	if *quiet {
		devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			os.Stdout = devNull
			os.Stderr = devNull
		}
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Reporter.Debug = true
		cfg.Observability.LogLevel = "debug"
	}

	// ── Step 2: Logger ────────────────────────────────────────────────────────
	logFormat := cfg.Observability.LogFormat
	if *foreground {
		logFormat = "console"
	}
	log, err := buildLogger(cfg.Observability.LogLevel, logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("qdiskd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.Uint32("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Resolve and open the device ──────────────────────────────────
	devicePath := cfg.Device.Path
	if devicePath == "" {
		resolver, closeResolver := buildLabelResolver(cfg, log)
		if closeResolver != nil {
			defer closeResolver()
		}
		devicePath, err = resolver.Resolve(cfg.Device.Label)
		if err != nil {
			log.Fatal("failed to resolve device label", zap.String("label", cfg.Device.Label), zap.Error(err))
		}
	}

	dev, err := block.OpenLinuxDevice(devicePath)
	if err != nil {
		log.Fatal("failed to open quorum device", zap.String("path", devicePath), zap.Error(err))
	}
	defer dev.Close() //nolint:errcheck

	if err := validateHeader(dev); err != nil {
		log.Fatal("quorum device header validation failed", zap.Error(err))
	}
	log.Info("quorum device opened", zap.String("path", devicePath), zap.Uint32("sector_size", dev.SectorSize()))

	// ── Step 4: Audit ledger ──────────────────────────────────────────────────
	ledger, err := audit.Open(cfg.Audit.DBPath)
	if err != nil {
		log.Fatal("audit ledger open failed", zap.String("path", cfg.Audit.DBPath), zap.Error(err))
	}
	defer ledger.Close() //nolint:errcheck

	// ── Step 5: Heuristic scorer ──────────────────────────────────────────────
	probes := make([]scorer.ProbeConfig, 0, len(cfg.Scorer.Probes))
	for _, p := range cfg.Scorer.Probes {
		probes = append(probes, scorer.ProbeConfig{
			Kind: p.Kind, Command: p.Command, Interval: p.Interval, TKO: p.TKO, Weight: p.Weight,
		})
	}
	sc, err := scorer.New(log, probes, cfg.Scorer.MinScore)
	if err != nil {
		log.Fatal("scorer configuration invalid", zap.Error(err))
	}
	sc.Start(ctx)
	defer sc.Stop()

	// ── Step 6: Cluster membership adapter (C7) ───────────────────────────────
	clusterAdapter, err := cluster.Dial(cluster.DialConfig{
		Addr:        cfg.Cluster.Addr,
		TLSCertFile: cfg.Cluster.TLSCertFile,
		TLSKeyFile:  cfg.Cluster.TLSKeyFile,
		TLSCAFile:   cfg.Cluster.TLSCAFile,
		NodeID:      cfg.NodeID,
	}, log)
	if err != nil {
		log.Fatal("failed to dial cluster membership service", zap.String("addr", cfg.Cluster.Addr), zap.Error(err))
	}
	defer clusterAdapter.Close() //nolint:errcheck

	// ── Step 7: Metrics ───────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 8: Reboot budget + reactor ───────────────────────────────────────
	rebootBudget := budget.New(cfg.Reboot.MaxPerWindow, cfg.Reboot.Window)
	defer rebootBudget.Close()

	var reactor quorum.Reactor = reboot.LinuxReactor{}
	if !cfg.Reboot.Enabled {
		reactor = &noopReactor{log: log}
	}

	// ── Step 9: Status reporter ───────────────────────────────────────────────
	rep := reporter.New(cfg.Device.StatusFile, cfg.Reporter.SnapshotInterval, cfg.Reporter.Debug, log)
	go func() {
		if err := rep.Run(ctx); err != nil {
			log.Error("snapshot reporter error", zap.Error(err))
		}
	}()
	if cfg.Reporter.SocketPath != "" {
		sockSrv := reporter.NewSocketServer(cfg.Reporter.SocketPath, rep, log)
		go func() {
			if err := sockSrv.ListenAndServe(ctx); err != nil {
				log.Error("reporter socket server error", zap.Error(err))
			}
		}()
	}

	fanout := &fanoutReporter{reps: []quorum.Reporter{
		rep,
		observability.NewQuorumReporter(metrics),
		audit.NewReporter(ledger, log),
	}}

	// ── Step 10: Real-time scheduling (best effort) ───────────────────────────
	if err := requestRTScheduling(cfg.Scheduling.Scheduler, cfg.Scheduling.Priority); err != nil {
		log.Warn("failed to request real-time scheduling class", zap.Error(err))
	} else {
		log.Info("real-time scheduling requested", zap.String("scheduler", cfg.Scheduling.Scheduler), zap.Int("priority", cfg.Scheduling.Priority))
	}

	// ── Step 11: Quorum loop ───────────────────────────────────────────────────
	loopCfg := quorum.Config{
		SelfID:      cfg.NodeID,
		Interval:    cfg.Quorum.Interval,
		TKO:         cfg.Quorum.TKO,
		TKOUp:       cfg.Quorum.TKOUp,
		UpgradeWait: cfg.Quorum.UpgradeWait,
		MasterWait:  cfg.Quorum.MasterWait,
		MinScore:    cfg.Scorer.MinScore,
		Paranoid:    cfg.Quorum.Paranoid,
		UseUptime:   cfg.Quorum.UseUptime,
		AllowKill:   cfg.Reboot.AllowKill,
		StopOnFatal: cfg.Quorum.StopOnFatal,
	}
	loop := quorum.New(loopCfg, dev, &clusterClient{adapter: clusterAdapter}, sc, reactor, rebootBudget, fanout, log)

	// ── Step 12: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			if _, err := config.Load(*configPath); err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload successful (timing/probe changes apply on next restart)")
		}
	}()

	// ── Run until shutdown signal ──────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Warn("quorum loop logout timed out — exiting anyway")
		}
	case err := <-done:
		if err != nil {
			log.Error("quorum loop exited with error", zap.Error(err))
			os.Exit(1)
		}
	}

	log.Info("qdiskd shutdown complete")
}

// clusterClient adapts *cluster.Adapter's View/Control split (LiveMembers
// returning cluster.LiveSet) to the narrower quorum.Cluster interface
// (LiveMembers returning []uint32) that internal/quorum depends on so its
// tests don't need to import gRPC.
type clusterClient struct {
	adapter *cluster.Adapter
}

func (c *clusterClient) MyNodeID() uint32 { return c.adapter.MyNodeID() }
func (c *clusterClient) Ready(ctx context.Context) bool { return c.adapter.Ready(ctx) }
func (c *clusterClient) LiveMembers(ctx context.Context) ([]uint32, error) {
	live, err := c.adapter.LiveMembers(ctx)
	return []uint32(live), err
}
func (c *clusterClient) ReportQuorumDeviceVote(ctx context.Context, haveVote bool) error {
	return c.adapter.ReportQuorumDeviceVote(ctx, haveVote)
}
func (c *clusterClient) RequestKillNode(ctx context.Context, nodeID uint32) error {
	return c.adapter.RequestKillNode(ctx, nodeID)
}
func (c *clusterClient) RequestLeaveCluster(ctx context.Context) error {
	return c.adapter.RequestLeaveCluster(ctx)
}

// fanoutReporter hands each cycle's Snapshot to every registered
// quorum.Reporter (the file/socket reporter, the Prometheus adapter and
// the audit ledger reporter),
// since quorum.Loop accepts exactly one Reporter.
type fanoutReporter struct {
	reps []quorum.Reporter
}

func (f *fanoutReporter) Report(s quorum.Snapshot) {
	for _, r := range f.reps {
		if r != nil {
			r.Report(s)
		}
	}
}

// noopReactor is used when reboot.reboot is configured off: it logs the
// request instead of calling into reboot.LinuxReactor.
type noopReactor struct {
	log *zap.Logger
}

func (n *noopReactor) Reboot(reason string) error {
	n.log.Warn("reboot requested but reboot.reboot is disabled; ignoring", zap.String("reason", reason))
	return nil
}

// buildLabelResolver wires internal/label's caching resolver. No
// platform label scanner ships with this daemon (spec.md's Non-goals
// exclude the label-discovery utility itself), so the inner resolver is
// label.Stub — an operator who configures device.label without a real
// scanner gets a clear startup error rather than a silent fallback.
func buildLabelResolver(cfg *config.Config, log *zap.Logger) (label.Resolver, func()) {
	cr, err := label.OpenCache(cfg.Audit.DBPath+".labels", label.Stub{}, 24*time.Hour)
	if err != nil {
		log.Warn("label cache unavailable; resolving without cache", zap.Error(err))
		return label.Stub{}, nil
	}
	return cr, func() { _ = cr.Close() }
}

// validateHeader reads and validates sector 0 against the device's
// kernel-reported sector size (§4.1).
func validateHeader(dev *block.LinuxDevice) error {
	buf, err := dev.ReadSector(0)
	if err != nil {
		return fmt.Errorf("read header sector: %w", err)
	}
	var h block.Header
	if err := h.Decode(buf); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	return h.Validate(dev.SectorSize())
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
