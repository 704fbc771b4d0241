// Package observability — metrics.go
//
// Prometheus metrics for qdiskd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable, observability.metrics_addr).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: qdiskd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process, grounded on the teacher's
// observability.Metrics construction.
//
// Cardinality control:
//   - Peer/state labels use the bounded state name (5 values max).
//   - Node ids are NOT used as labels (bounded by MaxNodes, but still
//     avoided — peer counts are aggregated before recording).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for qdiskd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Quorum cycle ───────────────────────────────────────────────────────

	// CycleDuration records wall-clock time for one full quorum cycle.
	CycleDuration prometheus.Histogram

	// CycleOverrunsTotal counts cycles whose Δ exceeded interval*tko.
	CycleOverrunsTotal prometheus.Counter

	// CyclesTotal counts completed cycles.
	CyclesTotal prometheus.Counter

	// ─── Score ──────────────────────────────────────────────────────────────

	// Score is this node's current heuristic score.
	Score prometheus.Gauge

	// ScoreRequired is the current score_req gate.
	ScoreRequired prometheus.Gauge

	// ScoreMax is the current max_score (sum of configured probe weights).
	ScoreMax prometheus.Gauge

	// ─── Peer tracking ──────────────────────────────────────────────────────

	// PeersByState is the current number of tracked peers in each state.
	// Labels: state (NONE, INIT, RUN, MASTER, EVICT)
	PeersByState *prometheus.GaugeVec

	// UndeadDetectedTotal counts undead-peer detections (§4.4.3).
	UndeadDetectedTotal prometheus.Counter

	// EvictionsIssuedTotal counts EVICT blocks this node wrote as master.
	EvictionsIssuedTotal prometheus.Counter

	// ─── Election ───────────────────────────────────────────────────────────

	// LocalState is this node's current state, as a single-value gauge per
	// state label (1 for the active state, 0 for the others) since
	// Prometheus has no native enum gauge.
	LocalState *prometheus.GaugeVec

	// MasterTransitionsTotal counts this node becoming or abdicating MASTER.
	// Labels: direction (promoted, abdicated)
	MasterTransitionsTotal *prometheus.CounterVec

	// BidsTotal counts BID messages this node has emitted.
	BidsTotal prometheus.Counter

	// ─── Reboot budget ──────────────────────────────────────────────────────

	// RebootBudgetTokens is the current reboot token bucket level.
	RebootBudgetTokens prometheus.Gauge

	// RebootsRequestedTotal counts reboot requests, whether or not the
	// budget allowed them through.
	// Labels: outcome (issued, suppressed)
	RebootsRequestedTotal *prometheus.CounterVec

	// ─── Cluster adapter (C7) ───────────────────────────────────────────────

	// ClusterReadyTotal counts polls of the cluster adapter's readiness
	// check, by outcome.
	ClusterReadyTotal *prometheus.CounterVec

	// ─── Audit ──────────────────────────────────────────────────────────────

	// AuditLedgerEntries is the current number of audit ledger entries.
	AuditLedgerEntries prometheus.Gauge

	// AuditWriteLatency records BoltDB append transaction latency.
	AuditWriteLatency prometheus.Histogram

	// ─── Agent ───────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all qdiskd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qdiskd",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of one quorum cycle (read_all through write_own).",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		CycleOverrunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "cycle",
			Name:      "overruns_total",
			Help:      "Total cycles whose duration exceeded interval*tko.",
		}),

		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Total quorum cycles completed.",
		}),

		Score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "score",
			Name:      "current",
			Help:      "Current heuristic score sampled by the quorum loop.",
		}),

		ScoreRequired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "score",
			Name:      "required",
			Help:      "Current score_req gate.",
		}),

		ScoreMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "score",
			Name:      "max",
			Help:      "Sum of weights of all configured probes.",
		}),

		PeersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "peer",
			Name:      "by_state",
			Help:      "Current number of tracked peers in each state.",
		}, []string{"state"}),

		UndeadDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "peer",
			Name:      "undead_detected_total",
			Help:      "Total undead-peer detections (evicted incarnation resumed writing).",
		}),

		EvictionsIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "peer",
			Name:      "evictions_issued_total",
			Help:      "Total EVICT status blocks this node has written as master.",
		}),

		LocalState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "election",
			Name:      "local_state",
			Help:      "This node's current state (1 for the active state, 0 otherwise).",
		}, []string{"state"}),

		MasterTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "election",
			Name:      "master_transitions_total",
			Help:      "Total MASTER promotions and abdications by this node.",
		}, []string{"direction"}),

		BidsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "election",
			Name:      "bids_total",
			Help:      "Total BID messages emitted by this node.",
		}),

		RebootBudgetTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "reboot",
			Name:      "budget_tokens",
			Help:      "Current reboot token bucket level.",
		}),

		RebootsRequestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "reboot",
			Name:      "requested_total",
			Help:      "Total reboot requests, by whether the budget let them through.",
		}, []string{"outcome"}),

		ClusterReadyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qdiskd",
			Subsystem: "cluster",
			Name:      "ready_total",
			Help:      "Total cluster adapter readiness polls, by outcome.",
		}, []string{"ready"}),

		AuditLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "audit",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qdiskd",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "BoltDB audit-append transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qdiskd",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.CycleDuration,
		m.CycleOverrunsTotal,
		m.CyclesTotal,
		m.Score,
		m.ScoreRequired,
		m.ScoreMax,
		m.PeersByState,
		m.UndeadDetectedTotal,
		m.EvictionsIssuedTotal,
		m.LocalState,
		m.MasterTransitionsTotal,
		m.BidsTotal,
		m.RebootBudgetTokens,
		m.RebootsRequestedTotal,
		m.ClusterReadyTotal,
		m.AuditLedgerEntries,
		m.AuditWriteLatency,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// SetLocalState zeroes every state label except the active one, avoiding
// the need for callers to know the full state enum.
func (m *Metrics) SetLocalState(active string) {
	for _, s := range []string{"NONE", "INIT", "RUN", "MASTER", "EVICT"} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.LocalState.WithLabelValues(s).Set(v)
	}
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
