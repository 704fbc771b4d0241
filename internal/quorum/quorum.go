// Package quorum implements the fixed-period driver (C6, spec §4.6) that
// ties every other component together: one goroutine, one cycle at a
// time, reading the shared device, updating peer tracking, running the
// election decision table, and writing this node's own status block.
//
// Grounded on kernel.Processor.Run's ticker+select+ctx-cancel loop shape
// and cmd/octoreflex/main.go's startup/shutdown sequencing; the decision
// to keep the loop single-threaded (only the score publisher runs on a
// second goroutine) follows spec §5's concurrency model directly.
package quorum

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/bitmap"
	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/election"
	"github.com/clusterquorum/qdiskd/internal/peer"
	"github.com/clusterquorum/qdiskd/internal/scorer"
)

// Cluster is the subset of the cluster adapter (C7) the loop needs. Kept
// narrow and local rather than importing internal/cluster's full View and
// Control pair, so this package's tests can supply a trivial fake without
// depending on gRPC at all.
type Cluster interface {
	MyNodeID() uint32
	LiveMembers(ctx context.Context) ([]uint32, error)
	Ready(ctx context.Context) bool
	ReportQuorumDeviceVote(ctx context.Context, haveVote bool) error
	RequestKillNode(ctx context.Context, nodeID uint32) error
	RequestLeaveCluster(ctx context.Context) error
}

// Scorer is the subset of *scorer.Scorer the loop needs.
type Scorer interface {
	Sample() (score, maxScore uint32)
}

// Reactor requests a reboot (C6's last-resort cancellation, spec §5).
type Reactor interface {
	Reboot(reason string) error
}

// RebootBudget gates how many reboots the Reactor may actually be asked
// to perform within a rolling window.
type RebootBudget interface {
	Allow() bool
}

// Reporter receives a snapshot once per cycle (C8).
type Reporter interface {
	Report(Snapshot)
}

// Snapshot is what C8 observes about one completed cycle.
type Snapshot struct {
	Time        time.Time
	SelfID      uint32
	Score       uint32
	ScoreReq    uint32
	ScoreMax    uint32
	LocalState  block.State
	InitSet     []uint32
	VisibleSet  []uint32
	MasterID    uint32
	HasMaster   bool
	MasterMask  bitmap.Mask
	HasMask     bool
	PeerRecords map[uint32]peer.Record // always populated; C8 writes it to its periodic file only in debug mode
}

// Config is the subset of config.QuorumConfig the loop consumes, plus the
// node's own id and a handful of behavioral knobs that don't belong on
// the wire config struct (e.g. AllowKill is read here, but the decision
// to call it lives in the loop body).
type Config struct {
	SelfID      uint32
	Interval    time.Duration
	TKO         uint64
	TKOUp       uint64
	UpgradeWait uint32
	MasterWait  uint32
	MinScore    uint32 // §4.3 score_req gate; 0 => majority-of-weights
	Paranoid    bool
	UseUptime   bool
	AllowKill   bool
	StopOnFatal bool
}

// Loop is C6: the quorum daemon's core driver.
type Loop struct {
	cfg     Config
	dev     block.Device
	cluster Cluster
	scorer  Scorer
	reactor Reactor
	budget  RebootBudget
	reporter Reporter
	log     *zap.Logger

	peers       map[uint32]*peer.Record
	observed    map[uint32]block.Status // this cycle's fresh reads, keyed by node id
	masterMasks map[uint32]bitmap.Mask  // last master_mask observed from each peer currently MASTER
	mask        bitmap.Mask
	state       block.State
	msg         block.Message
	msgArg      uint32
	seq         uint32
	incarnation uint64

	lastPublishedMask bitmap.Mask

	bidPending  uint32
	upgradeWait uint32

	now func() time.Time
}

// New constructs a Loop. dev must already be opened and have its sector 0
// header validated by the caller (C1's responsibility, not C6's).
func New(cfg Config, dev block.Device, cluster Cluster, sc Scorer, reactor Reactor, rebootBudget RebootBudget, reporter Reporter, log *zap.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		dev:      dev,
		cluster:  cluster,
		scorer:   sc,
		reactor:  reactor,
		budget:   rebootBudget,
		reporter: reporter,
		log:      log,
		peers:    make(map[uint32]*peer.Record),
		masterMasks: make(map[uint32]bitmap.Mask),
		state:    block.StateNone,
		incarnation: uint64(time.Now().UnixNano()),
		now:      time.Now,
	}
}

// Run executes the initialization phase followed by the steady-state
// loop, blocking until ctx is cancelled. On cancellation it performs the
// logout sequence (§4.6 "Logout") before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.state = block.StateInit
	for i := uint64(0); i < l.cfg.TKO; i++ {
		select {
		case <-ctx.Done():
			return l.logout()
		default:
		}
		if err := l.cycle(ctx, true); err != nil {
			l.log.Error("init cycle failed", zap.Error(err))
		}
		if !l.sleepRemaining(ctx) {
			return l.logout()
		}
	}
	// INIT concluded: hand off to the steady loop's own decision table,
	// starting from NONE so the score gate governs the first promotion
	// exactly as it would for any later cycle (§4.6).
	l.state = block.StateNone

	for {
		select {
		case <-ctx.Done():
			return l.logout()
		default:
		}
		if err := l.cycle(ctx, false); err != nil {
			l.log.Error("quorum cycle failed", zap.Error(err))
		}
		if !l.sleepRemaining(ctx) {
			return l.logout()
		}
	}
}

// maxCycle is interval * tko, the cycle-overrun threshold (§4.6).
func (l *Loop) maxCycle() time.Duration {
	return l.cfg.Interval * time.Duration(l.cfg.TKO)
}

// cycle executes one pass of the nine-step sequence in §4.6. init
// defers master election (step 5/6 are skipped) while still reading,
// tracking, scoring, and writing.
func (l *Loop) cycle(ctx context.Context, init bool) error {
	t0 := l.cycleNow()

	if !l.cluster.Ready(ctx) {
		l.log.Warn("cluster membership adapter not ready; halting quorum operations this cycle")
		return nil
	}

	observed, err := l.readAll()
	if err != nil {
		return fmt.Errorf("quorum: read_all: %w", err)
	}
	l.observed = observed

	l.checkTransitions(observed)

	score, maxScore := l.scorer.Sample()
	scoreReq := scorer.Required(maxScore, l.cfg.MinScore)

	if !init {
		live, err := l.cluster.LiveMembers(ctx)
		if err != nil {
			l.log.Warn("failed to fetch live cluster members", zap.Error(err))
		}
		var liveMask bitmap.Mask
		for _, id := range live {
			liveMask.Set(id)
		}

		out := election.Decide(election.Inputs{
			SelfID:            l.cfg.SelfID,
			Peers:             l.peerViews(),
			LocalState:        l.state,
			Score:             score,
			ScoreReq:          scoreReq,
			CurrentMsg:        l.msg,
			BidPending:        l.bidPending,
			UpgradeWait:       l.upgradeWait,
			UpgradeWaitConfig: l.cfg.UpgradeWait,
			MasterWait:        l.cfg.MasterWait,
			OwnMask:           l.mask,
			LiveMembers:       liveMask,
		})
		l.applyOutcome(ctx, out)
	}

	if err := l.writeOwn(score, scoreReq, maxScore); err != nil {
		return fmt.Errorf("quorum: write_own: %w", err)
	}

	if l.reporter != nil {
		l.reporter.Report(l.snapshot(score, scoreReq, maxScore))
	}

	t1 := l.cycleNow()
	delta := t1.Sub(t0)
	if delta > l.maxCycle() {
		l.log.Error("quorum cycle overran max_cycle", zap.Duration("delta", delta), zap.Duration("max_cycle", l.maxCycle()))
		if l.cfg.Paranoid {
			l.requestReboot("cycle overrun")
		}
	}
	return nil
}

// readAll reads every tracked peer's status sector plus our own, per C1.
// Sectors that fail to decode (transient I/O, blank sector on first boot)
// are skipped for this cycle rather than treated as fatal.
func (l *Loop) readAll() (map[uint32]block.Status, error) {
	out := make(map[uint32]block.Status)
	for nodeID := uint32(1); nodeID <= bitmap.MaxNodes; nodeID++ {
		buf, err := l.dev.ReadSector(nodeID)
		if err != nil {
			if block.IsTransient(err) {
				continue
			}
			return nil, err
		}
		var st block.Status
		if err := st.Decode(buf); err != nil {
			continue
		}
		if st.NodeID == 0 {
			continue // never-written sector
		}
		out[nodeID] = st
	}
	return out, nil
}

// checkTransitions applies C4's Observe to every tracked peer (skipping
// ourselves) and updates our outgoing mask as a side effect.
func (l *Loop) checkTransitions(observed map[uint32]block.Status) {
	maskSetter := peer.NewMaskSetter(l.mask.Set, l.mask.Clear)
	isMaster := l.state == block.StateMaster

	for nodeID, st := range observed {
		if nodeID == l.cfg.SelfID {
			if st.SelfEvicted() {
				l.log.Error("self-eviction detected: another node declared us EVICT", zap.Uint32("writer", st.UpdateNode))
				if l.cfg.StopOnFatal {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := l.cluster.RequestLeaveCluster(ctx); err != nil {
						l.log.Error("request_leave_cluster failed", zap.Error(err))
					}
					cancel()
				}
				l.requestReboot("self-evicted")
			}
			continue
		}
		rec, ok := l.peers[nodeID]
		if !ok {
			rec = peer.NewRecord(nodeID)
			l.peers[nodeID] = rec
		}
		rec.Observe(l.log, st, isMaster, l.cfg.TKO, l.cfg.TKOUp, maskSetter,
			l.writeEvictFor(nodeID),
			l.fenceFor(nodeID),
		)
		if st.State == block.StateMaster {
			l.masterMasks[nodeID] = st.MasterMask
		} else {
			delete(l.masterMasks, nodeID)
		}
	}
}

func (l *Loop) writeEvictFor(nodeID uint32) func(uint32, uint64) error {
	return func(target uint32, incarnation uint64) error {
		st := block.Status{
			NodeID:      target,
			State:       block.StateEvict,
			Timestamp:   uint64(l.cycleNow().Unix()),
			Incarnation: incarnation,
			UpdateNode:  l.cfg.SelfID,
		}
		return l.dev.WriteSector(target, (&st).Encode())
	}
}

func (l *Loop) fenceFor(nodeID uint32) func(uint32) {
	return func(target uint32) {
		if !l.cfg.AllowKill {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.cluster.RequestKillNode(ctx, target); err != nil {
			l.log.Error("request_kill_node failed", zap.Uint32("peer", target), zap.Error(err))
		}
	}
}

// peerViews combines this cycle's fresh wire reads (for the message fields
// a decision must react to immediately: msg/arg/seq/master_mask) with the
// decayed tracked state C4 maintains across cycles.
func (l *Loop) peerViews() []election.PeerView {
	views := make([]election.PeerView, 0, len(l.peers))
	for id, rec := range l.peers {
		st := l.observed[id]
		views = append(views, election.PeerView{
			NodeID:       id,
			TrackedState: rec.State,
			ObservedMsg:  st.Msg,
			ObservedArg:  st.Arg,
			ObservedSeq:  st.Seq,
			MasterMask:   l.masterMasks[id],
		})
	}
	return views
}

// applyOutcome commits an election.Outcome to the loop's own state.
func (l *Loop) applyOutcome(ctx context.Context, out election.Outcome) {
	l.state = out.NextState
	l.msg = out.NextMsg
	l.msgArg = out.MsgArg
	l.bidPending = out.BidPending
	l.upgradeWait = out.UpgradeWait

	if out.SetOwnMaskBit {
		l.mask.Set(l.cfg.SelfID)
	}
	if out.ClearOwnMaskBit {
		l.mask.Clear(l.cfg.SelfID)
	}
	if out.PublishedMask {
		l.lastPublishedMask = out.MasterMask
	}
	if out.InformNoVote {
		if err := l.cluster.ReportQuorumDeviceVote(ctx, false); err != nil {
			l.log.Warn("report_quorum_device_vote(false) failed", zap.Error(err))
		}
	}
	if out.InformHaveVote {
		if err := l.cluster.ReportQuorumDeviceVote(ctx, true); err != nil {
			l.log.Warn("report_quorum_device_vote(true) failed", zap.Error(err))
		}
	}
	if out.RebootRequested {
		l.requestReboot("score below required")
	}
}

func (l *Loop) requestReboot(reason string) {
	if l.budget != nil && !l.budget.Allow() {
		l.log.Error("reboot suppressed: budget exhausted for this window", zap.String("reason", reason))
		return
	}
	if err := l.reactor.Reboot(reason); err != nil {
		l.log.Error("reboot request failed", zap.String("reason", reason), zap.Error(err))
	}
}

// writeOwn writes this node's status block (step 7 of §4.6), including the
// heuristic aggregates (score, score_req, score_max) the wire format
// carries so peers and external diagnostics can read our scorer's state
// directly off the disk block.
func (l *Loop) writeOwn(score, scoreReq, maxScore uint32) error {
	l.seq++
	st := block.Status{
		NodeID:      l.cfg.SelfID,
		State:       l.state,
		Timestamp:   uint64(l.cycleNow().Unix()),
		Incarnation: l.incarnation,
		UpdateNode:  l.cfg.SelfID,
		Msg:         l.msg,
		Arg:         l.msgArg,
		Seq:         l.seq,
		Score:       score,
		ScoreReq:    scoreReq,
		ScoreMax:    maxScore,
	}
	if l.state == block.StateMaster {
		st.MasterMask = l.lastPublishedMask
	}
	return l.dev.WriteSector(l.cfg.SelfID, (&st).Encode())
}

func (l *Loop) snapshot(score, scoreReq, maxScore uint32) Snapshot {
	snap := Snapshot{
		Time:       l.cycleNow(),
		SelfID:     l.cfg.SelfID,
		Score:      score,
		ScoreReq:   scoreReq,
		ScoreMax:   maxScore,
		LocalState:  l.state,
		PeerRecords: make(map[uint32]peer.Record, len(l.peers)),
	}
	for id, rec := range l.peers {
		snap.PeerRecords[id] = *rec
		if rec.State == block.StateInit {
			snap.InitSet = append(snap.InitSet, id)
		}
		if rec.State.Runnable() {
			snap.VisibleSet = append(snap.VisibleSet, id)
		}
		if rec.State == block.StateMaster {
			snap.MasterID, snap.HasMaster = id, true
			snap.MasterMask, snap.HasMask = l.masterMasks[id], true
		}
	}
	if l.state == block.StateMaster {
		snap.MasterID, snap.HasMaster = l.cfg.SelfID, true
		snap.MasterMask, snap.HasMask = l.lastPublishedMask, true
	}
	return snap
}

// logout implements §4.6's Logout: write NONE, clear message and mask,
// and return. No handoff is attempted.
func (l *Loop) logout() error {
	l.state = block.StateNone
	l.msg = block.MsgNone
	l.mask = bitmap.Mask{}
	l.lastPublishedMask = bitmap.Mask{}
	if err := l.writeOwn(0, 0, 0); err != nil {
		l.log.Error("logout write failed", zap.Error(err))
		return err
	}
	l.log.Info("logged out: wrote NONE, no handoff attempted")
	return nil
}

// cycleNow returns the clock sample to use for Δ measurement: l.now(),
// which is time.Now. time.Time.Sub uses the monotonic reading time.Now
// carries, so this node's overrun detection is measured on the monotonic
// clock whether or not use_uptime is set; UseUptime is not consulted.
func (l *Loop) cycleNow() time.Time {
	return l.now()
}

// sleepRemaining sleeps for one full interval after each cycle; the time
// the cycle itself took is not subtracted. Returns false if ctx was
// cancelled during the sleep.
func (l *Loop) sleepRemaining(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.cfg.Interval):
		return true
	}
}
