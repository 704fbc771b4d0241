package quorum_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/quorum"
)

// fakeCluster is the minimal in-memory Cluster fake used by every test:
// always ready, no real membership service behind it.
type fakeCluster struct {
	nodeID  uint32
	live    []uint32
	killed  []uint32
	left    bool
	votes   []bool
}

func (f *fakeCluster) MyNodeID() uint32 { return f.nodeID }
func (f *fakeCluster) LiveMembers(ctx context.Context) ([]uint32, error) { return f.live, nil }
func (f *fakeCluster) Ready(ctx context.Context) bool                   { return true }
func (f *fakeCluster) ReportQuorumDeviceVote(ctx context.Context, haveVote bool) error {
	f.votes = append(f.votes, haveVote)
	return nil
}
func (f *fakeCluster) RequestKillNode(ctx context.Context, nodeID uint32) error {
	f.killed = append(f.killed, nodeID)
	return nil
}
func (f *fakeCluster) RequestLeaveCluster(ctx context.Context) error {
	f.left = true
	return nil
}

// fakeScorer reports a mutable (score, maxScore) pair, read fresh each
// cycle — tests flip it mid-run to simulate a probe degrading live.
type fakeScorer struct {
	mu              sync.Mutex
	score, maxScore uint32
}

func (f *fakeScorer) Sample() (uint32, uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.score, f.maxScore
}

func (f *fakeScorer) set(score, maxScore uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.score, f.maxScore = score, maxScore
}

// fakeReactor records reboot requests instead of rebooting the test process.
type fakeReactor struct {
	reasons []string
}

func (f *fakeReactor) Reboot(reason string) error {
	f.reasons = append(f.reasons, reason)
	return nil
}

// fakeBudget allows a reboot exactly when allow is set.
type fakeBudget struct {
	allow bool
}

func (f *fakeBudget) Allow() bool { return f.allow }

// captureReporter records every snapshot handed to it.
type captureReporter struct {
	snaps []quorum.Snapshot
}

func (c *captureReporter) Report(s quorum.Snapshot) { c.snaps = append(c.snaps, s) }

func newDevice(t *testing.T) *block.MemDevice {
	t.Helper()
	return block.NewMemDevice(512, 129)
}

func baseConfig(selfID uint32) quorum.Config {
	return quorum.Config{
		SelfID:      selfID,
		Interval:    time.Millisecond,
		TKO:         3,
		TKOUp:       2,
		UpgradeWait: 0,
		MasterWait:  2,
		Paranoid:    false,
		AllowKill:   true,
	}
}

// TestSingleNodeBecomesMaster exercises the whole cycle pipeline for the
// simplest possible topology: one node, no peers, full score. It should
// bid and then, after master_wait cycles with no competing peers to NACK
// or preempt it, become MASTER (P2 liveness).
func TestSingleNodeBecomesMaster(t *testing.T) {
	dev := newDevice(t)
	cl := &fakeCluster{nodeID: 1, live: []uint32{1}}
	sc := &fakeScorer{score: 1, maxScore: 1}
	reactor := &fakeReactor{}
	rep := &captureReporter{}

	l := quorum.New(baseConfig(1), dev, cl, sc, reactor, &fakeBudget{allow: true}, rep, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run the init phase plus enough steady cycles to clear master_wait
	// through Run() with a 1ms interval, polling the captured snapshots.
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rep.snaps) > 0 && rep.snaps[len(rep.snaps)-1].LocalState == block.StateMaster {
			cancel()
			<-done
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("single node never reached MASTER before deadline")
}

// TestLogoutWritesNoneOnCancel verifies §4.6's Logout: on context
// cancellation, the node's own sector is left at state=NONE with no mask
// or message, and the loop returns without error.
func TestLogoutWritesNoneOnCancel(t *testing.T) {
	dev := newDevice(t)
	cl := &fakeCluster{nodeID: 1, live: []uint32{1}}
	sc := &fakeScorer{score: 1, maxScore: 1}
	reactor := &fakeReactor{}

	l := quorum.New(baseConfig(1), dev, cl, sc, reactor, &fakeBudget{allow: true}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	buf, err := dev.ReadSector(1)
	if err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	var st block.Status
	if err := st.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if st.State != block.StateNone {
		t.Fatalf("state after logout = %v, want NONE", st.State)
	}
	if st.Msg != block.MsgNone {
		t.Fatalf("msg after logout = %v, want NONE", st.Msg)
	}
}

// TestScoreCollapseRequestsBudgetedReboot verifies a score that drops
// below score_req after this node is already RUN drives a reboot
// request, and that an exhausted reboot budget actually suppresses it
// (P4 plus the supplemental reboot-budget feature).
func TestScoreCollapseRequestsBudgetedReboot(t *testing.T) {
	dev := newDevice(t)
	cl := &fakeCluster{nodeID: 1, live: []uint32{1}}
	sc := &fakeScorer{score: 1, maxScore: 1} // starts healthy: promotes NONE -> RUN
	reactor := &fakeReactor{}
	budget := &fakeBudget{allow: false}
	rep := &captureReporter{}

	l := quorum.New(baseConfig(1), dev, cl, sc, reactor, budget, rep, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	// Wait until the node reaches RUN, then collapse its score.
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		n := len(rep.snaps)
		if n > 0 && rep.snaps[n-1].LocalState == block.StateRun {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	sc.set(0, 4) // score_req = 4/2+1 = 3, score(0) < req

	// Give the loop a few cycles to observe the collapse and attempt a
	// budget-gated reboot.
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if len(reactor.reasons) != 0 {
		t.Fatalf("budget exhausted but reboot still issued: %v", reactor.reasons)
	}

	budget.allow = true
	sc.set(1, 1) // healthy again, so the fresh loop can leave NONE before its score collapses
	l2 := quorum.New(baseConfig(1), block.NewMemDevice(512, 129), cl, sc, reactor, budget, rep, zap.NewNop())
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() {
		_ = l2.Run(ctx2)
		close(done2)
	}()
	deadline = time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		n := len(rep.snaps)
		if n > 0 && rep.snaps[n-1].LocalState.Runnable() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	sc.set(0, 4)
	time.Sleep(30 * time.Millisecond)
	cancel2()
	<-done2

	if len(reactor.reasons) == 0 {
		t.Fatal("expected a reboot request once budget allows it")
	}
}

// TestMinScoreGateOverridesMajorityDefault verifies that a configured
// MinScore (§4.3/§6 min_score), not just the majority-of-weights
// default, governs eligibility: a node scoring exactly at the majority
// threshold but below an explicit MinScore must never promote past
// NONE.
func TestMinScoreGateOverridesMajorityDefault(t *testing.T) {
	dev := newDevice(t)
	cl := &fakeCluster{nodeID: 1, live: []uint32{1}}
	sc := &fakeScorer{score: 3, maxScore: 4} // 3 meets the majority default (4/2+1 = 3)
	reactor := &fakeReactor{}
	rep := &captureReporter{}

	cfg := baseConfig(1)
	cfg.MinScore = 4 // stricter than the majority default; 3 < 4 must stay NONE

	l := quorum.New(cfg, dev, cl, sc, reactor, &fakeBudget{allow: true}, rep, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	for _, snap := range rep.snaps {
		if snap.LocalState > block.StateNone {
			t.Fatalf("node promoted to %v despite score %d < min_score %d", snap.LocalState, sc.score, cfg.MinScore)
		}
	}
}
