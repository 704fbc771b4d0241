// Package main — cmd/qdiskd-sim/main.go
//
// Multi-node quorum scenario simulator.
//
// Purpose: exercise C5/C6's election and quorum-loop logic across a
// simulated cluster sharing one in-memory block.MemDevice, without real
// disks or a real cluster membership service. Each simulated node runs
// its own internal/quorum.Loop against fakes identical in shape to
// internal/quorum's own test doubles (fakeCluster, fakeScorer,
// fakeReactor, fakeBudget, captureReporter), so the same election and
// peer-tracking code that backs the unit tests is what drives the
// scenario.
//
// Scenarios (selected with -scenario):
//
//	race           N nodes start simultaneously; expect exactly one MASTER.
//	master-death   the elected master is killed mid-run; expect a new
//	               master to emerge among the survivors.
//	undead         node 1 stops seeing node 2 in cluster membership while
//	               node 2 keeps writing to the shared device; expect node 1
//	               to still be runnable. Undead detection is not checked.
//	clean-restart  a node logs out (context cancel) and restarts with a
//	               fresh incarnation; expect it to rejoin as RUN or MASTER.
//	score-collapse one node's probe score drops below its gate after
//	               becoming RUN; expect a budgeted reboot request.
//
// Output: per-poll CSV to stdout (elapsed_ms, node_id, state, score,
// score_req). Summary pass/fail to stderr, exit 1 on failure.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/quorum"
)

func main() {
	scenario := flag.String("scenario", "race", "race|master-death|undead|clean-restart|score-collapse")
	nodes := flag.Int("nodes", 3, "Number of simulated nodes")
	duration := flag.Duration("duration", 3*time.Second, "Total simulation wall time")
	flag.Parse()

	log := zap.NewNop()

	var ok bool
	switch *scenario {
	case "race":
		ok = runRace(log, *nodes, *duration)
	case "master-death":
		ok = runMasterDeath(log, *nodes, *duration)
	case "undead":
		ok = runUndead(log, *duration)
	case "clean-restart":
		ok = runCleanRestart(log, *duration)
	case "score-collapse":
		ok = runScoreCollapse(log, *duration)
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
		os.Exit(2)
	}

	if !ok {
		fmt.Fprintf(os.Stderr, "SCENARIO %s: FAIL\n", *scenario)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "SCENARIO %s: PASS\n", *scenario)
}

// ─── Shared fakes (mirrors internal/quorum's test doubles) ───────────────────

type fakeCluster struct {
	mu     sync.Mutex
	nodeID uint32
	live   []uint32
}

func (f *fakeCluster) MyNodeID() uint32 { return f.nodeID }
func (f *fakeCluster) LiveMembers(ctx context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, len(f.live))
	copy(out, f.live)
	return out, nil
}
func (f *fakeCluster) Ready(ctx context.Context) bool { return true }
func (f *fakeCluster) ReportQuorumDeviceVote(ctx context.Context, haveVote bool) error { return nil }
func (f *fakeCluster) RequestKillNode(ctx context.Context, nodeID uint32) error        { return nil }
func (f *fakeCluster) RequestLeaveCluster(ctx context.Context) error                   { return nil }

func (f *fakeCluster) setLive(live []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = live
}

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

type fakeReactor struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeReactor) Reboot(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeReactor) requested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons) > 0
}

type fakeBudget struct{ allow bool }

func (f *fakeBudget) Allow() bool { return f.allow }

// pollReporter records the most recent snapshot and streams a CSV row
// per cycle, grounded on the teacher's octoreflex-sim CSV-to-stdout style.
type pollReporter struct {
	mu     sync.Mutex
	w      *csv.Writer
	nodeID uint32
	start  time.Time
	latest quorum.Snapshot
	have   bool
}

func newPollReporter(w *csv.Writer, nodeID uint32, start time.Time) *pollReporter {
	return &pollReporter{w: w, nodeID: nodeID, start: start}
}

func (p *pollReporter) Report(s quorum.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest, p.have = s, true
	_ = p.w.Write([]string{
		strconv.FormatInt(time.Since(p.start).Milliseconds(), 10),
		strconv.FormatUint(uint64(p.nodeID), 10),
		s.LocalState.String(),
		strconv.FormatUint(uint64(s.Score), 10),
		strconv.FormatUint(uint64(s.ScoreReq), 10),
	})
	p.w.Flush()
}

func (p *pollReporter) state() (block.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest.LocalState, p.have
}

func baseConfig(selfID uint32) quorum.Config {
	return quorum.Config{
		SelfID:      selfID,
		Interval:    20 * time.Millisecond,
		TKO:         5,
		TKOUp:       2,
		UpgradeWait: 1,
		MasterWait:  3,
		AllowKill:   true,
	}
}

func csvHeader() *csv.Writer {
	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"elapsed_ms", "node_id", "state", "score", "score_req"})
	w.Flush()
	return w
}

func countMasters(reps []*pollReporter) int {
	n := 0
	for _, r := range reps {
		if st, ok := r.state(); ok && st == block.StateMaster {
			n++
		}
	}
	return n
}

// ─── Scenarios ────────────────────────────────────────────────────────────────

func runRace(log *zap.Logger, n int, duration time.Duration) bool {
	dev := block.NewMemDevice(512, 129)
	w := csvHeader()
	start := time.Now()

	live := make([]uint32, n)
	for i := range live {
		live[i] = uint32(i + 1)
	}

	reps := make([]*pollReporter, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := uint32(i + 1)
		cl := &fakeCluster{nodeID: id, live: live}
		sc := &fakeScorer{score: 1, maxScore: 1}
		rep := newPollReporter(w, id, start)
		reps[i] = rep
		l := quorum.New(baseConfig(id), dev, cl, sc, &fakeReactor{}, &fakeBudget{allow: true}, rep, log)
		wg.Add(1)
		go func() { defer wg.Done(); _ = l.Run(ctx) }()
	}

	time.Sleep(duration)
	cancel()
	wg.Wait()

	return countMasters(reps) == 1
}

func runMasterDeath(log *zap.Logger, n int, duration time.Duration) bool {
	dev := block.NewMemDevice(512, 129)
	w := csvHeader()
	start := time.Now()

	live := make([]uint32, n)
	for i := range live {
		live[i] = uint32(i + 1)
	}

	reps := make([]*pollReporter, n)
	cancels := make([]context.CancelFunc, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := uint32(i + 1)
		cl := &fakeCluster{nodeID: id, live: live}
		sc := &fakeScorer{score: 1, maxScore: 1}
		rep := newPollReporter(w, id, start)
		reps[i] = rep
		l := quorum.New(baseConfig(id), dev, cl, sc, &fakeReactor{}, &fakeBudget{allow: true}, rep, log)
		ctx, cancel := context.WithCancel(context.Background())
		cancels[i] = cancel
		wg.Add(1)
		go func() { defer wg.Done(); _ = l.Run(ctx) }()
	}

	// Wait for an initial master, then kill it.
	deadline := time.Now().Add(duration / 2)
	masterIdx := -1
	for time.Now().Before(deadline) {
		for i, r := range reps {
			if st, ok := r.state(); ok && st == block.StateMaster {
				masterIdx = i
			}
		}
		if masterIdx >= 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if masterIdx < 0 {
		for _, c := range cancels {
			c()
		}
		wg.Wait()
		return false
	}
	cancels[masterIdx]()

	time.Sleep(duration / 2)
	for i, c := range cancels {
		if i != masterIdx {
			c()
		}
	}
	wg.Wait()

	for i, r := range reps {
		if i == masterIdx {
			continue
		}
		if st, ok := r.state(); ok && st == block.StateMaster {
			return true
		}
	}
	return false
}

func runUndead(log *zap.Logger, duration time.Duration) bool {
	dev := block.NewMemDevice(512, 129)
	w := csvHeader()
	start := time.Now()

	clA := &fakeCluster{nodeID: 1, live: []uint32{1, 2}}
	clB := &fakeCluster{nodeID: 2, live: []uint32{1, 2}}
	scA := &fakeScorer{score: 1, maxScore: 1}
	scB := &fakeScorer{score: 1, maxScore: 1}
	repA := newPollReporter(w, 1, start)
	repB := newPollReporter(w, 2, start)

	lA := quorum.New(baseConfig(1), dev, clA, scA, &fakeReactor{}, &fakeBudget{allow: true}, repA, log)
	lB := quorum.New(baseConfig(2), dev, clB, scB, &fakeReactor{}, &fakeBudget{allow: true}, repB, log)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = lA.Run(ctxA) }()
	go func() { defer wg.Done(); _ = lB.Run(ctxB) }()

	// Let both nodes settle, then drop node 2 from node 1's view of the
	// cluster (simulating a partition) while node 2 keeps writing its
	// status sector to the shared device.
	time.Sleep(duration / 2)
	clA.setLive([]uint32{1})

	time.Sleep(duration / 2)
	cancelA()
	cancelB()
	wg.Wait()

	stA, _ := repA.state()
	return stA.Runnable()
}

func runCleanRestart(log *zap.Logger, duration time.Duration) bool {
	dev := block.NewMemDevice(512, 129)
	w := csvHeader()
	start := time.Now()

	cl := &fakeCluster{nodeID: 1, live: []uint32{1}}
	sc := &fakeScorer{score: 1, maxScore: 1}
	rep := newPollReporter(w, 1, start)
	l := quorum.New(baseConfig(1), dev, cl, sc, &fakeReactor{}, &fakeBudget{allow: true}, rep, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = l.Run(ctx); close(done) }()

	time.Sleep(duration / 2)
	cancel()
	<-done

	// Restart: new incarnation, same node id, same device.
	l2 := quorum.New(baseConfig(1), dev, cl, sc, &fakeReactor{}, &fakeBudget{allow: true}, rep, log)
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() { _ = l2.Run(ctx2); close(done2) }()

	time.Sleep(duration / 2)
	cancel2()
	<-done2

	st, ok := rep.state()
	return ok && st.Runnable()
}

func runScoreCollapse(log *zap.Logger, duration time.Duration) bool {
	dev := block.NewMemDevice(512, 129)
	w := csvHeader()
	start := time.Now()

	cl := &fakeCluster{nodeID: 1, live: []uint32{1}}
	sc := &fakeScorer{score: 1, maxScore: 1}
	reactor := &fakeReactor{}
	rep := newPollReporter(w, 1, start)
	l := quorum.New(baseConfig(1), dev, cl, sc, reactor, &fakeBudget{allow: true}, rep, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = l.Run(ctx); close(done) }()

	deadline := time.Now().Add(duration / 2)
	for time.Now().Before(deadline) {
		if st, ok := rep.state(); ok && st == block.StateRun {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sc.set(0, 4)

	time.Sleep(duration / 2)
	cancel()
	<-done

	return reactor.requested()
}
