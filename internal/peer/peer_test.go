package peer_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/peer"
)

func noopMask() *peer.MaskSetter {
	set := make(map[uint32]bool)
	return peer.NewMaskSetter(
		func(id uint32) { set[id] = true },
		func(id uint32) { delete(set, id) },
	)
}

func TestComeUp(t *testing.T) {
	r := peer.NewRecord(2)
	log := zap.NewNop()
	mask := noopMask()

	// tkoUp+1 unique timestamps are needed before RUN is granted.
	for ts := uint64(1); ts <= 4; ts++ {
		r.Observe(log, block.Status{NodeID: 2, State: block.StateRun, Timestamp: ts, Incarnation: 7}, false, 5, 3, mask, nil, nil)
	}
	if r.State != block.StateRun {
		t.Fatalf("after %d unique heartbeats, state = %v, want RUN", 4, r.State)
	}
	if r.Incarnation != 7 {
		t.Fatalf("Incarnation = %d, want 7", r.Incarnation)
	}
}

func TestEvictionThenUndead(t *testing.T) {
	r := peer.NewRecord(2)
	r.State = block.StateRun
	r.Incarnation = 9
	log := zap.NewNop()
	mask := noopMask()

	var evicted []uint32
	writeEvict := func(nodeID uint32, incarnation uint64) error {
		evicted = append(evicted, nodeID)
		return nil
	}

	// Same timestamp every cycle: peer is stalled, misses accumulate past tko=3.
	for i := 0; i < 5; i++ {
		r.Observe(log, block.Status{NodeID: 2, State: block.StateRun, Timestamp: 100, Incarnation: 9}, true, 3, 2, mask, writeEvict, nil)
	}
	if r.State != block.StateEvict {
		t.Fatalf("state = %v, want EVICT", r.State)
	}
	if r.EvilIncarnation != 9 {
		t.Fatalf("EvilIncarnation = %d, want 9", r.EvilIncarnation)
	}
	if len(evicted) == 0 {
		t.Fatal("expected an EVICT write to have been issued")
	}

	// Next cycle's read reflects what the master just wrote to the peer's
	// own sector: state=EVICT. Case 1 fires (tracked state is already
	// EVICT) and resets the tracked view to NONE, preserving
	// EvilIncarnation since the observed state IS EVICT (per §4.4.1).
	r.Observe(log, block.Status{NodeID: 2, State: block.StateEvict, Timestamp: 100, Incarnation: 9}, true, 3, 2, mask, writeEvict, nil)
	if r.State != block.StateNone {
		t.Fatalf("state after eviction settles = %v, want NONE", r.State)
	}
	if r.EvilIncarnation != 9 {
		t.Fatalf("EvilIncarnation = %d, want preserved at 9", r.EvilIncarnation)
	}

	// The evicted node resumes writing with its OLD, unchanged incarnation:
	// undead. P3: it must never be allowed back to RUN while this holds.
	r.Observe(log, block.Status{NodeID: 2, State: block.StateRun, Timestamp: 200, Incarnation: 9}, true, 3, 2, mask, writeEvict, nil)
	if r.State == block.StateRun {
		t.Fatal("undead peer was admitted to RUN (violates P3: eviction monotonicity)")
	}
	if len(evicted) < 2 {
		t.Fatal("expected a second EVICT write for the undead peer")
	}
}

func TestCleanRestartAfterEviction(t *testing.T) {
	r := peer.NewRecord(2)
	r.State = block.StateEvict
	r.EvilIncarnation = 9
	log := zap.NewNop()
	mask := noopMask()

	// Case 1 fires (tracked state is EVICT) and, since the peer's own
	// sector now genuinely shows NONE rather than EVICT, this counts as a
	// clean shutdown: EvilIncarnation clears.
	r.Observe(log, block.Status{NodeID: 2, State: block.StateNone, Timestamp: 1, Incarnation: 9}, true, 3, 2, mask, nil, nil)
	if r.State != block.StateNone {
		t.Fatalf("state = %v, want NONE", r.State)
	}
	if r.EvilIncarnation != 0 {
		t.Fatalf("EvilIncarnation = %d, want 0 (cleanly-reported shutdown clears it)", r.EvilIncarnation)
	}

	// Restarts with a fresh incarnation; after tko_up good heartbeats it is
	// admitted back to RUN (no longer undead: evil_incarnation is gone).
	for ts := uint64(1); ts <= 4; ts++ {
		r.Observe(log, block.Status{NodeID: 2, State: block.StateRun, Timestamp: ts, Incarnation: 11}, true, 3, 2, mask, nil, nil)
	}
	if r.State != block.StateRun {
		t.Fatalf("state after clean restart + heartbeats = %v, want RUN", r.State)
	}
}

func TestCleanRestartClearsEvilIncarnation(t *testing.T) {
	r := peer.NewRecord(2)
	r.State = block.StateEvict
	r.EvilIncarnation = 9
	r.Incarnation = 9
	log := zap.NewNop()
	mask := noopMask()

	// Peer restarts with a new incarnation and reports NONE cleanly.
	r.Observe(log, block.Status{NodeID: 2, State: block.StateNone, Timestamp: 1, Incarnation: 10}, false, 3, 2, mask, nil, nil)

	if r.EvilIncarnation != 0 {
		t.Fatalf("EvilIncarnation = %d, want 0 after clean restart", r.EvilIncarnation)
	}
	if r.State != block.StateNone {
		t.Fatalf("state = %v, want NONE", r.State)
	}
}

func TestMasterPromotionFollowsObservedState(t *testing.T) {
	r := peer.NewRecord(2)
	r.State = block.StateRun
	log := zap.NewNop()
	mask := noopMask()

	r.Observe(log, block.Status{NodeID: 2, State: block.StateMaster, Timestamp: 1, Incarnation: 1}, false, 5, 3, mask, nil, nil)
	if r.State != block.StateMaster {
		t.Fatalf("state = %v, want MASTER", r.State)
	}
}
