// Package peer implements the peer tracker (C4, spec §4.4): per-peer
// decayed state inferred solely from observed status blocks.
//
// Grounded on escalation.ProcessState's mutex-guarded, single-struct
// style: one Record per tracked node id, touched only by the main quorum
// loop, with an explicit Observe() entry point rather than many setters.
package peer

import (
	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/block"
)

// Record is this node's view of one peer, built up from cycle to cycle.
// Only the quorum loop goroutine ever touches a Record; no internal
// locking is needed (§5: "single-threaded cooperative at the granularity
// of one full cycle").
type Record struct {
	NodeID uint32

	State       block.State
	Incarnation uint64
	LastSeen    uint64
	Seen        uint64
	Misses      uint64

	Msg     block.Message
	LastMsg block.Message

	// EvilIncarnation is the incarnation we have evicted; if the peer
	// resumes writing with this same value, it is "undead" (§3, §4.4.3).
	// Cleared only on a clean shutdown, never on eviction (§4.4 inv. 3).
	EvilIncarnation uint64
}

// NewRecord returns a freshly tracked peer in NONE state.
func NewRecord(nodeID uint32) *Record {
	return &Record{NodeID: nodeID, State: block.StateNone}
}

// Observe applies one cycle's worth of an observed status block to r,
// per the ordered case list of §4.4. mask is this node's outgoing
// master_mask, updated in place as a side effect (peers gain/lose their
// bit as their tracked state changes). tko/tkoUp are the configured
// miss/come-up thresholds.
//
// fence is invoked when this node must request fencing of an evicted
// peer (only meaningful when this node is MASTER); writeEvict is invoked
// to write an EVICT status block into the peer's own sector. Both may be
// nil if this node is not MASTER this cycle — Observe still performs the
// bookkeeping transition, skipping only the disk write and fence request.
func (r *Record) Observe(log *zap.Logger, observed block.Status, isMaster bool, tko, tkoUp uint64, mask *MaskSetter, writeEvict func(nodeID uint32, incarnation uint64) error, fence func(nodeID uint32)) {
	r.Msg, r.LastMsg = observed.Msg, r.Msg

	if observed.State <= block.StateNone {
		// A block reporting NONE advances no liveness counter; of the
		// cases below only case 1 (down/restart) can apply to it.
		if r.caseDownRestart(observed) {
			mask.Clear(r.NodeID)
		}
		return
	}

	if observed.Timestamp == r.LastSeen {
		r.Misses++
	} else {
		r.Misses = 0
		r.Seen++
		r.LastSeen = observed.Timestamp
	}

	switch {
	case r.caseDownRestart(observed):
		mask.Clear(r.NodeID)

	case r.Misses > tko && observed.State.Runnable():
		r.caseEviction(log, observed, isMaster, writeEvict, fence)
		mask.Clear(r.NodeID)

	case r.EvilIncarnation != 0 && observed.Incarnation == r.EvilIncarnation:
		r.caseUndead(log, isMaster, writeEvict, fence)
		// No transition here; tracked state (almost always NONE by the
		// time this fires, case 1 having already reset it the cycle the
		// eviction took effect) is left untouched. Mask bit already clear.

	case r.Seen > tkoUp && !r.State.Runnable():
		r.caseComeUp(observed)
		mask.Set(r.NodeID)

	case r.State == block.StateRun && observed.State == block.StateMaster:
		r.State = block.StateMaster
		mask.Set(r.NodeID)

	case r.State.Runnable():
		r.State = observed.State
		mask.Set(r.NodeID)
	}
}

// caseDownRestart implements §4.4.1. EVICT is the highest-valued state, so
// "tracked state ≥ EVICT" reduces to "tracked state == EVICT"; that alone
// is enough to fire here, regardless of what this cycle observed — a
// tracked EVICT lasts exactly one cycle before resetting to NONE, and any
// ongoing undead activity is then caught by evil_incarnation in case 3,
// not by holding the tracked state at EVICT. A peer whose own block now
// reports NONE while it is tracked in any other state, or while an evicted
// incarnation is still remembered for it, has shut down and fires here too.
func (r *Record) caseDownRestart(observed block.Status) bool {
	trackedEvicted := r.State == block.StateEvict
	shutDown := observed.State == block.StateNone && (r.State != block.StateNone || r.EvilIncarnation != 0)
	incarnationMismatch := r.Incarnation != 0 && r.Incarnation != observed.Incarnation
	if !trackedEvicted && !shutDown && !incarnationMismatch {
		return false
	}
	cleanlyReported := observed.State != block.StateEvict
	r.State = block.StateNone
	r.Incarnation = 0
	r.Seen = 0
	r.Misses = 0
	if cleanlyReported {
		r.EvilIncarnation = 0
	}
	return true
}

// caseEviction implements §4.4.2.
func (r *Record) caseEviction(log *zap.Logger, observed block.Status, isMaster bool, writeEvict func(uint32, uint64) error, fence func(uint32)) {
	if isMaster {
		if writeEvict != nil {
			if err := writeEvict(r.NodeID, observed.Incarnation); err != nil {
				log.Error("failed to write EVICT status for peer", zap.Uint32("peer", r.NodeID), zap.Error(err))
			}
		}
		if fence != nil {
			fence(r.NodeID)
		}
	}
	r.State = block.StateEvict
	r.EvilIncarnation = observed.Incarnation
}

// caseUndead implements §4.4.3.
func (r *Record) caseUndead(log *zap.Logger, isMaster bool, writeEvict func(uint32, uint64) error, fence func(uint32)) {
	log.Error("undead peer: observed incarnation matches a previously evicted incarnation",
		zap.Uint32("peer", r.NodeID), zap.Uint64("incarnation", r.EvilIncarnation))
	if isMaster {
		if writeEvict != nil {
			if err := writeEvict(r.NodeID, r.EvilIncarnation); err != nil {
				log.Error("failed to re-write EVICT status for undead peer", zap.Uint32("peer", r.NodeID), zap.Error(err))
			}
		}
		if fence != nil {
			fence(r.NodeID)
		}
	}
}

// caseComeUp implements §4.4.4.
func (r *Record) caseComeUp(observed block.Status) {
	r.State = block.StateRun
	r.Incarnation = observed.Incarnation
}

// MaskSetter is the minimal surface Observe needs from bitmap.Mask,
// avoiding an import cycle between peer and the package that owns the
// node's live outgoing mask.
type MaskSetter struct {
	set   func(nodeID uint32)
	clear func(nodeID uint32)
}

// NewMaskSetter adapts any Set/Clear pair (typically *bitmap.Mask's
// methods) into the interface Observe expects.
func NewMaskSetter(set, clear func(nodeID uint32)) *MaskSetter {
	return &MaskSetter{set: set, clear: clear}
}

func (m *MaskSetter) Set(nodeID uint32)   { m.set(nodeID) }
func (m *MaskSetter) Clear(nodeID uint32) { m.clear(nodeID) }
