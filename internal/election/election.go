// Package election implements the election engine (C5, spec §4.5):
// bid/ack/nack message exchange for single-master election by lowest-node-id
// bidding, plus the per-cycle decision table that drives it.
//
// Grounded on escalation.ComputeSeverity's pure-function-over-inputs style:
// Decide takes a snapshot of everything the cycle knows and returns the
// next local state/message plus the side effects the caller (the quorum
// loop) must carry out, rather than mutating shared state itself.
package election

import (
	"github.com/clusterquorum/qdiskd/internal/bitmap"
	"github.com/clusterquorum/qdiskd/internal/block"
)

// PeerView is the minimal per-peer information Decide needs, independent
// of peer.Record's internal bookkeeping fields.
type PeerView struct {
	NodeID       uint32
	TrackedState block.State
	ObservedMsg  block.Message
	ObservedArg  uint32
	ObservedSeq  uint32
	MasterMask   bitmap.Mask // only meaningful when this peer is MASTER
}

// Inputs is everything Decide reads for one cycle.
type Inputs struct {
	SelfID uint32
	Peers  []PeerView

	LocalState block.State
	Score      uint32
	ScoreReq   uint32

	CurrentMsg        block.Message // our outgoing message slot as it stood before this cycle; persists until explicitly changed below
	BidPending        uint32        // 0 if not currently bidding
	UpgradeWait       uint32        // intervals remaining before we may bid; 0 means eligible
	UpgradeWaitConfig uint32        // config: intervals to hold after a NONE->RUN promotion or MASTER abdication
	MasterWait        uint32        // config: cycles an all-ack bid must hold before promotion

	OwnMask     bitmap.Mask // this node's outgoing mask before this cycle's recompute
	LiveMembers bitmap.Mask // cluster membership view from C7
}

// Outcome is everything Decide computes for the caller to apply.
type Outcome struct {
	NextState   block.State
	NextMsg     block.Message
	MsgArg      uint32
	BidPending  uint32
	UpgradeWait uint32

	SetOwnMaskBit   bool
	ClearOwnMaskBit bool

	// MasterMask is set only when NextState == MASTER: our mask
	// intersected with the cluster's live membership (§4.5 "Master's
	// mask publication").
	MasterMask    bitmap.Mask
	PublishedMask bool

	// InformNoVote/InformHaveVote signal C7, per the decision table.
	InformNoVote  bool
	InformHaveVote bool

	// RebootRequested is true when a score collapse should trigger a
	// reboot (subject to config and the reboot budget).
	RebootRequested bool
}

// MasterExists scans for an existing master (§4.5): this node itself when
// localState is MASTER, or any peer whose tracked state is MASTER. The peer
// tracker copies a runnable peer's observed state into its tracked state
// every cycle, so a tracked MASTER is a peer whose own block last claimed
// MASTER. It also returns lowID, the minimum tracked-alive node id
// (defaulting to selfID if no peer is alive), and masterCount, the number
// of nodes (this one included) simultaneously claiming MASTER; Decide does
// not use masterCount and the decision table does not special-case > 1.
func MasterExists(selfID uint32, localState block.State, peers []PeerView) (masterID uint32, found bool, lowID uint32, masterCount int) {
	lowID = selfID
	for _, p := range peers {
		if p.TrackedState.Runnable() && p.NodeID < lowID {
			lowID = p.NodeID
		}
	}
	if localState == block.StateMaster {
		masterID, found = selfID, true
		masterCount++
	}
	for _, p := range peers {
		if p.TrackedState >= block.StateRun && p.TrackedState == block.StateMaster {
			masterID, found = p.NodeID, true
			masterCount++
		}
	}
	return masterID, found, lowID, masterCount
}

// VoteOutcome is the priority returned by checkVotes.
type VoteOutcome int

const (
	VoteStillWaiting VoteOutcome = iota
	VotePreempted
	VoteNacked
	VoteAllAcks
)

// checkVotes implements §4.5's check_votes, evaluated highest-priority first.
func checkVotes(selfID uint32, peers []PeerView) VoteOutcome {
	lowestBidder := uint32(0)
	for _, p := range peers {
		if p.ObservedMsg == block.MsgNack && p.ObservedArg == selfID {
			return VoteNacked
		}
	}
	for _, p := range peers {
		if p.ObservedMsg == block.MsgBid && p.NodeID < selfID {
			if lowestBidder == 0 || p.NodeID < lowestBidder {
				lowestBidder = p.NodeID
			}
		}
	}
	if lowestBidder != 0 {
		return VotePreempted
	}
	for _, p := range peers {
		if p.TrackedState.Runnable() {
			if !(p.ObservedMsg == block.MsgAck && p.ObservedArg == selfID) {
				return VoteStillWaiting
			}
		}
	}
	return VoteAllAcks
}

// doVote implements §4.5's do_vote: if any peer bids with a lower id than
// us, ACK the lowest such bidder and copy its seq.
func doVote(selfID uint32, peers []PeerView) (ack bool, forID uint32, seq uint32) {
	lowestBidder := uint32(0)
	var lowestSeq uint32
	for _, p := range peers {
		if p.ObservedMsg == block.MsgBid && p.NodeID < selfID {
			if lowestBidder == 0 || p.NodeID < lowestBidder {
				lowestBidder = p.NodeID
				lowestSeq = p.ObservedSeq
			}
		}
	}
	if lowestBidder == 0 {
		return false, 0, 0
	}
	return true, lowestBidder, lowestSeq
}

// Decide applies the decision table of §4.5, evaluated in order — the
// first matching row's action is taken and the rest are skipped. The final
// two rows (MASTER-mask recompute / vote signalling) are reached only when
// none of the election rows above them matched.
func Decide(in Inputs) Outcome {
	out := Outcome{
		NextState:   in.LocalState,
		NextMsg:     in.CurrentMsg, // persists unless a case below explicitly changes it
		BidPending:  in.BidPending,
		UpgradeWait: in.UpgradeWait,
	}

	if out.UpgradeWait > 0 {
		out.UpgradeWait--
	}

	masterID, masterFound, lowID, _ := MasterExists(in.SelfID, in.LocalState, in.Peers)
	masterIsSelf := masterFound && masterID == in.SelfID

	switch {
	case in.Score < in.ScoreReq && in.LocalState > block.StateNone:
		out.NextState = block.StateNone
		out.ClearOwnMaskBit = true
		out.NextMsg = block.MsgNone
		out.BidPending = 0
		out.InformNoVote = true
		out.RebootRequested = true
		return out

	case in.Score >= in.ScoreReq && in.LocalState == block.StateNone:
		out.NextState = block.StateRun
		out.SetOwnMaskBit = true
		out.UpgradeWait = in.UpgradeWaitConfig
		out.NextMsg = block.MsgNone
		out.BidPending = 0
		return out

	case in.LocalState == block.StateMaster && masterFound && !masterIsSelf:
		out.NextState = block.StateRun
		out.UpgradeWait = in.UpgradeWaitConfig
		out.BidPending = 0
		out.NextMsg = block.MsgNone
		return out

	case !masterFound && lowID == in.SelfID && in.LocalState == block.StateRun && in.BidPending == 0 && in.UpgradeWait == 0:
		out.NextMsg = block.MsgBid
		out.BidPending = 1
		return out

	case !masterFound && in.BidPending == 0:
		if ack, forID, _ := doVote(in.SelfID, in.Peers); ack {
			out.NextMsg = block.MsgAck
			out.MsgArg = forID
		}
		return out

	case !masterFound && in.BidPending > 0:
		// Our bid (msg=BID) stays on disk until one of the cases below
		// explicitly clears or replaces it — mirrors the C loop's
		// persistent msg slot rather than re-deriving it each cycle.
		out.NextMsg = block.MsgBid
		out.BidPending = in.BidPending + 1
		switch checkVotes(in.SelfID, in.Peers) {
		case VoteAllAcks:
			if out.BidPending >= in.MasterWait {
				out.NextState = block.StateMaster
				mask := in.OwnMask.And(in.LiveMembers)
				out.MasterMask = mask
				out.PublishedMask = true
				out.InformHaveVote = true
				out.NextMsg = block.MsgNone
				out.BidPending = 0
			}
			// else: all acked but bid_pending < master_wait — keep
			// bidding another round to let late joiners be observed.
		case VoteNacked:
			out.NextMsg = block.MsgNone
			out.BidPending = 0
		case VotePreempted:
			_, forID, _ := doVote(in.SelfID, in.Peers)
			out.NextMsg = block.MsgAck
			out.MsgArg = forID
			out.BidPending = 0
		case VoteStillWaiting:
			// keep bid, counter already incremented above
		}
		return out
	}

	if in.LocalState == block.StateMaster && masterIsSelf {
		mask := in.OwnMask.And(in.LiveMembers)
		out.MasterMask = mask
		out.PublishedMask = true
		out.InformHaveVote = true
		return out
	}

	if in.LocalState == block.StateRun && masterFound && !masterIsSelf {
		for _, p := range in.Peers {
			if p.NodeID == masterID && p.MasterMask.Test(in.SelfID) {
				out.InformHaveVote = true
				break
			}
		}
		return out
	}

	return out
}
