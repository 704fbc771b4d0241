package election_test

import (
	"testing"

	"github.com/clusterquorum/qdiskd/internal/bitmap"
	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/election"
)

func TestScoreBelowRequiredDegrades(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:     1,
		LocalState: block.StateRun,
		Score:      1,
		ScoreReq:   5,
	})
	if out.NextState != block.StateNone {
		t.Fatalf("NextState = %v, want NONE (P4: score gate)", out.NextState)
	}
	if !out.ClearOwnMaskBit || !out.InformNoVote {
		t.Fatal("expected mask clear and no-vote signal on score collapse")
	}
	if !out.RebootRequested {
		t.Fatal("expected a reboot request on score collapse")
	}
}

func TestScoreAboveRequiredPromotesFromNone(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:            1,
		LocalState:        block.StateNone,
		Score:             5,
		ScoreReq:          5,
		UpgradeWaitConfig: 3,
	})
	if out.NextState != block.StateRun {
		t.Fatalf("NextState = %v, want RUN", out.NextState)
	}
	if !out.SetOwnMaskBit {
		t.Fatal("expected own mask bit to be set")
	}
	if out.UpgradeWait != 3 {
		t.Fatalf("UpgradeWait = %d, want 3", out.UpgradeWait)
	}
}

func TestLowestIDBidsWhenNoMaster(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:     1,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		Peers: []election.PeerView{
			{NodeID: 2, TrackedState: block.StateRun},
		},
	})
	if out.NextMsg != block.MsgBid || out.BidPending != 1 {
		t.Fatalf("expected node 1 (lowest id) to bid, got msg=%v bidPending=%d", out.NextMsg, out.BidPending)
	}
}

func TestHigherIDAcksLowerBidder(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:     2,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		Peers: []election.PeerView{
			{NodeID: 1, TrackedState: block.StateRun, ObservedMsg: block.MsgBid, ObservedSeq: 42},
		},
	})
	if out.NextMsg != block.MsgAck || out.MsgArg != 1 {
		t.Fatalf("expected ACK for node 1, got msg=%v arg=%d", out.NextMsg, out.MsgArg)
	}
}

func TestAllAcksPromotesAfterMasterWait(t *testing.T) {
	peers := []election.PeerView{
		{NodeID: 2, TrackedState: block.StateRun, ObservedMsg: block.MsgAck, ObservedArg: 1},
	}

	// bidPending below master_wait: stay waiting, do not promote yet.
	out := election.Decide(election.Inputs{
		SelfID:     1,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		BidPending: 1,
		MasterWait: 3,
		Peers:      peers,
	})
	if out.NextState == block.StateMaster {
		t.Fatal("promoted to MASTER before master_wait elapsed (violates P2 timing)")
	}

	// bidPending reaches master_wait: promote.
	out = election.Decide(election.Inputs{
		SelfID:     1,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		BidPending: 3,
		MasterWait: 3,
		Peers:      peers,
		OwnMask:    onesMask(1),
		LiveMembers: onesMask(1, 2),
	})
	if out.NextState != block.StateMaster {
		t.Fatalf("NextState = %v, want MASTER once all peers ACK at master_wait", out.NextState)
	}
	if !out.PublishedMask {
		t.Fatal("expected a published master_mask on promotion")
	}
}

func TestNackAbandonsBid(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:     1,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		BidPending: 2,
		MasterWait: 5,
		Peers: []election.PeerView{
			{NodeID: 2, TrackedState: block.StateRun, ObservedMsg: block.MsgNack, ObservedArg: 1},
		},
	})
	if out.BidPending != 0 || out.NextMsg != block.MsgNone {
		t.Fatalf("expected bid abandoned after NACK, got bidPending=%d msg=%v", out.BidPending, out.NextMsg)
	}
}

func TestPreemptionByLowerBidder(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:     2,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		BidPending: 2,
		MasterWait: 5,
		Peers: []election.PeerView{
			{NodeID: 1, TrackedState: block.StateRun, ObservedMsg: block.MsgBid},
		},
	})
	if out.BidPending != 0 {
		t.Fatalf("BidPending = %d, want 0 (preempted bid clears pending)", out.BidPending)
	}
	if out.NextMsg != block.MsgAck || out.MsgArg != 1 {
		t.Fatalf("expected preempted node to ACK the lower bidder, got msg=%v arg=%d", out.NextMsg, out.MsgArg)
	}
}

func TestMasterAbdicatesWhenAnotherMasterExists(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:            1,
		LocalState:        block.StateMaster,
		Score:             5,
		ScoreReq:          1,
		UpgradeWaitConfig: 2,
		Peers: []election.PeerView{
			{NodeID: 3, TrackedState: block.StateMaster},
		},
	})
	if out.NextState != block.StateRun {
		t.Fatalf("NextState = %v, want RUN (P1: single master, abdicate on conflict)", out.NextState)
	}
	if out.UpgradeWait != 2 {
		t.Fatalf("UpgradeWait = %d, want reset to 2", out.UpgradeWait)
	}
}

func TestStillWaitingRepublishesBid(t *testing.T) {
	// Peer 2 is runnable but hasn't acked us yet: check_votes returns
	// "still waiting". The bid must stay on disk across this cycle
	// rather than reverting to NONE (§4.5 check_votes case 0).
	out := election.Decide(election.Inputs{
		SelfID:     1,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		CurrentMsg: block.MsgBid,
		BidPending: 1,
		MasterWait: 3,
		Peers: []election.PeerView{
			{NodeID: 2, TrackedState: block.StateRun},
		},
	})
	if out.NextMsg != block.MsgBid {
		t.Fatalf("NextMsg = %v, want BID to stay published while still waiting", out.NextMsg)
	}
	if out.BidPending != 2 {
		t.Fatalf("BidPending = %d, want 2 (incremented)", out.BidPending)
	}
}

func TestPromotionClearsMsgAndBidPending(t *testing.T) {
	out := election.Decide(election.Inputs{
		SelfID:     1,
		LocalState: block.StateRun,
		Score:      5,
		ScoreReq:   1,
		CurrentMsg: block.MsgBid,
		BidPending: 3,
		MasterWait: 3,
		Peers: []election.PeerView{
			{NodeID: 2, TrackedState: block.StateRun, ObservedMsg: block.MsgAck, ObservedArg: 1},
		},
		OwnMask:     onesMask(1),
		LiveMembers: onesMask(1, 2),
	})
	if out.NextState != block.StateMaster {
		t.Fatalf("NextState = %v, want MASTER", out.NextState)
	}
	if out.NextMsg != block.MsgNone || out.BidPending != 0 {
		t.Fatalf("expected msg cleared and bid_pending reset on promotion, got msg=%v bidPending=%d", out.NextMsg, out.BidPending)
	}
}

func onesMask(ids ...uint32) bitmap.Mask {
	var m bitmap.Mask
	for _, id := range ids {
		m.Set(id)
	}
	return m
}
