package block_test

import (
	"testing"

	"github.com/clusterquorum/qdiskd/internal/bitmap"
	"github.com/clusterquorum/qdiskd/internal/block"
)

func TestStatusRoundTrip(t *testing.T) {
	var mask bitmap.Mask
	mask.Set(1)
	mask.Set(5)
	mask.Set(64)
	mask.Set(128)

	want := block.Status{
		NodeID:      3,
		State:       block.StateMaster,
		Timestamp:   1234567890,
		Incarnation: 42,
		UpdateNode:  3,
		Msg:         block.MsgBid,
		Arg:         7,
		Seq:         99,
		Score:       3,
		ScoreReq:    2,
		ScoreMax:    4,
		MasterMask:  mask,
	}

	buf := want.Encode()
	if len(buf) != block.StatusSize {
		t.Fatalf("Encode: got %d bytes, want %d", len(buf), block.StatusSize)
	}

	var got block.Status
	if err := got.Decode(buf); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestStatusDecodeShortBuffer(t *testing.T) {
	var s block.Status
	if err := s.Decode(make([]byte, block.StatusSize-1)); err == nil {
		t.Fatal("Decode: expected error for short buffer, got nil")
	}
}

func TestStatusSelfEvicted(t *testing.T) {
	cases := []struct {
		name string
		s    block.Status
		want bool
	}{
		{"evicted by master", block.Status{NodeID: 2, UpdateNode: 1, State: block.StateEvict}, true},
		{"self-write evict is not a directive", block.Status{NodeID: 2, UpdateNode: 2, State: block.StateEvict}, false},
		{"zero update node is not a directive", block.Status{NodeID: 2, UpdateNode: 0, State: block.StateEvict}, false},
		{"not evict state", block.Status{NodeID: 2, UpdateNode: 1, State: block.StateRun}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.s.SelfEvicted(); got != c.want {
				t.Errorf("SelfEvicted() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if block.StateMaster.String() != "MASTER" {
		t.Errorf("StateMaster.String() = %q", block.StateMaster.String())
	}
	if block.State(99).String() == "" {
		t.Error("unknown state should still produce a non-empty string")
	}
}

func TestStateRunnable(t *testing.T) {
	for _, s := range []block.State{block.StateRun, block.StateMaster} {
		if !s.Runnable() {
			t.Errorf("%v.Runnable() = false, want true", s)
		}
	}
	for _, s := range []block.State{block.StateNone, block.StateInit, block.StateEvict} {
		if s.Runnable() {
			t.Errorf("%v.Runnable() = true, want false", s)
		}
	}
}
