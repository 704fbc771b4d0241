// Package block — status.go
//
// Status block wire format and byte-order conversion for qdiskd.
//
// One status block per potential node id, stored at sector N (N = node id,
// N ∈ [1, MaxNodes]). Exactly one writer — the block's owner — writes a
// given sector in steady state; the master is the sole exception, and may
// overwrite a peer's sector to record Evict.
//
// Wire layout is fixed little-endian regardless of host endianness. Swab
// happens exactly once per direction, in Encode/Decode, never per field at
// the call site.

package block

import (
	"encoding/binary"
	"fmt"

	"github.com/clusterquorum/qdiskd/internal/bitmap"
)

// State is a node's participation state, embedded in its status block.
type State uint8

const (
	StateNone State = iota
	StateInit
	StateRun
	StateMaster
	StateEvict
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInit:
		return "INIT"
	case StateRun:
		return "RUN"
	case StateMaster:
		return "MASTER"
	case StateEvict:
		return "EVICT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Runnable reports whether a state counts as "participating" for the
// purposes of §4.4's classification (tracked-alive set, low_id computation).
func (s State) Runnable() bool {
	return s == StateRun || s == StateMaster
}

// Message is the one-slot outgoing election message piggy-backed on a
// status block.
type Message uint8

const (
	MsgNone Message = iota
	MsgBid
	MsgAck
	MsgNack
)

func (m Message) String() string {
	switch m {
	case MsgNone:
		return "NONE"
	case MsgBid:
		return "BID"
	case MsgAck:
		return "ACK"
	case MsgNack:
		return "NACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// MaskWords is the number of uint64 words in the master_mask bit vector.
const MaskWords = bitmap.MaxNodes / 64

// StatusSize is the on-disk size of a Status block in bytes. It must fit
// within one sector (§6: "Size is ≤ 512 bytes").
const StatusSize = 48 + MaskWords*8

// Status is the in-memory form of one status block (§3).
type Status struct {
	NodeID      uint32
	State       State
	Timestamp   uint64 // monotonic seconds sample
	Incarnation uint64
	UpdateNode  uint32 // node id of the last writer to this sector
	Msg         Message
	Arg         uint32 // candidate id for ACK/NACK
	Seq         uint32 // monotonically non-decreasing per writer
	Score       uint32
	ScoreReq    uint32
	ScoreMax    uint32
	MasterMask  bitmap.Mask
}

// Encode serializes s into a fixed little-endian StatusSize-byte buffer.
// The conversion is applied exactly once, here, regardless of host order.
func (s *Status) Encode() []byte {
	buf := make([]byte, StatusSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], s.NodeID)
	buf[4] = byte(s.State)
	buf[5] = byte(s.Msg)
	// buf[6:8] reserved/padding
	le.PutUint64(buf[8:16], s.Timestamp)
	le.PutUint64(buf[16:24], s.Incarnation)
	le.PutUint32(buf[24:28], s.UpdateNode)
	le.PutUint32(buf[28:32], s.Arg)
	le.PutUint32(buf[32:36], s.Seq)
	le.PutUint32(buf[36:40], s.Score)
	le.PutUint32(buf[40:44], s.ScoreReq)
	le.PutUint32(buf[44:48], s.ScoreMax)
	for i, w := range s.MasterMask {
		le.PutUint64(buf[48+i*8:56+i*8], w)
	}
	return buf
}

// Decode parses a StatusSize-byte buffer (as produced by Encode) into s.
// Returns an error if buf is short.
func (s *Status) Decode(buf []byte) error {
	if len(buf) < StatusSize {
		return fmt.Errorf("block: status buffer too short: got %d, want %d", len(buf), StatusSize)
	}
	le := binary.LittleEndian
	s.NodeID = le.Uint32(buf[0:4])
	s.State = State(buf[4])
	s.Msg = Message(buf[5])
	s.Timestamp = le.Uint64(buf[8:16])
	s.Incarnation = le.Uint64(buf[16:24])
	s.UpdateNode = le.Uint32(buf[24:28])
	s.Arg = le.Uint32(buf[28:32])
	s.Seq = le.Uint32(buf[32:36])
	s.Score = le.Uint32(buf[36:40])
	s.ScoreReq = le.Uint32(buf[40:44])
	s.ScoreMax = le.Uint32(buf[44:48])
	for i := range s.MasterMask {
		s.MasterMask[i] = le.Uint64(buf[48+i*8 : 56+i*8])
	}
	return nil
}

// SelfEvicted reports whether this status block is a foreign directive to
// reboot: written by someone other than its own owner, declaring Evict
// (§3 invariant 6).
func (s *Status) SelfEvicted() bool {
	return s.UpdateNode != 0 && s.UpdateNode != s.NodeID && s.State == StateEvict
}
