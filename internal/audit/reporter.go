package audit

import (
	"go.uber.org/zap"

	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/peer"
	"github.com/clusterquorum/qdiskd/internal/quorum"
)

// Reporter adapts a Ledger into a quorum.Reporter: it diffs each cycle's
// Snapshot against the previous one and appends an Entry for this node's
// own MASTER promotion/abdication, for every peer transition into EVICT,
// for a local state changing to EVICT (self-eviction), and for a peer whose
// tracked incarnation changes to its evicted incarnation (undead). The
// quorum loop never sets its own state to EVICT (it requests a reboot on
// self-eviction instead), and the peer tracker resets a peer's tracked
// incarnation to 0 once its eviction settles, so neither the self-eviction
// nor the undead entry is appended in practice.
//
// Grounded on observability.QuorumReporter's same diff-against-last-seen
// approach, applied to durable audit entries instead of metrics.
type Reporter struct {
	ledger *Ledger
	log    *zap.Logger

	haveLocal bool
	lastLocal block.State
	lastPeers map[uint32]peer.Record
}

// NewReporter wraps ledger as a quorum.Reporter.
func NewReporter(ledger *Ledger, log *zap.Logger) *Reporter {
	return &Reporter{ledger: ledger, log: log, lastPeers: make(map[uint32]peer.Record)}
}

// Report implements quorum.Reporter.
func (r *Reporter) Report(s quorum.Snapshot) {
	if r.haveLocal {
		if r.lastLocal != block.StateMaster && s.LocalState == block.StateMaster {
			r.append(Entry{Kind: KindElection, SelfID: s.SelfID, Reason: "promoted to MASTER"})
		}
		if r.lastLocal == block.StateMaster && s.LocalState != block.StateMaster {
			r.append(Entry{Kind: KindElection, SelfID: s.SelfID, Reason: "abdicated MASTER"})
		}
		if r.lastLocal != block.StateEvict && s.LocalState == block.StateEvict {
			r.append(Entry{Kind: KindSelfEvicted, SelfID: s.SelfID, Reason: "local node self-evicted"})
		}
	}
	r.haveLocal = true
	r.lastLocal = s.LocalState

	for id, rec := range s.PeerRecords {
		prev, known := r.lastPeers[id]
		if !known {
			continue
		}
		if prev.State != block.StateEvict && rec.State == block.StateEvict {
			r.append(Entry{
				Kind: KindEviction, SelfID: s.SelfID, PeerID: id,
				Reason: "peer transitioned to EVICT",
				Detail: map[string]string{"incarnation": itoa(rec.Incarnation)},
			})
		}
		if rec.EvilIncarnation != 0 && rec.Incarnation == rec.EvilIncarnation && prev.Incarnation != rec.Incarnation {
			r.append(Entry{
				Kind: KindUndead, SelfID: s.SelfID, PeerID: id,
				Reason: "evicted incarnation resumed writing",
				Detail: map[string]string{"incarnation": itoa(rec.Incarnation)},
			})
		}
	}
	r.lastPeers = make(map[uint32]peer.Record, len(s.PeerRecords))
	for id, rec := range s.PeerRecords {
		r.lastPeers[id] = rec
	}
}

func (r *Reporter) append(e Entry) {
	if err := r.ledger.Append(e); err != nil {
		r.log.Error("audit ledger append failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
