package observability

import (
	"github.com/clusterquorum/qdiskd/internal/block"
	"github.com/clusterquorum/qdiskd/internal/quorum"
)

// QuorumReporter adapts Metrics to quorum.Reporter so cmd/qdiskd can fan
// one Snapshot per cycle out to both the file/socket reporter and
// Prometheus, without internal/quorum importing this package.
type QuorumReporter struct {
	m         *Metrics
	lastState block.State
	haveState bool
}

// NewQuorumReporter wraps m as a quorum.Reporter.
func NewQuorumReporter(m *Metrics) *QuorumReporter {
	return &QuorumReporter{m: m}
}

// Report implements quorum.Reporter.
func (r *QuorumReporter) Report(s quorum.Snapshot) {
	r.m.CyclesTotal.Inc()
	r.m.Score.Set(float64(s.Score))
	r.m.ScoreRequired.Set(float64(s.ScoreReq))
	r.m.ScoreMax.Set(float64(s.ScoreMax))
	r.m.SetLocalState(s.LocalState.String())

	if r.haveState {
		if r.lastState != block.StateMaster && s.LocalState == block.StateMaster {
			r.m.MasterTransitionsTotal.WithLabelValues("promoted").Inc()
		}
		if r.lastState == block.StateMaster && s.LocalState != block.StateMaster {
			r.m.MasterTransitionsTotal.WithLabelValues("abdicated").Inc()
		}
	}
	r.lastState = s.LocalState
	r.haveState = true

	byState := map[string]int{}
	for _, rec := range s.PeerRecords {
		byState[rec.State.String()]++
	}
	for _, name := range []string{"NONE", "INIT", "RUN", "MASTER", "EVICT"} {
		r.m.PeersByState.WithLabelValues(name).Set(float64(byState[name]))
	}
}
