// Package scorer implements the heuristic scorer (C3, spec §4.3).
//
// A Scorer runs off the main quorum loop. Each configured Probe ticks on
// its own pace and, while its last `tko` executions succeeded, contributes
// its weight to the running score. The main loop only ever samples the
// published (score, maxScore) pair via Sample(); it never blocks on a
// probe's own schedule.
//
// Grounded on anomaly.Engine's single-purpose "compute and publish a
// number" contract and contrib/scorer.go's registry-of-named-plugins
// pattern (here, a registry of probe *runners* rather than scorers).
package scorer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Runner executes one probe check and reports success or failure. Shell
// command and TCP-reachability runners are registered under their probe
// Kind; additional kinds can be added the way contrib.RegisterScorer lets
// new scorers register themselves.
type Runner interface {
	// Run executes one check and returns nil on success.
	Run(ctx context.Context) error
}

// RunnerFactory builds a Runner from a probe's free-form Command field.
type RunnerFactory func(command string) (Runner, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]RunnerFactory)
)

// RegisterRunner registers a probe kind's runner factory. Call from an
// init() function. Panics on duplicate registration, matching the
// teacher's contrib.RegisterScorer contract.
func RegisterRunner(kind string, factory RunnerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("scorer: runner kind %q already registered", kind))
	}
	registry[kind] = factory
}

func lookupRunner(kind string) (RunnerFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("scorer: no runner registered for kind %q (available: %v)", kind, registeredKinds())
	}
	return f, nil
}

func registeredKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

// ProbeConfig is one configured probe: {command, interval, tko, weight}
// per §4.3.
type ProbeConfig struct {
	Kind     string        // runner kind, e.g. "exec", "tcp"
	Command  string        // free-form, interpreted by the runner
	Interval time.Duration // how often this probe runs
	TKO      int           // consecutive failures before the probe is considered down
	Weight   uint32        // contribution to score while passing
}

// probe is the running state of one configured probe.
type probe struct {
	cfg      ProbeConfig
	runner   Runner
	misses   int
	passing  atomic.Bool
}

// Scorer aggregates probes into a published (score, maxScore) pair.
type Scorer struct {
	log    *zap.Logger
	probes []*probe

	score    atomic.Uint32
	maxScore atomic.Uint32

	minScore uint32 // config: min_score; 0 means majority-of-weights

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Scorer from the configured probes. An empty probes list is
// the degenerate "no probes" mode: score and maxScore are both fixed at 1
// (§4.3), so the gate passes unless minScore is set above 1.
func New(log *zap.Logger, probes []ProbeConfig, minScore uint32) (*Scorer, error) {
	s := &Scorer{log: log, minScore: minScore}

	if len(probes) == 0 {
		s.score.Store(1)
		s.maxScore.Store(1)
		return s, nil
	}

	var total uint32
	for _, cfg := range probes {
		factory, err := lookupRunner(cfg.Kind)
		if err != nil {
			return nil, err
		}
		runner, err := factory(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("scorer: build runner for probe %q: %w", cfg.Command, err)
		}
		p := &probe{cfg: cfg, runner: runner}
		s.probes = append(s.probes, p)
		total += cfg.Weight
	}
	s.maxScore.Store(total)

	if total < minScore {
		log.Warn("configured probe weights cannot reach min_score; node will be permanently ineligible",
			zap.Uint32("score_max", total), zap.Uint32("min_score", minScore))
	}

	return s, nil
}

// Start launches one goroutine per probe. Stop cancels them all and waits
// for them to exit.
func (s *Scorer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, p := range s.probes {
		p := p
		s.wg.Add(1)
		go s.run(ctx, p)
	}
}

// Stop cancels all probe goroutines and waits for them to return.
func (s *Scorer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scorer) run(ctx context.Context, p *probe) {
	defer s.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.runner.Run(ctx)
			wasPassing := p.passing.Load()
			if err != nil {
				p.misses++
				if p.misses >= p.cfg.TKO {
					p.passing.Store(false)
				}
			} else {
				p.misses = 0
				p.passing.Store(true)
			}
			if p.passing.Load() != wasPassing {
				s.recompute()
			}
		}
	}
}

// recompute sums the weights of all currently-passing probes into score.
// Called only from probe goroutines on a state transition; cheap enough
// (bounded by probe count) to hold no lock beyond the atomics themselves.
func (s *Scorer) recompute() {
	var sum uint32
	for _, p := range s.probes {
		if p.passing.Load() {
			sum += p.cfg.Weight
		}
	}
	s.score.Store(sum)
}

// Sample returns the current (score, maxScore) pair. Safe to call from the
// main quorum loop concurrently with probe goroutines (§5: "Only these two
// share data").
func (s *Scorer) Sample() (score, maxScore uint32) {
	return s.score.Load(), s.maxScore.Load()
}

// Required computes score_req from maxScore and the configured min_score,
// per §4.3: strict majority of weights if min_score <= 0 (represented here
// as 0, since the field is unsigned), else min_score verbatim.
func Required(maxScore, minScore uint32) uint32 {
	if minScore == 0 {
		return maxScore/2 + 1
	}
	return minScore
}
