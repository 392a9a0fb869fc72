// Package autotune implements a hill-climbing block-size search: a
// per-pack (or global) state machine that accumulates
// elapsed time over fixed-length trials, proposes a neighbouring block-size
// tuple, retains the best observed tuple, and converges once no neighbour
// improves throughput by more than a configurable delta.
package autotune

import (
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/wavekernel/stencil/errs"
)

// Scope selects whether block-size tuples are tuned once per solution
// (Global) or independently per pack (PerPack); see DESIGN.md for the
// tunable-scope policy decision.
type Scope int

const (
	Global Scope = iota
	PerPack
)

// Trial is one probe window's measurement for a candidate block-size
// tuple.
type Trial struct {
	BlockSize []int
	Seconds   float64
	Points    float64 // points processed during the trial, for throughput
}

func (t Trial) throughput() float64 {
	if t.Seconds <= 0 {
		return 0
	}
	return t.Points / t.Seconds
}

// State is one hill-climbing search's mutable state.
type State struct {
	scope Scope

	current   []int
	best      []int
	bestTput  float64
	samples   []float64 // rolling window of recent throughputs at current
	minSample int        // trials to accumulate before deciding a neighbour
	minImprove float64   // required fractional improvement to accept a neighbour

	converged bool
	stepDir   int // index into neighbourOffsets currently being tried
	dimCount  int
	maxSize   []int
	minSize   []int
	patience  int // consecutive non-improving trials tolerated before converging
}

// New builds a State starting from initial, searching within [minSize,
// maxSize] per dim (inclusive), requiring at least minSample trials per
// tuple before comparing, minImprove as the convergence delta (e.g. 0.02
// for "2% throughput improvement required"), and patience as the number
// of consecutive non-improving neighbour trials tolerated before
// Converged() reports true. patience<=0 defaults to one full pass over
// neighbourOffsets (every unit move tried once).
func New(scope Scope, initial, minSize, maxSize []int, minSample int, minImprove float64, patience int) (*State, error) {
	if len(initial) != len(minSize) || len(initial) != len(maxSize) {
		return nil, errs.ConfigError("autotune.New", "block size and bound dimensionality mismatch")
	}
	if minSample < 1 {
		minSample = 1
	}
	if patience <= 0 {
		patience = len(neighbourOffsets(len(initial)))
	}
	return &State{
		scope:      scope,
		current:    append([]int(nil), initial...),
		best:       append([]int(nil), initial...),
		minSample:  minSample,
		minImprove: minImprove,
		dimCount:   len(initial),
		minSize:    append([]int(nil), minSize...),
		maxSize:    append([]int(nil), maxSize...),
		patience:   patience,
	}, nil
}

// Current returns the block-size tuple the scheduler should use for the
// next trial.
func (s *State) Current() []int { return append([]int(nil), s.current...) }

// Converged reports whether the search has settled (patience evaluations
// in a row failed to improve on the best throughput by minImprove).
func (s *State) Converged() bool { return s.converged }

// RecordTrial folds one trial's throughput into the running sample for the
// current tuple. Once minSample trials have accumulated, it evaluates the
// mean throughput against the best known tuple and, if this tuple doesn't
// win, advances to the next neighbour in the hill-climbing schedule — or
// declares convergence once patience evaluations in a row have failed to
// improve (by default one full pass over the neighbour directions).
func (s *State) RecordTrial(tr Trial) {
	if s.converged {
		return
	}
	s.samples = append(s.samples, tr.throughput())
	if len(s.samples) < s.minSample {
		return
	}
	mean := stat.Mean(s.samples, nil)
	s.samples = s.samples[:0]

	if mean > s.bestTput*(1+s.minImprove) {
		s.bestTput = mean
		s.best = append([]int(nil), s.current...)
		s.stepDir = 0
		s.advanceToNeighbour()
		return
	}

	s.stepDir++
	if s.stepDir >= s.patience {
		s.converged = true
		s.current = append([]int(nil), s.best...)
		return
	}
	s.current = append([]int(nil), s.best...)
	s.advanceToNeighbour()
}

// advanceToNeighbour sets s.current to best shifted by the stepDir-th
// neighbour offset, clamped to [minSize, maxSize].
func (s *State) advanceToNeighbour() {
	offs := neighbourOffsets(s.dimCount)
	off := offs[s.stepDir%len(offs)]
	next := make([]int, s.dimCount)
	for d := 0; d < s.dimCount; d++ {
		v := s.best[d] + off[d]*s.best[d]/2 // step by half the current size in that dim
		if v < s.minSize[d] {
			v = s.minSize[d]
		}
		if v > s.maxSize[d] {
			v = s.maxSize[d]
		}
		if v < 1 {
			v = 1
		}
		next[d] = v
	}
	s.current = next
}

// neighbourOffsets enumerates the 2*n unit moves (+1/-1 per dim, one dim
// at a time) the hill-climb tries before declaring convergence, matching
// a standard coordinate-descent neighbourhood.
func neighbourOffsets(n int) [][]int {
	dims := lo.Range(n)
	return lo.FlatMap(dims, func(d int, _ int) [][]int {
		up := make([]int, n)
		up[d] = 1
		down := make([]int, n)
		down[d] = -1
		return [][]int{up, down}
	})
}

// Reset restarts the search from scratch at initial, used by
// reset_auto_tuner and by run_auto_tuner_now's data-reinitialisation
// requirement.
func (s *State) Reset(initial []int) {
	s.current = append([]int(nil), initial...)
	s.best = append([]int(nil), initial...)
	s.bestTput = 0
	s.samples = s.samples[:0]
	s.stepDir = 0
	s.converged = false
}
