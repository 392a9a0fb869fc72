package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/halo"
	"github.com/wavekernel/stencil/kernel"
)

// countingExchanger is a haloExchanger fake that records every call's step
// argument, so a test can check exactly how many exchanges a
// run issued without a live transport/topology.
type countingExchanger struct {
	mu    sync.Mutex
	calls []int
}

func (e *countingExchanger) ExchangeHalos(t int, _ map[string][]int, _ halo.Overlap) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, t)
	return nil
}

func TestWfStepsReducesExchangeCountToCeilDiv(t *testing.T) {
	l := dims.NewLayout("x")
	rankBB := dims.NewBB(l.NewIndex(0), l.NewIndex(8))

	cb := newCountingBundle(nil, []int{1})
	p := &Pack{
		Name:       "p",
		Bundles:    []kernel.Bundle{cb},
		RegionSize: []int{8},
		BlockSize:  []int{8},
		MiniBlock:  []int{8},
		SubBlock:   []int{8},
		Fold:       []int{1},
		WfSteps:    4,
	}

	ex := &countingExchanger{}
	sched := New(nil, ex, rankBB, rankBB, 1, 1)
	sched.AddPack(p)

	const numSteps = 8
	require.NoError(t, sched.RunSolution(0, numSteps-1, nil))

	wantExchanges := (numSteps + p.WfSteps - 1) / p.WfSteps
	require.Len(t, ex.calls, wantExchanges)
}

func TestWfStepsOfOneExchangesEveryStep(t *testing.T) {
	l := dims.NewLayout("x")
	rankBB := dims.NewBB(l.NewIndex(0), l.NewIndex(4))

	cb := newCountingBundle(nil, []int{1})
	p := &Pack{
		Name:       "p",
		Bundles:    []kernel.Bundle{cb},
		RegionSize: []int{4},
		BlockSize:  []int{4},
		MiniBlock:  []int{4},
		SubBlock:   []int{4},
		Fold:       []int{1},
		WfSteps:    1,
	}

	ex := &countingExchanger{}
	sched := New(nil, ex, rankBB, rankBB, 1, 1)
	sched.AddPack(p)

	const numSteps = 5
	require.NoError(t, sched.RunSolution(0, numSteps-1, nil))
	require.Len(t, ex.calls, numSteps)
}

func TestRunPackTBGroupEmitsExactlyNPlusOnePhases(t *testing.T) {
	l := dims.NewLayout("x")
	extended := dims.NewBB(l.NewIndex(-2), l.NewIndex(10))

	cb := newCountingBundle(nil, []int{1})
	p := &Pack{
		Name:       "p",
		Bundles:    []kernel.Bundle{cb},
		RegionSize: []int{12},
		BlockSize:  []int{12},
		MiniBlock:  []int{12},
		SubBlock:   []int{12},
		Fold:       []int{1},
		TbSteps:    3,
	}

	sched := New(nil, nil, extended, extended, 1, 1)

	// Drive runPackTBGroup directly (white-box): the trapezoid group for 3
	// local steps must run exactly 3 compute phases, each clipping further
	// inward by the wave-front angle, plus one trailing barrier phase with
	// no compute.
	haloExplicit := map[string][]int{"p": {2}}
	require.NoError(t, sched.runPackTBGroup(0, 2, p, haloExplicit))

	// angle=2, so phase 1 clips to [0,8), phase 2 to [2,6), phase 3 to
	// [4,4) (zero points, skipped). A point only inside the phase-1 box
	// (x=0,1,6,7) is touched once; a point inside both phase-1 and
	// phase-2 boxes (x=2..5) is touched twice; nothing is touched a third
	// time since phase 3 covers no points — this is the trapezoid
	// narrowing one compute phase at a time.
	for _, x := range []int{0, 1, 6, 7} {
		require.Equal(t, 1, cb.hits[l.NewIndex(x).String()], "boundary point x=%d", x)
	}
	for x := 2; x <= 5; x++ {
		require.Equal(t, 2, cb.hits[l.NewIndex(x).String()], "interior point x=%d", x)
	}
	require.Len(t, cb.hits, 8) // x=-2,-1,8,9 lie outside even the phase-1 box
}

func TestBarrierPhaseSynchronisesWithoutCompute(t *testing.T) {
	sched := New(nil, nil, dims.BB{}, dims.BB{}, 3, 3)
	require.NoError(t, sched.barrierPhase(5))
}

func TestClipInwardCollapsesPastMidpointInsteadOfGoingNegative(t *testing.T) {
	l := dims.NewLayout("x")
	bb := dims.NewBB(l.NewIndex(0), l.NewIndex(4))
	clipped := clipInward(bb, []int{3})
	require.Equal(t, 0, clipped.NumPoints())
	require.Equal(t, clipped.Begin.At(0), clipped.End.At(0))
}
