package solution

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/kernel"
	"github.com/wavekernel/stencil/scheduler"
	"github.com/wavekernel/stencil/transport"
	"github.com/wavekernel/stencil/vars"
)

const (
	refGridSize  = 10
	refNumSteps  = 4
	refDiffusion = 0.15
)

// refLaplacianBundle is a 5-point 2-D diffusion stencil, the 7-point 3-D
// Laplacian cut down to two dims so a small grid exercises multiple
// region/block/mini-block/sub-block tiles.
type refLaplacianBundle struct {
	u    *vars.Variable
	curT int
}

func (b *refLaplacianBundle) IsInValidStep(t int) bool    { b.curT = t; return true }
func (b *refLaplacianBundle) GetOutputStepIndex(t int) int { return t + 1 }

// IsInValidDomain restricts evaluation to the real [0, refGridSize) domain
// in every dim: the tiled path dispatches over the halo-extended box while
// scheduler.RunRef only visits the unextended rank box, so a predicate that
// (wrongly) accepted halo/pad points would make the two paths diverge at
// the boundary for reasons having nothing to do with tiling order.
func (b *refLaplacianBundle) IsInValidDomain(idx dims.Index) bool {
	for d := 0; d < len(idx.Vals()); d++ {
		if idx.At(d) < 0 || idx.At(d) >= refGridSize {
			return false
		}
	}
	return true
}

func (b *refLaplacianBundle) Meta() kernel.BundleMeta {
	return kernel.BundleMeta{Name: "laplacian2d", ReadsPerPoint: 5, WritesPerPoint: 1, FlopsPerPoint: 6}
}

func (b *refLaplacianBundle) CalcScalar(_ int, idx dims.Index) {
	x, y := idx.At(0), idx.At(1)
	center, _ := b.u.GetElement(b.curT, []int{x, y}, false)
	sum := 0.0
	for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		v, _ := b.u.GetElement(b.curT, []int{x + d[0], y + d[1]}, false)
		sum += v
	}
	next := center + refDiffusion*(sum-4*center)
	_ = b.u.SetElement(b.curT+1, []int{x, y}, next, false)
}

func (b *refLaplacianBundle) CalcLoopOfClusters(rth, bth int, start dims.Index, stopInner int) {
	n := len(start.Vals())
	vals := start.Vals()
	for v := start.At(n - 1); v < stopInner; v++ {
		vals[n-1] = v
		b.CalcScalar(rth, start.Layout().NewIndex(vals...))
	}
}

func (b *refLaplacianBundle) CalcLoopOfVectors(rth, bth int, start dims.Index, stopInner int, _ uint64) {
	b.CalcLoopOfClusters(rth, bth, start, stopInner)
}

var _ kernel.Bundle = (*refLaplacianBundle)(nil)

func seedRefPulse(u *vars.Variable, n int) {
	mid := float64(n) / 2
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			dx, dy := float64(x)-mid, float64(y)-mid
			val := 1.0 / (1.0 + dx*dx + dy*dy)
			_ = u.SetElement(0, []int{x, y}, val, false)
		}
	}
}

func refDomainDims() []vars.DomainDimSpec {
	return []vars.DomainDimSpec{
		{Name: "x", DomainSize: refGridSize, LeftHalo: 1, RightHalo: 1, LeftPad: 1, RightPad: 1, Fold: 1},
		{Name: "y", DomainSize: refGridSize, LeftHalo: 1, RightHalo: 1, LeftPad: 1, RightPad: 1, Fold: 1},
	}
}

// TestTiledRunMatchesFlatReferenceDriver checks the full region -> block ->
// mini-block -> sub-block tiled dispatch (driven through Solution.Run)
// against scheduler.RunRef's flat, untiled golden-reference path on an
// identically seeded single-rank domain: both must land on the same values
// after the same number of steps, since tiling only changes dispatch order,
// never the equations evaluated.
func TestTiledRunMatchesFlatReferenceDriver(t *testing.T) {
	eps := transport.NewWorld(1)
	env, err := NewEnv(eps[0])
	require.NoError(t, err)

	sol, err := NewSolution(env, []DimConfig{
		{Name: "x", GlobalSize: refGridSize, RegionSize: 6, BlockSize: 3, MiniBlockSize: 2, SubBlockSize: 1, LeftHalo: 1, RightHalo: 1, LeftPad: 1, RightPad: 1, Fold: 1},
		{Name: "y", GlobalSize: refGridSize, RegionSize: 6, BlockSize: 3, MiniBlockSize: 2, SubBlockSize: 1, LeftHalo: 1, RightHalo: 1, LeftPad: 1, RightPad: 1, Fold: 1},
	})
	require.NoError(t, err)

	u, err := sol.Store().NewVar(vars.Spec{
		Name:       "u",
		HasStep:    true,
		Step:       vars.StepDimSpec{AllocSize: refNumSteps + 1},
		Precision:  vars.Float64,
		DomainDims: refDomainDims(),
	})
	require.NoError(t, err)

	bundle := &refLaplacianBundle{u: u}
	pack := &scheduler.Pack{Name: "laplacian2d", Bundles: []kernel.Bundle{bundle}}
	require.NoError(t, sol.Prepare(true, TopologyConfig{RankCounts: []int{1, 1}}, []*scheduler.Pack{pack}))
	defer sol.End()

	seedRefPulse(u, refGridSize)
	require.NoError(t, sol.Run(0, refNumSteps-1))

	refStore := vars.NewStore()
	refU, err := refStore.NewVar(vars.Spec{
		Name:       "u",
		HasStep:    true,
		Step:       vars.StepDimSpec{AllocSize: refNumSteps + 1},
		Precision:  vars.Float64,
		DomainDims: refDomainDims(),
	})
	require.NoError(t, err)
	require.NoError(t, refStore.AllocStorage(vars.PoolKey{NUMA: -1}))
	seedRefPulse(refU, refGridSize)

	refBundle := &refLaplacianBundle{u: refU}
	l := dims.NewLayout("x", "y")
	rankBB := dims.NewBB(l.NewIndex(0, 0), l.NewIndex(refGridSize, refGridSize))
	refPack := &scheduler.Pack{Name: "laplacian2d", Bundles: []kernel.Bundle{refBundle}}
	require.NoError(t, scheduler.RunRef(rankBB, []*scheduler.Pack{refPack}, nil, 0, refNumSteps-1))

	for x := 0; x < refGridSize; x++ {
		for y := 0; y < refGridSize; y++ {
			got, err := u.GetElement(refNumSteps, []int{x, y}, true)
			require.NoError(t, err)
			want, err := refU.GetElement(refNumSteps, []int{x, y}, true)
			require.NoError(t, err)
			require.InDelta(t, want, got, 1e-9, "mismatch at (%d,%d)", x, y)
		}
	}
}
