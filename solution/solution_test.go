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

// doublingBundle writes u[t+1][x] = 2*u[t][x], a minimal real kernel (no
// DSL compiler collaborator available in this repo) used to exercise
// Solution end to end. The scheduler never threads the current step into
// CalcScalar itself (a compiled bundle closes over it instead), so this
// bundle latches it from the IsInValidStep call the scheduler always makes
// immediately beforehand.
type doublingBundle struct {
	v    *vars.Variable
	curT int
}

func (b *doublingBundle) CalcScalar(_ int, idx dims.Index) {
	x := []int{idx.At(0)}
	val, _ := b.v.GetElement(b.curT, x, false)
	_ = b.v.SetElement(b.curT+1, x, 2*val, false)
}

func (b *doublingBundle) CalcLoopOfClusters(rth, bth int, start dims.Index, stopInner int) {
	n := len(start.Vals())
	vals := start.Vals()
	for v := start.At(n - 1); v < stopInner; v++ {
		vals[n-1] = v
		b.CalcScalar(rth, start.Layout().NewIndex(vals...))
	}
}

func (b *doublingBundle) CalcLoopOfVectors(rth, bth int, start dims.Index, stopInner int, _ uint64) {
	b.CalcLoopOfClusters(rth, bth, start, stopInner)
}

func (b *doublingBundle) IsInValidDomain(dims.Index) bool { return true }
func (b *doublingBundle) IsInValidStep(t int) bool        { b.curT = t; return true }
func (b *doublingBundle) GetOutputStepIndex(t int) int    { return t + 1 }
func (b *doublingBundle) Meta() kernel.BundleMeta {
	return kernel.BundleMeta{Name: "double", ReadsPerPoint: 1, WritesPerPoint: 1, FlopsPerPoint: 1}
}

var _ kernel.Bundle = (*doublingBundle)(nil)

func newSolutionFixture(t *testing.T) (*Solution, *vars.Variable) {
	eps := transport.NewWorld(1)
	env, err := NewEnv(eps[0])
	require.NoError(t, err)

	sol, err := NewSolution(env, []DimConfig{
		{Name: "x", GlobalSize: 8, RegionSize: 8, BlockSize: 4, MiniBlockSize: 2, SubBlockSize: 1, Fold: 1},
	})
	require.NoError(t, err)

	v, err := sol.Store().NewVar(vars.Spec{
		Name:    "u",
		HasStep: true,
		Step:    vars.StepDimSpec{AllocSize: 2},
		DomainDims: []vars.DomainDimSpec{
			{Name: "x", DomainSize: 8, Fold: 1},
		},
		Precision: vars.Float64,
	})
	require.NoError(t, err)

	bundle := &doublingBundle{v: v}
	pack := &scheduler.Pack{
		Name:       "double",
		Bundles:    []kernel.Bundle{bundle},
		RegionSize: []int{8},
		BlockSize:  []int{4},
		MiniBlock:  []int{2},
		SubBlock:   []int{1},
		Fold:       []int{1},
	}

	require.NoError(t, sol.Prepare(true, TopologyConfig{RankCounts: []int{1}}, []*scheduler.Pack{pack}))

	for x := 0; x < 8; x++ {
		require.NoError(t, v.SetElement(0, []int{x}, float64(x), false))
	}
	return sol, v
}

func TestSolutionRunDoublesEveryPoint(t *testing.T) {
	sol, v := newSolutionFixture(t)
	require.NoError(t, sol.Run(0, 0))

	for x := 0; x < 8; x++ {
		got, err := v.GetElement(1, []int{x}, true)
		require.NoError(t, err)
		require.Equal(t, float64(2*x), got)
	}
}

func TestSolutionApplyCommandLineOptions(t *testing.T) {
	eps := transport.NewWorld(1)
	env, err := NewEnv(eps[0])
	require.NoError(t, err)
	sol, err := NewSolution(env, []DimConfig{{Name: "x", GlobalSize: 4}})
	require.NoError(t, err)

	require.NoError(t, sol.ApplyCommandLineOptions([]string{"overlap_comms", "numa_pref=2"}))
	require.True(t, sol.opts.OverlapComms)
	require.Equal(t, 2, sol.opts.NumaPref)

	require.Error(t, sol.ApplyCommandLineOptions([]string{"not_a_real_flag"}))
}

func TestSolutionStatsAfterRun(t *testing.T) {
	sol, _ := newSolutionFixture(t)
	require.NoError(t, sol.Run(0, 0))

	packStats := sol.PackStats()
	require.Len(t, packStats, 1)
	require.Equal(t, "double", packStats[0].Name)
	require.NotEmpty(t, sol.StatsTable())

	stats := sol.Stats()
	require.Equal(t, 1, stats.Steps)
	require.Equal(t, int64(8), stats.PointsUpdated) // 8 domain points, WritesPerPoint 1, 1 step
	require.Equal(t, float64(8), stats.FlopsEstimate)
	require.Contains(t, stats.PackTimers, "double")
	require.NotEmpty(t, stats.String())
}

func TestSolutionEndReleasesStorage(t *testing.T) {
	sol, v := newSolutionFixture(t)
	require.True(t, v.Allocated())
	require.NoError(t, sol.End())
	require.False(t, v.Allocated())
}
