package vars

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeVar1D(t *testing.T, domain, halo, allocSteps int) *Variable {
	spec := Spec{
		Name:    "A",
		HasStep: true,
		Step:    StepDimSpec{AllocSize: allocSteps},
		DomainDims: []DomainDimSpec{
			{Name: "x", DomainSize: domain, LeftHalo: halo, RightHalo: halo, LeftPad: halo, RightPad: halo, Fold: 1},
		},
		Precision: Float64,
	}
	v, err := NewVariable(spec)
	require.NoError(t, err)
	pool := NewPool(PoolKey{NUMA: -1})
	pool.Reserve(v)
	require.NoError(t, pool.Commit())
	return v
}

func TestVariableSetGetElement(t *testing.T) {
	v := makeVar1D(t, 8, 1, 2)
	require.NoError(t, v.SetElement(0, []int{3}, 42, true))
	got, err := v.GetElement(0, []int{3}, true)
	require.NoError(t, err)
	require.Equal(t, 42.0, got)
}

func TestVariableNonStrictOutOfBoundsReturnsZero(t *testing.T) {
	v := makeVar1D(t, 8, 1, 2)
	require.NoError(t, v.SetElement(0, []int{0}, 1, true))
	got, err := v.GetElement(0, []int{100}, false)
	require.NoError(t, err)
	require.Equal(t, 0.0, got)
}

func TestVariableStrictOutOfBoundsFails(t *testing.T) {
	v := makeVar1D(t, 8, 1, 2)
	require.NoError(t, v.SetElement(0, []int{0}, 1, true))
	_, err := v.GetElement(0, []int{100}, true)
	require.Error(t, err)
}

func TestVariableDirtyMonotonicity(t *testing.T) {
	v := makeVar1D(t, 8, 1, 2)
	require.NoError(t, v.SetElement(0, []int{0}, 1, true))
	require.True(t, v.IsDirty(0))
	v.SetDirty(false, 0)
	require.False(t, v.IsDirty(0))
	require.NoError(t, v.SetElement(0, []int{1}, 2, true))
	require.True(t, v.IsDirty(0))
}

func TestVariableWindowAdvance(t *testing.T) {
	v := makeVar1D(t, 8, 1, 3)
	require.NoError(t, v.SetElement(0, []int{0}, 1, true))
	require.NoError(t, v.SetElement(1, []int{0}, 1, true))
	require.NoError(t, v.SetElement(2, []int{0}, 1, true))
	first, _ := v.FirstValidStep()
	last, _ := v.LastValidStep()
	require.Equal(t, 0, first)
	require.Equal(t, 2, last)

	require.NoError(t, v.SetElement(3, []int{0}, 1, true))
	first, _ = v.FirstValidStep()
	last, _ = v.LastValidStep()
	require.Equal(t, 1, first)
	require.Equal(t, 3, last)
	_, err := v.GetElement(0, []int{0}, true)
	require.Error(t, err, "step 0 fell out of the window")
}

func TestVariableAddToElementAtomic(t *testing.T) {
	v := makeVar1D(t, 8, 1, 2)
	require.NoError(t, v.SetElement(0, []int{0}, 0, true))
	done := make(chan struct{})
	n := 100
	for i := 0; i < n; i++ {
		go func() {
			_ = v.AddToElement(0, []int{0}, 1, true)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	got, err := v.GetElement(0, []int{0}, true)
	require.NoError(t, err)
	require.Equal(t, float64(n), got)
}

func TestSliceRoundTrip(t *testing.T) {
	v := makeVar1D(t, 8, 1, 2)
	in := []float64{1, 2, 3, 4}
	require.NoError(t, v.SetSlice(0, []int{0}, []int{4}, in))
	out := make([]float64, 4)
	require.NoError(t, v.GetSlice(0, []int{0}, []int{4}, out))
	require.Equal(t, in, out)
}

func TestFuseVarsIncompatibleShapes(t *testing.T) {
	store := NewStore()
	a, err := store.NewVar(Spec{
		Name: "a", Precision: Float64,
		DomainDims: []DomainDimSpec{{Name: "x", DomainSize: 4, LeftPad: 1, RightPad: 1, Fold: 1}},
	})
	require.NoError(t, err)
	b, err := store.NewVar(Spec{
		Name: "b", Precision: Float64,
		DomainDims: []DomainDimSpec{{Name: "x", DomainSize: 8, LeftPad: 1, RightPad: 1, Fold: 1}},
	})
	require.NoError(t, err)
	require.Error(t, store.FuseVars(a, b))
}

func TestVarOrdinalAlphabetical(t *testing.T) {
	store := NewStore()
	_, _ = store.NewVar(Spec{Name: "zeta", Precision: Float64})
	_, _ = store.NewVar(Spec{Name: "alpha", Precision: Float64})
	_, _ = store.NewVar(Spec{Name: "mid", Precision: Float64})
	o, ok := store.VarOrdinal("alpha")
	require.True(t, ok)
	require.Equal(t, 0, o)
	o, ok = store.VarOrdinal("zeta")
	require.True(t, ok)
	require.Equal(t, 2, o)
}

// makeFoldedVar2D builds a 2x4 (x,y) variable with y folded into lanes of
// width 2, identity-permuted, so the fold's cluster/lane split is easy to
// hand-verify: offset(x,y) = x*4 + (y/2)*2 + (y%2).
func makeFoldedVar2D(t *testing.T) *Variable {
	spec := Spec{
		Name: "F",
		DomainDims: []DomainDimSpec{
			{Name: "x", DomainSize: 2},
			{Name: "y", DomainSize: 4},
		},
		Precision: Float64,
		Fold: &FoldSpec{
			Dims:    []string{"y"},
			Widths:  []int{2},
			Permute: func(offsets []int) []int { return offsets },
		},
	}
	v, err := NewVariable(spec)
	require.NoError(t, err)
	pool := NewPool(PoolKey{NUMA: -1})
	pool.Reserve(v)
	require.NoError(t, pool.Commit())
	return v
}

func TestFoldedSliceOffsetMatchesHandComputedClusterLayout(t *testing.T) {
	v := makeFoldedVar2D(t)
	for x := 0; x < 2; x++ {
		for y := 0; y < 4; y++ {
			off, ok := v.sliceOffset(v.ToLocal([]int{x, y}))
			require.True(t, ok, "x=%d y=%d", x, y)
			want := x*4 + (y/2)*2 + (y % 2)
			require.Equal(t, want, off, "x=%d y=%d", x, y)
		}
	}
}

func TestFoldedGetSetElementRoundTripsThroughEveryLane(t *testing.T) {
	v := makeFoldedVar2D(t)
	for x := 0; x < 2; x++ {
		for y := 0; y < 4; y++ {
			require.NoError(t, v.SetElement(0, []int{x, y}, float64(x*10+y), true))
		}
	}
	for x := 0; x < 2; x++ {
		for y := 0; y < 4; y++ {
			got, err := v.GetElement(0, []int{x, y}, true)
			require.NoError(t, err)
			require.Equal(t, float64(x*10+y), got, "x=%d y=%d", x, y)
		}
	}
}

func TestFoldedGetSetSliceVecMatchesScalarPath(t *testing.T) {
	v := makeFoldedVar2D(t)
	for x := 0; x < 2; x++ {
		for y := 0; y < 4; y++ {
			require.NoError(t, v.SetElement(0, []int{x, y}, float64(x*10+y), true))
		}
	}
	out := make([]float64, 8)
	require.NoError(t, v.GetSliceVec(0, []int{0, 0}, []int{2, 4}, out))
	idx := 0
	for x := 0; x < 2; x++ {
		for y := 0; y < 4; y++ {
			require.Equal(t, float64(x*10+y), out[idx], "x=%d y=%d", x, y)
			idx++
		}
	}

	in := make([]float64, 8)
	for i := range in {
		in[i] = float64(100 + i)
	}
	require.NoError(t, v.SetSliceVec(0, []int{0, 0}, []int{2, 4}, in))
	idx = 0
	for x := 0; x < 2; x++ {
		for y := 0; y < 4; y++ {
			got, err := v.GetElement(0, []int{x, y}, true)
			require.NoError(t, err)
			require.Equal(t, in[idx], got, "x=%d y=%d", x, y)
			idx++
		}
	}
}

// makeScratchVar1D builds a scratch variable sized for two threads, each
// owning a private width-3 slice of one shared allocation: DomainSize 6
// covers thread 0's [0,3) and thread 1's [3,6).
func makeScratchVar1D(t *testing.T) *Variable {
	spec := Spec{
		Name:    "S",
		Scratch: true,
		DomainDims: []DomainDimSpec{
			{Name: "x", DomainSize: 6},
		},
		Precision: Float64,
	}
	v, err := NewVariable(spec)
	require.NoError(t, err)
	pool := NewPool(PoolKey{NUMA: -1})
	pool.Reserve(v)
	require.NoError(t, pool.Commit())
	return v
}

func TestScratchViewPanicsOnNonScratchVariable(t *testing.T) {
	v := makeVar1D(t, 8, 1, 2)
	require.Panics(t, func() { v.ScratchView(1) })
}

func TestScratchViewOffsetsIntoPrivateSliceOfSharedAllocation(t *testing.T) {
	v := makeScratchVar1D(t)
	thread0 := v.ScratchView(0)
	thread1 := v.ScratchView(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, thread0.SetElement(0, []int{i}, float64(10+i), true))
		require.NoError(t, thread1.SetElement(0, []int{i}, float64(20+i), true))
	}

	// Each view's own index 0..2 landed at disjoint offsets in the shared
	// backing array: thread0 at [0,3), thread1 at [3,6).
	for i := 0; i < 3; i++ {
		got, err := thread0.GetElement(0, []int{i}, true)
		require.NoError(t, err)
		require.Equal(t, float64(10+i), got)

		got, err = thread1.GetElement(0, []int{i}, true)
		require.NoError(t, err)
		require.Equal(t, float64(20+i), got)
	}

	// The original variable's own LocalOffset is untouched by ScratchView,
	// so its own indexing still reaches the full shared [0,6) range directly.
	raw0, err := v.GetElement(0, []int{0}, true)
	require.NoError(t, err)
	require.Equal(t, 10.0, raw0)
	raw3, err := v.GetElement(0, []int{3}, true)
	require.NoError(t, err)
	require.Equal(t, 20.0, raw3)
	require.Equal(t, 0, v.Spec.DomainDims[0].LocalOffset)
}
