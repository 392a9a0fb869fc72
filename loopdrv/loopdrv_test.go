package loopdrv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanFullRangeCoversEveryPoint(t *testing.T) {
	spec := []AxisSpec{
		{Begin: 0, End: 4, Step: 1},
		{Begin: 0, End: 3, Step: 1},
	}
	seen := map[[2]int]bool{}
	Scan(spec, nil, func(p Pass) {
		require.Equal(t, 1, p.At(0).Stop-p.At(0).Start)
		require.Equal(t, 1, p.At(1).Stop-p.At(1).Start)
		seen[[2]int{p.At(0).Start, p.At(1).Start}] = true
	})
	require.Len(t, seen, 12)
}

func TestScanStepTilesPartitionRange(t *testing.T) {
	spec := []AxisSpec{{Begin: 0, End: 10, Step: 3}}
	var covered int
	Scan(spec, nil, func(p Pass) {
		covered += p.At(0).Stop - p.At(0).Start
		require.True(t, p.At(0).Start >= 0 && p.At(0).Stop <= 10)
	})
	require.Equal(t, 10, covered)
}

func TestScanNoIterationsWhenRangeEmpty(t *testing.T) {
	spec := []AxisSpec{{Begin: 4, End: 4, Step: 1}}
	called := false
	Scan(spec, nil, func(Pass) { called = true })
	require.False(t, called)
}

func TestScanSerpentineReversesOddOuterPasses(t *testing.T) {
	spec := []AxisSpec{
		{Begin: 0, End: 2, Step: 1}, // outer
		{Begin: 0, End: 3, Step: 1}, // inner, serpentined
	}
	var starts []int
	Scan(spec, []Modifier{Serpentine(0, 1)}, func(p Pass) {
		starts = append(starts, p.At(1).Start)
	})
	// outer=0: 0,1,2 in order; outer=1: reversed to 2,1,0
	require.Equal(t, []int{0, 1, 2, 2, 1, 0}, starts)
}

func TestScanVectorAlignRoundsBeginDown(t *testing.T) {
	spec := []AxisSpec{{Begin: 0, End: 9, Step: 4}}
	var starts []int
	Scan(spec, []Modifier{VectorAlign(0, 4)}, func(p Pass) {
		starts = append(starts, p.At(0).Start)
	})
	for _, s := range starts {
		require.Equal(t, 0, s%4, "start %d not fold-aligned", s)
	}
}

func TestAxisSpecNumItersMatchesSpecFormula(t *testing.T) {
	a := AxisSpec{Begin: 0, End: 10, Step: 4, Align: 4}
	require.Equal(t, 3, a.numIters())
}
