package dims

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFloorDivMod(t *testing.T) {
	cases := []struct{ a, b, q, m int }{
		{7, 4, 1, 3},
		{-1, 4, -1, 3},
		{-5, 4, -2, 3},
		{8, 4, 2, 0},
		{-8, 4, -2, 0},
	}
	for _, c := range cases {
		require.Equal(t, c.q, FloorDiv(c.a, c.b), "FloorDiv(%d,%d)", c.a, c.b)
		require.Equal(t, c.m, FloorMod(c.a, c.b), "FloorMod(%d,%d)", c.a, c.b)
	}
}

func TestRoundUpDown(t *testing.T) {
	require.Equal(t, 8, RoundUp(5, 4))
	require.Equal(t, 4, RoundDown(5, 4))
	require.Equal(t, -4, RoundDown(-1, 4))
	require.Equal(t, 0, RoundUp(-1, 4))
}

func TestIndexArithmetic(t *testing.T) {
	l := NewLayout("x", "y", "z")
	a := l.NewIndex(1, 2, 3)
	b := l.NewIndex(4, 0, -1)
	require.Equal(t, []int{5, 2, 2}, a.Add(b).Vals())
	require.Equal(t, []int{-3, 2, 4}, a.Sub(b).Vals())
	require.Equal(t, []int{1, 0, -1}, a.Min(b).Vals())
	require.Equal(t, []int{4, 2, 3}, a.Max(b).Vals())
}

func TestBBVisitAllPointsRowMajor(t *testing.T) {
	l := NewLayout("x", "y")
	bb := NewBB(l.NewIndex(0, 0), l.NewIndex(2, 3))
	var seen []Index
	bb.VisitAllPoints(func(pt Index, offset int) bool {
		require.Equal(t, len(seen), offset)
		seen = append(seen, pt)
		return true
	})
	require.Len(t, seen, 6)
	require.Equal(t, []int{0, 0}, seen[0].Vals())
	require.Equal(t, []int{0, 1}, seen[1].Vals())
	require.Equal(t, []int{0, 2}, seen[2].Vals())
	require.Equal(t, []int{1, 0}, seen[3].Vals())
}

func TestBBIntersectSubsetContains(t *testing.T) {
	l := NewLayout("x", "y")
	a := NewBB(l.NewIndex(0, 0), l.NewIndex(10, 10))
	b := NewBB(l.NewIndex(5, 5), l.NewIndex(15, 8))
	i := a.Intersect(b)
	require.True(t, i.Valid())
	require.Equal(t, []int{5, 5}, i.Begin.Vals())
	require.Equal(t, []int{10, 8}, i.End.Vals())
	require.True(t, i.Subset(a))
	require.False(t, a.Subset(b))
	require.True(t, a.Contains(l.NewIndex(0, 0)))
	require.False(t, a.Contains(l.NewIndex(10, 0)))
}

func TestBBRoundUpTo(t *testing.T) {
	l := NewLayout("x")
	b := NewBB(l.NewIndex(2), l.NewIndex(9))
	r := b.RoundUpTo([]int{4})
	require.Equal(t, 8, r.Len(0))
}

func TestBBIsFull(t *testing.T) {
	l := NewLayout("x", "y")
	full := NewBB(l.NewIndex(-2, -2), l.NewIndex(10, 10))
	require.True(t, full.IsFull(full))
	inner := NewBB(l.NewIndex(0, 0), l.NewIndex(8, 8))
	require.False(t, inner.IsFull(full))
}

func TestBBIsAlignedRelativeToRankOffset(t *testing.T) {
	l := NewLayout("x")
	rankOffset := l.NewIndex(2)
	aligned := NewBB(l.NewIndex(6), l.NewIndex(10)) // 6-2=4, a multiple of fold 4
	require.True(t, aligned.IsAligned(rankOffset, []int{4}))

	unaligned := NewBB(l.NewIndex(5), l.NewIndex(10)) // 5-2=3, not a multiple of 4
	require.False(t, unaligned.IsAligned(rankOffset, []int{4}))

	// a fold of 1 (or less) never constrains alignment.
	require.True(t, unaligned.IsAligned(rankOffset, []int{1}))
}

func TestBBIsClusterMult(t *testing.T) {
	l := NewLayout("x")
	require.True(t, NewBB(l.NewIndex(0), l.NewIndex(8)).IsClusterMult([]int{4}))
	require.False(t, NewBB(l.NewIndex(0), l.NewIndex(6)).IsClusterMult([]int{4}))
	require.True(t, NewBB(l.NewIndex(0), l.NewIndex(6)).IsClusterMult([]int{1}))
}
