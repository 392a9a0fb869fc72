// Package bbox discovers the rectangular decomposition of a bundle's valid
// sub-domain: a set of pairwise-disjoint inner bounding boxes whose union
// equals exactly the points satisfying the bundle's predicate inside the
// outer (extended rank) box.
package bbox

import (
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/wavekernel/stencil/dims"
)

// Predicate reports whether pt is inside a bundle's sub-domain.
type Predicate func(pt dims.Index) bool

// Find partitions outer's outer dimension into one slice per worker,
// discovers maximal rectangles of valid points within each slice, then
// merges adjacent boxes across slice boundaries that agree on every
// dimension but the split axis.
func Find(pred Predicate, outer dims.BB, workers int) []dims.BB {
	if workers < 1 {
		workers = 1
	}
	n := len(outer.Begin.Vals())
	if n == 0 || outer.NumPoints() == 0 {
		return nil
	}
	outerLen := outer.Len(0)
	if workers > outerLen {
		workers = outerLen
	}
	if workers < 1 {
		workers = 1
	}

	slices := splitOuterDim(outer, workers)
	results := make([][]dims.BB, len(slices))

	var g errgroup.Group
	for i, sl := range slices {
		i, sl := i, sl
		g.Go(func() error {
			results[i] = scanSlice(pred, sl, outer)
			return nil
		})
	}
	_ = g.Wait() // scanSlice never errors; Wait only barriers the workers.

	var flat []dims.BB
	for _, r := range results {
		flat = append(flat, r...)
	}
	return mergeAdjacent(flat, 0)
}

// splitOuterDim divides outer's dim-0 extent into up to workers
// contiguous slices, each spanning the full extent of every other dim.
func splitOuterDim(outer dims.BB, workers int) []dims.BB {
	total := outer.Len(0)
	base := total / workers
	rem := total % workers
	out := make([]dims.BB, 0, workers)
	begin := outer.Begin.At(0)
	for w := 0; w < workers; w++ {
		sz := base
		if w < rem {
			sz++
		}
		if sz == 0 {
			continue
		}
		bv := outer.Begin.Vals()
		ev := outer.End.Vals()
		bv[0] = begin
		ev[0] = begin + sz
		out = append(out, dims.NewBB(
			indexFrom(outer.Begin, bv),
			indexFrom(outer.Begin, ev),
		))
		begin += sz
	}
	return out
}

func indexFrom(template dims.Index, vals []int) dims.Index {
	return template.Layout().NewIndex(vals...)
}

// scanSlice implements the per-thread scan: find the first uncovered valid
// point in row-major order, grow it into a valid rectangle via
// growFromPoint, repeat until the slice is exhausted.
func scanSlice(pred Predicate, slice dims.BB, outer dims.BB) []dims.BB {
	n := len(slice.Begin.Vals())
	covered := make(map[string]bool)
	var found []dims.BB

	slice.VisitAllPoints(func(pt dims.Index, _ int) bool {
		key := pointKey(pt)
		if covered[key] {
			return true
		}
		if !pred(pt) {
			return true
		}
		box := growFromPoint(pred, pt, slice, n, covered)
		box.VisitAllPoints(func(p dims.Index, _ int) bool {
			covered[pointKey(p)] = true
			return true
		})
		found = append(found, box)
		return true
	})
	return found
}

// growFromPoint grows a rectangle from start, entirely inside slice, all
// of whose points satisfy pred and are not already claimed by an earlier
// box, greedily: each round tries to extend every dim's high edge by one
// (keeping the other dims' extents), and rounds repeat until no dim can
// grow. Extents never shrink, so the result is maximal under this greedy
// order but not necessarily the largest such rectangle. Since scanSlice visits points in
// row-major order and only ever grows forward from the current point,
// "outward" here means toward larger indices; combined with the covered
// set this still yields pairwise-disjoint boxes.
func growFromPoint(pred Predicate, start dims.Index, slice dims.BB, n int, covered map[string]bool) dims.BB {
	lo := start.Vals()
	hi := start.AddScalar(1).Vals()

	for {
		changed := false
		for d := 0; d < n; d++ {
			// Try to extend the high edge of dim d by one, keeping all
			// other dims at their current extent.
			candHi := append([]int(nil), hi...)
			candHi[d]++
			if candHi[d] <= slice.End.At(d) && rectAllValid(pred, start.Layout(), lo, candHi, slice, covered) {
				hi = candHi
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return dims.NewBB(start.Layout().NewIndex(lo...), start.Layout().NewIndex(hi...))
}

func rectAllValid(pred Predicate, layout *dims.Layout, lo, hi []int, slice dims.BB, covered map[string]bool) bool {
	box := dims.NewBB(layout.NewIndex(lo...), layout.NewIndex(hi...))
	if !box.Subset(slice) {
		return false
	}
	ok := true
	box.VisitAllPoints(func(pt dims.Index, _ int) bool {
		if covered[pointKey(pt)] || !pred(pt) {
			ok = false
			return false
		}
		return true
	})
	return ok
}

func pointKey(pt dims.Index) string {
	vals := pt.Vals()
	b := make([]byte, 0, len(vals)*5)
	for _, v := range vals {
		b = appendInt(b, v)
		b = append(b, ',')
	}
	return string(b)
}

func appendInt(b []byte, v int) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	start := len(b)
	for v > 0 {
		b = append(b, byte('0'+v%10))
		v /= 10
	}
	// reverse the digits just appended
	for i, j := start, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// mergeAdjacent merges pairs of boxes that agree on every dimension but
// axis and are contiguous along axis, repeating until no merge applies.
func mergeAdjacent(boxes []dims.BB, axis int) []dims.BB {
	changed := true
	for changed {
		changed = false
		sort.Slice(boxes, func(i, j int) bool { return boxes[i].Begin.At(axis) < boxes[j].Begin.At(axis) })
		var out []dims.BB
		used := make([]bool, len(boxes))
		for i := range boxes {
			if used[i] {
				continue
			}
			cur := boxes[i]
			for j := i + 1; j < len(boxes); j++ {
				if used[j] {
					continue
				}
				if mergeable(cur, boxes[j], axis) {
					cur = unionAlong(cur, boxes[j], axis)
					used[j] = true
					changed = true
				}
			}
			out = append(out, cur)
		}
		boxes = out
	}
	return boxes
}

func mergeable(a, b dims.BB, axis int) bool {
	n := len(a.Begin.Vals())
	for d := 0; d < n; d++ {
		if d == axis {
			continue
		}
		if a.Begin.At(d) != b.Begin.At(d) || a.End.At(d) != b.End.At(d) {
			return false
		}
	}
	return a.End.At(axis) == b.Begin.At(axis) || b.End.At(axis) == a.Begin.At(axis)
}

func unionAlong(a, b dims.BB, axis int) dims.BB {
	begin := a.Begin.Min(b.Begin)
	end := a.End.Max(b.End)
	return dims.NewBB(begin, end)
}
