package dims

// BB is an axis-aligned half-open bounding box: for each dimension d, the
// covered range is [Begin.At(d), End.At(d)). Its derived fields (length,
// point count, alignment, cluster-multiple-ness) are computed on demand
// rather than cached, since the engine recomputes them only at setup and at
// mini-block granularity (cheap relative to the scan itself).
type BB struct {
	Begin, End Index
	valid      bool
}

// NewBB builds a BB from half-open begin/end indices. It is valid only if
// every dimension has End >= Begin.
func NewBB(begin, end Index) BB {
	valid := true
	for i := range begin.vals {
		if end.vals[i] < begin.vals[i] {
			valid = false
			break
		}
	}
	return BB{Begin: begin, End: end, valid: valid}
}

// Valid reports whether End >= Begin in every dimension; an empty box
// (End == Begin in some dimension) is still valid.
func (b BB) Valid() bool { return b.valid }

// Len returns the extent of the box in dimension d.
func (b BB) Len(d int) int { return b.End.At(d) - b.Begin.At(d) }

// Lens returns the extent in every dimension, in layout order.
func (b BB) Lens() []int {
	out := make([]int, len(b.Begin.vals))
	for d := range out {
		out[d] = b.Len(d)
	}
	return out
}

// NumPoints returns the total element count covered by the box.
func (b BB) NumPoints() int {
	if !b.valid {
		return 0
	}
	n := 1
	for d := range b.Begin.vals {
		n *= b.Len(d)
	}
	return n
}

// Contains reports whether pt lies inside the box in every dimension.
func (b BB) Contains(pt Index) bool {
	for d := range b.Begin.vals {
		v := pt.At(d)
		if v < b.Begin.At(d) || v >= b.End.At(d) {
			return false
		}
	}
	return true
}

// Subset reports whether b lies entirely inside other.
func (b BB) Subset(other BB) bool {
	for d := range b.Begin.vals {
		if b.Begin.At(d) < other.Begin.At(d) || b.End.At(d) > other.End.At(d) {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of b and other. The result's Valid() is
// false when the boxes do not overlap.
func (b BB) Intersect(other BB) BB {
	begin := b.Begin.Max(other.Begin)
	end := b.End.Min(other.End)
	return NewBB(begin, end)
}

// RoundUpTo rounds End up (and leaves Begin untouched) so every dimension's
// length is a multiple of the corresponding entry in mult.
func (b BB) RoundUpTo(mult []int) BB {
	end := make([]int, len(b.End.vals))
	for d := range end {
		l := RoundUp(b.Len(d), mult[d])
		end[d] = b.Begin.At(d) + l
	}
	return NewBB(b.Begin, Index{layout: b.End.layout, vals: end})
}

// IsFull reports whether b covers exactly full's extent (used for
// bb_is_full: valid == size of the rank's extended domain).
func (b BB) IsFull(full BB) bool {
	for d := range b.Begin.vals {
		if b.Begin.At(d) != full.Begin.At(d) || b.End.At(d) != full.End.At(d) {
			return false
		}
	}
	return true
}

// IsAligned reports whether every Begin offset from rankOffset is a
// multiple of the corresponding fold length (bb_is_aligned).
func (b BB) IsAligned(rankOffset Index, fold []int) bool {
	for d := range b.Begin.vals {
		if fold[d] <= 1 {
			continue
		}
		if FloorMod(b.Begin.At(d)-rankOffset.At(d), fold[d]) != 0 {
			return false
		}
	}
	return true
}

// IsClusterMult reports whether every dimension's length is a multiple of
// the corresponding cluster length (bb_is_cluster_mult).
func (b BB) IsClusterMult(cluster []int) bool {
	for d := range b.Begin.vals {
		if cluster[d] <= 1 {
			continue
		}
		if b.Len(d)%cluster[d] != 0 {
			return false
		}
	}
	return true
}

// VisitAllPoints enumerates every point of the box in row-major order
// (last dimension fastest), calling visit with the point and its 1-D
// offset relative to Begin. Enumeration stops early if visit returns false.
func (b BB) VisitAllPoints(visit func(pt Index, offset int) bool) {
	if !b.valid || b.NumPoints() == 0 {
		return
	}
	n := len(b.Begin.vals)
	cur := b.Begin.Vals()
	lens := b.Lens()
	total := b.NumPoints()
	for off := 0; off < total; off++ {
		idx := Index{layout: b.Begin.layout, vals: append([]int(nil), cur...)}
		if !visit(idx, off) {
			return
		}
		for d := n - 1; d >= 0; d-- {
			cur[d]++
			if cur[d] < b.Begin.At(d)+lens[d] {
				break
			}
			cur[d] = b.Begin.At(d)
			if d == 0 {
				break
			}
		}
	}
}
