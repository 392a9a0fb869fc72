// Package loopdrv implements the n-D loop driver that the tile scheduler
// (package scheduler) runs at every nesting level: region,
// block, mini-block and sub-block. Rather than generating loop text per
// level the way a template-based code generator would, a single Scan
// primitive collapses an n-D range into a linear iteration count and decodes
// it back into per-dim [start, stop) sub-ranges, with Serpentine, SquareWave,
// Grouped, Collapsed and VectorAlign composing as Modifier passes over the
// decoder.
package loopdrv

import "github.com/wavekernel/stencil/dims"

// AxisSpec describes one dim's scan parameters.
type AxisSpec struct {
	Begin, End int
	Step       int
	Align      int // 0 means no alignment (equivalent to 1)
	AlignOfs   int
}

// numIters computes the per-dim collapsed iteration count:
//
//	num_iters = ceil((end - round_down_flr(begin - align_ofs, min(align, step)) - align_ofs) / step)
func (a AxisSpec) numIters() int {
	align := a.Align
	if align <= 0 {
		align = 1
	}
	m := align
	if a.Step < m {
		m = a.Step
	}
	alignBegin := dims.RoundDown(a.Begin-a.AlignOfs, m) + a.AlignOfs
	span := a.End - alignBegin
	if span <= 0 {
		return 0
	}
	return dims.FloorDiv(span+a.Step-1, a.Step)
}

func (a AxisSpec) alignBegin() int {
	align := a.Align
	if align <= 0 {
		align = 1
	}
	m := align
	if a.Step < m {
		m = a.Step
	}
	return dims.RoundDown(a.Begin-a.AlignOfs, m) + a.AlignOfs
}

// Range is one dim's sub-range for a single pass, as emitted by Scan.
type Range struct {
	Start, Stop int
}

// Pass is one decoded n-D step of the scan: one Range per dim, in the
// same order as the AxisSpec slice the scan was built from.
type Pass struct {
	Ranges []Range
}

// At returns the dim-d sub-range.
func (p Pass) At(d int) Range { return p.Ranges[d] }

// Body is invoked once per decoded pass.
type Body func(p Pass)

// decoder is the mutable state a Modifier can rewrite before a pass is
// delivered to Body: the per-dim linear index for that pass, alongside the
// fixed per-dim iteration counts.
type decoder struct {
	specs  []AxisSpec
	iters  []int
	groups []int // Grouped tile size per dim, 0 means ungrouped
}

// Modifier rewrites the per-dim index tuple for linear pass p before it is
// decoded into start/stop ranges. Modifiers compose by wrapping: each one
// receives the tuple already rewritten by earlier modifiers.
type Modifier func(d *decoder, idx []int, p int)

// Scan is the n-D loop driver: it collapses spec into a 1-D iteration count,
// decodes each linear index into unit-stride per-dim indices by successive
// divide/mod (last dim fastest, matching dims.BB's row-major convention),
// applies mods in order, and invokes body once per resulting Pass.
func Scan(spec []AxisSpec, mods []Modifier, body Body) {
	n := len(spec)
	d := &decoder{specs: spec, iters: make([]int, n), groups: make([]int, n)}
	total := 1
	for i, s := range spec {
		it := s.numIters()
		d.iters[i] = it
		total *= it
	}
	if total == 0 {
		return
	}
	// A modifier may rewrite the specs themselves (VectorAlign raises
	// Align), so run mods once over the first pass before sizing the scan.
	probe := decode(0, d.iters)
	for _, m := range mods {
		m(d, probe, 0)
	}
	total = 1
	for i, s := range d.specs {
		it := s.numIters()
		d.iters[i] = it
		total *= it
	}

	for lin := 0; lin < total; lin++ {
		idx := decode(lin, d.iters)
		for _, m := range mods {
			m(d, idx, lin)
		}
		body(buildPass(d, idx))
	}
}

// decode splits a linear index into per-dim unit-stride indices, last dim
// fastest.
func decode(lin int, iters []int) []int {
	n := len(iters)
	idx := make([]int, n)
	for dd := n - 1; dd >= 0; dd-- {
		if iters[dd] == 0 {
			idx[dd] = 0
			continue
		}
		idx[dd] = lin % iters[dd]
		lin /= iters[dd]
	}
	return idx
}

func buildPass(d *decoder, idx []int) Pass {
	ranges := make([]Range, len(d.specs))
	for i, s := range d.specs {
		ab := s.alignBegin()
		start := ab + idx[i]*s.Step
		if start < s.Begin {
			start = s.Begin
		}
		stop := ab + (idx[i]+1)*s.Step
		if stop > s.End {
			stop = s.End
		}
		ranges[i] = Range{Start: start, Stop: stop}
	}
	return Pass{Ranges: ranges}
}

// Serpentine reverses every other pass of dim along the enclosing dim's
// parity: when the outer dim's current index is odd, dim's index is
// mirrored within its iteration count. outer must be a dim index scanned
// before dim in AxisSpec order (a lower position).
func Serpentine(outer, dim int) Modifier {
	return func(d *decoder, idx []int, _ int) {
		if idx[outer]%2 == 1 {
			idx[dim] = d.iters[dim] - 1 - idx[dim]
		}
	}
}

// SquareWave swaps every-other pair of the two innermost dims a, b for
// better cache-line reuse across adjacent passes.
func SquareWave(a, b int) Modifier {
	return func(d *decoder, idx []int, p int) {
		if (p/2)%2 == 1 {
			idx[a], idx[b] = idx[b], idx[a]
		}
	}
}

// Grouped visits full tiles of size n along dim before advancing past the
// tile, by re-deriving idx[dim] from a block-major re-ordering of the
// linear space. It must be composed before any modifier that depends on
// idx[dim]'s final value.
func Grouped(dim, n int) Modifier {
	return func(d *decoder, idx []int, _ int) {
		if n <= 1 {
			return
		}
		d.groups[dim] = n
		total := d.iters[dim]
		numGroups := (total + n - 1) / n
		// idx[dim] currently enumerates 0..total-1 linearly; re-derive its
		// group-major position: outer loop over groups, inner loop within
		// the group, by treating the existing value as already linear and
		// reinterpreting via divmod against the group size.
		g := idx[dim] % numGroups
		within := idx[dim] / numGroups
		pos := g*n + within
		if pos >= total {
			pos = total - 1
		}
		idx[dim] = pos
	}
}

// Collapsed is a no-op marker Modifier: Scan always runs in collapsed
// (single linear index) form, so Collapsed exists only so callers can name
// the mode explicitly when composing a Modifier list alongside the other
// selectable transforms.
func Collapsed() Modifier {
	return func(*decoder, []int, int) {}
}

// VectorAlign raises spec[dim].Align to fold, so dim's passes are laid out
// from Begin rounded down to a multiple of min(fold, Step) (plus AlignOfs)
// and, when Step is a fold multiple, every interior pass boundary falls on
// a SIMD-fold line; the first pass still starts at Begin. It rewrites the
// AxisSpec rather than the decoded index; Scan runs mods once before
// sizing the scan, so the iteration count covers the realigned range.
func VectorAlign(dim, fold int) Modifier {
	return func(d *decoder, idx []int, _ int) {
		if fold <= 1 {
			return
		}
		// Pull the alignment into the AxisSpec itself: raising Align to the
		// fold makes alignBegin land on a fold multiple without a second
		// range-rewrite pass.
		s := d.specs[dim]
		if s.Align < fold {
			s.Align = fold
			d.specs[dim] = s
		}
	}
}
