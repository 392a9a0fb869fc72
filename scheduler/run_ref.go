package scheduler

import (
	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/kernel"
)

// RunRef is the golden-reference driver: it collapses every tile size to
// the rank (no region/block/mini-block/sub-block
// decomposition), disables vectorisation and temporal blocking, and calls
// CalcScalar at every valid point of every pack's bundles, in step order.
// The test suite uses it to check the tiled RunSolution path against a
// trivially-correct baseline.
func RunRef(rankBB dims.BB, packs []*Pack, exchange func(t int) error, first, last int) error {
	for t := first; t <= last; t++ {
		for _, p := range packs {
			for _, b := range p.Bundles {
				if !b.IsInValidStep(t) {
					continue
				}
				runRefBundle(b, t, rankBB)
			}
		}
		if exchange != nil {
			if err := exchange(t); err != nil {
				return err
			}
		}
	}
	return nil
}

func runRefBundle(b kernel.Bundle, t int, box dims.BB) {
	box.VisitAllPoints(func(pt dims.Index, _ int) bool {
		if b.IsInValidDomain(pt) {
			b.CalcScalar(0, pt)
		}
		return true
	})
}
