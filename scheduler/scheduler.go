// Package scheduler implements the nested tile dispatcher: rank -> region
// (wave-front tile) -> block -> mini-block -> sub-block,
// with nested OpenMP-style parallelism realised as two layers of worker
// pool (errgroup-bounded at the region level, semaphore-bounded at the
// block level), and an optional interior/exterior split of each step's
// compute (see runPackOverlapped).
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wavekernel/stencil/bbox"
	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/halo"
	"github.com/wavekernel/stencil/kernel"
	"github.com/wavekernel/stencil/loopdrv"
	"github.com/wavekernel/stencil/topology"
)

// Pack mirrors kernel.Pack but carries the tunable tile sizes and overlap
// configuration the auto-tuner (package autotune) adjusts, plus a
// pack-local timer.
type Pack struct {
	Name    string
	Bundles []kernel.Bundle

	RegionSize   []int
	BlockSize    []int
	MiniBlock    []int
	SubBlock     []int
	Fold         []int // SIMD fold length per domain dim, from the bundle's compiler metadata
	WfSteps      int   // wave-front tile depth; 0 disables temporal tiling
	TbSteps      int   // temporal-block depth; 0 or 1 disables TB
	OverlapComms bool
	BindBlockThreads bool
	NumBlockThreads  int

	// Traversal selects the block-level sweep order splitIntoTiles hands to
	// loopdrv.Scan; TraversalNone keeps plain row-major order. GroupSize is
	// the tile count per group, used only when Traversal is
	// TraversalGrouped.
	Traversal Traversal
	GroupSize int

	// ValidBoxes is, per bundle name, the pairwise-disjoint set of
	// bounding boxes covering exactly that bundle's IsInValidDomain
	// points inside the rank's extended domain — discovered once by
	// AddPack via bbox.Find and consulted at every mini-block dispatch
	// in place of a per-point predicate check. Left nil by a caller that
	// builds a Pack and drives runSubBlock directly (skipping AddPack);
	// runBundleOverBox falls back to per-point checking in that case.
	ValidBoxes map[string][]dims.BB

	ElapsedNs int64 // pack-local timer, accumulated by RunSolution
}

// Traversal selects a loopdrv.Modifier family for a pack's block-level
// scan.
type Traversal int

const (
	TraversalNone Traversal = iota
	TraversalSerpentine
	TraversalSquareWave
	TraversalGrouped
)

// haloExchanger is the subset of *halo.Exchanger the scheduler drives;
// accepting the interface rather than the concrete type lets tests
// substitute a call-counting fake without a live transport/topology.
type haloExchanger interface {
	ExchangeHalos(t int, wfShift map[string][]int, opt halo.Overlap) error
}

// Scheduler dispatches one or more Packs over a rank's domain.
type Scheduler struct {
	topo          *topology.Topology
	exchanger     haloExchanger
	packs         []*Pack
	regionThreads int
	blockThreads  int

	// RankBB is the rank's own (unhaloed) domain box in rank-relative
	// coordinates; ExtendedBB additionally includes this rank's halo
	// padding, the frame wave-front shifting operates in.
	RankBB, ExtendedBB dims.BB
}

// New builds a Scheduler over topo and ex (nil ex is valid for a
// single-rank run with no halo exchange needed).
func New(topo *topology.Topology, ex haloExchanger, rankBB, extendedBB dims.BB, regionThreads, blockThreads int) *Scheduler {
	if regionThreads < 1 {
		regionThreads = 1
	}
	if blockThreads < 1 {
		blockThreads = 1
	}
	return &Scheduler{topo: topo, exchanger: ex, regionThreads: regionThreads, blockThreads: blockThreads, RankBB: rankBB, ExtendedBB: extendedBB}
}

// AddPack registers a pack to run on every call to RunSolution. Packs
// themselves run sequentially in registration order (in the step
// direction); within a pack, Bundles is reordered once here so every
// bundle runs after every bundle its Meta().Deps names. If p.ValidBoxes
// wasn't already populated by the caller, AddPack discovers it once here
// via bbox.Find — the "computed once during prepare_solution" bounding
// box pass — so every subsequent dispatch skips by box instead of
// re-checking IsInValidDomain per point.
func (s *Scheduler) AddPack(p *Pack) {
	p.Bundles = sortBundlesByDeps(p.Bundles)
	if p.ValidBoxes == nil && s.ExtendedBB.Valid() {
		p.ValidBoxes = computeValidBoxes(p.Bundles, s.ExtendedBB, s.regionThreads)
	}
	s.packs = append(s.packs, p)
}

// computeValidBoxes runs bbox.Find once per bundle over outer, giving
// runBundleOverBox a precomputed set of boxes to intersect against
// instead of evaluating IsInValidDomain at every point of every
// dispatch.
func computeValidBoxes(bundles []kernel.Bundle, outer dims.BB, workers int) map[string][]dims.BB {
	out := make(map[string][]dims.BB, len(bundles))
	for _, b := range bundles {
		out[b.Meta().Name] = bbox.Find(b.IsInValidDomain, outer, workers)
	}
	return out
}

// sortBundlesByDeps topologically sorts bundles via Kahn's algorithm so
// each bundle runs after every bundle its Meta().Deps names. A Deps entry
// naming a bundle not present in bundles is ignored; a dependency cycle
// leaves the unresolved bundles appended in their original order rather
// than failing the whole pack.
func sortBundlesByDeps(bundles []kernel.Bundle) []kernel.Bundle {
	byName := make(map[string]kernel.Bundle, len(bundles))
	indeg := make(map[string]int, len(bundles))
	after := make(map[string][]string, len(bundles)) // dep name -> names that must run after it
	for _, b := range bundles {
		byName[b.Meta().Name] = b
		indeg[b.Meta().Name] = 0
	}
	for _, b := range bundles {
		for _, dep := range b.Meta().Deps {
			if _, ok := byName[dep]; !ok {
				continue
			}
			after[dep] = append(after[dep], b.Meta().Name)
			indeg[b.Meta().Name]++
		}
	}

	var queue []string
	for _, b := range bundles {
		if indeg[b.Meta().Name] == 0 {
			queue = append(queue, b.Meta().Name)
		}
	}
	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, next := range after[name] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(bundles) {
		seen := make(map[string]bool, len(order))
		for _, n := range order {
			seen[n] = true
		}
		for _, b := range bundles {
			if !seen[b.Meta().Name] {
				order = append(order, b.Meta().Name)
			}
		}
	}
	out := make([]kernel.Bundle, len(order))
	for i, name := range order {
		out[i] = byName[name]
	}
	return out
}

// Packs returns the registered packs in registration order.
func (s *Scheduler) Packs() []*Pack { return s.packs }

// PackByName finds a registered pack by name, or nil if none matches.
func (s *Scheduler) PackByName(name string) *Pack {
	for _, p := range s.packs {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// wfAngle computes the per-dim wave-front shift:
// round_up(max_halo[d], fold[d]).
func wfAngle(maxHalo, fold []int) []int {
	out := make([]int, len(maxHalo))
	for d := range maxHalo {
		f := 1
		if d < len(fold) && fold[d] > 0 {
			f = fold[d]
		}
		out[d] = dims.RoundUp(maxHalo[d], f)
	}
	return out
}

// shiftRegion shifts bb's begin left by angle*shiftNum per dim, clamped
// into outer, realising the "shifted left by wf_angle[d]*shift_num per
// pack per step" rule so a block reading at shift s+1 only ever touches
// points a shift s pass already wrote.
func shiftRegion(bb dims.BB, angle []int, shiftNum int, outer dims.BB) dims.BB {
	n := len(bb.Begin.Vals())
	beginVals := bb.Begin.Vals()
	endVals := bb.End.Vals()
	for d := 0; d < n; d++ {
		beginVals[d] -= angle[d] * shiftNum
		if beginVals[d] < outer.Begin.At(d) {
			beginVals[d] = outer.Begin.At(d)
		}
		if endVals[d] > outer.End.At(d) {
			endVals[d] = outer.End.At(d)
		}
	}
	l := bb.Begin.Layout()
	return dims.NewBB(l.NewIndex(beginVals...), l.NewIndex(endVals...))
}

// maxHaloPerDim reports, per domain dim, the largest read halo any bundle
// in p needs — the input to wfAngle. Bundles don't expose per-dim halo
// directly (that lives on the variables they read, package vars), so this
// accepts it as an explicit argument supplied by the caller at pack-build
// time, the way solution.Solution wires bundle metadata into scheduling
// parameters during prepare_solution.
func maxHaloPerDim(fold []int, explicit []int) []int {
	if explicit != nil {
		return explicit
	}
	return make([]int, len(fold))
}

// RunSolution walks steps [first, last] (inclusive), running every
// registered pack once per step through the full region -> block ->
// mini-block -> sub-block decomposition, wave-front-shifted when
// pack.WfSteps > 0, temporal-blocked into pack.TbSteps-step groups when
// pack.TbSteps > 1, and exchanging halos between packs/steps per
// pack.OverlapComms. A pack with WfSteps > 1 only exchanges once every
// WfSteps steps counted from first (plus a trailing exchange for a final
// partial group) —
// shrinking the region per shift and only paying for a halo exchange once
// the shift angle has exhausted the halo it bought is the entire point of
// wave-front tiling.
func (s *Scheduler) RunSolution(first, last int, haloExplicit map[string][]int) error {
	for t := first; t <= last; t++ {
		for _, p := range s.packs {
			if p.TbSteps > 1 && (t-first)%p.TbSteps == 0 {
				groupLast := t + p.TbSteps - 1
				if groupLast > last {
					groupLast = last
				}
				start := time.Now()
				err := s.runPackTBGroup(t, groupLast, p, haloExplicit)
				p.ElapsedNs += time.Since(start).Nanoseconds()
				if err != nil {
					return err
				}
				if s.exchanger != nil {
					if err := s.exchanger.ExchangeHalos(groupLast, s.varWfShift(groupLast, haloExplicit), halo.All()); err != nil {
						return err
					}
				}
				continue
			}
			if p.TbSteps > 1 {
				continue // mid-group step, already run by the group dispatch above
			}

			start := time.Now()
			err := s.runPackAtStep(t, p, haloExplicit)
			p.ElapsedNs += time.Since(start).Nanoseconds()
			if err != nil {
				return err
			}
			if s.exchanger != nil && s.shouldExchange(p, t, first, last) {
				if err := s.exchanger.ExchangeHalos(t, s.varWfShift(t, haloExplicit), halo.All()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// shouldExchange reports whether pack p should exchange halos at step t:
// every step when WfSteps<=1 (wave-front tiling disabled), else only on
// the last step of each WfSteps-step cycle counted from first, or at the
// run's final step — giving ceil(numSteps/WfSteps) exchanges instead of
// numSteps.
func (s *Scheduler) shouldExchange(p *Pack, t, first, last int) bool {
	if p.WfSteps <= 1 {
		return true
	}
	return (t-first+1)%p.WfSteps == 0 || t == last
}

// varWfShift translates every wave-front-tiled pack's current shift
// (angle*shiftNum) into the per-variable map halo.BuildPlan expects (keyed
// by variable name, not pack name): a variable written by more than one
// pack takes the largest shift any of them asks for.
func (s *Scheduler) varWfShift(t int, haloExplicit map[string][]int) map[string][]int {
	out := make(map[string][]int)
	for _, p := range s.packs {
		if p.WfSteps <= 0 {
			continue
		}
		angle := wfAngle(maxHaloPerDim(p.Fold, haloExplicit[p.Name]), p.Fold)
		shiftNum := t % p.WfSteps
		shift := make([]int, len(angle))
		for d := range angle {
			shift[d] = angle[d] * shiftNum
		}
		for _, b := range p.Bundles {
			for _, name := range b.Meta().OutputVars {
				cur, ok := out[name]
				if !ok {
					out[name] = append([]int(nil), shift...)
					continue
				}
				for d := range shift {
					if d < len(cur) && shift[d] > cur[d] {
						cur[d] = shift[d]
					}
				}
			}
		}
	}
	return out
}

func (s *Scheduler) runPackAtStep(t int, p *Pack, haloExplicit map[string][]int) error {
	angle := wfAngle(maxHaloPerDim(p.Fold, haloExplicit[p.Name]), p.Fold)
	shiftNum := 0
	if p.WfSteps > 0 {
		shiftNum = (t % p.WfSteps)
	}
	region := shiftRegion(s.ExtendedBB, angle, shiftNum, s.ExtendedBB)

	if p.OverlapComms && s.topo != nil && len(s.topo.Neighbors()) >= 2 {
		return s.runPackOverlapped(t, p, region)
	}

	regions := splitIntoTiles(region, p.RegionSize)
	for _, rb := range regions {
		if err := s.runRegion(t, p, rb); err != nil {
			return err
		}
	}
	return nil
}

// runPackTBGroup executes one temporal-block group [tBase, groupLast] for
// pack p as n = groupLast-tBase+1 local steps over n+1 phases: phases
// 1..n each run one local step with every block clipped inward by the
// wave-front angle scaled by the phase number (the trapezoid narrows as
// local steps advance, since a later local step can only safely touch
// points a neighbour block's earlier phase has already written), and the
// trailing phase n+1 is a pure barrier — every block's phase-n dispatch
// must finish before the group's halo exchange reads any of their output.
func (s *Scheduler) runPackTBGroup(tBase, groupLast int, p *Pack, haloExplicit map[string][]int) error {
	n := groupLast - tBase + 1
	angle := wfAngle(maxHaloPerDim(p.Fold, haloExplicit[p.Name]), p.Fold)
	blocks := splitIntoTiles(s.ExtendedBB, p.RegionSize, packModifiers(p, len(s.ExtendedBB.Begin.Vals())))

	for phase := 1; phase <= n; phase++ {
		t := tBase + phase - 1
		clip := make([]int, len(angle))
		for d := range angle {
			clip[d] = angle[d] * phase
		}
		if err := s.runTBPhase(t, p, blocks, clip); err != nil {
			return err
		}
	}
	return s.barrierPhase(len(blocks))
}

// runTBPhase dispatches one TB phase's blocks across the region-level
// worker pool, clipping each block inward by clip before running it, and
// barriers via g.Wait() before returning so the next phase's dispatch
// never starts until every block in this one has finished.
func (s *Scheduler) runTBPhase(t int, p *Pack, blocks []dims.BB, clip []int) error {
	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(s.regionThreads))
	for i, bb := range blocks {
		box := clipInward(bb, clip)
		rth := i % s.regionThreads
		if box.NumPoints() == 0 {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return s.runBlock(t, p, box, rth)
		})
	}
	return g.Wait()
}

// barrierPhase is the TB group's trailing n+1-th phase: it synchronises
// numBlocks region-thread slots without running any compute, so callers
// that count phases (and test the barrier actually separates them) see a
// real synchronisation point rather than a no-op skip.
func (s *Scheduler) barrierPhase(numBlocks int) error {
	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(s.regionThreads))
	for i := 0; i < numBlocks; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return nil
		})
	}
	return g.Wait()
}

// clipInward shrinks bb by amount on both edges of every dim — the
// trapezoid's cross-section at a given TB phase. A shrink that would
// cross the box's middle collapses to an empty (but still Valid) box
// rather than going negative.
func clipInward(bb dims.BB, amount []int) dims.BB {
	n := len(bb.Begin.Vals())
	l := bb.Begin.Layout()
	beginVals := bb.Begin.Vals()
	endVals := bb.End.Vals()
	for d := 0; d < n; d++ {
		lo, hi := beginVals[d], endVals[d]
		if d < len(amount) {
			lo += amount[d]
			hi -= amount[d]
		}
		if lo > hi {
			lo, hi = hi, hi // collapse to an empty box at hi rather than swap
		}
		beginVals[d], endVals[d] = lo, hi
	}
	return dims.NewBB(l.NewIndex(beginVals...), l.NewIndex(endVals...))
}

// runPackOverlapped implements the interior/exterior split: for each
// domain dim ascending (outer -> inner) and each side with a live
// neighbour, run the boundary slab first, then run the remaining interior.
// Dim ordering ascending means an earlier dim's slab has already been
// excluded from the box later dims carve their own slabs out of, so no
// point runs twice. No halo exchange is started between the slab passes
// and the interior pass: RunSolution exchanges only after the whole step
// has run, so the split changes the compute order but does not overlap
// communication with computation.
func (s *Scheduler) runPackOverlapped(t int, p *Pack, region dims.BB) error {
	remaining := region
	n := len(region.Begin.Vals())
	for d := 0; d < n; d++ {
		if s.hasNeighborOnSide(d, -1) {
			slab, rest := cutSlabLow(remaining, d, s.RankBB.Begin.At(d))
			if slab.Valid() && slab.NumPoints() > 0 {
				if err := s.runRegionTiles(t, p, slab); err != nil {
					return err
				}
			}
			remaining = rest
		}
		if s.hasNeighborOnSide(d, 1) {
			slab, rest := cutSlabHigh(remaining, d, s.RankBB.End.At(d))
			if slab.Valid() && slab.NumPoints() > 0 {
				if err := s.runRegionTiles(t, p, slab); err != nil {
					return err
				}
			}
			remaining = rest
		}
	}
	if remaining.Valid() && remaining.NumPoints() > 0 {
		return s.runRegionTiles(t, p, remaining)
	}
	return nil
}

func (s *Scheduler) runRegionTiles(t int, p *Pack, box dims.BB) error {
	for _, rb := range splitIntoTiles(box, p.RegionSize) {
		if err := s.runRegion(t, p, rb); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) hasNeighborOnSide(dim, side int) bool {
	for _, nb := range s.topo.Neighbors() {
		if dim < len(nb.Delta) {
			if (side < 0 && nb.Delta[dim] < 0) || (side > 0 && nb.Delta[dim] > 0) {
				return true
			}
		}
	}
	return false
}

// cutSlabLow splits off box's [box.Begin, interiorBegin) slab in dim,
// returning the slab and the remaining box.
func cutSlabLow(box dims.BB, dim, interiorBegin int) (slab, rest dims.BB) {
	l := box.Begin.Layout()
	sv := box.End.Vals()
	sv[dim] = min(sv[dim], interiorBegin)
	slab = dims.NewBB(box.Begin, l.NewIndex(sv...))

	rv := box.Begin.Vals()
	rv[dim] = max(rv[dim], interiorBegin)
	rest = dims.NewBB(l.NewIndex(rv...), box.End)
	return
}

// cutSlabHigh splits off box's [interiorEnd, box.End) slab in dim.
func cutSlabHigh(box dims.BB, dim, interiorEnd int) (slab, rest dims.BB) {
	l := box.Begin.Layout()
	bv := box.Begin.Vals()
	bv[dim] = max(bv[dim], interiorEnd)
	slab = dims.NewBB(l.NewIndex(bv...), box.End)

	rv := box.End.Vals()
	rv[dim] = min(rv[dim], interiorEnd)
	rest = dims.NewBB(box.Begin, l.NewIndex(rv...))
	return
}

// splitIntoTiles partitions bb into tileSize-shaped sub-boxes via
// loopdrv.Scan, clamped to bb's own extent at the high edge, sweeping
// passes in mods' order when given (nil keeps plain row-major order).
func splitIntoTiles(bb dims.BB, tileSize []int, mods ...[]loopdrv.Modifier) []dims.BB {
	var m []loopdrv.Modifier
	if len(mods) > 0 {
		m = mods[0]
	}
	n := len(bb.Begin.Vals())
	specs := make([]loopdrv.AxisSpec, n)
	for d := 0; d < n; d++ {
		step := tileSize[d]
		if step <= 0 {
			step = bb.Len(d)
			if step == 0 {
				step = 1
			}
		}
		specs[d] = loopdrv.AxisSpec{Begin: bb.Begin.At(d), End: bb.End.At(d), Step: step}
	}
	var out []dims.BB
	l := bb.Begin.Layout()
	loopdrv.Scan(specs, m, func(pass loopdrv.Pass) {
		beginVals := make([]int, n)
		endVals := make([]int, n)
		for d := 0; d < n; d++ {
			beginVals[d] = pass.At(d).Start
			endVals[d] = pass.At(d).Stop
		}
		out = append(out, dims.NewBB(l.NewIndex(beginVals...), l.NewIndex(endVals...)))
	})
	return out
}

// packModifiers builds splitIntoTiles' loopdrv.Scan modifiers from p's
// Traversal selection, plus a trailing VectorAlign whenever p.Fold names a
// fold on the innermost dim — independently of Traversal, since
// fold-aligning the block boundary pays off regardless of sweep order and
// must run last (it rewrites the AxisSpec itself rather than a decoded
// index). Applied to the block-level scan (runRegion) and to the TB group's
// block split (runPackTBGroup): serpentine/square-wave/grouped sweeps pay
// off in cache reuse between adjacent block dispatches, not at the coarser
// region or finer mini-block/sub-block granularity, so the region,
// mini-block and sub-block splits keep the plain row-major sweep.
func packModifiers(p *Pack, n int) []loopdrv.Modifier {
	if n < 2 {
		return alignModifiers(p, n)
	}
	var mods []loopdrv.Modifier
	switch p.Traversal {
	case TraversalSerpentine:
		mods = []loopdrv.Modifier{loopdrv.Serpentine(0, n-1)}
	case TraversalSquareWave:
		mods = []loopdrv.Modifier{loopdrv.SquareWave(n-2, n-1)}
	case TraversalGrouped:
		size := p.GroupSize
		if size < 2 {
			size = 2
		}
		mods = []loopdrv.Modifier{loopdrv.Grouped(n-1, size)}
	}
	return append(mods, alignModifiers(p, n)...)
}

// alignModifiers returns a VectorAlign modifier for the innermost dim
// whenever p.Fold gives it a real (>1) fold length, nil otherwise.
func alignModifiers(p *Pack, n int) []loopdrv.Modifier {
	if n < 1 || len(p.Fold) != n || p.Fold[n-1] <= 1 {
		return nil
	}
	return []loopdrv.Modifier{loopdrv.VectorAlign(n-1, p.Fold[n-1])}
}

// runRegion dispatches region's blocks across the outer (region-level)
// worker pool, each block running the full mini-block/sub-block walk
// before that worker is released.
func (s *Scheduler) runRegion(t int, p *Pack, region dims.BB) error {
	blocks := splitIntoTiles(region, p.BlockSize, packModifiers(p, len(region.Begin.Vals())))
	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(s.regionThreads))
	for i, bb := range blocks {
		bb := bb
		rth := i % s.regionThreads
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return s.runBlock(t, p, bb, rth)
		})
	}
	return g.Wait()
}

// runBlock walks bb's mini-blocks sequentially (no TB below mini-block
// level), dispatching each mini-block's sub-blocks across the inner
// (block-level) worker pool.
func (s *Scheduler) runBlock(t int, p *Pack, bb dims.BB, rth int) error {
	miniBlocks := splitIntoTiles(bb, p.MiniBlock)
	for _, mb := range miniBlocks {
		if err := s.runMiniBlock(t, p, mb, rth); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runMiniBlock(t int, p *Pack, mb dims.BB, rth int) error {
	subBlocks := splitIntoTiles(mb, p.SubBlock)
	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(s.blockThreads))
	for i, sb := range subBlocks {
		sb := sb
		bth := blockThreadFor(i, len(subBlocks), s.blockThreads, p)
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return s.runSubBlock(t, p, sb, rth, bth)
		})
	}
	return g.Wait()
}

// blockThreadFor resolves the binding_block_threads rule when enabled: a
// sub-block at position p is executed by thread
// floor(p/slab) mod num_block_threads, with
// slab = ceil(total/num_block_threads), so the same block-thread
// hits the same slab across consecutive packs. Otherwise sub-blocks are
// simply striped round-robin across the pool.
func blockThreadFor(pos, total, numThreads int, p *Pack) int {
	if numThreads < 1 {
		numThreads = 1
	}
	if !p.BindBlockThreads || p.NumBlockThreads < 1 {
		return pos % numThreads
	}
	slab := (total + p.NumBlockThreads - 1) / p.NumBlockThreads
	if slab < 1 {
		slab = 1
	}
	return (pos / slab) % p.NumBlockThreads
}

// runSubBlock runs each bundle over sb through runBundleOverBox (whole
// clusters, masked vectors or scalar points, see dispatchBox), restricted to
// the bundle's valid-domain/valid-step predicates, in the Deps-resolved
// order AddPack already sorted p.Bundles into. Before a bundle runs, every
// scratch bundle it names in ScratchChildren is evaluated first, over sb
// widened by that scratch bundle's ScratchHalo (when it implements
// kernel.ScratchBundle) — the "haloed superset" BundleMeta.ScratchChildren
// promises, so the consumer's read at the sub-block edge sees a value the
// scratch bundle already computed rather than a stale or zero one.
func (s *Scheduler) runSubBlock(t int, p *Pack, sb dims.BB, rth, bth int) error {
	byName := make(map[string]kernel.Bundle, len(p.Bundles))
	for _, b := range p.Bundles {
		byName[b.Meta().Name] = b
	}
	scratchDone := make(map[string]bool, len(p.Bundles))
	for _, b := range p.Bundles {
		if !b.IsInValidStep(t) {
			continue
		}
		for _, childName := range b.Meta().ScratchChildren {
			if scratchDone[childName] {
				continue
			}
			scratchDone[childName] = true
			child, ok := byName[childName]
			if !ok {
				continue
			}
			box := sb
			if sc, ok := child.(kernel.ScratchBundle); ok {
				box = expandBox(sb, sc.ScratchHalo(), s.ExtendedBB)
			}
			s.runBundleOverBox(child, rth, bth, box, p.ValidBoxes[childName])
		}
		s.runBundleOverBox(b, rth, bth, sb, p.ValidBoxes[b.Meta().Name])
	}
	return nil
}

// expandBox grows bb by margin per dim, clamped to outer — the "haloed
// superset" a scratch bundle's consumer needs it evaluated over before the
// consumer reads across its own sub-block's edge.
func expandBox(bb dims.BB, margin []int, outer dims.BB) dims.BB {
	n := len(bb.Begin.Vals())
	l := bb.Begin.Layout()
	beginVals := bb.Begin.Vals()
	endVals := bb.End.Vals()
	for d := 0; d < n && d < len(margin); d++ {
		beginVals[d] -= margin[d]
		if beginVals[d] < outer.Begin.At(d) {
			beginVals[d] = outer.Begin.At(d)
		}
		endVals[d] += margin[d]
		if endVals[d] > outer.End.At(d) {
			endVals[d] = outer.End.At(d)
		}
	}
	return dims.NewBB(l.NewIndex(beginVals...), l.NewIndex(endVals...))
}

// runBundleOverBox evaluates b over every point of box that lies inside
// one of validBoxes, b's precomputed sub-domain (computeValidBoxes/
// bbox.Find, run once by AddPack) — skipping whole boxes rather than
// re-checking IsInValidDomain per point. A nil validBoxes means the
// caller built box's Pack by hand without going through AddPack; that
// falls back to the old per-point-checked dispatch so such callers keep
// working unchanged.
func (s *Scheduler) runBundleOverBox(b kernel.Bundle, rth, bth int, box dims.BB, validBoxes []dims.BB) {
	if validBoxes == nil {
		dispatchPointChecked(b, rth, bth, box)
		return
	}
	for _, vb := range validBoxes {
		clip := box.Intersect(vb)
		if !clip.Valid() || clip.NumPoints() == 0 {
			continue
		}
		s.dispatchBox(b, rth, bth, clip)
	}
}

// dispatchBox runs b over every point of box, which (per runBundleOverBox)
// already lies entirely inside b's valid sub-domain: no further
// IsInValidDomain check is needed. It takes the whole-cluster fast path
// when box is both fold-aligned (bb_is_aligned, relative to the rank's own
// offset) and cluster-mult sized (bb_is_cluster_mult) along the bundle's
// fold, and otherwise walks row by row, using the masked
// CalcLoopOfVectors path for the unaligned peel/remainder at each row's
// ends.
func (s *Scheduler) dispatchBox(b kernel.Bundle, rth, bth int, box dims.BB) {
	meta := b.Meta()
	n := len(box.Begin.Vals())
	fold := 1
	if n > 0 && len(meta.Fold) == n && meta.Fold[n-1] > 1 {
		fold = meta.Fold[n-1]
	}
	if fold <= 1 {
		dispatchScalar(b, rth, box)
		return
	}
	if box.IsAligned(s.RankBB.Begin, meta.Fold) && box.IsClusterMult(meta.Fold) {
		for _, row := range innerRows(box) {
			b.CalcLoopOfClusters(rth, bth, row, row.At(n-1)+box.Len(n-1))
		}
		return
	}
	for _, row := range innerRows(box) {
		dispatchRowMasked(b, rth, bth, row, row.At(n-1)+box.Len(n-1), fold, s.RankBB.Begin.At(n-1))
	}
}

// innerRows enumerates box's outer dims (everything but the innermost),
// yielding one Index per row, its innermost coordinate fixed at
// box.Begin — the start dispatchBox's per-row loops walk forward from.
func innerRows(box dims.BB) []dims.Index {
	n := len(box.Begin.Vals())
	if n == 0 {
		return nil
	}
	ev := box.End.Vals()
	ev[n-1] = box.Begin.At(n-1) + 1
	outer := dims.NewBB(box.Begin, box.Begin.Layout().NewIndex(ev...))
	var rows []dims.Index
	outer.VisitAllPoints(func(pt dims.Index, _ int) bool {
		rows = append(rows, pt)
		return true
	})
	return rows
}

// dispatchRowMasked walks one row from row's innermost coordinate up to
// innerEnd (exclusive) in fold-sized clusters laid on fold lines counted
// from alignBase, dispatching every whole cluster through
// CalcLoopOfClusters and any partial leading or trailing cluster through
// the masked CalcLoopOfVectors path instead, started at the cluster's
// first lane with only the lanes inside [row start, innerEnd) enabled.
func dispatchRowMasked(b kernel.Bundle, rth, bth int, row dims.Index, innerEnd, fold, alignBase int) {
	n := len(row.Vals())
	pos := row.At(n - 1)
	for pos < innerEnd {
		base := alignBase + dims.RoundDown(pos-alignBase, fold)
		stop := base + fold
		if stop > innerEnd {
			stop = innerEnd
		}
		if pos == base && stop-pos == fold {
			b.CalcLoopOfClusters(rth, bth, atInner(row, pos), stop)
		} else {
			b.CalcLoopOfVectors(rth, bth, atInner(row, base), stop, maskRange(pos-base, stop-base))
		}
		pos = stop
	}
}

// atInner returns idx with its innermost coordinate replaced by pos.
func atInner(idx dims.Index, pos int) dims.Index {
	vals := idx.Vals()
	vals[len(vals)-1] = pos
	return idx.Layout().NewIndex(vals...)
}

// maskRange returns a writeMask with bits [lo, hi) set, the shape
// CalcLoopOfVectors expects for a peel/remainder of width hi-lo starting
// at lane lo.
func maskRange(lo, hi int) uint64 {
	if hi <= lo {
		return 0
	}
	if hi-lo >= 64 {
		return ^uint64(0)
	}
	return (uint64(1)<<uint(hi-lo) - 1) << uint(lo)
}

func dispatchScalar(b kernel.Bundle, rth int, box dims.BB) {
	box.VisitAllPoints(func(pt dims.Index, _ int) bool {
		b.CalcScalar(rth, pt)
		return true
	})
}

// dispatchPointChecked is the pre-bbox dispatch strategy, kept for
// callers that construct a Pack and drive runSubBlock directly without
// going through AddPack (so p.ValidBoxes is nil): it prefers the
// vectorised cluster loop when box's inner extent is a whole multiple of
// the bundle's fold, falling back to CalcScalar per point otherwise,
// checking IsInValidDomain at every point either way.
func dispatchPointChecked(b kernel.Bundle, rth, bth int, box dims.BB) {
	meta := b.Meta()
	n := len(box.Begin.Vals())
	fold := 1
	if n > 0 && len(meta.Fold) == n && meta.Fold[n-1] > 1 {
		fold = meta.Fold[n-1]
	}
	innerLen := box.Len(n - 1)
	if fold > 1 && innerLen%fold == 0 {
		box.VisitAllPoints(func(pt dims.Index, offset int) bool {
			if offset%fold != 0 {
				return true
			}
			base := pt.At(n - 1)
			whole := true
			for i := 0; i < fold && whole; i++ {
				whole = b.IsInValidDomain(atInner(pt, base+i))
			}
			if whole {
				b.CalcLoopOfClusters(rth, bth, pt, base+fold)
				return true
			}
			for i := 0; i < fold; i++ {
				if q := atInner(pt, base+i); b.IsInValidDomain(q) {
					b.CalcScalar(rth, q)
				}
			}
			return true
		})
		return
	}
	box.VisitAllPoints(func(pt dims.Index, _ int) bool {
		if b.IsInValidDomain(pt) {
			b.CalcScalar(rth, pt)
		}
		return true
	})
}
