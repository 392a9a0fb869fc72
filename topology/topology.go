// Package topology factorises the rank count into an n-D grid, builds the
// per-rank neighbour table, and resolves each rank's global domain offset.
package topology

import (
	"sort"

	"github.com/samber/lo"

	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/errs"
	"github.com/wavekernel/stencil/transport"
)

// Neighbor describes one of a rank's up-to 3^n-1 immediate neighbours.
type Neighbor struct {
	RankID                 int
	Delta                  []int // -1/0/1 per dim, this rank's offset to the neighbour
	ManhattanDistance      int
	AllSizesVectorMultiple bool
	ShmRank                *int // set when the neighbour shares this rank's shared-memory group
}

// Config describes the desired decomposition before factorisation runs.
type Config struct {
	DimNames []string
	// RankCounts gives the per-dim rank count; 0 entries are solved for.
	RankCounts []int
	// GlobalSize is the total domain size per dim, decomposed evenly
	// across whatever rank count that dim resolves to.
	GlobalSize []int
	// RanksPerNode groups consecutive linear rank IDs into a shared-memory
	// node; the real MPI communicator-translation API has no
	// analogue in the btracey/mpi transport this module targets, so shared-
	// memory group membership is configured explicitly instead of
	// discovered (see DESIGN.md).
	RanksPerNode int
}

// Topology is the resolved decomposition for one rank.
type Topology struct {
	layout       *dims.Layout
	rankCounts   []int
	coord        []int
	rankID       int
	localSize    []int
	rankOffset   []int
	neighbors    []Neighbor
	ranksPerNode int
}

// Layout returns the dims.Layout over the decomposed dimensions.
func (t *Topology) Layout() *dims.Layout { return t.layout }

// RankID returns this rank's linear identifier.
func (t *Topology) RankID() int { return t.rankID }

// Coord returns this rank's coordinate in the rank grid.
func (t *Topology) Coord() []int { return append([]int(nil), t.coord...) }

// RankCounts returns the per-dim rank grid size.
func (t *Topology) RankCounts() []int { return append([]int(nil), t.rankCounts...) }

// LocalSize returns this rank's local domain size per dim.
func (t *Topology) LocalSize() []int { return append([]int(nil), t.localSize...) }

// RankOffset returns this rank's global offset per dim.
func (t *Topology) RankOffset() []int { return append([]int(nil), t.rankOffset...) }

// Neighbors returns the resolved neighbour table.
func (t *Topology) Neighbors() []Neighbor { return t.neighbors }

// factorize enumerates every way to factor total into len(constraints)
// positive integers whose product is total, honouring any constraint[i]>0
// as fixed, and returns the one whose maximum entry is smallest ("most
// compact" — the factoring whose maximum per-dim count is smallest).
func factorize(total int, constraints []int) ([]int, error) {
	n := len(constraints)
	free := make([]int, 0, n)
	fixedProduct := 1
	for i, c := range constraints {
		if c > 0 {
			fixedProduct *= c
		} else {
			free = append(free, i)
		}
	}
	if fixedProduct == 0 || total%fixedProduct != 0 {
		return nil, errs.TopologyError("factorize", "rank count %d incompatible with fixed dims %v", total, constraints)
	}
	remaining := total / fixedProduct
	if len(free) == 0 {
		if remaining != 1 {
			return nil, errs.TopologyError("factorize", "rank count %d does not match fixed dims exactly", total)
		}
		return append([]int(nil), constraints...), nil
	}

	var best []int
	bestMax := -1
	var rec func(idx int, rem int, acc []int)
	rec = func(idx int, rem int, acc []int) {
		if idx == len(free)-1 {
			if rem <= 0 {
				return
			}
			acc[free[idx]] = rem
			cand := append([]int(nil), acc...)
			m := lo.Max(cand)
			if bestMax == -1 || m < bestMax {
				bestMax = m
				best = cand
			}
			return
		}
		divisors := lo.Filter(lo.Range(rem+1), func(d int, _ int) bool { return d > 0 && rem%d == 0 })
		for _, d := range divisors {
			acc[free[idx]] = d
			rec(idx+1, rem/d, acc)
		}
		acc[free[idx]] = 0
	}
	acc := append([]int(nil), constraints...)
	rec(0, remaining, acc)
	if best == nil {
		return nil, errs.TopologyError("factorize", "no factorisation of %d fits constraints %v", total, constraints)
	}
	return best, nil
}

// unlayout converts a linear rank id into coordinates under rankCounts,
// using the same row-major (last dim fastest) convention as dims.BB.
func unlayout(id int, rankCounts []int) []int {
	n := len(rankCounts)
	coord := make([]int, n)
	for d := n - 1; d >= 0; d-- {
		coord[d] = id % rankCounts[d]
		id /= rankCounts[d]
	}
	return coord
}

// layoutID is the inverse of unlayout.
func layoutID(coord, rankCounts []int) int {
	id := 0
	for d := 0; d < len(coord); d++ {
		id = id*rankCounts[d] + coord[d]
	}
	return id
}

// New resolves the topology for rankID out of a world of the given size,
// exchanging (coord, local size) tables across all ranks via ep so every
// rank can verify neighbour alignment, via two barrier-synchronised
// passes.
func New(cfg Config, rankID, worldSize int, ep transport.Endpoint) (*Topology, error) {
	rankCounts, err := factorize(worldSize, cfg.RankCounts)
	if err != nil {
		return nil, err
	}
	layout := dims.NewLayout(cfg.DimNames...)
	coord := unlayout(rankID, rankCounts)

	localSize := make([]int, len(cfg.DimNames))
	for d, g := range cfg.GlobalSize {
		if g%rankCounts[d] != 0 {
			return nil, errs.ConfigError("topology.New", "global size %d in dim %s not divisible by rank count %d", g, cfg.DimNames[d], rankCounts[d])
		}
		localSize[d] = g / rankCounts[d]
	}

	t := &Topology{
		layout:       layout,
		rankCounts:   rankCounts,
		coord:        coord,
		rankID:       rankID,
		localSize:    localSize,
		ranksPerNode: cfg.RanksPerNode,
	}

	if err := t.exchangeAndVerify(ep); err != nil {
		return nil, err
	}
	t.computeOffsets()
	t.buildNeighbors()
	return t, nil
}

type rankInfo struct {
	Coord     []int
	LocalSize []int
}

func (t *Topology) exchangeAndVerify(ep transport.Endpoint) error {
	if err := ep.Barrier(); err != nil {
		return err
	}
	me := rankInfo{Coord: t.coord, LocalSize: t.localSize}
	payload := encodeRankInfo(me)
	all, err := ep.Allgather(payload)
	if err != nil {
		return errs.TopologyError("exchangeAndVerify", "allgather failed: %v", err)
	}
	if len(all) != ep.Size() {
		return errs.TopologyError("exchangeAndVerify", "rank count mismatch: got %d infos, world size %d", len(all), ep.Size())
	}
	if err := ep.Barrier(); err != nil {
		return err
	}

	infos := make([]rankInfo, len(all))
	seen := map[string]int{}
	for i, raw := range all {
		info, derr := decodeRankInfo(raw, len(t.coord))
		if derr != nil {
			return errs.TopologyError("exchangeAndVerify", "decode rank %d: %v", i, derr)
		}
		infos[i] = info
		key := coordKey(info.Coord)
		if prev, dup := seen[key]; dup {
			return errs.TopologyError("exchangeAndVerify", "duplicate rank coordinate %v: ranks %d and %d", info.Coord, prev, i)
		}
		seen[key] = i
	}

	// Alignment: ranks at the same coordinate in every other dim must
	// share the same size in the current dim.
	for d := range t.coord {
		sizeAt := map[string]int{}
		for _, info := range infos {
			key := coordKeyExcluding(info.Coord, d)
			if prev, ok := sizeAt[key]; ok && prev != info.LocalSize[d] {
				return errs.TopologyError("exchangeAndVerify", "misaligned size in dim %d among ranks sharing coordinate %s", d, key)
			}
			sizeAt[key] = info.LocalSize[d]
		}
	}
	return nil
}

func coordKey(coord []int) string {
	s := ""
	for _, c := range coord {
		s += itoa(c) + ","
	}
	return s
}

func itoa(v int) string {
	neg := v < 0
	if v == 0 {
		return "0"
	}
	if neg {
		v = -v
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte('0' + v%10)}, b...)
		v /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func coordKeyExcluding(coord []int, excl int) string {
	s := ""
	for i, c := range coord {
		if i == excl {
			continue
		}
		s += itoa(i) + "=" + itoa(c) + ","
	}
	return s
}

func (t *Topology) computeOffsets() {
	t.rankOffset = make([]int, len(t.coord))
	for d := range t.coord {
		t.rankOffset[d] = t.coord[d] * t.localSize[d]
	}
}

func (t *Topology) buildNeighbors() {
	n := len(t.coord)
	deltas := lo.Filter(cartesianDeltas(n), func(d []int, _ int) bool { return !allZero(d) })
	var out []Neighbor
	for _, delta := range deltas {
		nc := make([]int, n)
		ok := true
		dist := 0
		for d := 0; d < n; d++ {
			nc[d] = t.coord[d] + delta[d]
			if nc[d] < 0 || nc[d] >= t.rankCounts[d] {
				ok = false
				break
			}
			if delta[d] != 0 {
				dist++
			}
		}
		if !ok {
			continue
		}
		rid := layoutID(nc, t.rankCounts)
		nb := Neighbor{
			RankID:                 rid,
			Delta:                  delta,
			ManhattanDistance:      dist,
			AllSizesVectorMultiple: true, // resolved once sizes/fold are known, see topology.RefineVectorMultiple
		}
		if t.sameShmGroup(rid) {
			shmID := rid
			nb.ShmRank = &shmID
		}
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RankID < out[j].RankID })
	t.neighbors = out
}

func (t *Topology) sameShmGroup(other int) bool {
	if t.ranksPerNode <= 0 {
		return false
	}
	return t.rankID/t.ranksPerNode == other/t.ranksPerNode
}

func allZero(d []int) bool {
	for _, v := range d {
		if v != 0 {
			return false
		}
	}
	return true
}

func cartesianDeltas(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	rest := cartesianDeltas(n - 1)
	out := make([][]int, 0, len(rest)*3)
	for _, r := range rest {
		for _, v := range []int{-1, 0, 1} {
			out = append(out, append([]int{v}, r...))
		}
	}
	return out
}

// RefineVectorMultiple updates every neighbour's AllSizesVectorMultiple
// flag once fold lengths are known (they are not available until a
// variable store exists, so topology construction leaves them true and
// solution.Prepare calls this with the per-dim folds).
func (t *Topology) RefineVectorMultiple(fold []int) {
	for i := range t.neighbors {
		ok := true
		for d, f := range fold {
			if f <= 1 {
				continue
			}
			if t.localSize[d]%f != 0 {
				ok = false
				break
			}
		}
		t.neighbors[i].AllSizesVectorMultiple = ok
	}
}
