package halo

import (
	"fmt"
	"sync"

	"github.com/wavekernel/stencil/errs"
	"github.com/wavekernel/stencil/topology"
	"github.com/wavekernel/stencil/transport"
	"github.com/wavekernel/stencil/vars"
)

// Overlap selects which neighbours' buffers an Exchanger call covers,
// after the do_mpi_left/right/interior flags: Left covers neighbours with
// a negative dim-0 delta, Right those with a positive one, and Interior
// those with a zero dim-0 delta (see inOverlap). Every selected buffer
// goes through all four phases.
type Overlap struct {
	Left, Right, Interior bool
}

// All runs every phase for every neighbour, the non-overlapped default.
func All() Overlap { return Overlap{Left: true, Right: true, Interior: true} }

// Exchanger owns the live shared-memory buffers for one rank's
// neighbourhood and drives exchangeHalos's four phases over a Store.
type Exchanger struct {
	ep    transport.Endpoint
	topo  *topology.Topology
	store *vars.Store

	mu  sync.Mutex
	shm map[string]*transport.ShmBuffer
}

// NewExchanger builds an Exchanger bound to one rank's endpoint, topology
// and variable store.
func NewExchanger(ep transport.Endpoint, topo *topology.Topology, store *vars.Store) *Exchanger {
	return &Exchanger{ep: ep, topo: topo, store: store, shm: make(map[string]*transport.ShmBuffer)}
}

func (e *Exchanger) shmBuffer(src, dst, varOrdinal, n int) *transport.ShmBuffer {
	key := shmKey(src, dst, varOrdinal)
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.shm[key]; ok {
		return b
	}
	b := globalShmRegistry.getOrCreate(key, n*8)
	e.shm[key] = b
	return b
}

func shmKey(src, dst, varOrdinal int) string { return fmt.Sprintf("%d->%d:%d", src, dst, varOrdinal) }

// pending tracks one outstanding asynchronous operation for phase bookkeeping.
type pending struct {
	buf Buffer
	v   *vars.Variable
	req transport.Request
	raw []byte // recv scratch, filled once req completes
}

// ExchangeHalos runs the four-phase protocol for step t over
// every variable in the store that has a dirty step and at least one
// buffer under opt. Variables with no dirty step are silently skipped.
// Once all four phases complete, it clears step t's dirty bit on every
// step-indexed variable that is dirty at t.
func (e *Exchanger) ExchangeHalos(t int, wfShift map[string][]int, opt Overlap) error {
	var recvs []*pending
	var sends []*pending

	// Phase 1: Irecv all receive buffers, skipping shared-memory neighbours.
	for _, name := range e.store.Names() {
		v, _ := e.store.Get(name)
		if !v.Spec.HasStep || !v.IsDirty(t) {
			continue
		}
		ordinal, _ := e.store.VarOrdinal(name)
		for _, buf := range BuildPlan(e.topo, v, wfShift[name]) {
			if buf.Dir != Recv || !inOverlap(e.topo, buf, opt) {
				continue
			}
			if buf.ShmGroup {
				continue
			}
			raw := make([]byte, buf.NumPts()*8)
			req, err := e.ep.IrecvBytes(buf.NeighborRank, transport.VarTag(ordinal), raw)
			if err != nil {
				return errs.CommError("ExchangeHalos", "irecv var %s from rank %d: %v", name, buf.NeighborRank, err)
			}
			recvs = append(recvs, &pending{buf: buf, v: v, req: req, raw: raw})
		}
	}

	// Phase 2: pack each send buffer, then write-release the shared-memory
	// lock or Isend.
	for _, name := range e.store.Names() {
		v, _ := e.store.Get(name)
		if !v.Spec.HasStep || !v.IsDirty(t) {
			continue
		}
		ordinal, _ := e.store.VarOrdinal(name)
		for _, buf := range BuildPlan(e.topo, v, wfShift[name]) {
			if buf.Dir != Send || !inOverlap(e.topo, buf, opt) {
				continue
			}
			payload, err := pack(v, t, buf)
			if err != nil {
				return errs.CommError("ExchangeHalos", "pack var %s for rank %d: %v", name, buf.NeighborRank, err)
			}
			if buf.ShmGroup {
				shm := e.shmBuffer(e.ep.Rank(), buf.NeighborRank, ordinal, len(payload))
				shm.WriteRelease(func(dst []byte) { copy(dst, float64ToBytes(payload)) }, e.ep.Poke)
				continue
			}
			req, err := e.ep.IsendBytes(buf.NeighborRank, transport.VarTag(ordinal), float64ToBytes(payload))
			if err != nil {
				return errs.CommError("ExchangeHalos", "isend var %s to rank %d: %v", name, buf.NeighborRank, err)
			}
			sends = append(sends, &pending{buf: buf, v: v, req: req})
		}
	}

	// Phase 3: for each receive, wait on the lock or the request, then
	// unpack.
	for _, p := range recvs {
		if err := p.req.Wait(); err != nil {
			return errs.CommError("ExchangeHalos", "recv var %s from rank %d: %v", p.buf.VarName, p.buf.NeighborRank, err)
		}
		n := p.buf.NumPts()
		if err := unpack(p.v, t, p.buf, bytesToFloat64(p.raw, n)); err != nil {
			return err
		}
	}
	for _, name := range e.store.Names() {
		v, _ := e.store.Get(name)
		if !v.Spec.HasStep || !v.IsDirty(t) {
			continue
		}
		ordinal, _ := e.store.VarOrdinal(name)
		for _, buf := range BuildPlan(e.topo, v, wfShift[name]) {
			if buf.Dir != Recv || !buf.ShmGroup || !inOverlap(e.topo, buf, opt) {
				continue
			}
			shm := e.shmBuffer(buf.NeighborRank, e.ep.Rank(), ordinal, buf.NumPts())
			var data []float64
			shm.ReadRelease(func(src []byte) { data = bytesToFloat64(src, buf.NumPts()) }, e.ep.Poke)
			if err := unpack(v, t, buf, data); err != nil {
				return err
			}
		}
	}

	// Phase 4: wait on all outstanding sends.
	for _, p := range sends {
		if err := p.req.Wait(); err != nil {
			return errs.CommError("ExchangeHalos", "wait send var %s to rank %d: %v", p.buf.VarName, p.buf.NeighborRank, err)
		}
	}

	// Clear step t's dirty bit on every variable that is dirty at t.
	for _, name := range e.store.Names() {
		v, _ := e.store.Get(name)
		if v.Spec.HasStep && v.IsDirty(t) {
			v.SetDirty(false, t)
		}
	}
	return nil
}

// inOverlap reports whether buf's neighbour participates under opt: a
// neighbour with a negative delta in the leading (dim-0) axis is treated
// as a "left" neighbour, positive as "right", matching the exterior-pass
// dim ordering (ascending, outer to inner).
func inOverlap(topo *topology.Topology, buf Buffer, opt Overlap) bool {
	if opt.Left && opt.Right && opt.Interior {
		return true
	}
	for _, nb := range topo.Neighbors() {
		if nb.RankID != buf.NeighborRank {
			continue
		}
		if len(nb.Delta) == 0 {
			return opt.Interior
		}
		switch {
		case nb.Delta[0] < 0:
			return opt.Left
		case nb.Delta[0] > 0:
			return opt.Right
		default:
			return opt.Interior
		}
	}
	return false
}
