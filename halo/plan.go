// Package halo implements the distributed halo-exchange engine:
// per-(variable, neighbour, direction) buffer construction, the
// four-phase non-blocking exchange protocol, and the shared-memory fast
// path for intra-node neighbours. It is built on package transport for the
// wire primitives and package topology for the neighbour table, layering a
// gather/scatter protocol over a lower-level send/recv primitive.
package halo

import (
	"encoding/binary"
	"math"

	"github.com/wavekernel/stencil/topology"
	"github.com/wavekernel/stencil/vars"
)

// Direction distinguishes a buffer's role in one exchange.
type Direction int

const (
	Send Direction = iota
	Recv
)

// Buffer is one {name, byte_base, element_pointer, begin_pt, last_pt,
// num_pts, vec_copy_ok, shm_lock?} record, specialised to the
// rank-relative coordinate frame package vars uses.
type Buffer struct {
	VarName      string
	NeighborRank int
	Dir          Direction
	// Begin/End are rank-relative, half-open, one entry per domain dim;
	// negative values reach into this rank's own halo padding.
	Begin, End []int
	VecCopyOk  bool
	// ShmGroup is set when this buffer can use the shared-memory fast
	// path instead of the wire protocol.
	ShmGroup bool
}

// NumPts returns the element count the buffer covers.
func (b Buffer) NumPts() int {
	n := 1
	for i := range b.Begin {
		n *= b.End[i] - b.Begin[i]
	}
	return n
}

// BuildPlan constructs the send and receive buffers variable v needs for
// every neighbour in topo, following the buffer-layout rule: a buffer's
// shape in domain dim d is the halo width (optionally widened
// by wfShift[d] for an active wave-front tile) when the neighbour lies in
// that direction, else the variable's full rank extent.
func BuildPlan(topo *topology.Topology, v *vars.Variable, wfShift []int) []Buffer {
	if !v.Spec.HasStep || v.Spec.Fixed {
		return nil
	}
	n := len(v.Spec.DomainDims)
	var out []Buffer
	for _, nb := range topo.Neighbors() {
		sendBegin := make([]int, n)
		sendEnd := make([]int, n)
		recvBegin := make([]int, n)
		recvEnd := make([]int, n)
		for d := 0; d < n; d++ {
			dd := v.Spec.DomainDims[d]
			shift := 0
			if wfShift != nil && d < len(wfShift) {
				shift = wfShift[d]
			}
			switch {
			case d < len(nb.Delta) && nb.Delta[d] < 0:
				// Neighbour to the left: send our leftmost interior slab
				// (sized to their right halo, assumed symmetric), receive
				// into our own left halo.
				w := dd.LeftHalo + shift
				sendBegin[d], sendEnd[d] = 0, w
				recvBegin[d], recvEnd[d] = -w, 0
			case d < len(nb.Delta) && nb.Delta[d] > 0:
				w := dd.RightHalo + shift
				sendBegin[d], sendEnd[d] = dd.DomainSize-w, dd.DomainSize
				recvBegin[d], recvEnd[d] = dd.DomainSize, dd.DomainSize+w
			default:
				sendBegin[d], sendEnd[d] = 0, dd.DomainSize
				recvBegin[d], recvEnd[d] = 0, dd.DomainSize
			}
		}
		vecOK := v.Spec.Fold != nil
		out = append(out,
			Buffer{VarName: v.Spec.Name, NeighborRank: nb.RankID, Dir: Send, Begin: sendBegin, End: sendEnd, VecCopyOk: vecOK, ShmGroup: nb.ShmRank != nil},
			Buffer{VarName: v.Spec.Name, NeighborRank: nb.RankID, Dir: Recv, Begin: recvBegin, End: recvEnd, VecCopyOk: vecOK, ShmGroup: nb.ShmRank != nil},
		)
	}
	return out
}

func totalPts(n []int) int {
	p := 1
	for _, v := range n {
		p *= v
	}
	return p
}

func pack(v *vars.Variable, t int, b Buffer) ([]float64, error) {
	out := make([]float64, totalPts(sizes(b)))
	var err error
	if b.VecCopyOk {
		err = v.GetSliceVec(t, b.Begin, b.End, out)
	} else {
		err = v.GetSlice(t, b.Begin, b.End, out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func unpack(v *vars.Variable, t int, b Buffer, data []float64) error {
	if b.VecCopyOk {
		return v.SetSliceVec(t, b.Begin, b.End, data)
	}
	return v.SetSlice(t, b.Begin, b.End, data)
}

func sizes(b Buffer) []int {
	out := make([]int, len(b.Begin))
	for i := range b.Begin {
		out[i] = b.End[i] - b.Begin[i]
	}
	return out
}

// float64ToBytes / bytesToFloat64 serialise a pack buffer for the wire
// protocol, which moves MPI_BYTE payloads.
func float64ToBytes(vs []float64) []byte {
	out := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func bytesToFloat64(b []byte, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}
