// Package vars implements the variable store: multi-dimensional arrays over
// step, domain and misc dimensions with halos, padding, vector folding,
// NUMA-pinned allocation and a per-step dirty map.
package vars

import (
	"math"
	"sync/atomic"

	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/errs"
)

// Precision selects the float width backing a Variable, chosen once at
// build time and fixed for the life of the Variable.
type Precision int

const (
	Float32 Precision = iota + 1
	Float64
)

func (p Precision) elemSize() int {
	if p == Float32 {
		return 4
	}
	return 8
}

// DomainDimSpec carries every per-domain-dim sizing field a Variable
// needs.
type DomainDimSpec struct {
	Name                    string
	DomainSize              int
	LeftHalo, RightHalo     int
	LeftPad, RightPad       int
	WfExtLeft, WfExtRight   int
	RankOffset              int
	LocalOffset             int // scratch vars only
	Fold                    int // vector-fold length along this dim; 1 if unfolded
}

func (d DomainDimSpec) alloc() int { return d.LeftPad + d.DomainSize + d.RightPad }

// FoldSpec describes the DSL compiler's vector-fold permutation over the
// innermost domain dimensions. A nil Permute leaves row-major layout as is
// (no folding), matching unfolded scalar builds.
type FoldSpec struct {
	Dims    []string
	Widths  []int
	Permute func(offsets []int) []int
}

// StepDimSpec carries the step dimension's live-window sizing.
type StepDimSpec struct {
	AllocSize int // number of live steps held in memory
}

func (s StepDimSpec) window(t int) (first, last int) {
	last = t
	first = t - s.AllocSize + 1
	return
}

// Spec fully describes a Variable's shape before storage is allocated.
type Spec struct {
	Name       string
	HasStep    bool
	Step       StepDimSpec
	DomainDims []DomainDimSpec
	MiscDims   []MiscDimSpec
	Precision  Precision
	Fold       *FoldSpec
	Fixed      bool // true for new_fixed_size_var: no auto-resize, not decomposed
	Scratch    bool
}

// MiscDimSpec is a per-variable extra axis: never decomposed, never haloed.
type MiscDimSpec struct {
	Name string
	Size int
}

// Variable is one n-D stencil array. Storage is nil until AllocStorage (or
// the owning Store's eager allocation pass) runs.
type Variable struct {
	Spec Spec

	layout *dims.Layout
	dimPos map[string]int // domain dim name -> position within DomainDims

	strides []int // element strides, row-major, outermost-first (step is dim -1 conceptually)
	stepStride int

	data64 []float64
	data32 []float32

	dirty     []uint32 // one slot per live step, indexed by FloorMod(t, AllocSize); 1 = dirty
	firstStep int
	lastStep  int
	hasWindow bool

	pool    *Pool
	poolOff int
	fused   *Variable // storage owner when this Variable is fused into another

	// Vector-fold addressing, resolved once from Spec.Fold at construction
	// time (nil/empty when Spec.Fold is nil or has no Permute).
	foldPosIndex      map[int]int // dim position -> index into foldWidths/Fold.Dims
	foldWidths        []int       // parallel to Fold.Dims
	foldBlockStride   []int       // row-major strides within the interleaved lane block
	foldBlockSize     int
	foldClusterStride []int // one entry per dim position, cluster-granularity stride
}

// NewVariable constructs a Variable from a Spec. Storage is not allocated.
func NewVariable(spec Spec) (*Variable, error) {
	if spec.Name == "" {
		return nil, errs.ConfigError("NewVariable", "variable must have a name")
	}
	names := make([]string, 0, len(spec.DomainDims)+len(spec.MiscDims))
	dimPos := make(map[string]int, len(spec.DomainDims))
	for i, d := range spec.DomainDims {
		if d.LeftHalo > d.LeftPad || d.RightHalo > d.RightPad {
			return nil, errs.ConfigError("NewVariable", "variable %s: pad must be >= halo in dim %s", spec.Name, d.Name)
		}
		dimPos[d.Name] = i
		names = append(names, d.Name)
	}
	for _, m := range spec.MiscDims {
		names = append(names, m.Name)
	}
	v := &Variable{
		Spec:   spec,
		layout: dims.NewLayout(names...),
		dimPos: dimPos,
	}
	v.computeStrides()
	v.computeFoldLayout()
	if spec.HasStep {
		v.firstStep, v.lastStep = spec.Step.window(0)
		v.hasWindow = false
		v.initDirtyAllTrue()
	}
	return v, nil
}

func (v *Variable) computeStrides() {
	n := len(v.Spec.DomainDims) + len(v.Spec.MiscDims)
	v.strides = make([]int, n)
	stride := 1
	// Row-major: last dim fastest, so walk dims in reverse to accumulate.
	for i := n - 1; i >= 0; i-- {
		v.strides[i] = stride
		stride *= v.dimSize(i)
	}
	v.stepStride = stride
}

func (v *Variable) dimSize(pos int) int {
	if pos < len(v.Spec.DomainDims) {
		return v.Spec.DomainDims[pos].alloc()
	}
	return v.Spec.MiscDims[pos-len(v.Spec.DomainDims)].Size
}

// NumElementsPerStep returns the element count of one step-slice (every
// domain and misc dim, including padding).
func (v *Variable) NumElementsPerStep() int {
	n := 1
	for i := range v.Spec.DomainDims {
		n *= v.dimSize(i)
	}
	for i := range v.Spec.MiscDims {
		n *= v.dimSize(len(v.Spec.DomainDims) + i)
	}
	return n
}

// Bytes returns the total allocation size in bytes.
func (v *Variable) Bytes() int64 {
	steps := 1
	if v.Spec.HasStep {
		steps = v.Spec.Step.AllocSize
	}
	return int64(steps) * int64(v.NumElementsPerStep()) * int64(v.Spec.Precision.elemSize())
}

func (v *Variable) storage() interface{} {
	if v.fused != nil {
		return v.fused.storage()
	}
	if v.Spec.Precision == Float32 {
		return v.data32
	}
	return v.data64
}

// Allocated reports whether backing storage is attached (directly or via a
// fuse_vars target).
func (v *Variable) Allocated() bool {
	if v.fused != nil {
		return v.fused.Allocated()
	}
	return v.data64 != nil || v.data32 != nil
}

// bindFlat attaches storage to this Variable (called by Pool.Commit).
func (v *Variable) bindFlat64(s []float64) { v.data64 = s }
func (v *Variable) bindFlat32(s []float32) { v.data32 = s }

func (v *Variable) stepSlotIndex(t int) (int, error) {
	if !v.Spec.HasStep {
		return 0, nil
	}
	if !v.hasWindow {
		return 0, errs.StorageError("stepSlotIndex", "variable %s: no step has been written yet", v.Spec.Name)
	}
	if t < v.firstStep || t > v.lastStep {
		return 0, errs.StorageError("stepSlotIndex", "variable %s: step %d outside live window [%d,%d]", v.Spec.Name, t, v.firstStep, v.lastStep)
	}
	return dims.FloorMod(t, v.Spec.Step.AllocSize), nil
}

// flatOffset computes the element offset for idx (domain+misc dims only,
// in the variable's own dim order) relative to the local allocated array
// (i.e. already shifted by rank_offset handling done by the caller).
func (v *Variable) flatOffset(localIdx []int) (int, bool) {
	off := 0
	for i, val := range localIdx {
		sz := v.dimSize(i)
		if val < 0 || val >= sz {
			return 0, false
		}
		off += val * v.strides[i]
	}
	return off, true
}

// computeFoldLayout resolves Spec.Fold into the cluster/lane addressing
// sliceOffset needs: for each folded dim, splitting its alloc size into
// ceil(size/width) clusters of width contiguous lanes, with the lanes
// across every folded dim packed into one interleaved block of
// foldBlockSize elements sitting at the innermost offset of each cluster.
// A nil Fold (or nil Permute) leaves every field at its zero value, which
// sliceOffset reads as "fall back to flatOffset".
func (v *Variable) computeFoldLayout() {
	f := v.Spec.Fold
	if f == nil || f.Permute == nil || len(f.Dims) == 0 {
		return
	}
	n := len(v.Spec.DomainDims) + len(v.Spec.MiscDims)
	v.foldPosIndex = make(map[int]int, len(f.Dims))
	v.foldWidths = append([]int(nil), f.Widths...)
	for j, name := range f.Dims {
		pos := v.DomainDimPos(name)
		if pos < 0 {
			continue
		}
		v.foldPosIndex[pos] = j
	}

	v.foldBlockStride = make([]int, len(f.Dims))
	v.foldBlockSize = 1
	for j := len(f.Dims) - 1; j >= 0; j-- {
		v.foldBlockStride[j] = v.foldBlockSize
		v.foldBlockSize *= f.Widths[j]
	}

	v.foldClusterStride = make([]int, n)
	stride := v.foldBlockSize
	for i := n - 1; i >= 0; i-- {
		v.foldClusterStride[i] = stride
		size := v.dimSize(i)
		if j, ok := v.foldPosIndex[i]; ok {
			w := f.Widths[j]
			size = (size + w - 1) / w
		}
		stride *= size
	}
}

// sliceOffset is flatOffset's fold-aware counterpart: it applies
// Spec.Fold.Permute over the folded dims' lane indices before combining
// them into the interleaved block that sits at the innermost
// foldBlockSize slots of each cluster. Every element read/write on this
// Variable routes through here rather than flatOffset directly, so a nil
// Fold (the common unfolded case) is the only path that still needs
// flatOffset's plain row-major arithmetic.
func (v *Variable) sliceOffset(localIdx []int) (int, bool) {
	f := v.Spec.Fold
	if f == nil || f.Permute == nil || len(f.Dims) == 0 {
		return v.flatOffset(localIdx)
	}

	laneVals := make([]int, len(f.Dims))
	off := 0
	for i, val := range localIdx {
		sz := v.dimSize(i)
		if val < 0 || val >= sz {
			return 0, false
		}
		if j, ok := v.foldPosIndex[i]; ok {
			w := v.foldWidths[j]
			laneVals[j] = val % w
			off += (val / w) * v.foldClusterStride[i]
			continue
		}
		off += val * v.foldClusterStride[i]
	}

	permuted := f.Permute(laneVals)
	for j, lv := range permuted {
		if j >= len(v.foldBlockStride) {
			break
		}
		off += lv * v.foldBlockStride[j]
	}
	return off, true
}

// ToLocal converts a global-ish domain index (already rank-relative) into
// the padded local index used for storage addressing: local =
// rank_relative + left_pad, for each domain dim. LocalOffset additionally
// shifts a scratch variable's index into a private slice of one shared
// allocation (see ScratchView); it is always zero for a non-scratch
// variable, so this is a no-op outside Spec.Scratch.
func (v *Variable) ToLocal(rankRelative []int) []int {
	out := make([]int, len(rankRelative))
	for i, d := range v.Spec.DomainDims {
		if i >= len(rankRelative) {
			break
		}
		out[i] = rankRelative[i] + d.LeftPad + d.LocalOffset
	}
	for i := len(v.Spec.DomainDims); i < len(rankRelative); i++ {
		out[i] = rankRelative[i]
	}
	return out
}

// GetElement reads one scalar at step t, domain/misc index idx
// (rank-relative, i.e. 0 == first owned element, negative reaches into the
// left halo). Returns 0 with no error for an out-of-bounds index (the
// non-strict contract); pass strict=true to fail instead.
func (v *Variable) GetElement(t int, idx []int, strict bool) (float64, error) {
	if !v.Allocated() {
		if strict {
			return 0, errs.StorageError("GetElement", "variable %s: no storage allocated", v.Spec.Name)
		}
		return 0, nil
	}
	local := v.ToLocal(idx)
	off, ok := v.sliceOffset(local)
	if !ok {
		if strict {
			return 0, errs.StorageError("GetElement", "variable %s: index %v out of bounds", v.Spec.Name, idx)
		}
		return 0, nil
	}
	slot, err := v.stepSlotIndex(t)
	if err != nil {
		if strict {
			return 0, err
		}
		return 0, nil
	}
	base := slot * v.stepStride
	if v.fused != nil {
		return v.fused.readAt(base + off)
	}
	return v.readAt(base + off)
}

func (v *Variable) readAt(off int) (float64, error) {
	if v.Spec.Precision == Float32 {
		if off < 0 || off >= len(v.data32) {
			return 0, errs.StorageError("readAt", "variable %s: offset %d out of storage", v.Spec.Name, off)
		}
		return float64(v.data32[off]), nil
	}
	if off < 0 || off >= len(v.data64) {
		return 0, errs.StorageError("readAt", "variable %s: offset %d out of storage", v.Spec.Name, off)
	}
	return v.data64[off], nil
}

func (v *Variable) writeAt(off int, val float64) error {
	if v.Spec.Precision == Float32 {
		if off < 0 || off >= len(v.data32) {
			return errs.StorageError("writeAt", "variable %s: offset %d out of storage", v.Spec.Name, off)
		}
		v.data32[off] = float32(val)
		return nil
	}
	if off < 0 || off >= len(v.data64) {
		return errs.StorageError("writeAt", "variable %s: offset %d out of storage", v.Spec.Name, off)
	}
	v.data64[off] = val
	return nil
}

// SetElement writes one scalar at step t, idx (rank-relative) and marks the
// step dirty. strict=true fails on out-of-bounds instead of the silent
// no-op the non-strict slice API advertises.
func (v *Variable) SetElement(t int, idx []int, val float64, strict bool) error {
	if !v.Allocated() {
		return errs.StorageError("SetElement", "variable %s: no storage allocated", v.Spec.Name)
	}
	v.updateValidStep(t)
	local := v.ToLocal(idx)
	off, ok := v.sliceOffset(local)
	if !ok {
		if strict {
			return errs.StorageError("SetElement", "variable %s: index %v out of bounds", v.Spec.Name, idx)
		}
		return nil
	}
	slot, err := v.stepSlotIndex(t)
	if err != nil {
		return err
	}
	target := v
	if v.fused != nil {
		target = v.fused
	}
	if err := target.writeAt(slot*v.stepStride+off, val); err != nil {
		return err
	}
	v.SetDirty(true, t)
	return nil
}

// AddToElement atomically accumulates delta into the element at step t, idx.
// Only Float64/Float32 CAS loops are used since Go has no atomic float add.
func (v *Variable) AddToElement(t int, idx []int, delta float64, strict bool) error {
	if !v.Allocated() {
		return errs.StorageError("AddToElement", "variable %s: no storage allocated", v.Spec.Name)
	}
	v.updateValidStep(t)
	local := v.ToLocal(idx)
	off, ok := v.sliceOffset(local)
	if !ok {
		if strict {
			return errs.StorageError("AddToElement", "variable %s: index %v out of bounds", v.Spec.Name, idx)
		}
		return nil
	}
	slot, err := v.stepSlotIndex(t)
	if err != nil {
		return err
	}
	target := v
	if v.fused != nil {
		target = v.fused
	}
	flat := slot*v.stepStride + off
	if v.Spec.Precision == Float32 {
		if flat < 0 || flat >= len(target.data32) {
			return errs.StorageError("AddToElement", "variable %s: offset out of storage", v.Spec.Name)
		}
		p := (*uint32)(atomicPtr32(&target.data32[flat]))
		for {
			old := atomic.LoadUint32(p)
			nv := math.Float32bits(math.Float32frombits(old) + float32(delta))
			if atomic.CompareAndSwapUint32(p, old, nv) {
				break
			}
		}
	} else {
		if flat < 0 || flat >= len(target.data64) {
			return errs.StorageError("AddToElement", "variable %s: offset out of storage", v.Spec.Name)
		}
		p := (*uint64)(atomicPtr64(&target.data64[flat]))
		for {
			old := atomic.LoadUint64(p)
			nv := math.Float64bits(math.Float64frombits(old) + delta)
			if atomic.CompareAndSwapUint64(p, old, nv) {
				break
			}
		}
	}
	v.SetDirty(true, t)
	return nil
}

// SetDirty sets (or clears) the dirty bit for step t. Clearing only ever
// happens from the halo engine at the end of exchange_halos (P5).
func (v *Variable) SetDirty(dirty bool, t int) {
	if !v.Spec.HasStep {
		return
	}
	slot := dims.FloorMod(t, v.Spec.Step.AllocSize)
	var nv uint32
	if dirty {
		nv = 1
	}
	atomic.StoreUint32(&v.dirty[slot], nv)
}

// IsDirty reports whether step t's halos are stale on this rank.
func (v *Variable) IsDirty(t int) bool {
	if !v.Spec.HasStep {
		return false
	}
	slot := dims.FloorMod(t, v.Spec.Step.AllocSize)
	return atomic.LoadUint32(&v.dirty[slot]) == 1
}

// AnyDirty reports whether any live step is dirty.
func (v *Variable) AnyDirty() bool {
	for i := range v.dirty {
		if atomic.LoadUint32(&v.dirty[i]) == 1 {
			return true
		}
	}
	return false
}

// updateValidStep advances the live-step window to [t-alloc+1, t] and
// marks dirty every step that enters the window (reusing the slots of the
// steps that fall out of it).
func (v *Variable) updateValidStep(t int) {
	if !v.Spec.HasStep {
		return
	}
	if !v.hasWindow {
		v.firstStep, v.lastStep = v.Spec.Step.window(t)
		v.hasWindow = true
		v.initDirtyAllTrue()
		return
	}
	if t <= v.lastStep {
		return
	}
	oldLast := v.lastStep
	v.lastStep = t
	v.firstStep = t - v.Spec.Step.AllocSize + 1
	for s := oldLast + 1; s <= t; s++ {
		// Pre-mark the newly entering slot dirty: conservative, but avoids
		// tracking which sub-region of a step a write actually touched.
		v.SetDirty(true, s)
	}
}

func (v *Variable) initDirtyAllTrue() {
	if v.dirty == nil {
		v.dirty = make([]uint32, v.Spec.Step.AllocSize)
	}
	for i := range v.dirty {
		v.dirty[i] = 1
	}
}

// FirstValidStep and LastValidStep expose the live window bounds.
func (v *Variable) FirstValidStep() (int, bool) { return v.firstStep, v.hasWindow }
func (v *Variable) LastValidStep() (int, bool)  { return v.lastStep, v.hasWindow }

// ScratchView returns a shallow per-thread view of a scratch variable: the
// same backing storage, but with dim 0's LocalOffset set to threadOffset
// so concurrent block threads each address a private slice of one shared
// scratch allocation instead of needing their own Pool reservation. The
// DSL compiler's generated Bundle calls this (keyed by the rth/bth
// ordinals CalcLoopOfClusters already receives) before touching a scratch
// variable. Panics if called on a non-scratch variable.
func (v *Variable) ScratchView(threadOffset int) *Variable {
	if !v.Spec.Scratch {
		panic("vars: ScratchView called on a non-scratch variable " + v.Spec.Name)
	}
	clone := *v
	dd := append([]DomainDimSpec(nil), v.Spec.DomainDims...)
	if len(dd) > 0 {
		dd[0].LocalOffset = threadOffset
	}
	clone.Spec.DomainDims = dd
	return &clone
}

// DomainDimPos resolves a domain dimension's position, or -1.
func (v *Variable) DomainDimPos(name string) int {
	if p, ok := v.dimPos[name]; ok {
		return p
	}
	return -1
}

// Layout returns the dims.Layout covering this variable's domain+misc dims.
func (v *Variable) Layout() *dims.Layout { return v.layout }

// GetSlice bulk-reads a rectangular region at step t into a caller-provided
// row-major buffer. begin/end are rank-relative, half-open.
func (v *Variable) GetSlice(t int, begin, end []int, out []float64) error {
	n := len(begin)
	sizes := make([]int, n)
	total := 1
	for i := 0; i < n; i++ {
		sizes[i] = end[i] - begin[i]
		total *= sizes[i]
	}
	if len(out) < total {
		return errs.StorageError("GetSlice", "variable %s: output buffer too small", v.Spec.Name)
	}
	cur := append([]int(nil), begin...)
	for off := 0; off < total; off++ {
		val, err := v.GetElement(t, cur, false)
		if err != nil {
			return err
		}
		out[off] = val
		for d := n - 1; d >= 0; d-- {
			cur[d]++
			if cur[d] < end[d] {
				break
			}
			cur[d] = begin[d]
			if d == 0 {
				break
			}
		}
	}
	return nil
}

// SetSlice bulk-writes a rectangular region at step t from a row-major
// buffer, marking the step dirty exactly once.
func (v *Variable) SetSlice(t int, begin, end []int, in []float64) error {
	n := len(begin)
	total := 1
	for i := 0; i < n; i++ {
		total *= end[i] - begin[i]
	}
	if len(in) < total {
		return errs.StorageError("SetSlice", "variable %s: input buffer too small", v.Spec.Name)
	}
	cur := append([]int(nil), begin...)
	for off := 0; off < total; off++ {
		if err := v.SetElement(t, cur, in[off], false); err != nil {
			return err
		}
		for d := n - 1; d >= 0; d-- {
			cur[d]++
			if cur[d] < end[d] {
				break
			}
			cur[d] = begin[d]
			if d == 0 {
				break
			}
		}
	}
	return nil
}

// GetSliceVec is GetSlice's vectorised-copy fast path for a folded
// variable: it resolves the step slot once per call instead of once per
// point and addresses storage directly through sliceOffset/readAt so a
// fold's permuted lane order is honoured, rather than GetSlice's
// per-element GetElement calls (each of which re-resolves the step slot).
// A variable with no Fold configured has nothing to gain from this path
// and just delegates to GetSlice.
func (v *Variable) GetSliceVec(t int, begin, end []int, out []float64) error {
	if v.Spec.Fold == nil {
		return v.GetSlice(t, begin, end, out)
	}
	if !v.Allocated() {
		return errs.StorageError("GetSliceVec", "variable %s: no storage allocated", v.Spec.Name)
	}
	slot, err := v.stepSlotIndex(t)
	if err != nil {
		return err
	}
	base := slot * v.stepStride
	src := v
	if v.fused != nil {
		src = v.fused
	}

	n := len(begin)
	total := 1
	for i := 0; i < n; i++ {
		total *= end[i] - begin[i]
	}
	if len(out) < total {
		return errs.StorageError("GetSliceVec", "variable %s: output buffer too small", v.Spec.Name)
	}
	cur := append([]int(nil), begin...)
	for idx := 0; idx < total; idx++ {
		off, ok := v.sliceOffset(v.ToLocal(cur))
		if !ok {
			return errs.StorageError("GetSliceVec", "variable %s: index %v out of bounds", v.Spec.Name, cur)
		}
		val, err := src.readAt(base + off)
		if err != nil {
			return err
		}
		out[idx] = val
		for d := n - 1; d >= 0; d-- {
			cur[d]++
			if cur[d] < end[d] {
				break
			}
			cur[d] = begin[d]
			if d == 0 {
				break
			}
		}
	}
	return nil
}

// SetSliceVec is SetSlice's vectorised-copy fast path, the write-side
// counterpart of GetSliceVec: resolves the step slot once, writes through
// sliceOffset/writeAt, and marks the step dirty exactly once at the end.
func (v *Variable) SetSliceVec(t int, begin, end []int, in []float64) error {
	if v.Spec.Fold == nil {
		return v.SetSlice(t, begin, end, in)
	}
	if !v.Allocated() {
		return errs.StorageError("SetSliceVec", "variable %s: no storage allocated", v.Spec.Name)
	}
	v.updateValidStep(t)
	slot, err := v.stepSlotIndex(t)
	if err != nil {
		return err
	}
	base := slot * v.stepStride
	target := v
	if v.fused != nil {
		target = v.fused
	}

	n := len(begin)
	total := 1
	for i := 0; i < n; i++ {
		total *= end[i] - begin[i]
	}
	if len(in) < total {
		return errs.StorageError("SetSliceVec", "variable %s: input buffer too small", v.Spec.Name)
	}
	cur := append([]int(nil), begin...)
	for idx := 0; idx < total; idx++ {
		off, ok := v.sliceOffset(v.ToLocal(cur))
		if !ok {
			return errs.StorageError("SetSliceVec", "variable %s: index %v out of bounds", v.Spec.Name, cur)
		}
		if err := target.writeAt(base+off, in[idx]); err != nil {
			return err
		}
		for d := n - 1; d >= 0; d-- {
			cur[d]++
			if cur[d] < end[d] {
				break
			}
			cur[d] = begin[d]
			if d == 0 {
				break
			}
		}
	}
	v.SetDirty(true, t)
	return nil
}
