// Package kernel defines the contract the stencil DSL compiler (an
// external collaborator, never implemented by this module) must satisfy
// for each bundle it emits: the scalar and SIMD-loop inner kernels the
// scheduler (package scheduler) dispatches into, the domain/step
// predicates the bounding-box engine and scheduler consult, and the static
// metadata the scheduler and stats reporter read.
package kernel

import "github.com/wavekernel/stencil/dims"

// Bundle is a closed set of stencil equations producing one or more output
// variables. Everything on this interface is supplied by the DSL compiler;
// this module only calls it.
type Bundle interface {
	// CalcScalar computes one point. idx is in rank-relative coordinates
	// (the same frame the bundle's predicates use).
	CalcScalar(threadID int, idx dims.Index)

	// CalcLoopOfClusters runs a normalised, rank-relative, unit-stride-in-
	// inner-dim loop from start (inclusive) to stop (exclusive in the
	// innermost dim only; all other dims are taken from start) producing
	// whole SIMD clusters. rth/bth are the region-thread and block-thread
	// ordinals, passed through for scratch-offset lookups.
	CalcLoopOfClusters(rth, bth int, start dims.Index, stopInner int)

	// CalcLoopOfVectors is the masked counterpart used for the peel and
	// remainder at the ends of a loop that doesn't divide evenly into
	// clusters. writeMask has one bit set per lane that should commit its
	// result.
	CalcLoopOfVectors(rth, bth int, start dims.Index, stopInner int, writeMask uint64)

	// IsInValidDomain reports whether idx satisfies this bundle's
	// sub-domain predicate.
	IsInValidDomain(idx dims.Index) bool

	// IsInValidStep reports whether t is a step this bundle evaluates.
	IsInValidStep(t int) bool

	// GetOutputStepIndex maps an input step to the step index the bundle
	// writes its output at (temporal wrap for step_wrap mode, or t_in+1 in
	// the ordinary case).
	GetOutputStepIndex(tIn int) int

	// Meta returns the bundle's static metadata.
	Meta() BundleMeta
}

// BundleMeta is static per-bundle metadata the compiler computes once,
// read by the scheduler and the stats reporter; the auto-tuner reads none
// of it.
type BundleMeta struct {
	Name string

	// ReadsPerPoint/WritesPerPoint are the scalar load/store counts for one
	// evaluation of CalcScalar; the stats reporter scales WritesPerPoint
	// into its points-updated total.
	ReadsPerPoint  int
	WritesPerPoint int

	// FlopsPerPoint estimates floating point operations per point.
	FlopsPerPoint float64

	// Fold gives the vector-fold length per domain dim (1 means
	// unfolded); ClusterMult gives how many vectors a cluster comprises
	// per dim.
	Fold        []int
	ClusterMult []int

	// Deps lists the names of other bundles this one must run after
	// within the same pack evaluation (rare; packs are normally
	// independent).
	Deps []string

	// ScratchChildren lists the names of scratch bundles this bundle
	// depends on; the scheduler evaluates each over a haloed superset of
	// this bundle's range before running it.
	ScratchChildren []string

	// OutputVars lists the names of variables this bundle writes.
	OutputVars []string
}

// Pack is an ordered list of bundles whose step dependencies are
// independent of each other within the pack: the scheduler may evaluate
// them in any intra-pack order, but packs run sequentially in the step
// direction. Each pack carries its own tunable block sizes (set on
// scheduler.Pack, not here) and a pack-local timer.
type Pack struct {
	Name    string
	Bundles []Bundle
}

// ScratchBundle is a Bundle that additionally names the domain-dim halo
// its scratch variable must be evaluated over beyond its owner's own
// range.
type ScratchBundle interface {
	Bundle
	ScratchHalo() []int
}
