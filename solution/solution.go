package solution

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/tebeka/atexit"

	"github.com/wavekernel/stencil/autotune"
	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/errs"
	"github.com/wavekernel/stencil/halo"
	"github.com/wavekernel/stencil/scheduler"
	"github.com/wavekernel/stencil/topology"
	"github.com/wavekernel/stencil/vars"
)

// Options holds the flags and numeric options ApplyCommandLineOptions
// recognises; the per-dim sizes are set through SetDim instead.
type Options struct {
	OverlapComms     bool
	UseShm           bool
	ForceScalar      bool
	Trace            bool
	StepWrap         bool
	BindBlockThreads bool
	NumaPref         int
}

// Solution ties together a Store, a Topology, a halo Exchanger and a
// Scheduler into the single driver entry point.
type Solution struct {
	env  *Env
	dims []DimConfig
	opts Options

	layout *dims.Layout
	topo   *topology.Topology
	store  *vars.Store
	sched  *scheduler.Scheduler
	ex     *halo.Exchanger

	tuners map[string]*autotune.State

	// haloExplicit is keyed by pack name (matching scheduler.maxHaloPerDim's
	// lookup), one entry per registered pack: the largest LeftHalo/RightHalo
	// among the DomainDimSpecs of every variable that pack's bundles write.
	// Without this, every pack's wave-front angle is always zero (see
	// DESIGN.md).
	haloExplicit map[string][]int

	prepared bool
	ended    bool
	stepsRun int // total steps executed across every Run/RunStep call, for Stats
}

// NewSolution constructs a Solution bound to env, with one DimConfig per
// domain dimension (in the order they should be laid out).
func NewSolution(env *Env, dimConfigs []DimConfig) (*Solution, error) {
	if env == nil {
		return nil, errs.ConfigError("NewSolution", "env must not be nil")
	}
	if len(dimConfigs) == 0 {
		return nil, errs.ConfigError("NewSolution", "solution needs at least one domain dimension")
	}
	return &Solution{
		env:    env,
		dims:   append([]DimConfig(nil), dimConfigs...),
		layout: dims.NewLayout(dimNames(dimConfigs)...),
		store:  vars.NewStore(),
		tuners: make(map[string]*autotune.State),
		opts:   Options{NumaPref: env.DefaultNumaPref},
	}, nil
}

// Store exposes the variable store so callers can register variables
// before Prepare runs.
func (s *Solution) Store() *vars.Store { return s.store }

// Topology returns the resolved rank topology, or nil before Prepare runs.
func (s *Solution) Topology() *topology.Topology { return s.topo }

// SetDim updates dim d's sizing in place (one of the per-dim setters);
// must be called before Prepare.
func (s *Solution) SetDim(name string, f func(*DimConfig)) error {
	if s.prepared {
		return errs.ConfigError("SetDim", "solution %v already prepared", name)
	}
	for i := range s.dims {
		if s.dims[i].Name == name {
			f(&s.dims[i])
			return nil
		}
	}
	return errs.ConfigError("SetDim", "unknown dimension %s", name)
}

// ApplyCommandLineOptions parses a free-form key/value + flag syntax:
// "key=value" tokens update the Options field of that name (overlap_comms,
// use_shm, force_scalar, trace, step_wrap, bind_block_threads, numa_pref),
// bare tokens matching a known flag name turn it on. Per-dim sizes are not
// accepted here. Unrecognised tokens are
// rejected with a ConfigError, the way a driver converts any parse failure
// into a non-zero exit before touching the engine.
func (s *Solution) ApplyCommandLineOptions(argv []string) error {
	for _, tok := range argv {
		k, v, hasVal := strings.Cut(tok, "=")
		switch k {
		case "overlap_comms":
			s.opts.OverlapComms = boolFlag(v, hasVal)
		case "use_shm":
			s.opts.UseShm = boolFlag(v, hasVal)
		case "force_scalar":
			s.opts.ForceScalar = boolFlag(v, hasVal)
		case "trace":
			s.opts.Trace = boolFlag(v, hasVal)
		case "step_wrap":
			s.opts.StepWrap = boolFlag(v, hasVal)
		case "bind_block_threads":
			s.opts.BindBlockThreads = boolFlag(v, hasVal)
		case "numa_pref":
			n, err := strconv.Atoi(v)
			if err != nil {
				return errs.ConfigError("ApplyCommandLineOptions", "numa_pref: %v", err)
			}
			s.opts.NumaPref = n
		default:
			return errs.ConfigError("ApplyCommandLineOptions", "unrecognised option %q", tok)
		}
	}
	return nil
}

func boolFlag(v string, hasVal bool) bool {
	if !hasVal {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Prepare resolves the rank topology, allocates variable storage (unless
// eager is false, in which case the caller must call s.Store().AllocStorage
// itself before Run), and builds the halo Exchanger and Scheduler — the
// one-time setup pass that must finish before the first step runs.
func (s *Solution) Prepare(eager bool, tc TopologyConfig, packs []*scheduler.Pack) error {
	if s.prepared {
		return errs.ConfigError("Prepare", "solution already prepared")
	}
	topo, err := buildTopology(s.env, s.dims, tc)
	if err != nil {
		return err
	}
	s.topo = topo
	folds := make([]int, len(s.dims))
	for i, d := range s.dims {
		folds[i] = d.Fold
	}
	topo.RefineVectorMultiple(folds)

	if eager {
		key := vars.PoolKey{NUMA: s.opts.NumaPref, SHM: s.opts.UseShm}
		if err := s.store.AllocStorage(key); err != nil {
			return err
		}
	}

	rankBB := rankBBFromTopology(s.layout, topo)
	halos := make([]int, len(s.dims))
	for i, d := range s.dims {
		h := d.LeftHalo
		if d.RightHalo > h {
			h = d.RightHalo
		}
		halos[i] = h
	}
	extended := extendBB(rankBB, halos)

	s.ex = halo.NewExchanger(s.env.Endpoint, topo, s.store)
	regionThreads, blockThreads := s.threadCounts()
	s.sched = scheduler.New(topo, s.ex, rankBB, extended, regionThreads, blockThreads)
	for _, p := range packs {
		s.fillTileSizesFromDims(p)
		p.OverlapComms = s.opts.OverlapComms
		p.BindBlockThreads = s.opts.BindBlockThreads
		s.sched.AddPack(p)
		s.tuners[p.Name] = mustTuner(p)
	}
	s.haloExplicit = s.packHaloExplicit(packs)
	s.prepared = true
	return nil
}

// packHaloExplicit derives RunSolution's haloExplicit argument: for each
// pack, the largest LeftHalo/RightHalo among the DomainDimSpecs of every
// variable its bundles' Meta().OutputVars names. A pack whose bundles
// write no haloed variable gets an all-zero entry, matching
// maxHaloPerDim's own zero-angle fallback.
func (s *Solution) packHaloExplicit(packs []*scheduler.Pack) map[string][]int {
	out := make(map[string][]int, len(packs))
	for _, p := range packs {
		maxHalo := make([]int, len(s.dims))
		for _, b := range p.Bundles {
			for _, varName := range b.Meta().OutputVars {
				v, ok := s.store.Get(varName)
				if !ok {
					continue
				}
				for i, dd := range v.Spec.DomainDims {
					if i >= len(maxHalo) {
						break
					}
					h := dd.LeftHalo
					if dd.RightHalo > h {
						h = dd.RightHalo
					}
					if h > maxHalo[i] {
						maxHalo[i] = h
					}
				}
			}
		}
		out[p.Name] = maxHalo
	}
	return out
}

// fillTileSizesFromDims defaults any of a pack's tile-size slices that the
// caller left nil to the per-dim setters the driver surface exposes
// so a caller only needs to override the sizes it actually tunes away
// from the solution-wide defaults.
func (s *Solution) fillTileSizesFromDims(p *scheduler.Pack) {
	n := len(s.dims)
	fill := func(cur []int, pick func(DimConfig) int) []int {
		if cur != nil {
			return cur
		}
		out := make([]int, n)
		for i, d := range s.dims {
			out[i] = pick(d)
		}
		return out
	}
	p.RegionSize = fill(p.RegionSize, func(d DimConfig) int { return d.RegionSize })
	p.BlockSize = fill(p.BlockSize, func(d DimConfig) int { return d.BlockSize })
	p.MiniBlock = fill(p.MiniBlock, func(d DimConfig) int { return d.MiniBlockSize })
	p.SubBlock = fill(p.SubBlock, func(d DimConfig) int { return d.SubBlockSize })
	p.Fold = fill(p.Fold, func(d DimConfig) int { return d.Fold })
}

// threadCounts picks the nested worker-pool sizes: GOMAXPROCS threads at
// the region level and a single block-level thread — matching
// a single flat device-queue depth generalised into the two nested
// worker-pool levels the scheduler dispatches across.
func (s *Solution) threadCounts() (regionThreads, blockThreads int) {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n, 1
}

func mustTuner(p *scheduler.Pack) *autotune.State {
	min := make([]int, len(p.BlockSize))
	max := make([]int, len(p.BlockSize))
	for i, b := range p.BlockSize {
		min[i] = 1
		max[i] = b * 4
		if max[i] < b {
			max[i] = b
		}
	}
	st, _ := autotune.New(autotune.PerPack, p.BlockSize, min, max, 3, 0.02, 0)
	return st
}

func extendBB(rankBB dims.BB, halos []int) dims.BB {
	l := rankBB.Begin.Layout()
	begin := rankBB.Begin.Vals()
	end := rankBB.End.Vals()
	for i, h := range halos {
		begin[i] -= h
		end[i] += h
	}
	return dims.NewBB(l.NewIndex(begin...), l.NewIndex(end...))
}

// Run executes run_solution(first, last): the tiled stepping loop over
// [first, last], with variable storage assumed already allocated.
func (s *Solution) Run(first, last int) error {
	if !s.prepared {
		return errs.SchedulingError("Run", "solution not prepared")
	}
	if err := s.sched.RunSolution(first, last, s.haloExplicit); err != nil {
		return err
	}
	s.stepsRun += last - first + 1
	return nil
}

// RunStep runs a single step.
func (s *Solution) RunStep(t int) error { return s.Run(t, t) }

// ResetAutoTuner restarts every pack's auto-tuner search from its current
// block size.
func (s *Solution) ResetAutoTuner() {
	for _, p := range s.sched.Packs() {
		if t, ok := s.tuners[p.Name]; ok {
			t.Reset(p.BlockSize)
		}
	}
}

// RunAutoTunerNow forces a synchronous tuning pass: it may mutate variable
// contents (it actually runs trial steps), so the caller must
// re-initialise data afterwards.
func (s *Solution) RunAutoTunerNow(pack string, trialSteps int) error {
	p := s.sched.PackByName(pack)
	if p == nil {
		return errs.ConfigError("RunAutoTunerNow", "no such pack %q", pack)
	}
	tuner, ok := s.tuners[pack]
	if !ok {
		return errs.ConfigError("RunAutoTunerNow", "no tuner for pack %q", pack)
	}
	for !tuner.Converged() {
		p.BlockSize = tuner.Current()
		start := p.ElapsedNs
		if err := s.sched.RunSolution(0, trialSteps-1, s.haloExplicit); err != nil {
			return err
		}
		elapsed := p.ElapsedNs - start
		tuner.RecordTrial(autotune.Trial{BlockSize: p.BlockSize, Seconds: float64(elapsed) / 1e9, Points: float64(trialSteps) * float64(s.sched.RankBB.NumPoints())})
	}
	p.BlockSize = tuner.Current()
	return nil
}

// End releases variable storage and registers the transport's Finalize as
// an atexit handler instead of finalising the transport directly; the
// ended flag makes repeated calls no-ops.
func (s *Solution) End() error {
	if s.ended {
		return nil
	}
	s.ended = true
	var first error
	if err := s.store.ReleaseStorage(); err != nil && first == nil {
		first = err
	}
	atexit.Register(func() {
		_ = s.env.Endpoint.Finalize()
	})
	return first
}
