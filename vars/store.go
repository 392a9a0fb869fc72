package vars

import (
	"sort"
	"sync"

	"github.com/wavekernel/stencil/errs"
)

// Store owns every Variable in a solution plus the memory pools their
// storage is carved from, mirroring runner.Runner's
// {arrayMetadata, PooledMemory} pair generalised to a CPU, multi-pool
// setting (NUMA/PMEM/SHM keys instead of one GPU device).
type Store struct {
	mu    sync.RWMutex
	byName map[string]*Variable
	order  []string // insertion order, for deterministic alphabetical tagging
	pools  map[PoolKey]*Pool
}

// NewStore creates an empty variable store.
func NewStore() *Store {
	return &Store{
		byName: make(map[string]*Variable),
		pools:  make(map[PoolKey]*Pool),
	}
}

// NewVar registers a variable auto-sized from the solution's domain specs
// (domain_size/halo/pad supplied by the caller): it IS domain-decomposed,
// unlike NewFixedSizeVar.
func (s *Store) NewVar(spec Spec) (*Variable, error) {
	spec.Fixed = false
	return s.register(spec)
}

// NewFixedSizeVar registers a variable that is not domain-decomposed: every
// rank allocates the same fixed shape and auto-resize never applies.
func (s *Store) NewFixedSizeVar(spec Spec) (*Variable, error) {
	spec.Fixed = true
	return s.register(spec)
}

func (s *Store) register(spec Spec) (*Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byName[spec.Name]; dup {
		return nil, errs.ConfigError("Store.register", "variable %s already exists", spec.Name)
	}
	v, err := NewVariable(spec)
	if err != nil {
		return nil, err
	}
	s.byName[spec.Name] = v
	s.order = append(s.order, spec.Name)
	return v, nil
}

// Get looks up a registered variable by name.
func (s *Store) Get(name string) (*Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byName[name]
	return v, ok
}

// Names returns every registered variable name in insertion order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// SortedNames returns every registered variable name in alphabetical
// order — the order the wire protocol's per-variable MPI tag ordinal is
// derived from, so both sides of an exchange agree without negotiation.
func (s *Store) SortedNames() []string {
	names := s.Names()
	sort.Strings(names)
	return names
}

// VarOrdinal returns the alphabetical ordinal of name, used as the base
// for wire-protocol tag derivation.
func (s *Store) VarOrdinal(name string) (int, bool) {
	sorted := s.SortedNames()
	for i, n := range sorted {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// AllocStorage runs the pool protocol's reserve and commit passes for
// every registered, not-yet-allocated, unfused variable, all into the pool
// for key. The Probe pass is not run here, so no variable is re-keyed to a
// PMEM pool.
func (s *Store) AllocStorage(key PoolKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[key]
	if !ok {
		pool = NewPool(key)
		s.pools[key] = pool
	}
	for _, name := range s.order {
		v := s.byName[name]
		if v.Allocated() || v.fused != nil {
			continue
		}
		pool.Reserve(v)
	}
	return pool.Commit()
}

// ReleaseStorage releases every pool the store owns.
func (s *Store) ReleaseStorage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, p := range s.pools {
		if err := p.Release(); err != nil && first == nil {
			first = err
		}
	}
	s.pools = make(map[PoolKey]*Pool)
	return first
}

// FuseVars merges other's metadata and storage into v: subsequent reads and
// writes to v are serviced by other's backing array. Fails if the fold or
// dim lists are incompatible.
func (s *Store) FuseVars(v, other *Variable) error {
	if len(v.Spec.DomainDims) != len(other.Spec.DomainDims) {
		return errs.StorageError("FuseVars", "variable %s: dim count mismatch with %s", v.Spec.Name, other.Spec.Name)
	}
	for i := range v.Spec.DomainDims {
		a, b := v.Spec.DomainDims[i], other.Spec.DomainDims[i]
		if a.Fold != b.Fold || a.alloc() != b.alloc() {
			return errs.StorageError("FuseVars", "variable %s: fold/shape mismatch with %s in dim %s", v.Spec.Name, other.Spec.Name, a.Name)
		}
	}
	if v.Spec.Precision != other.Spec.Precision {
		return errs.StorageError("FuseVars", "variable %s: precision mismatch with %s", v.Spec.Name, other.Spec.Name)
	}
	v.fused = other
	return nil
}
