package vars

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wavekernel/stencil/errs"
)

// PoolKey selects which contiguous allocation a Variable's storage is
// carved out of: a keyed pool re-targeted at host memory, one key, one
// contiguous mmap'd block, many variables' offsets into it.
type PoolKey struct {
	NUMA int // preferred NUMA node, or -1 for "don't care"
	PMEM bool
	SHM  bool
}

func (k PoolKey) String() string {
	return fmt.Sprintf("numa%d-pmem%v-shm%v", k.NUMA, k.PMEM, k.SHM)
}

// lockPad is added to the end of every member's reservation so that embedded
// shared-memory locks (see package halo) never straddle a cache line with
// unrelated data.
const lockPad = 64

// pendingAlloc is one variable's request against a Pool, captured during
// the probe/reserve passes before any bytes are actually committed.
type pendingAlloc struct {
	v      *Variable
	nbytes int64
	offset int64 // set by Commit
}

// Pool implements the two/three-pass allocation protocol: Reserve adds up
// required bytes including cache-line rounding; Commit allocates one
// contiguous block and distributes offsets into it.
type Pool struct {
	mu      sync.Mutex
	key     PoolKey
	pending []*pendingAlloc
	block   []byte
	shm     bool
}

// NewPool creates an empty pool for key.
func NewPool(key PoolKey) *Pool { return &Pool{key: key, shm: key.SHM} }

// Probe re-keys a variable to a PMEM-backed pool if the preferred NUMA pool
// would overflow a soft budget; budget <= 0 disables the check. This is
// pass 0 of the protocol.
func Probe(pref PoolKey, requested int64, budget int64, reserved int64) PoolKey {
	if budget > 0 && reserved+requested > budget {
		pref.PMEM = true
	}
	return pref
}

// Reserve is pass 1: sum required bytes (rounded to a cache line, plus the
// lock pad) for v into the pool without allocating anything yet.
func (p *Pool) Reserve(v *Variable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := v.Bytes() + int64(lockPad)
	n = roundUpInt64(n, 64)
	p.pending = append(p.pending, &pendingAlloc{v: v, nbytes: n})
}

func roundUpInt64(n, m int64) int64 {
	if m <= 1 {
		return n
	}
	r := n % m
	if r == 0 {
		return n
	}
	return n + (m - r)
}

// TotalBytes returns the sum of all pending reservations.
func (p *Pool) TotalBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, pa := range p.pending {
		total += pa.nbytes
	}
	return total
}

// Commit is pass 2: allocate one contiguous block sized to the pending
// reservations and bind each variable's storage to its slice of it,
// initialising embedded lock bytes to zero.
func (p *Pool) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, pa := range p.pending {
		pa.offset = total
		total += pa.nbytes
	}
	if total == 0 {
		return nil
	}
	block, err := allocateBlock(total, p.key)
	if err != nil {
		return errs.StorageError("Pool.Commit", "pool %s: %v", p.key, err)
	}
	p.block = block
	for _, pa := range p.pending {
		sub := p.block[pa.offset : pa.offset+pa.nbytes]
		bindVariable(pa.v, sub)
	}
	return nil
}

// Release frees the pool's backing storage.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.block == nil {
		return nil
	}
	err := releaseBlock(p.block)
	p.block = nil
	p.pending = nil
	return err
}

// allocateBlock reserves the requested bytes via mmap, honouring the NUMA
// and huge-page hints the way a device-specific work-group size check
// would gate allocation — here the check is simply "enough address space",
// mmap handles the rest; NUMA node binding is advisory (best-effort, see
// numa.go) since the standard library exposes no direct mbind wrapper.
func allocateBlock(n int64, key PoolKey) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if key.SHM {
		flags = unix.MAP_SHARED | unix.MAP_ANONYMOUS
	}
	b, err := unix.Mmap(-1, 0, int(n), prot, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	if key.NUMA >= 0 {
		_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
		bindNUMA(b, key.NUMA)
	}
	return b, nil
}

func releaseBlock(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
