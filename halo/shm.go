package halo

import (
	"sync"

	"github.com/wavekernel/stencil/transport"
)

// shmRegistry hands out the same *transport.ShmBuffer to both ends of a
// (src, dst, varOrdinal) pair so they agree on the buffer the real MPI-3
// shared window would have allocated. btracey/mpi has no Win_allocate_shared
// equivalent and never will for a TCP-only transport, so this module
// approximates the shared-memory fast path with a process-local registry:
// real across goroutines-as-ranks (the transport.World test harness, and a
// single multi-threaded rank), not across OS processes.
type shmRegistry struct {
	mu  sync.Mutex
	buf map[string]*transport.ShmBuffer
}

var globalShmRegistry = &shmRegistry{buf: make(map[string]*transport.ShmBuffer)}

func (r *shmRegistry) getOrCreate(key string, nbytes int) *transport.ShmBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buf[key]; ok {
		return b
	}
	b := transport.NewShmBuffer(nbytes)
	r.buf[key] = b
	return b
}
