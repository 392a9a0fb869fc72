// Package transport implements a wire protocol described in
// MPI terms (MPI_Isend/Irecv, MPI_BYTE payloads, a shared-memory window) on
// top of two concrete backends: a real network endpoint built on
// github.com/btracey/mpi (point-to-point Send/Receive/Wait over TCP), and
// an in-process loopback endpoint used by tests and by single-rank runs.
//
// btracey/mpi supplies Send/Receive/Wait but no asynchronous request
// handles and no collectives; Endpoint adds both, the way the halo engine
// needs Isend/Irecv/Wait pairs and the topology package needs a Barrier and
// an Allgather to agree on per-rank sizes.
package transport

import "github.com/wavekernel/stencil/errs"

// Request is a pending asynchronous send or receive.
type Request interface {
	// Wait blocks until the operation completes.
	Wait() error
	// Test returns true without blocking if the operation has completed.
	Test() (bool, error)
}

// Endpoint is the minimal point-to-point + collective surface the engine
// needs from a transport. Both NetworkEndpoint and LoopbackEndpoint
// implement it.
type Endpoint interface {
	Rank() int
	Size() int

	// IsendBytes starts a non-blocking send of data tagged tag to dst.
	IsendBytes(dst, tag int, data []byte) (Request, error)
	// IrecvBytes starts a non-blocking receive tagged tag from src into buf.
	IrecvBytes(src, tag int, buf []byte) (Request, error)

	// Barrier blocks every rank until all have called it.
	Barrier() error
	// Bcast distributes data from root to every rank.
	Bcast(root int, data []byte) ([]byte, error)
	// Allgather returns every rank's data, indexed by rank.
	Allgather(data []byte) ([][]byte, error)

	// Poke gives the transport a chance to make asynchronous progress
	// without blocking; used while spinning on a shared-memory lock.
	Poke()

	Finalize() error
}

// VarTag derives the stable per-variable MPI tag from its alphabetical
// ordinal, so both sides of an exchange agree on tags without
// negotiation. A small multiplier leaves room for per-direction tag bits.
func VarTag(ordinal int) int { return ordinal*4 + 1 }

func wrapComm(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.CommError(op, "%v", err)
}
