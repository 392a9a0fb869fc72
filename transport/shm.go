package transport

import (
	"sync/atomic"
	"time"
)

// lockState is a 4-state handshake standing in for an MPI-3 shared window:
// {writing, full, reading, empty}. The writer owns
// the writing->full transition; the reader owns the full->reading and
// reading->empty transitions, so the lock is point-to-point — exactly one
// writer rank and one reader rank ever touch a given ShmBuffer.
type lockState uint32

const (
	stateEmpty lockState = iota
	stateWriting
	stateFull
	stateReading
)

// ShmBuffer is the shared-memory fast path for one (variable, neighbour,
// direction) pair when both ranks live in the same shared-memory group:
// the sender writes directly into the buffer the receiver reads from,
// coordinated by an embedded spin lock instead of Isend/Irecv.
type ShmBuffer struct {
	data  []byte
	state atomic.Uint32
}

// NewShmBuffer allocates a buffer of n bytes in state empty (ok-to-write).
func NewShmBuffer(n int) *ShmBuffer {
	b := &ShmBuffer{data: make([]byte, n)}
	b.state.Store(uint32(stateEmpty))
	return b
}

// Bytes exposes the underlying storage for in-place packing/unpacking.
func (b *ShmBuffer) Bytes() []byte { return b.data }

const (
	spinBackoffStart = 200 * time.Nanosecond
	spinBackoffMax   = 20 * time.Microsecond
)

// spin polls until cond is true, backing off exponentially and calling
// poke (an Endpoint's non-blocking progress hook) periodically so a
// concurrent real MPI wait elsewhere in the process keeps advancing:
// bounded backoff with an MPI progress poke interleaved to avoid deadlock.
func spin(cond func() bool, poke func()) {
	backoff := spinBackoffStart
	for !cond() {
		if poke != nil {
			poke()
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > spinBackoffMax {
			backoff = spinBackoffMax
		}
	}
}

// WriteRelease waits until the buffer is empty (ok-to-write), runs fill to
// populate b.data, then releases it to the reader (empty -> full via
// writing).
func (b *ShmBuffer) WriteRelease(fill func([]byte), poke func()) {
	spin(func() bool {
		return lockState(b.state.Load()) == stateEmpty
	}, poke)
	b.state.Store(uint32(stateWriting))
	fill(b.data)
	b.state.Store(uint32(stateFull))
}

// ReadRelease waits until the buffer is full, runs consume over b.data,
// then releases it back to the writer (full -> empty via reading).
func (b *ShmBuffer) ReadRelease(consume func([]byte), poke func()) {
	spin(func() bool {
		return lockState(b.state.Load()) == stateFull
	}, poke)
	b.state.Store(uint32(stateReading))
	consume(b.data)
	b.state.Store(uint32(stateEmpty))
}
