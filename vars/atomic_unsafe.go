package vars

import "unsafe"

// atomicPtr32 and atomicPtr64 expose the address of a float32/float64 slice
// element for use with sync/atomic's uint32/uint64 primitives, since Go has
// no atomic float add. Both require the slice backing array stays alive for
// the pointer's lifetime, which AddToElement guarantees by holding v.
func atomicPtr32(f *float32) unsafe.Pointer { return unsafe.Pointer(f) }
func atomicPtr64(f *float64) unsafe.Pointer { return unsafe.Pointer(f) }
