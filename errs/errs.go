// Package errs defines the error taxonomy shared across the stencil engine.
//
// Errors are distinguished by kind, not by type hierarchy: every error
// constructed here implements error and carries an unexported kind so
// callers recover it with errors.As, the way the rest of the module wraps
// lower-level failures with fmt.Errorf("...: %w", err).
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the taxonomy's five buckets.
type Kind string

const (
	Config     Kind = "config"
	Storage    Kind = "storage"
	Scheduling Kind = "scheduling"
	Topology   Kind = "topology"
	Comm       Kind = "comm"
)

// Error is the concrete type returned by every constructor below.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ConfigError reports inconsistent solution configuration: size mismatches,
// impossible rank factorisations, halos larger than domain+wf_ext.
func ConfigError(op, format string, args ...interface{}) *Error {
	return newf(Config, op, format, args...)
}

// StorageError reports unallocated-variable writes, strict out-of-bounds
// access, or incompatible fuse_vars shapes.
func StorageError(op, format string, args ...interface{}) *Error {
	return newf(Storage, op, format, args...)
}

// SchedulingError reports run_solution before prepare_solution, or
// temporal blocking requested with mismatched per-pack block sizes.
func SchedulingError(op, format string, args ...interface{}) *Error {
	return newf(Scheduling, op, format, args...)
}

// TopologyError reports rank-count mismatches, duplicate coordinates, or
// missing neighbour size alignment.
func TopologyError(op, format string, args ...interface{}) *Error {
	return newf(Topology, op, format, args...)
}

// CommError reports a failure surfaced by a point-to-point or
// shared-memory primitive.
func CommError(op, format string, args ...interface{}) *Error {
	return newf(Comm, op, format, args...)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
