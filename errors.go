// Package crdtstore defines the error taxonomy shared across the CRDT
// cluster storage core (SPEC_FULL.md §7). Package cluster reports a failed
// quorum as a *PartitionErrors, which unwraps to ErrExhausted; codec and
// wal keep sentinels of their own (codec.ErrMalformed, wal.ErrClosed,
// wal.ErrCorrupt). ErrConflict, ErrFatal and ErrShutdown are declared here
// but no package in this module returns them.
package crdtstore

import (
	"errors"
	"strconv"
)

var (
	// ErrConflict marks a caller violating a precondition, e.g.
	// issuing a body-bearing request on a body-less operation. Immediate,
	// never retried.
	ErrConflict = errors.New("crdtstore: precondition violated")

	// ErrExhausted is returned when a quorum could not be reached within
	// the configured replication policy. Callers inspect the wrapped
	// *PartitionErrors for the attempted partitions and their causes.
	ErrExhausted = errors.New("crdtstore: quorum not reachable")

	// ErrFatal marks an unrecoverable fault: WAL disk exhaustion, a
	// checksum mismatch on a sealed segment header, or corrupted
	// id-generator state. The node must stop and an operator must act.
	ErrFatal = errors.New("crdtstore: unrecoverable storage fault")

	// ErrShutdown marks an operation aborted because the node is stopping.
	ErrShutdown = errors.New("crdtstore: operation aborted by shutdown")
)

// PartitionError pairs a partition identifier with the error observed
// contacting it, one entry per attempted replica in a failed quorum
// operation.
type PartitionError struct {
	Partition string
	Err       error
}

// PartitionErrors wraps ErrExhausted with the set of partitions attempted
// and their individual failures (spec.md §7: "surfaces to the caller with
// the set of attempted partitions and their sub-errors").
type PartitionErrors struct {
	Op      string
	Want    int // quorum required
	Got     int // acks actually observed
	Attempt []PartitionError
}

func (e *PartitionErrors) Error() string {
	msg := e.Op + ": wanted " + strconv.Itoa(e.Want) + " acks, got " + strconv.Itoa(e.Got) + " ("
	for i, a := range e.Attempt {
		if i > 0 {
			msg += ", "
		}
		msg += a.Partition + ": " + a.Err.Error()
	}
	return msg + ")"
}

func (e *PartitionErrors) Unwrap() error { return ErrExhausted }
