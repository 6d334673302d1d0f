// Package crdt defines the algebraic contract shared by every state stored
// in the cluster: a merge function that is commutative, associative, and
// idempotent, and an extract function that applies tombstones as of a given
// timestamp.
//
// The core never inspects S directly; it only ever calls through Func. This
// is the generic replacement for the reflective, code-generated serializer
// the original system relied on to move opaque states around (see
// SPEC_FULL.md §9).
package crdt

// Func is the CRDT contract a caller supplies for their state type S.
//
// Merge must be commutative, associative, and idempotent:
//
//	Merge(a, b) == Merge(b, a)
//	Merge(Merge(a, b), c) == Merge(a, Merge(b, c))
//	Merge(a, a) == a
//
// Extract returns the portion of state visible at or after timestamp ts, or
// ok == false if the state is fully tombstoned and must not be observed.
type Func[S any] struct {
	Merge   func(a, b S) S
	Extract func(s S, ts int64) (out S, ok bool)
}

// MergeAll reduces a slice of states to a single state using f.Merge. It
// panics if states is empty; callers are expected to seed with the first
// observed state.
func MergeAll[S any](f Func[S], states ...S) S {
	if len(states) == 0 {
		panic("crdt: MergeAll called with no states")
	}
	acc := states[0]
	for _, s := range states[1:] {
		acc = f.Merge(acc, s)
	}
	return acc
}
