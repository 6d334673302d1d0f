package crdt

// LWW is a last-writer-wins register: the state with the larger timestamp
// wins outright; on a timestamp tie the values themselves are merged with a
// caller-supplied value-level merge (e.g. numeric max, or another CRDT).
type LWW[T any] struct {
	Value T
	TS    int64
	// Tombstone marks this register as deleted as of TS. A tombstoned
	// register with TS >= the extract cutoff is still visible (it hasn't
	// taken effect yet); below the cutoff it extracts to ok=false.
	Tombstone bool
}

// LWWFunc builds the CRDT contract for LWW[T]. valueMerge breaks ties when
// two registers carry the same timestamp; it must itself be commutative,
// associative and idempotent (e.g. a numeric max, or a nested CRDT merge).
func LWWFunc[T any](valueMerge func(a, b T) T) Func[LWW[T]] {
	return Func[LWW[T]]{
		Merge: func(a, b LWW[T]) LWW[T] {
			switch {
			case a.TS > b.TS:
				return a
			case b.TS > a.TS:
				return b
			default:
				return LWW[T]{
					Value:     valueMerge(a.Value, b.Value),
					TS:        a.TS,
					Tombstone: a.Tombstone || b.Tombstone,
				}
			}
		},
		Extract: func(s LWW[T], cutoff int64) (LWW[T], bool) {
			if s.Tombstone && s.TS < cutoff {
				var zero LWW[T]
				return zero, false
			}
			return s, true
		},
	}
}
