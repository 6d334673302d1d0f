package codec

// Record is the wire/on-disk tuple (K, S, τ) described in spec.md §3. The
// core only ever moves Records as opaque byte payloads produced by a
// caller-supplied Codec; it never inspects K or S directly.
type Record[K any, S any] struct {
	Key       K
	State     S
	Timestamp int64
}

// Codec is supplied by the caller to turn typed Records into bytes and
// back. This is the direct replacement for the reflective, code-generated
// serializer flagged for re-architecture in SPEC_FULL.md §9 — any type
// satisfying this interface can be handed to the WAL, storage, and cluster
// layers without them needing to know anything about K or S.
type Codec[K any, S any] interface {
	Encode(Record[K, S]) ([]byte, error)
	Decode([]byte) (Record[K, S], error)
}

// KeyCodec encodes/decodes a bare key, used by the remove-sink's tombstone
// stream (spec.md §4.3).
type KeyCodec[K any] interface {
	EncodeKey(K) ([]byte, error)
	DecodeKey([]byte) (K, error)
}
