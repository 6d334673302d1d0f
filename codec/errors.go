package codec

import "errors"

// ErrMalformed is returned when a frame or block fails to decode — a
// truncated final block, a corrupt checksum, or a length prefix that
// overruns the available bytes. It is never retried by the caller; the
// session is torn down.
var ErrMalformed = errors.New("codec: malformed frame")

// ErrTooLarge is returned when a decoded frame length exceeds MaxFrameSize.
var ErrTooLarge = errors.New("codec: frame exceeds maximum size")
