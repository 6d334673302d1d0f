package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single record frame's payload length. A length
// prefix larger than this is treated as corruption rather than an attempt
// to allocate an enormous buffer.
const MaxFrameSize = 64 << 20 // 64MiB

// FrameWriter writes the record framing described in SPEC_FULL.md §4.1:
// uvarint length prefix followed by payload bytes, terminated by a
// zero-length frame.
type FrameWriter struct {
	w   io.Writer
	buf [binary.MaxVarintLen64]byte
}

// NewFrameWriter wraps w for record-frame writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one record frame. payload may be empty — callers that
// need to distinguish an empty record from end-of-stream must encode that
// at the payload-codec layer.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	n := binary.PutUvarint(fw.buf[:], uint64(len(payload)))
	if _, err := fw.w.Write(fw.buf[:n]); err != nil {
		return fmt.Errorf("codec: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("codec: write frame payload: %w", err)
	}
	return nil
}

// WriteEndOfStream writes the zero-length sentinel frame that terminates a
// record stream.
func (fw *FrameWriter) WriteEndOfStream() error {
	return fw.WriteFrame(nil)
}

// SizeUvarint returns the number of bytes PutUvarint would write for x —
// the LEB128 "7 bits per byte, high bit set on all but the last" rule,
// needed by callers that must track a frame's exact on-disk length without
// re-encoding it.
func SizeUvarint(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// FrameReader reads the record framing written by FrameWriter from a
// buffered source, so that a truncated final frame is detected as
// ErrMalformed rather than silently treated as end-of-stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for record-frame reads.
func NewFrameReader(r io.Reader) *FrameReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameReader{r: br}
}

// ReadFrame returns the next frame's payload. end reports whether this was
// the zero-length end-of-stream sentinel, in which case payload is nil.
func (fr *FrameReader) ReadFrame() (payload []byte, end bool, err error) {
	length, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if err == io.EOF {
			// A stream that ends without its end-of-stream sentinel is a
			// truncated stream, not a clean close.
			return nil, false, fmt.Errorf("%w: stream ended before end-of-stream frame", ErrMalformed)
		}
		return nil, false, fmt.Errorf("codec: read frame header: %w", err)
	}
	if length == 0 {
		return nil, true, nil
	}
	if length > MaxFrameSize {
		return nil, false, fmt.Errorf("%w: frame length %d exceeds max %d", ErrTooLarge, length, MaxFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, false, fmt.Errorf("%w: truncated frame payload (want %d bytes)", ErrMalformed, length)
		}
		return nil, false, fmt.Errorf("codec: read frame payload: %w", err)
	}
	return buf, false, nil
}

// ReadAll drains every record frame up to (and including) the terminating
// zero-length frame, calling fn for each payload. It stops at the first
// error (a framing error wrapping ErrMalformed, a read error, or an error
// returned by fn) and returns only that error; fn has already been called
// for every frame read before it, so the valid prefix is whatever fn
// received.
func (fr *FrameReader) ReadAll(fn func(payload []byte) error) error {
	for {
		payload, end, err := fr.ReadFrame()
		if err != nil {
			return err
		}
		if end {
			return nil
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}
