package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
)

// Compression methods for the compressed block header's method byte.
const (
	MethodNone Method = 0
	MethodLZ4  Method = 1
)

// Method identifies the block compression codec used for a compressed
// frame group (SPEC_FULL.md §4.1 / spec.md §6).
type Method uint8

var blockMagic = [8]byte{'C', 'R', 'D', 'T', 'B', 'L', 'K', 0x01}

const blockHeaderLen = 8 + 4 + 4 + 1 + 4 // magic + origSize + compSize + method + checksum

// WriteCompressedBlock compresses payload with method and writes the
// 21-byte header (magic, original size, compressed size, method, checksum)
// followed by the compressed bytes, so that truncation of either the header
// or the body is detectable on read.
func WriteCompressedBlock(w io.Writer, method Method, payload []byte) error {
	var compressed []byte
	switch method {
	case MethodNone:
		compressed = payload
	case MethodLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, buf)
		if err != nil {
			return fmt.Errorf("codec: lz4 compress: %w", err)
		}
		if n == 0 && len(payload) > 0 {
			// Incompressible input: lz4 signals this by writing nothing.
			method = MethodNone
			compressed = payload
		} else {
			compressed = buf[:n]
		}
	default:
		return fmt.Errorf("codec: unknown compression method %d", method)
	}

	header := make([]byte, blockHeaderLen)
	copy(header[0:8], blockMagic[:])
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(compressed)))
	header[16] = byte(method)
	binary.LittleEndian.PutUint32(header[17:21], uint32(xxhash.Sum64(compressed)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("codec: write block header: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("codec: write block body: %w", err)
	}
	return nil
}

// ReadCompressedBlock reads and decompresses one block written by
// WriteCompressedBlock, rejecting a truncated header or body and a checksum
// mismatch as ErrMalformed.
func ReadCompressedBlock(r io.Reader) ([]byte, error) {
	header := make([]byte, blockHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: truncated block header: %v", ErrMalformed, err)
	}
	if string(header[0:8]) != string(blockMagic[:]) {
		return nil, fmt.Errorf("%w: bad block magic", ErrMalformed)
	}
	origSize := binary.LittleEndian.Uint32(header[8:12])
	compSize := binary.LittleEndian.Uint32(header[12:16])
	method := Method(header[16])
	wantChecksum := binary.LittleEndian.Uint32(header[17:21])

	if compSize > MaxFrameSize {
		return nil, fmt.Errorf("%w: compressed block size %d exceeds max", ErrTooLarge, compSize)
	}

	body := make([]byte, compSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated block body (want %d bytes): %v", ErrMalformed, compSize, err)
	}
	if uint32(xxhash.Sum64(body)) != wantChecksum {
		return nil, fmt.Errorf("%w: block checksum mismatch", ErrMalformed)
	}

	switch method {
	case MethodNone:
		return body, nil
	case MethodLZ4:
		out := make([]byte, origSize)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decompress: %v", ErrMalformed, err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("%w: unknown compression method %d", ErrMalformed, method)
	}
}
