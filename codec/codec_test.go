package codec_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/crdtstore/codec"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := codec.NewFrameWriter(&buf)
	payloads := [][]byte{[]byte("hello"), []byte(""), []byte("world")}
	for _, p := range payloads {
		require.NoError(t, fw.WriteFrame(p))
	}
	require.NoError(t, fw.WriteEndOfStream())

	fr := codec.NewFrameReader(&buf)
	var got [][]byte
	err := fr.ReadAll(func(payload []byte) error {
		cp := append([]byte(nil), payload...)
		got = append(got, cp)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, len(payloads))
	for i, p := range payloads {
		assert.Equal(t, p, got[i])
	}
}

func TestFrameReaderRejectsTruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	fw := codec.NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame([]byte("abcdef")))
	require.NoError(t, fw.WriteEndOfStream())

	full := buf.Bytes()
	truncated := full[:len(full)-3] // cut into the last frame's payload

	fr := codec.NewFrameReader(bytes.NewReader(truncated))
	err := fr.ReadAll(func([]byte) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cw := codec.NewCommandWriter(&buf)
	require.NoError(t, cw.WriteCommand(codec.AckCommand()))
	require.NoError(t, cw.WriteCommand(codec.ErrorCommand("boom")))

	cr := codec.NewCommandReader(&buf)
	ack, err := cr.ReadCommand()
	require.NoError(t, err)
	assert.True(t, ack.IsAck())

	errCmd, err := cr.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, "boom", errCmd.Error)
	assert.False(t, errCmd.IsAck())
}

func TestCompressedBlockRoundTripLZ4(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	require.NoError(t, codec.WriteCompressedBlock(&buf, codec.MethodLZ4, payload))

	out, err := codec.ReadCompressedBlock(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestCompressedBlockRoundTripNone(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("short")
	require.NoError(t, codec.WriteCompressedBlock(&buf, codec.MethodNone, payload))

	out, err := codec.ReadCompressedBlock(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestCompressedBlockDetectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, codec.WriteCompressedBlock(&buf, codec.MethodNone, []byte("hello world")))

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err := codec.ReadCompressedBlock(bytes.NewReader(corrupted))
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}

func TestCompressedBlockDetectsTruncatedHeader(t *testing.T) {
	_, err := codec.ReadCompressedBlock(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrMalformed))
}
