package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("sensor sample payload "), 512)

	c, err := NewCompressor()
	require.NoError(t, err)

	var compressed []byte
	for i := 0; i < len(payload); i += 100 {
		end := i + 100
		if end > len(payload) {
			end = len(payload)
		}
		out, err := c.Compress(payload[i:end])
		require.NoError(t, err)
		compressed = append(compressed, out...)
	}
	tail, err := c.Finish()
	require.NoError(t, err)
	compressed = append(compressed, tail...)
	require.NotEmpty(t, compressed)
	assert.Less(t, len(compressed), len(payload))

	d := NewDecompressor()
	for i := 0; i < len(compressed); i += 64 {
		end := i + 64
		if end > len(compressed) {
			end = len(compressed)
		}
		require.NoError(t, d.Decompress(compressed[i:end]))
	}
	got, err := d.Finish()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFinishTwice(t *testing.T) {
	c, err := NewCompressor()
	require.NoError(t, err)
	_, err = c.Finish()
	require.NoError(t, err)
	_, err = c.Finish()
	assert.Error(t, err)
}

func TestXZRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("xyz"), 1000)

	var buf bytes.Buffer
	w, err := NewXZWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewXZReader(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
