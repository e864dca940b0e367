// Package compression wraps the xz/lzma codec behind the byte-oriented
// streaming transform the rest of the system uses. Codec internals are
// opaque here; the package only moves bytes in and out.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Compressor is a push-style lzma compressor. Compressed output becomes
// available incrementally from Compress and the remainder from Finish.
type Compressor struct {
	buf      bytes.Buffer
	w        *lzma.Writer
	finished bool
}

func NewCompressor() (*Compressor, error) {
	c := &Compressor{}
	w, err := lzma.NewWriter(&c.buf)
	if err != nil {
		return nil, fmt.Errorf("new lzma writer: %w", err)
	}
	c.w = w
	return c, nil
}

// Compress consumes p and returns whatever compressed bytes the codec has
// produced so far. The returned slice may be empty; full output is only
// guaranteed after Finish.
func (c *Compressor) Compress(p []byte) ([]byte, error) {
	if c.finished {
		return nil, fmt.Errorf("compressor already finished")
	}
	if _, err := c.w.Write(p); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return c.drain(), nil
}

// Finish closes the compressed stream and returns all remaining output.
func (c *Compressor) Finish() ([]byte, error) {
	if c.finished {
		return nil, fmt.Errorf("compressor already finished")
	}
	c.finished = true
	if err := c.w.Close(); err != nil {
		return nil, fmt.Errorf("finish compress: %w", err)
	}
	return c.drain(), nil
}

func (c *Compressor) drain() []byte {
	if c.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	c.buf.Reset()
	return out
}

// Decompressor is the inverse push-style transform. Input chunks are
// buffered; the decoded payload is produced by Finish once the full stream
// has been supplied.
type Decompressor struct {
	buf      bytes.Buffer
	finished bool
}

func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

// Decompress buffers a chunk of compressed input.
func (d *Decompressor) Decompress(p []byte) error {
	if d.finished {
		return fmt.Errorf("decompressor already finished")
	}
	d.buf.Write(p)
	return nil
}

// Finish decodes the buffered stream and returns the payload.
func (d *Decompressor) Finish() ([]byte, error) {
	if d.finished {
		return nil, fmt.Errorf("decompressor already finished")
	}
	d.finished = true
	r, err := lzma.NewReader(&d.buf)
	if err != nil {
		return nil, fmt.Errorf("new lzma reader: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// NewXZReader wraps r so reads yield the decompressed content of an .xz
// container. Used when importing .rlog.xz sources.
func NewXZReader(r io.Reader) (io.Reader, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("new xz reader: %w", err)
	}
	return xr, nil
}

// NewXZWriter wraps w so writes are stored xz-compressed. The returned
// writer must be closed to flush the container footer.
func NewXZWriter(w io.Writer) (io.WriteCloser, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("new xz writer: %w", err)
	}
	return xw, nil
}
