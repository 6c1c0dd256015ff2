package chunk

import (
	"fmt"
	"io"
	"sync"
)

// Chunk is the in-memory content of one Range. The bytes are kept so retries resend exactly the same data.
type Chunk struct {
	Range

	data   []byte
	once   sync.Once
	digest string
}

// New wraps data as the chunk for r. data must be r.Len() bytes long.
func New(r Range, data []byte) (*Chunk, error) {
	if int64(len(data)) != r.Len() {
		return nil, fmt.Errorf("chunk %d: expected %d bytes, got %d", r.Sequence, r.Len(), len(data))
	}
	return &Chunk{Range: r, data: data}, nil
}

// Read loads the bytes of r from the payload.
func Read(src io.ReaderAt, r Range) (*Chunk, error) {
	data := make([]byte, r.Len())
	n, err := src.ReadAt(data, r.Start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", r.Sequence, err)
	}
	if int64(n) != r.Len() {
		return nil, fmt.Errorf("read chunk %d: unexpected end of payload after %d of %d bytes", r.Sequence, n, r.Len())
	}

	return &Chunk{Range: r, data: data}, nil
}

// Bytes returns the chunk content. Callers must not modify it.
func (c *Chunk) Bytes() []byte {
	return c.data
}

// Fingerprint computes the chunk digest once; later calls return the memoised value.
func (c *Chunk) Fingerprint(f Fingerprinter) string {
	c.once.Do(func() {
		c.digest = f.Digest(c.data)
	})
	return c.digest
}
