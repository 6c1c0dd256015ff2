package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Payload is the read-only source of a transfer. The engine borrows it for the duration of an upload
// and reads chunk ranges through ReadAt, so the same bytes can be resent on retry.
type Payload struct {
	r           io.ReaderAt
	size        int64
	ContentType string
}

// NewPayload wraps a random access reader of the given size.
func NewPayload(r io.ReaderAt, size int64) Payload {
	return Payload{r: r, size: size}
}

// BytesPayload wraps an in-memory buffer.
func BytesPayload(b []byte) Payload {
	return NewPayload(bytes.NewReader(b), int64(len(b)))
}

// OpenFilePayload opens the file at path. The caller must close the returned io.Closer
// once the transfer is over.
func OpenFilePayload(path string) (Payload, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		return Payload{}, nil, fmt.Errorf("open payload: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return Payload{}, nil, fmt.Errorf("stat payload: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return Payload{}, nil, fmt.Errorf("payload %s is a directory", path)
	}

	return NewPayload(file, info.Size()), file, nil
}

// Size ...
func (p Payload) Size() int64 {
	return p.size
}

// ReadAt implements io.ReaderAt.
func (p Payload) ReadAt(b []byte, off int64) (int, error) {
	if p.r == nil {
		return 0, io.EOF
	}
	return p.r.ReadAt(b, off)
}
