// Package remote defines the contract between the relay and the remote object stores it forwards to.
package remote

import (
	"context"
	"errors"
	"io"

	"github.com/bitrise-io/go-blobrelay/transfer"
)

// ErrNotFound is returned when a handle or session is unknown to the store.
var ErrNotFound = errors.New("not found")

// Store speaks a remote store's session protocol.
type Store interface {
	// Precreate opens an upload session and returns its id.
	Precreate(ctx context.Context, path string, size int64, initialDigest string) (string, error)
	// UploadPart stores the part with the given sequence.
	UploadPart(ctx context.Context, sessionID, path string, seq int, data []byte) error
	// Create commits the session's parts in digest order.
	Create(ctx context.Context, sessionID, path string, size int64, digests []string) (transfer.Handle, error)
	// Locate returns a URL the object can be fetched from.
	Locate(ctx context.Context, handle transfer.Handle) (string, error)
	Delete(ctx context.Context, handle transfer.Handle) error
	List(ctx context.Context, dir string) ([]transfer.Entry, error)
}

// FileUploader is implemented by stores which can take a whole file in one call.
type FileUploader interface {
	UploadFile(ctx context.Context, path string, r io.Reader, size int64, contentType string) (transfer.Handle, error)
}

// DirMaker is implemented by stores with explicit directories. Stores without it create
// directories implicitly when the first object below them is written.
type DirMaker interface {
	Mkdir(ctx context.Context, dir string) (transfer.Handle, error)
}

// Closer is implemented by stores holding resources.
type Closer interface {
	Close() error
}
