// Package transfer holds the types shared by the chunked upload engine, the relay client and the relay server:
// the payload abstraction, the relay wire contract and the error taxonomy.
package transfer

import (
	"context"
	"time"
)

// Handle is the identifier a remote store returns for a finalized object.
// The engine never interprets it.
type Handle string

// String ...
func (h Handle) String() string {
	return string(h)
}

// OpenRequest starts an upload session.
type OpenRequest struct {
	DestinationPath string `json:"destination_path"`
	TotalSize       int64  `json:"total_size"`
	InitialDigest   string `json:"initial_digest"`
}

// OpenResponse ...
type OpenResponse struct {
	SessionID string `json:"session_id"`
}

// ChunkRequest carries one chunk of a session. Data holds the exact chunk bytes;
// the transport framing is chosen by the Relay implementation.
type ChunkRequest struct {
	SessionID       string `json:"session_id"`
	DestinationPath string `json:"destination_path"`
	Sequence        int    `json:"sequence"`
	Digest          string `json:"digest"`
	Data            []byte `json:"-"`
}

// FinalizeRequest commits the ordered digest list of a session.
type FinalizeRequest struct {
	SessionID       string   `json:"session_id"`
	DestinationPath string   `json:"destination_path"`
	TotalSize       int64    `json:"total_size"`
	Digests         []string `json:"digests"`
}

// FinalizeResponse ...
type FinalizeResponse struct {
	Handle Handle `json:"handle"`
}

// Entry is a remote object as reported by a listing.
type Entry struct {
	Handle  Handle    `json:"handle"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Relay is the contract between the upload session client and the relay forwarder.
//
// OpenSession and Finalize failures are fatal for a transfer, UploadChunk and ResolveHandle
// failures may be retried, Delete is best-effort.
type Relay interface {
	OpenSession(ctx context.Context, req OpenRequest) (OpenResponse, error)
	UploadChunk(ctx context.Context, req ChunkRequest) error
	Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error)
	ResolveHandle(ctx context.Context, handle Handle) (string, error)
	Delete(ctx context.Context, handle Handle) error
}

// Lister is implemented by relays which can enumerate remote objects.
type Lister interface {
	List(ctx context.Context, dir string) ([]Entry, error)
}
