// Package relay forwards upload sessions from clients to a remote store, and serves them over HTTP.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobrelay/notify"
	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-blobrelay/transfer/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/samber/lo"
)

// DefaultChunkSize is used when the relay chunks a whole-file upload itself.
const DefaultChunkSize = 10_000_000

// ErrIntegrity is returned when a chunk does not match its digest.
var ErrIntegrity = errors.New("chunk digest mismatch")

// Forwarder translates relay calls into the remote store's session protocol.
// It keeps no per-session state, any instance can serve any request of a session.
type Forwarder struct {
	store         remote.Store
	fingerprinter chunk.Fingerprinter
	verify        bool
	chunkSize     int64
	policy        retry.Policy
	notifier      notify.Notifier
	now           func() time.Time
	logger        log.Logger
}

var (
	_ transfer.Relay  = (*Forwarder)(nil)
	_ transfer.Lister = (*Forwarder)(nil)
)

// Option ...
type Option func(*Forwarder)

// WithFingerprinter sets the digest algorithm the remote store expects.
func WithFingerprinter(f chunk.Fingerprinter) Option {
	return func(fwd *Forwarder) {
		fwd.fingerprinter = f
	}
}

// WithIntegrityCheck makes the forwarder recompute every chunk digest before forwarding it.
func WithIntegrityCheck(enabled bool) Option {
	return func(fwd *Forwarder) {
		fwd.verify = enabled
	}
}

// WithChunkSize ...
func WithChunkSize(size int64) Option {
	return func(fwd *Forwarder) {
		fwd.chunkSize = size
	}
}

// WithRetryPolicy is applied to parts of whole-file uploads, which the relay drives itself.
func WithRetryPolicy(p retry.Policy) Option {
	return func(fwd *Forwarder) {
		fwd.policy = p
	}
}

// WithNotifier ...
func WithNotifier(n notify.Notifier) Option {
	return func(fwd *Forwarder) {
		fwd.notifier = n
	}
}

// WithClock ...
func WithClock(now func() time.Time) Option {
	return func(fwd *Forwarder) {
		fwd.now = now
	}
}

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(fwd *Forwarder) {
		fwd.logger = logger
	}
}

// NewForwarder ...
func NewForwarder(store remote.Store, opts ...Option) (*Forwarder, error) {
	fwd := &Forwarder{
		store:         store,
		fingerprinter: chunk.MD5{},
		verify:        true,
		chunkSize:     DefaultChunkSize,
		policy:        retry.DefaultPolicy(),
		now:           time.Now,
		logger:        log.NewLogger(),
	}
	for _, opt := range opts {
		opt(fwd)
	}

	if fwd.store == nil {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new forwarder", "remote store is nil")
	}
	if fwd.fingerprinter == nil {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new forwarder", "fingerprinter is nil")
	}
	if fwd.chunkSize <= 0 {
		return nil, transfer.NewError(transfer.KindConfiguration, "new forwarder", fmt.Errorf("%w, got %d", chunk.ErrChunkSize, fwd.chunkSize))
	}
	return fwd, nil
}

// OpenSession ...
func (f *Forwarder) OpenSession(ctx context.Context, req transfer.OpenRequest) (transfer.OpenResponse, error) {
	if err := validatePath("open session", req.DestinationPath); err != nil {
		return transfer.OpenResponse{}, err
	}
	if req.TotalSize < 0 {
		return transfer.OpenResponse{}, transfer.Errorf(transfer.KindProtocol, "open session", "negative total size %d", req.TotalSize)
	}
	initialDigest := strings.ToLower(req.InitialDigest)
	if initialDigest == "" {
		initialDigest = chunk.PlaceholderDigest
	}

	sessionID, err := f.store.Precreate(ctx, req.DestinationPath, req.TotalSize, initialDigest)
	if err != nil {
		return transfer.OpenResponse{}, err
	}

	f.logger.Infof("Session %s opened for %s (%d bytes)", sessionID, req.DestinationPath, req.TotalSize)
	return transfer.OpenResponse{SessionID: sessionID}, nil
}

// UploadChunk verifies the chunk digest, when enabled, and forwards the part.
func (f *Forwarder) UploadChunk(ctx context.Context, req transfer.ChunkRequest) error {
	if err := f.uploadChunk(ctx, req); err != nil {
		var terr *transfer.Error
		if errors.As(err, &terr) && terr.Sequence == transfer.NoSequence {
			terr.Sequence = req.Sequence
		}
		return err
	}
	return nil
}

func (f *Forwarder) uploadChunk(ctx context.Context, req transfer.ChunkRequest) error {
	if req.SessionID == "" {
		return transfer.Errorf(transfer.KindProtocol, "upload chunk", "session id is empty")
	}
	if err := validatePath("upload chunk", req.DestinationPath); err != nil {
		return err
	}
	if req.Sequence < 0 {
		return transfer.Errorf(transfer.KindProtocol, "upload chunk", "negative sequence %d", req.Sequence)
	}

	if digest := strings.ToLower(req.Digest); f.verify && digest != "" {
		if got := f.fingerprinter.Digest(req.Data); got != digest {
			// Corruption in transit, resending the chunk may succeed.
			return transfer.NewError(transfer.KindTransient, "upload chunk",
				fmt.Errorf("%w: chunk %d expected %s, got %s", ErrIntegrity, req.Sequence, req.Digest, got))
		}
	}

	if err := f.store.UploadPart(ctx, req.SessionID, req.DestinationPath, req.Sequence, req.Data); err != nil {
		return err
	}

	f.logger.Debugf("Chunk %d (%d bytes) of session %s forwarded", req.Sequence, len(req.Data), req.SessionID)
	return nil
}

// Finalize commits the session and announces the completed object.
func (f *Forwarder) Finalize(ctx context.Context, req transfer.FinalizeRequest) (transfer.FinalizeResponse, error) {
	if req.SessionID == "" {
		return transfer.FinalizeResponse{}, transfer.Errorf(transfer.KindProtocol, "finalize", "session id is empty")
	}
	if err := validatePath("finalize", req.DestinationPath); err != nil {
		return transfer.FinalizeResponse{}, err
	}

	// stores compare lowercase hex
	digests := lo.Map(req.Digests, func(d string, _ int) string { return strings.ToLower(d) })
	handle, err := f.store.Create(ctx, req.SessionID, req.DestinationPath, req.TotalSize, digests)
	if err != nil {
		return transfer.FinalizeResponse{}, err
	}
	if handle == "" {
		return transfer.FinalizeResponse{}, transfer.Errorf(transfer.KindUpstreamDecode, "finalize", "remote store returned an empty handle")
	}

	f.logger.Donef("Session %s finalized as %s (%d chunks)", req.SessionID, handle, len(req.Digests))
	f.notifyComplete(ctx, handle, req.DestinationPath, req.TotalSize)
	return transfer.FinalizeResponse{Handle: handle}, nil
}

// UploadFile stores a whole object. Stores with a native whole-file path get the stream as is,
// for the others the relay splits it and drives the session protocol itself.
func (f *Forwarder) UploadFile(ctx context.Context, destinationPath string, r io.Reader, size int64, contentType string) (transfer.Handle, error) {
	if err := validatePath("upload file", destinationPath); err != nil {
		return "", err
	}
	if size < 0 {
		return "", transfer.Errorf(transfer.KindProtocol, "upload file", "unknown content length")
	}

	var (
		handle transfer.Handle
		err    error
	)
	if uploader, ok := f.store.(remote.FileUploader); ok {
		f.logger.Debugf("Handing %s (%d bytes) to the store's file uploader", destinationPath, size)
		handle, err = uploader.UploadFile(ctx, destinationPath, r, size, contentType)
	} else {
		handle, err = f.replay(ctx, destinationPath, r, size)
	}
	if err != nil {
		return "", err
	}

	f.logger.Donef("File %s stored as %s", destinationPath, handle)
	f.notifyComplete(ctx, handle, destinationPath, size)
	return handle, nil
}

func (f *Forwarder) replay(ctx context.Context, destinationPath string, r io.Reader, size int64) (transfer.Handle, error) {
	splitter, err := chunk.NewSplitter(size, f.chunkSize)
	if err != nil {
		return "", transfer.NewError(transfer.KindConfiguration, "upload file", err)
	}

	sessionID, err := f.store.Precreate(ctx, destinationPath, size, chunk.PlaceholderDigest)
	if err != nil {
		return "", err
	}

	digests := make([]string, 0, splitter.Count())
	buf := make([]byte, min(f.chunkSize, size))
	for rng := range splitter.All() {
		data := buf[:rng.Len()]
		if _, err := io.ReadFull(r, data); err != nil {
			return "", transfer.NewError(transfer.KindProtocol, "upload file", fmt.Errorf("read chunk %d: %w", rng.Sequence, err))
		}
		c, err := chunk.New(rng, data)
		if err != nil {
			return "", transfer.NewError(transfer.KindProtocol, "upload file", err)
		}

		policy := f.policy
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			f.logger.Warnf("Part %d of %s failed (attempt %d), retrying in %s: %s", rng.Sequence, destinationPath, attempt, delay, err)
		}
		if err := policy.Do(ctx, func(ctx context.Context, _ int) error {
			return f.store.UploadPart(ctx, sessionID, destinationPath, rng.Sequence, c.Bytes())
		}); err != nil {
			return "", err
		}
		digests = append(digests, c.Fingerprint(f.fingerprinter))
	}

	return f.store.Create(ctx, sessionID, destinationPath, size, digests)
}

// ResolveHandle ...
func (f *Forwarder) ResolveHandle(ctx context.Context, handle transfer.Handle) (string, error) {
	if handle == "" {
		return "", transfer.Errorf(transfer.KindProtocol, "resolve handle", "handle is empty")
	}
	return f.store.Locate(ctx, handle)
}

// Delete ...
func (f *Forwarder) Delete(ctx context.Context, handle transfer.Handle) error {
	if handle == "" {
		return transfer.Errorf(transfer.KindProtocol, "delete", "handle is empty")
	}
	if err := f.store.Delete(ctx, handle); err != nil {
		f.logger.Warnf("Failed to delete %s: %s", handle, err)
		return err
	}
	return nil
}

// List ...
func (f *Forwarder) List(ctx context.Context, dir string) ([]transfer.Entry, error) {
	if dir == "" {
		dir = "/"
	}
	return f.store.List(ctx, dir)
}

// Mkdir creates dir on stores with explicit directories. On the others it is a no-op
// returning an empty handle.
func (f *Forwarder) Mkdir(ctx context.Context, dir string) (transfer.Handle, error) {
	if err := validatePath("mkdir", dir); err != nil {
		return "", err
	}
	maker, ok := f.store.(remote.DirMaker)
	if !ok {
		f.logger.Debugf("Store has implicit directories, skipping mkdir %s", dir)
		return "", nil
	}

	handle, err := maker.Mkdir(ctx, dir)
	if err != nil {
		return "", err
	}
	f.logger.Infof("Directory %s created (%s)", dir, handle)
	return handle, nil
}

// Close releases the store's resources.
func (f *Forwarder) Close() error {
	if closer, ok := f.store.(remote.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (f *Forwarder) notifyComplete(ctx context.Context, handle transfer.Handle, destinationPath string, size int64) {
	if f.notifier == nil {
		return
	}
	if err := f.notifier.NotifyComplete(ctx, notify.Completion{
		Handle:      handle,
		Path:        destinationPath,
		Size:        size,
		CompletedAt: f.now().UTC(),
	}); err != nil {
		f.logger.Warnf("Failed to announce %s: %s", handle, err)
	}
}

func validatePath(op, p string) error {
	if strings.TrimSpace(p) == "" {
		return transfer.Errorf(transfer.KindProtocol, op, "destination path is empty")
	}
	return nil
}
