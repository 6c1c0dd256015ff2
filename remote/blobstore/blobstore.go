// Package blobstore implements remote.Store on top of a Go CDK bucket (file://, mem://, s3://).
//
// Parts are staged as separate objects under .blobrelay/<session>/ and concatenated
// into the destination key on Create.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Drivers
	_ "gocloud.dev/blob/fileblob" // file:// URLs
	_ "gocloud.dev/blob/memblob"  // mem:// URLs
	_ "gocloud.dev/blob/s3blob"   // s3:// URLs
)

const (
	stagingPrefix  = ".blobrelay/"
	manifestName   = "manifest.json"
	defaultExpiry  = time.Hour
	manifestFormat = 1
)

type manifest struct {
	Format int    `json:"format"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
}

// Option configures a Store.
type Option func(*Store)

// WithFingerprinter sets the digest algorithm parts are verified against on Create.
func WithFingerprinter(f chunk.Fingerprinter) Option {
	return func(s *Store) {
		s.fingerprinter = f
	}
}

// WithPublicBaseURL makes Locate return baseURL/key instead of a signed URL.
func WithPublicBaseURL(baseURL string) Option {
	return func(s *Store) {
		s.publicBaseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithURLExpiry sets the lifetime of signed URLs.
func WithURLExpiry(d time.Duration) Option {
	return func(s *Store) {
		s.expiry = d
	}
}

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store ...
type Store struct {
	bucket        *blob.Bucket
	fingerprinter chunk.Fingerprinter
	publicBaseURL string
	expiry        time.Duration
	logger        log.Logger
}

var (
	_ remote.Store        = (*Store)(nil)
	_ remote.FileUploader = (*Store)(nil)
)

// Open opens the bucket at bucketURL, for example "file:///var/lib/blobrelay" or "mem://".
func Open(ctx context.Context, bucketURL string, opts ...Option) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, transfer.NewError(transfer.KindConfiguration, "open bucket", fmt.Errorf("failed to open bucket: %w", err))
	}
	return New(bucket, opts...), nil
}

// New wraps an open bucket. The Store takes ownership of it.
func New(bucket *blob.Bucket, opts ...Option) *Store {
	s := &Store{
		bucket:        bucket,
		fingerprinter: chunk.MD5{},
		expiry:        defaultExpiry,
		logger:        log.NewLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// Precreate ...
func (s *Store) Precreate(ctx context.Context, p string, size int64, initialDigest string) (string, error) {
	key, err := objectKey(p)
	if err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	data, err := json.Marshal(manifest{Format: manifestFormat, Path: key, Size: size})
	if err != nil {
		return "", transfer.NewError(transfer.KindProtocol, "precreate", err)
	}
	if err := s.bucket.WriteAll(ctx, manifestKey(sessionID), data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return "", blobErr("precreate", err)
	}

	s.logger.Debugf("Staging session %s for %s (%d bytes)", sessionID, key, size)
	return sessionID, nil
}

// UploadPart ...
func (s *Store) UploadPart(ctx context.Context, sessionID, p string, seq int, data []byte) error {
	if _, err := s.readManifest(ctx, "upload part", sessionID); err != nil {
		return err
	}
	if err := s.bucket.WriteAll(ctx, partKey(sessionID, seq), data, nil); err != nil {
		return blobErr("upload part", err)
	}
	return nil
}

// Create verifies every staged part against its digest and concatenates them into the destination object.
func (s *Store) Create(ctx context.Context, sessionID, p string, size int64, digests []string) (transfer.Handle, error) {
	m, err := s.readManifest(ctx, "create", sessionID)
	if err != nil {
		return "", err
	}
	if m.Size != size {
		return "", transfer.Errorf(transfer.KindProtocol, "create", "size %d does not match the precreated size %d", size, m.Size)
	}

	// verify before writing so a bad session leaves no destination object behind
	var total int64
	for seq, digest := range digests {
		data, err := s.bucket.ReadAll(ctx, partKey(sessionID, seq))
		if err != nil {
			return "", blobErr("create", fmt.Errorf("part %d: %w", seq, err))
		}
		if actual := s.fingerprinter.Digest(data); actual != digest {
			return "", transfer.Errorf(transfer.KindProtocol, "create", "part %d digest mismatch: expected %s, got %s", seq, digest, actual)
		}
		total += int64(len(data))
	}
	if total != size {
		return "", transfer.Errorf(transfer.KindProtocol, "create", "parts hold %d bytes, expected %d", total, size)
	}

	w, err := s.bucket.NewWriter(ctx, m.Path, nil)
	if err != nil {
		return "", blobErr("create", err)
	}
	for seq := range digests {
		if err := s.copyPart(ctx, w, sessionID, seq); err != nil {
			_ = w.Close()
			_ = s.bucket.Delete(ctx, m.Path)
			return "", blobErr("create", err)
		}
	}
	if err := w.Close(); err != nil {
		_ = s.bucket.Delete(ctx, m.Path)
		return "", blobErr("create", err)
	}

	s.cleanup(ctx, sessionID)
	return transfer.Handle(m.Path), nil
}

// UploadFile writes the whole object in one stream.
func (s *Store) UploadFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (transfer.Handle, error) {
	key, err := objectKey(p)
	if err != nil {
		return "", err
	}

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", blobErr("upload file", err)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		err = errors.Join(err, w.Close())
		_ = s.bucket.Delete(ctx, key)
		return "", blobErr("upload file", err)
	}
	if err := w.Close(); err != nil {
		_ = s.bucket.Delete(ctx, key)
		return "", blobErr("upload file", err)
	}
	if size >= 0 && n != size {
		_ = s.bucket.Delete(ctx, key)
		return "", transfer.Errorf(transfer.KindProtocol, "upload file", "received %d bytes, expected %d", n, size)
	}

	return transfer.Handle(key), nil
}

// Locate ...
func (s *Store) Locate(ctx context.Context, handle transfer.Handle) (string, error) {
	key := string(handle)
	if _, err := s.bucket.Attributes(ctx, key); err != nil {
		return "", blobErr("locate", err)
	}

	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key, nil
	}

	signed, err := s.bucket.SignedURL(ctx, key, &blob.SignedURLOptions{Expiry: s.expiry})
	if err != nil {
		return "", blobErr("locate", err)
	}
	return signed, nil
}

// Delete ...
func (s *Store) Delete(ctx context.Context, handle transfer.Handle) error {
	if err := s.bucket.Delete(ctx, string(handle)); err != nil {
		return blobErr("delete", err)
	}
	return nil
}

// List returns the objects directly under dir, staging data excluded.
func (s *Store) List(ctx context.Context, dir string) ([]transfer.Entry, error) {
	prefix := strings.Trim(path.Clean("/"+dir), "/")
	if prefix != "" {
		prefix += "/"
	}

	var objects []*blob.ListObject
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, blobErr("list", err)
		}
		objects = append(objects, obj)
	}

	objects = lo.Filter(objects, func(obj *blob.ListObject, _ int) bool {
		return !strings.HasPrefix(obj.Key, stagingPrefix) && obj.Key != prefix
	})
	return lo.Map(objects, func(obj *blob.ListObject, _ int) transfer.Entry {
		return transfer.Entry{
			Handle:  transfer.Handle(strings.TrimSuffix(obj.Key, "/")),
			Path:    "/" + strings.TrimSuffix(obj.Key, "/"),
			Size:    obj.Size,
			IsDir:   obj.IsDir,
			ModTime: obj.ModTime,
		}
	}), nil
}

func (s *Store) readManifest(ctx context.Context, op, sessionID string) (manifest, error) {
	data, err := s.bucket.ReadAll(ctx, manifestKey(sessionID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return manifest{}, transfer.NewError(transfer.KindProtocol, op, fmt.Errorf("session %s: %w", sessionID, remote.ErrNotFound))
		}
		return manifest{}, blobErr(op, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, transfer.NewError(transfer.KindUpstreamDecode, op, fmt.Errorf("session %s manifest: %w", sessionID, err))
	}
	return m, nil
}

func (s *Store) copyPart(ctx context.Context, w io.Writer, sessionID string, seq int) error {
	r, err := s.bucket.NewReader(ctx, partKey(sessionID, seq), nil)
	if err != nil {
		return fmt.Errorf("part %d: %w", seq, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			s.logger.Warnf("Failed to close part %d of session %s: %s", seq, sessionID, err)
		}
	}()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("part %d: %w", seq, err)
	}
	return nil
}

func (s *Store) cleanup(ctx context.Context, sessionID string) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: stagingPrefix + sessionID + "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return
		} else if err != nil {
			s.logger.Warnf("Failed to list staged parts of session %s: %s", sessionID, err)
			return
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			s.logger.Warnf("Failed to remove staged object %s: %s", obj.Key, err)
		}
	}
}

func objectKey(p string) (string, error) {
	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	if key == "" {
		return "", transfer.Errorf(transfer.KindProtocol, "object key", "destination path %q names no object", p)
	}
	if strings.HasPrefix(key, stagingPrefix) {
		return "", transfer.Errorf(transfer.KindProtocol, "object key", "destination path %q is reserved", p)
	}
	return key, nil
}

func manifestKey(sessionID string) string {
	return stagingPrefix + sessionID + "/" + manifestName
}

func partKey(sessionID string, seq int) string {
	return stagingPrefix + sessionID + "/" + strconv.Itoa(seq)
}

// blobErr classifies a Go CDK error.
func blobErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return transfer.NewError(transfer.KindProtocol, op, fmt.Errorf("%w: %w", remote.ErrNotFound, err))
	case gcerrors.InvalidArgument, gcerrors.FailedPrecondition, gcerrors.AlreadyExists, gcerrors.Unimplemented:
		return transfer.NewError(transfer.KindProtocol, op, err)
	case gcerrors.PermissionDenied:
		return transfer.NewError(transfer.KindConfiguration, op, err)
	default:
		return transfer.NewError(transfer.KindTransient, op, err)
	}
}
