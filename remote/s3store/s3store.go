// Package s3store implements remote.Store with S3 multipart uploads.
package s3store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-blobrelay/internal/awsconfig"
	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	defaultPresignExpiry = time.Hour
	// PartSize used by the whole-file uploader.
	uploaderPartSize = 10 * 1024 * 1024
)

// API is the subset of the S3 client the store uses.
type API interface {
	manager.UploadAPIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Presigner signs fetch URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Params ...
type Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint (MinIO, R2), path style addressing is used then.
	Endpoint      string
	PresignExpiry time.Duration
}

// Store ...
type Store struct {
	client        API
	presigner     Presigner
	bucket        string
	presignExpiry time.Duration
	logger        log.Logger
}

var (
	_ remote.Store        = (*Store)(nil)
	_ remote.FileUploader = (*Store)(nil)
	_ remote.DirMaker     = (*Store)(nil)
)

// Open builds the S3 client from params.
func Open(ctx context.Context, params Params, logger log.Logger) (*Store, error) {
	if params.Bucket == "" {
		return nil, transfer.Errorf(transfer.KindConfiguration, "open s3 store", "bucket must not be empty")
	}

	cfg, err := awsconfig.Load(ctx, awsconfig.Params{
		Region:          params.Region,
		AccessKeyID:     params.AccessKeyID,
		SecretAccessKey: params.SecretAccessKey,
	}, logger)
	if err != nil {
		return nil, transfer.NewError(transfer.KindConfiguration, "open s3 store", fmt.Errorf("load aws credentials: %w", err))
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return New(client, s3.NewPresignClient(client), params.Bucket, params.PresignExpiry, logger), nil
}

// New ...
func New(client API, presigner Presigner, bucket string, presignExpiry time.Duration, logger log.Logger) *Store {
	if presignExpiry <= 0 {
		presignExpiry = defaultPresignExpiry
	}
	return &Store{
		client:        client,
		presigner:     presigner,
		bucket:        bucket,
		presignExpiry: presignExpiry,
		logger:        logger,
	}
}

// Precreate starts a multipart upload; its upload id is the session id.
func (s *Store) Precreate(ctx context.Context, p string, size int64, initialDigest string) (string, error) {
	key, err := objectKey(p)
	if err != nil {
		return "", err
	}

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classify(ctx, "precreate", err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", transfer.Errorf(transfer.KindProtocol, "precreate", "no upload id for %s", key)
	}

	s.logger.Debugf("[s3] multipart upload %s started for %s (%d bytes)", *out.UploadId, key, size)
	return *out.UploadId, nil
}

// UploadPart stores part seq as multipart part seq+1.
func (s *Store) UploadPart(ctx context.Context, sessionID, p string, seq int, data []byte) error {
	key, err := objectKey(p)
	if err != nil {
		return err
	}

	sum := md5.Sum(data)
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(sessionID),
		PartNumber:    aws.Int32(int32(seq + 1)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	if err != nil {
		return classify(ctx, "upload part", err)
	}

	s.logger.Debugf("[s3] part %d of %s stored, ETag: %s", seq+1, sessionID, aws.ToString(out.ETag))
	return nil
}

// Create completes the multipart upload. Part ETags are the quoted MD5 digests, so S3 rejects
// a digest list which does not match the stored parts.
func (s *Store) Create(ctx context.Context, sessionID, p string, size int64, digests []string) (transfer.Handle, error) {
	key, err := objectKey(p)
	if err != nil {
		return "", err
	}

	if len(digests) == 0 {
		return s.createEmpty(ctx, sessionID, key, size)
	}

	parts := make([]types.CompletedPart, 0, len(digests))
	for i, digest := range digests {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(fmt.Sprintf("%q", digest)),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(sessionID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return "", classify(ctx, "create", err)
	}
	return transfer.Handle(key), nil
}

// S3 refuses to complete a multipart upload without parts.
func (s *Store) createEmpty(ctx context.Context, sessionID, key string, size int64) (transfer.Handle, error) {
	if size != 0 {
		return "", transfer.Errorf(transfer.KindProtocol, "create", "no parts for a %d byte object", size)
	}

	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(sessionID),
	}); err != nil {
		s.logger.Warnf("[s3] failed to abort empty multipart upload %s: %s", sessionID, err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	}); err != nil {
		return "", classify(ctx, "create", err)
	}
	return transfer.Handle(key), nil
}

// Mkdir writes an empty "dir/" marker object so the prefix shows up in listings before
// anything is uploaded into it.
func (s *Store) Mkdir(ctx context.Context, dir string) (transfer.Handle, error) {
	key, err := objectKey(dir)
	if err != nil {
		return "", err
	}
	key += "/"

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	}); err != nil {
		return "", classify(ctx, "mkdir", err)
	}
	return transfer.Handle(key), nil
}

// UploadFile streams a whole object through the multipart upload manager.
func (s *Store) UploadFile(ctx context.Context, p string, r io.Reader, size int64, contentType string) (transfer.Handle, error) {
	key, err := objectKey(p)
	if err != nil {
		return "", err
	}

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = uploaderPartSize
	})

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := uploader.Upload(ctx, input); err != nil {
		return "", classify(ctx, "upload file", err)
	}
	return transfer.Handle(key), nil
}

// Locate returns a presigned GET URL.
func (s *Store) Locate(ctx context.Context, handle transfer.Handle) (string, error) {
	key := string(handle)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return "", classify(ctx, "locate", err)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.presignExpiry
	})
	if err != nil {
		return "", classify(ctx, "locate", err)
	}
	return req.URL, nil
}

// Delete ...
func (s *Store) Delete(ctx context.Context, handle transfer.Handle) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(handle)),
	}); err != nil {
		return classify(ctx, "delete", err)
	}
	return nil
}

// List returns the objects and common prefixes directly under dir.
func (s *Store) List(ctx context.Context, dir string) ([]transfer.Entry, error) {
	prefix := strings.Trim(path.Clean("/"+dir), "/")
	if prefix != "" {
		prefix += "/"
	}

	var entries []transfer.Entry
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(ctx, "list", err)
		}
		for _, cp := range page.CommonPrefixes {
			dirKey := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
			entries = append(entries, transfer.Entry{Handle: transfer.Handle(dirKey), Path: "/" + dirKey, IsDir: true})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			entries = append(entries, transfer.Entry{
				Handle:  transfer.Handle(key),
				Path:    "/" + key,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return entries, nil
}

func objectKey(p string) (string, error) {
	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	if key == "" {
		return "", transfer.Errorf(transfer.KindProtocol, "object key", "destination path %q names no object", p)
	}
	return key, nil
}

// classify maps S3 errors: server faults and 5xx/429 responses are transient,
// missing objects and uploads wrap remote.ErrNotFound, other API errors are protocol errors.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return transfer.NewError(transfer.KindTransient, op, err)
	}

	status := 0
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	terr := &transfer.Error{
		Kind:     transfer.KindProtocol,
		Op:       op,
		Sequence: transfer.NoSequence,
		Status:   status,
		Raw:      fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
		Err:      err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchUpload *types.NoSuchUpload
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey), errors.As(err, &noSuchUpload):
		terr.Err = fmt.Errorf("%w: %w", remote.ErrNotFound, err)
	case apiErr.ErrorFault() == smithy.FaultServer, status >= 500, status == 429, apiErr.ErrorCode() == "SlowDown":
		terr.Kind = transfer.KindTransient
	}
	return terr
}
