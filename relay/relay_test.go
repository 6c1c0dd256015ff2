package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-blobrelay/notify"
	"github.com/bitrise-io/go-blobrelay/relay/client"
	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/remote/blobstore"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-blobrelay/transfer/retry"
	"github.com/bitrise-io/go-blobrelay/transfer/session"
	"github.com/bitrise-io/go-blobrelay/transfer/telemetry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Precreate(ctx context.Context, path string, size int64, initialDigest string) (string, error) {
	args := m.Called(ctx, path, size, initialDigest)
	return args.String(0), args.Error(1)
}

func (m *mockStore) UploadPart(ctx context.Context, sessionID, path string, seq int, data []byte) error {
	args := m.Called(ctx, sessionID, path, seq, data)
	return args.Error(0)
}

func (m *mockStore) Create(ctx context.Context, sessionID, path string, size int64, digests []string) (transfer.Handle, error) {
	args := m.Called(ctx, sessionID, path, size, digests)
	return args.Get(0).(transfer.Handle), args.Error(1)
}

func (m *mockStore) Locate(ctx context.Context, handle transfer.Handle) (string, error) {
	args := m.Called(ctx, handle)
	return args.String(0), args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, handle transfer.Handle) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *mockStore) List(ctx context.Context, dir string) ([]transfer.Entry, error) {
	args := m.Called(ctx, dir)
	return args.Get(0).([]transfer.Entry), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyComplete(ctx context.Context, c notify.Completion) error {
	return m.Called(ctx, c).Error(0)
}

// sessionOnly hides the store's whole-file uploader.
type sessionOnly struct {
	remote.Store
}

// dirStore adds explicit directories to a mocked store.
type dirStore struct {
	*mockStore
}

func (m dirStore) Mkdir(ctx context.Context, dir string) (transfer.Handle, error) {
	args := m.Called(ctx, dir)
	return args.Get(0).(transfer.Handle), args.Error(1)
}

func noWaitPolicy() retry.Policy {
	return retry.DefaultPolicy().WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func newRelay(t *testing.T, store remote.Store, config ServerConfig, opts ...Option) *httptest.Server {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(noWaitPolicy())}, opts...)
	fwd, err := NewForwarder(store, opts...)
	require.NoError(t, err)

	svr := httptest.NewServer(NewServer(fwd, config, log.NewLogger()).Handler())
	t.Cleanup(svr.Close)
	return svr
}

func newRelayClient(t *testing.T, baseURL, token string, encoding chunk.Encoding) *client.Client {
	t.Helper()
	c, err := client.New(client.Params{
		BaseURL:       baseURL,
		Token:         token,
		Encoding:      encoding,
		ResolvePolicy: noWaitPolicy(),
	}, log.NewLogger())
	require.NoError(t, err)
	return c
}

func TestEndToEnd_Encodings(t *testing.T) {
	for _, encoding := range []chunk.Encoding{chunk.Binary, chunk.Base64} {
		t.Run(string(encoding), func(t *testing.T) {
			ctx := context.Background()
			bucket := memblob.OpenBucket(nil)
			store := blobstore.New(bucket, blobstore.WithPublicBaseURL("https://cdn.example.com"))
			svr := newRelay(t, store, ServerConfig{Token: "secret", MaxChunkSize: 10_000})

			relayClient := newRelayClient(t, svr.URL, "secret", encoding)
			uploader, err := session.New(relayClient, session.WithChunkSize(10_000), session.WithRetryPolicy(noWaitPolicy()))
			require.NoError(t, err)

			data := randomBytes(25_000)
			var fractions []float64
			handle, err := uploader.Upload(ctx, transfer.BytesPayload(data), "/movies/clip.mp4", func(s telemetry.Snapshot) {
				fractions = append(fractions, s.Fraction)
			})
			require.NoError(t, err)
			require.Equal(t, transfer.Handle("movies/clip.mp4"), handle)
			require.InDeltaSlice(t, []float64{0.4, 0.8, 1, 1}, fractions, 1e-9)

			stored, err := bucket.ReadAll(ctx, "movies/clip.mp4")
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, stored), "stored object differs from the payload")

			fetchURL, err := relayClient.ResolveHandle(ctx, handle)
			require.NoError(t, err)
			require.Equal(t, "https://cdn.example.com/movies/clip.mp4", fetchURL)

			entries, err := relayClient.List(ctx, "/movies")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, int64(len(data)), entries[0].Size)

			require.NoError(t, relayClient.Delete(ctx, handle))
			_, err = relayClient.ResolveHandle(ctx, handle)
			require.ErrorIs(t, err, transfer.ErrProtocol)
			require.Equal(t, http.StatusNotFound, statusOf(err))
		})
	}
}

func TestEndToEnd_EmptyPayload(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	svr := newRelay(t, blobstore.New(bucket), ServerConfig{})

	uploader, err := session.New(newRelayClient(t, svr.URL, "", chunk.Binary))
	require.NoError(t, err)

	handle, err := uploader.Upload(context.Background(), transfer.BytesPayload(nil), "/empty.bin", nil)
	require.NoError(t, err)

	exists, err := bucket.Exists(context.Background(), string(handle))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		storeErr   error
		wantStatus int
		wantKind   transfer.Kind
		wantRaw    string
	}{
		{
			name:       "upstream decode",
			storeErr:   &transfer.Error{Kind: transfer.KindUpstreamDecode, Op: "upload part", Sequence: transfer.NoSequence, Raw: "<html>captcha</html>", Err: errors.New("response is not JSON")},
			wantStatus: http.StatusBadGateway,
			wantKind:   transfer.KindUpstreamDecode,
			wantRaw:    "<html>captcha</html>",
		},
		{
			name:       "transport",
			storeErr:   transfer.NewError(transfer.KindTransient, "upload part", errors.New("connection reset by peer")),
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   transfer.KindTransient,
		},
		{
			name:       "protocol",
			storeErr:   &transfer.Error{Kind: transfer.KindProtocol, Op: "upload part", Sequence: transfer.NoSequence, UpstreamCode: 31363, Raw: `{"errno":31363}`, Err: errors.New("errno 31363")},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   transfer.KindProtocol,
			wantRaw:    `{"errno":31363}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			store.On("UploadPart", mock.Anything, "s-1", "/a.bin", 3, []byte("abc")).Return(tt.storeErr)
			svr := newRelay(t, store, ServerConfig{})

			err := newRelayClient(t, svr.URL, "", chunk.Binary).UploadChunk(context.Background(), transfer.ChunkRequest{
				SessionID:       "s-1",
				DestinationPath: "/a.bin",
				Sequence:        3,
				Digest:          chunk.MD5{}.Digest([]byte("abc")),
				Data:            []byte("abc"),
			})
			require.Error(t, err)

			var terr *transfer.Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.wantKind, terr.Kind)
			assert.Equal(t, tt.wantStatus, terr.Status)
			assert.Equal(t, tt.wantRaw, terr.Raw)
			assert.Equal(t, 3, terr.Sequence)
			assert.Equal(t, tt.wantKind == transfer.KindTransient, transfer.IsRetryable(err))
		})
	}
}

func TestServer_IntegrityMismatchIsRetryable(t *testing.T) {
	store := &mockStore{}
	svr := newRelay(t, store, ServerConfig{})

	for _, encoding := range []chunk.Encoding{chunk.Binary, chunk.Base64} {
		err := newRelayClient(t, svr.URL, "", encoding).UploadChunk(context.Background(), transfer.ChunkRequest{
			SessionID:       "s-1",
			DestinationPath: "/a.bin",
			Sequence:        0,
			Digest:          chunk.MD5{}.Digest([]byte("original")),
			Data:            []byte("corrupted"),
		})
		require.ErrorIs(t, err, transfer.ErrTransient, encoding)
		require.Equal(t, http.StatusConflict, statusOf(err))
	}
	store.AssertNotCalled(t, "UploadPart", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_RetriesTransientChunkThroughRelay(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	store := &flakyStore{Store: blobstore.New(bucket), failures: map[int]int{1: 1}}
	svr := newRelay(t, store, ServerConfig{})

	uploader, err := session.New(newRelayClient(t, svr.URL, "", chunk.Binary), session.WithChunkSize(10), session.WithRetryPolicy(noWaitPolicy()))
	require.NoError(t, err)

	data := randomBytes(25)
	handle, err := uploader.Upload(context.Background(), transfer.BytesPayload(data), "/a.bin", nil)
	require.NoError(t, err)

	stored, err := bucket.ReadAll(context.Background(), string(handle))
	require.NoError(t, err)
	require.Equal(t, data, stored)
	require.Equal(t, 0, store.failures[1])
}

// flakyStore fails UploadPart with a transient error the given number of times per sequence.
type flakyStore struct {
	remote.Store
	failures map[int]int
}

func (s *flakyStore) UploadPart(ctx context.Context, sessionID, path string, seq int, data []byte) error {
	if s.failures[seq] > 0 {
		s.failures[seq]--
		return transfer.NewError(transfer.KindTransient, "upload part", errors.New("connection reset by peer"))
	}
	return s.Store.UploadPart(ctx, sessionID, path, seq, data)
}

func TestServer_BearerGuard(t *testing.T) {
	svr := newRelay(t, &mockStore{}, ServerConfig{Token: "secret"})

	_, err := newRelayClient(t, svr.URL, "wrong", chunk.Binary).OpenSession(context.Background(), transfer.OpenRequest{DestinationPath: "/a", TotalSize: 1})
	require.ErrorIs(t, err, transfer.ErrConfiguration)
	require.Equal(t, http.StatusUnauthorized, statusOf(err))

	require.NoError(t, newRelayClient(t, svr.URL, "", chunk.Binary).Health(context.Background()))
}

func TestServer_RequestValidation(t *testing.T) {
	svr := newRelay(t, &mockStore{}, ServerConfig{MaxChunkSize: 10})

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		headers map[string]string
	}{
		{name: "invalid open json", method: http.MethodPost, path: "/api/v1/sessions", body: "{"},
		{name: "bad sequence", method: http.MethodPut, path: "/api/v1/sessions/s/chunks/x", body: "a", headers: map[string]string{transfer.HeaderDigest: "d"}},
		{name: "missing digest", method: http.MethodPut, path: "/api/v1/sessions/s/chunks/0", body: "a"},
		{name: "sequence mismatch", method: http.MethodPut, path: "/api/v1/sessions/s/chunks/0", body: "a", headers: map[string]string{transfer.HeaderDigest: "d", transfer.HeaderSequence: "1"}},
		{name: "chunk too large", method: http.MethodPut, path: "/api/v1/sessions/s/chunks/0", body: strings.Repeat("a", 11), headers: map[string]string{transfer.HeaderDigest: "d"}},
		{name: "invalid base64", method: http.MethodPost, path: "/api/v1/sessions/s/chunks", body: `{"sequence":0,"digest":"d","destination_path":"/a","chunk_base64":"%%%"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, svr.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
			require.Contains(t, string(body), `"code":"bad_request"`)
		})
	}
}

func TestServer_HandlesWithSlashes(t *testing.T) {
	store := &mockStore{}
	store.On("Locate", mock.Anything, transfer.Handle("movies/a b.mp4")).Return("https://cdn.example.com/movies/a%20b.mp4", nil)
	svr := newRelay(t, store, ServerConfig{})

	fetchURL, err := newRelayClient(t, svr.URL, "", chunk.Binary).ResolveHandle(context.Background(), "movies/a b.mp4")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/movies/a%20b.mp4", fetchURL)
}

func TestServer_Mkdir(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit directories", func(t *testing.T) {
		store := dirStore{&mockStore{}}
		store.On("Mkdir", mock.Anything, "/movies/season1").Return(transfer.Handle("42"), nil).Once()
		svr := newRelay(t, store, ServerConfig{})

		handle, err := newRelayClient(t, svr.URL, "", chunk.Binary).Mkdir(ctx, "/movies/season1")
		require.NoError(t, err)
		require.Equal(t, transfer.Handle("42"), handle)
		store.AssertExpectations(t)
	})

	t.Run("implicit directories", func(t *testing.T) {
		store := &mockStore{}
		svr := newRelay(t, store, ServerConfig{})

		handle, err := newRelayClient(t, svr.URL, "", chunk.Binary).Mkdir(ctx, "/movies")
		require.NoError(t, err)
		require.Empty(t, handle)
		store.AssertNotCalled(t, "Mkdir", mock.Anything, mock.Anything)
	})

	t.Run("upstream rejection", func(t *testing.T) {
		store := dirStore{&mockStore{}}
		store.On("Mkdir", mock.Anything, "/movies").
			Return(transfer.Handle(""), &transfer.Error{Kind: transfer.KindProtocol, Op: "mkdir", Sequence: transfer.NoSequence, UpstreamCode: -8, Raw: `{"errno":-8}`, Err: errors.New("errno -8")})
		svr := newRelay(t, store, ServerConfig{})

		_, err := newRelayClient(t, svr.URL, "", chunk.Binary).Mkdir(ctx, "/movies")
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, statusOf(err))
		assert.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
	})

	t.Run("empty path", func(t *testing.T) {
		svr := newRelay(t, &mockStore{}, ServerConfig{})
		_, err := newRelayClient(t, svr.URL, "", chunk.Binary).Mkdir(ctx, " ")
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, statusOf(err))
	})
}

func TestServer_CORS(t *testing.T) {
	svr := newRelay(t, &mockStore{}, ServerConfig{CORSOrigins: []string{"https://app.example.com"}, Token: "secret"})

	req, err := http.NewRequest(http.MethodOptions, svr.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	req.Header.Set("Access-Control-Request-Headers", transfer.HeaderDigest)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "cross-origin", resp.Header.Get("Cross-Origin-Resource-Policy"))
}

func TestUploadFile(t *testing.T) {
	tests := []struct {
		name string
		wrap func(remote.Store) remote.Store
	}{
		{name: "store file uploader", wrap: func(s remote.Store) remote.Store { return s }},
		{name: "relay chunking", wrap: func(s remote.Store) remote.Store { return sessionOnly{Store: s} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			bucket := memblob.OpenBucket(nil)
			notifier := &mockNotifier{}
			notifier.On("NotifyComplete", mock.Anything, mock.MatchedBy(func(c notify.Completion) bool {
				return c.Handle == "docs/report.pdf" && c.Path == "/docs/report.pdf" && c.Size == 95
			})).Return(nil).Once()

			svr := newRelay(t, tt.wrap(blobstore.New(bucket)), ServerConfig{}, WithChunkSize(10), WithNotifier(notifier))

			data := randomBytes(95)
			payload := transfer.BytesPayload(data)
			payload.ContentType = "application/pdf"

			handle, err := newRelayClient(t, svr.URL, "", chunk.Binary).UploadFile(ctx, payload, "/docs/report.pdf")
			require.NoError(t, err)
			require.Equal(t, transfer.Handle("docs/report.pdf"), handle)

			stored, err := bucket.ReadAll(ctx, "docs/report.pdf")
			require.NoError(t, err)
			require.Equal(t, data, stored)
			notifier.AssertExpectations(t)
		})
	}
}

func TestForwarder_NotifierFailureIsNotSurfaced(t *testing.T) {
	store := &mockStore{}
	store.On("Create", mock.Anything, "s-1", "/a.bin", int64(3), []string{"d"}).Return(transfer.Handle("42"), nil)
	notifier := &mockNotifier{}
	notifier.On("NotifyComplete", mock.Anything, mock.Anything).Return(errors.New("queue unavailable"))

	completedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	fwd, err := NewForwarder(store, WithNotifier(notifier), WithClock(func() time.Time { return completedAt }))
	require.NoError(t, err)

	resp, err := fwd.Finalize(context.Background(), transfer.FinalizeRequest{SessionID: "s-1", DestinationPath: "/a.bin", TotalSize: 3, Digests: []string{"d"}})
	require.NoError(t, err)
	require.Equal(t, transfer.Handle("42"), resp.Handle)
	notifier.AssertCalled(t, "NotifyComplete", mock.Anything, notify.Completion{Handle: "42", Path: "/a.bin", Size: 3, CompletedAt: completedAt})
}

func TestForwarder_Validation(t *testing.T) {
	_, err := NewForwarder(nil)
	require.ErrorIs(t, err, transfer.ErrConfiguration)

	_, err = NewForwarder(&mockStore{}, WithChunkSize(0))
	require.ErrorIs(t, err, chunk.ErrChunkSize)

	fwd, err := NewForwarder(&mockStore{})
	require.NoError(t, err)

	_, err = fwd.OpenSession(context.Background(), transfer.OpenRequest{DestinationPath: " "})
	require.ErrorIs(t, err, transfer.ErrProtocol)

	err = fwd.UploadChunk(context.Background(), transfer.ChunkRequest{SessionID: "s", DestinationPath: "/a", Sequence: 4, Digest: "x", Data: []byte("a")})
	require.ErrorIs(t, err, ErrIntegrity)
	var terr *transfer.Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, 4, terr.Sequence)
}

func TestForwarder_OpenUsesPlaceholderDigest(t *testing.T) {
	store := &mockStore{}
	store.On("Precreate", mock.Anything, "/a.bin", int64(5), chunk.PlaceholderDigest).Return("s-1", nil)

	fwd, err := NewForwarder(store)
	require.NoError(t, err)

	resp, err := fwd.OpenSession(context.Background(), transfer.OpenRequest{DestinationPath: "/a.bin", TotalSize: 5})
	require.NoError(t, err)
	require.Equal(t, "s-1", resp.SessionID)
}

func TestForwarder_AcceptsUppercaseDigests(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	fwd, err := NewForwarder(blobstore.New(bucket))
	require.NoError(t, err)

	data := []byte("uppercase digests")
	digest := strings.ToUpper(chunk.MD5{}.Digest(data))

	open, err := fwd.OpenSession(ctx, transfer.OpenRequest{DestinationPath: "/up.bin", TotalSize: int64(len(data))})
	require.NoError(t, err)
	require.NoError(t, fwd.UploadChunk(ctx, transfer.ChunkRequest{
		SessionID:       open.SessionID,
		DestinationPath: "/up.bin",
		Sequence:        0,
		Digest:          digest,
		Data:            data,
	}))

	resp, err := fwd.Finalize(ctx, transfer.FinalizeRequest{
		SessionID:       open.SessionID,
		DestinationPath: "/up.bin",
		TotalSize:       int64(len(data)),
		Digests:         []string{digest},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Handle)

	stored, err := bucket.ReadAll(ctx, "up.bin")
	require.NoError(t, err)
	require.Equal(t, data, stored)
}

func TestForwarder_Close(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	fwd, err := NewForwarder(blobstore.New(bucket))
	require.NoError(t, err)
	require.NoError(t, fwd.Close())

	_, err = bucket.Exists(context.Background(), "x")
	require.Error(t, err)

	fwd, err = NewForwarder(&mockStore{})
	require.NoError(t, err)
	require.NoError(t, fwd.Close())
}

func statusOf(err error) int {
	var terr *transfer.Error
	if errors.As(err, &terr) {
		return terr.Status
	}
	return 0
}
