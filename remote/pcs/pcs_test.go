package pcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)

	s, err := New(Params{
		BaseURL:   svr.URL,
		UploadURL: svr.URL,
		Credentials: Credentials{
			NDUS:      "ndus-value",
			JSToken:   "js-token",
			BrowserID: "browser-1",
		},
	}, log.NewLogger())
	require.NoError(t, err)
	return s
}

func assertCommon(t *testing.T, r *http.Request) {
	q := r.URL.Query()
	assert.Equal(t, "250528", q.Get("app_id"))
	assert.Equal(t, "dubox", q.Get("channel"))
	assert.Equal(t, "1", q.Get("web"))
	assert.Equal(t, "0", q.Get("clienttype"))
	assert.Equal(t, "js-token", q.Get("jsToken"))
	assert.Equal(t, "ndus=ndus-value; browserid=browser-1; lang=en; PANWEB=1", r.Header.Get("Cookie"))
	assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Params{}, log.NewLogger())
	require.ErrorIs(t, err, transfer.ErrConfiguration)

	_, err = New(Params{Credentials: Credentials{NDUS: "x"}}, log.NewLogger())
	require.ErrorIs(t, err, transfer.ErrConfiguration)
}

func TestStore_SessionProtocol(t *testing.T) {
	parts := map[string][]byte{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/precreate", func(w http.ResponseWriter, r *http.Request) {
		assertCommon(t, r)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/movies/a.mp4", r.PostForm.Get("path"))
		assert.Equal(t, "20", r.PostForm.Get("size"))
		assert.Equal(t, "0", r.PostForm.Get("isdir"))
		assert.Equal(t, "1", r.PostForm.Get("autoinit"))
		assert.Equal(t, "1", r.PostForm.Get("rtype"))
		assert.Equal(t, fmt.Sprintf(`["%s"]`, chunk.PlaceholderDigest), r.PostForm.Get("block_list"))
		writeJSON(w, map[string]interface{}{"errno": 0, "uploadid": "up-1"})
	})
	mux.HandleFunc("/rest/2.0/pcs/superfile2", func(w http.ResponseWriter, r *http.Request) {
		assertCommon(t, r)
		q := r.URL.Query()
		assert.Equal(t, "upload", q.Get("method"))
		assert.Equal(t, "up-1", q.Get("uploadid"))
		assert.Equal(t, "/movies/a.mp4", q.Get("path"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "blob", header.Filename)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		parts[q.Get("partseq")] = data

		writeJSON(w, map[string]interface{}{"md5": chunk.MD5{}.Digest(data)})
	})
	mux.HandleFunc("/api/create", func(w http.ResponseWriter, r *http.Request) {
		assertCommon(t, r)
		assert.Equal(t, "create", r.URL.Query().Get("method"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "up-1", r.PostForm.Get("uploadid"))
		assert.Equal(t, "20", r.PostForm.Get("size"))

		var blockList []string
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("block_list")), &blockList))
		assert.Equal(t, []string{chunk.MD5{}.Digest(parts["0"]), chunk.MD5{}.Digest(parts["1"])}, blockList)

		writeJSON(w, map[string]interface{}{"errno": 0, "fs_id": 987654321, "path": "/movies/a.mp4"})
	})

	s := newTestStore(t, mux)
	ctx := context.Background()

	uploadID, err := s.Precreate(ctx, "/movies/a.mp4", 20, "")
	require.NoError(t, err)
	require.Equal(t, "up-1", uploadID)

	first, second := []byte("0123456789"), []byte("abcdefghij")
	require.NoError(t, s.UploadPart(ctx, uploadID, "/movies/a.mp4", 0, first))
	require.NoError(t, s.UploadPart(ctx, uploadID, "/movies/a.mp4", 1, second))
	require.Equal(t, first, parts["0"])
	require.Equal(t, second, parts["1"])

	handle, err := s.Create(ctx, uploadID, "/movies/a.mp4", 20, []string{chunk.MD5{}.Digest(first), chunk.MD5{}.Digest(second)})
	require.NoError(t, err)
	require.Equal(t, transfer.Handle("987654321"), handle)
}

func TestStore_ResponseClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantKind     transfer.Kind
		wantUpstream int
	}{
		{name: "html body", status: http.StatusOK, body: "<html>captcha</html>", wantKind: transfer.KindUpstreamDecode},
		{name: "server error", status: http.StatusServiceUnavailable, body: "unavailable", wantKind: transfer.KindTransient},
		{name: "errno", status: http.StatusOK, body: `{"errno":-6,"errmsg":"invalid login"}`, wantKind: transfer.KindProtocol, wantUpstream: -6},
		{name: "client error json", status: http.StatusBadRequest, body: `{"errno":0}`, wantKind: transfer.KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := s.Precreate(context.Background(), "/a", 1, "")
			require.Error(t, err)

			var terr *transfer.Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.wantKind, terr.Kind)
			assert.Equal(t, tt.body, terr.Raw)
			assert.Equal(t, tt.wantUpstream, terr.UpstreamCode)
		})
	}
}

func TestStore_TransportError(t *testing.T) {
	svr := httptest.NewServer(http.NotFoundHandler())
	svr.Close()

	s, err := New(Params{BaseURL: svr.URL, UploadURL: svr.URL, Credentials: Credentials{NDUS: "n", JSToken: "j"}}, log.NewLogger())
	require.NoError(t, err)

	err = s.UploadPart(context.Background(), "up", "/a", 0, []byte("x"))
	require.ErrorIs(t, err, transfer.ErrTransient)
}

func TestStore_LocateFollowsOneRedirect(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/filemetas", func(w http.ResponseWriter, r *http.Request) {
		assertCommon(t, r)
		assert.Equal(t, "1", r.URL.Query().Get("dlink"))
		assert.Equal(t, "[42]", r.URL.Query().Get("fsids"))
		writeJSON(w, map[string]interface{}{"errno": 0, "list": []map[string]interface{}{{"fs_id": 42, "path": "/a.mp4", "dlink": base + "/dlink/42"}}})
	})
	mux.HandleFunc("/dlink/42", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://d.example.com/file/a.mp4?sign=abc", http.StatusFound)
	})

	svr := httptest.NewServer(mux)
	defer svr.Close()
	base = svr.URL

	s, err := New(Params{BaseURL: svr.URL, UploadURL: svr.URL, Credentials: Credentials{NDUS: "ndus-value", JSToken: "js-token", BrowserID: "browser-1"}}, log.NewLogger())
	require.NoError(t, err)

	fetchURL, err := s.Locate(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "https://d.example.com/file/a.mp4?sign=abc", fetchURL)
}

func TestStore_LocateUnknown(t *testing.T) {
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"errno": 0, "list": []interface{}{}})
	}))

	_, err := s.Locate(context.Background(), "42")
	require.ErrorIs(t, err, remote.ErrNotFound)

	_, err = s.Locate(context.Background(), "not-a-number")
	require.ErrorIs(t, err, transfer.ErrProtocol)
}

func TestStore_DeleteAndList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/filemetas", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("dlink"))
		writeJSON(w, map[string]interface{}{"errno": 0, "list": []map[string]interface{}{{"fs_id": 7, "path": "/movies/old.mp4"}}})
	})
	mux.HandleFunc("/api/filemanager", func(w http.ResponseWriter, r *http.Request) {
		assertCommon(t, r)
		assert.Equal(t, "delete", r.URL.Query().Get("method"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, `["/movies/old.mp4"]`, r.PostForm.Get("filelist"))
		assert.Equal(t, "fail", r.PostForm.Get("ondup"))
		assert.Equal(t, "0", r.PostForm.Get("async"))
		writeJSON(w, map[string]interface{}{"errno": 0})
	})
	mux.HandleFunc("/api/list", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/movies", q.Get("dir"))
		assert.Equal(t, "1000", q.Get("num"))
		assert.Equal(t, "time", q.Get("order"))
		assert.Equal(t, "1", q.Get("desc"))
		writeJSON(w, map[string]interface{}{"errno": 0, "list": []map[string]interface{}{
			{"fs_id": 8, "path": "/movies/new.mp4", "size": 1024, "isdir": 0, "server_mtime": 1700000000},
			{"fs_id": 9, "path": "/movies/extras", "isdir": 1, "server_mtime": 1600000000},
		}})
	})

	s := newTestStore(t, mux)
	require.NoError(t, s.Delete(context.Background(), "7"))

	entries, err := s.List(context.Background(), "/movies")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, transfer.Handle("8"), entries[0].Handle)
	require.Equal(t, int64(1024), entries[0].Size)
	require.Equal(t, int64(1700000000), entries[0].ModTime.Unix())
	require.True(t, entries[1].IsDir)
}

func TestStore_Mkdir(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/create", func(w http.ResponseWriter, r *http.Request) {
		assertCommon(t, r)
		assert.Equal(t, "create", r.URL.Query().Get("method"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/movies/season1", r.PostForm.Get("path"))
		assert.Equal(t, "1", r.PostForm.Get("isdir"))
		assert.Equal(t, "0", r.PostForm.Get("rtype"))
		assert.Empty(t, r.PostForm.Get("block_list"))
		assert.Empty(t, r.PostForm.Get("uploadid"))

		writeJSON(w, map[string]interface{}{"errno": 0, "fs_id": 42, "path": "/movies/season1", "isdir": 1})
	})

	handle, err := newTestStore(t, mux).Mkdir(context.Background(), "/movies/season1")
	require.NoError(t, err)
	require.Equal(t, transfer.Handle("42"), handle)
}

func TestStore_MkdirRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/create", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"errno": -8})
	})

	_, err := newTestStore(t, mux).Mkdir(context.Background(), "/movies")
	require.Error(t, err)
	require.Equal(t, transfer.KindProtocol, transfer.KindOf(err))
}
