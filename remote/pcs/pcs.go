// Package pcs implements remote.Store for the cloud-drive web API (precreate, superfile2 upload, create).
// Account credentials stay on the relay and are attached to every upstream request.
package pcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobrelay/remote"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-cleanhttp"
)

// Defaults
const (
	DefaultBaseURL   = "https://www.terabox.com"
	DefaultUploadURL = "https://c-jp.terabox.com"
	DefaultAppID     = "250528"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	controlTimeout = 60 * time.Second
	maxRawLength   = 500
	listPageSize   = 1000
)

// Credentials of the drive account.
type Credentials struct {
	NDUS      string
	JSToken   string
	AppID     string
	BrowserID string
}

// Params ...
type Params struct {
	BaseURL     string
	UploadURL   string
	UserAgent   string
	Credentials Credentials
	// HTTPClient is used for every call. Uploads run without a client timeout,
	// control calls are bounded by a per-request deadline.
	HTTPClient *http.Client
}

// Store ...
type Store struct {
	baseURL      string
	uploadURL    string
	userAgent    string
	creds        Credentials
	httpClient   *http.Client
	redirectless *http.Client
	logger       log.Logger
}

var (
	_ remote.Store    = (*Store)(nil)
	_ remote.DirMaker = (*Store)(nil)
)

// New ...
func New(params Params, logger log.Logger) (*Store, error) {
	if params.Credentials.NDUS == "" {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new pcs store", "ndus cookie is empty")
	}
	if params.Credentials.JSToken == "" {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new pcs store", "js token is empty")
	}
	if params.Credentials.AppID == "" {
		params.Credentials.AppID = DefaultAppID
	}
	if params.BaseURL == "" {
		params.BaseURL = DefaultBaseURL
	}
	if params.UploadURL == "" {
		params.UploadURL = DefaultUploadURL
	}
	if params.UserAgent == "" {
		params.UserAgent = DefaultUserAgent
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	redirectless := *httpClient
	redirectless.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Store{
		baseURL:      strings.TrimSuffix(params.BaseURL, "/"),
		uploadURL:    strings.TrimSuffix(params.UploadURL, "/"),
		userAgent:    params.UserAgent,
		creds:        params.Credentials,
		httpClient:   httpClient,
		redirectless: &redirectless,
		logger:       logger,
	}, nil
}

type response struct {
	Errno  int    `json:"errno"`
	ErrMsg string `json:"errmsg,omitempty"`
}

type precreateResponse struct {
	response
	UploadID string `json:"uploadid"`
}

type uploadResponse struct {
	response
	MD5 string `json:"md5"`
}

type createResponse struct {
	response
	FsID int64  `json:"fs_id"`
	Path string `json:"path"`
}

type fileMeta struct {
	FsID        int64  `json:"fs_id"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	IsDir       int    `json:"isdir"`
	ServerMtime int64  `json:"server_mtime"`
	Dlink       string `json:"dlink,omitempty"`
}

type listResponse struct {
	response
	List []fileMeta `json:"list"`
}

// Precreate ...
func (s *Store) Precreate(ctx context.Context, path string, size int64, initialDigest string) (string, error) {
	if initialDigest == "" {
		initialDigest = chunk.PlaceholderDigest
	}
	blockList, err := json.Marshal([]string{initialDigest})
	if err != nil {
		return "", transfer.NewError(transfer.KindConfiguration, "precreate", err)
	}

	form := url.Values{
		"path":       {path},
		"size":       {strconv.FormatInt(size, 10)},
		"isdir":      {"0"},
		"autoinit":   {"1"},
		"rtype":      {"1"},
		"block_list": {string(blockList)},
	}

	var resp precreateResponse
	if err := s.postForm(ctx, "precreate", s.baseURL+"/api/precreate", s.query(nil), form, &resp, &resp.response); err != nil {
		return "", err
	}
	if resp.UploadID == "" {
		return "", transfer.Errorf(transfer.KindProtocol, "precreate", "upstream returned no upload id")
	}

	s.logger.Debugf("[pcs] precreate %s: uploadid=%s", path, resp.UploadID)
	return resp.UploadID, nil
}

// UploadPart posts the part as the "file" field of a multipart form.
func (s *Store) UploadPart(ctx context.Context, sessionID, path string, seq int, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return transfer.NewError(transfer.KindConfiguration, "upload part", err)
	}
	if _, err := part.Write(data); err != nil {
		return transfer.NewError(transfer.KindConfiguration, "upload part", err)
	}
	if err := mw.Close(); err != nil {
		return transfer.NewError(transfer.KindConfiguration, "upload part", err)
	}

	query := s.query(url.Values{
		"method":   {"upload"},
		"path":     {path},
		"uploadid": {sessionID},
		"partseq":  {strconv.Itoa(seq)},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.uploadURL+"/rest/2.0/pcs/superfile2?"+query.Encode(), &body)
	if err != nil {
		return transfer.NewError(transfer.KindConfiguration, "upload part", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = int64(body.Len())

	var resp uploadResponse
	if err := s.do(s.httpClient, req, "upload part", &resp, &resp.response); err != nil {
		return err
	}

	s.logger.Debugf("[pcs] part %d of %s stored (md5=%s)", seq, sessionID, resp.MD5)
	return nil
}

// Create commits the upload; the handle is the file's fs_id.
func (s *Store) Create(ctx context.Context, sessionID, path string, size int64, digests []string) (transfer.Handle, error) {
	if digests == nil {
		digests = []string{}
	}
	blockList, err := json.Marshal(digests)
	if err != nil {
		return "", transfer.NewError(transfer.KindConfiguration, "create", err)
	}

	form := url.Values{
		"path":       {path},
		"size":       {strconv.FormatInt(size, 10)},
		"isdir":      {"0"},
		"rtype":      {"1"},
		"uploadid":   {sessionID},
		"block_list": {string(blockList)},
	}

	var resp createResponse
	if err := s.postForm(ctx, "create", s.baseURL+"/api/create", s.query(url.Values{"method": {"create"}}), form, &resp, &resp.response); err != nil {
		return "", err
	}
	if resp.FsID == 0 {
		return "", transfer.Errorf(transfer.KindProtocol, "create", "upstream returned no fs_id")
	}
	return transfer.Handle(strconv.FormatInt(resp.FsID, 10)), nil
}

// Mkdir creates dir; the handle is the directory's fs_id.
func (s *Store) Mkdir(ctx context.Context, dir string) (transfer.Handle, error) {
	form := url.Values{
		"path":  {dir},
		"isdir": {"1"},
		"rtype": {"0"},
	}

	var resp createResponse
	if err := s.postForm(ctx, "mkdir", s.baseURL+"/api/create", s.query(url.Values{"method": {"create"}}), form, &resp, &resp.response); err != nil {
		return "", err
	}
	if resp.FsID == 0 {
		return "", transfer.Errorf(transfer.KindProtocol, "mkdir", "upstream returned no fs_id")
	}

	s.logger.Debugf("[pcs] mkdir %s: fs_id=%d", dir, resp.FsID)
	return transfer.Handle(strconv.FormatInt(resp.FsID, 10)), nil
}

// Locate asks for the file's download link and resolves its first redirect.
func (s *Store) Locate(ctx context.Context, handle transfer.Handle) (string, error) {
	meta, err := s.fileMeta(ctx, "locate", handle, true)
	if err != nil {
		return "", err
	}
	if meta.Dlink == "" {
		return "", transfer.NewError(transfer.KindProtocol, "locate", fmt.Errorf("no download link for %s: %w", handle, remote.ErrNotFound))
	}

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.Dlink, nil)
	if err != nil {
		return "", transfer.NewError(transfer.KindUpstreamDecode, "locate", err)
	}
	s.setHeaders(req)

	resp, err := s.redirectless.Do(req)
	if err != nil {
		return "", transportErr(ctx, "locate", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Warnf("[pcs] close dlink response: %s", err)
		}
	}()

	if location := resp.Header.Get("Location"); location != "" {
		return location, nil
	}
	return meta.Dlink, nil
}

// Delete removes the file behind handle.
func (s *Store) Delete(ctx context.Context, handle transfer.Handle) error {
	meta, err := s.fileMeta(ctx, "delete", handle, false)
	if err != nil {
		return err
	}

	fileList, err := json.Marshal([]string{meta.Path})
	if err != nil {
		return transfer.NewError(transfer.KindConfiguration, "delete", err)
	}
	form := url.Values{
		"filelist": {string(fileList)},
		"ondup":    {"fail"},
		"async":    {"0"},
		"onnewver": {"fail"},
	}

	var resp response
	return s.postForm(ctx, "delete", s.baseURL+"/api/filemanager", s.query(url.Values{"method": {"delete"}}), form, &resp, &resp)
}

// List returns the newest entries of dir first.
func (s *Store) List(ctx context.Context, dir string) ([]transfer.Entry, error) {
	if dir == "" {
		dir = "/"
	}
	query := s.query(url.Values{
		"method": {"list"},
		"dir":    {dir},
		"num":    {strconv.Itoa(listPageSize)},
		"page":   {"1"},
		"order":  {"time"},
		"desc":   {"1"},
	})

	var resp listResponse
	if err := s.get(ctx, "list", s.baseURL+"/api/list?"+query.Encode(), &resp, &resp.response); err != nil {
		return nil, err
	}

	entries := make([]transfer.Entry, 0, len(resp.List))
	for _, meta := range resp.List {
		entries = append(entries, meta.entry())
	}
	return entries, nil
}

func (m fileMeta) entry() transfer.Entry {
	return transfer.Entry{
		Handle:  transfer.Handle(strconv.FormatInt(m.FsID, 10)),
		Path:    m.Path,
		Size:    m.Size,
		IsDir:   m.IsDir == 1,
		ModTime: time.Unix(m.ServerMtime, 0).UTC(),
	}
}

func (s *Store) fileMeta(ctx context.Context, op string, handle transfer.Handle, dlink bool) (fileMeta, error) {
	fsID, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return fileMeta{}, transfer.NewError(transfer.KindProtocol, op, fmt.Errorf("invalid handle %q: %w", handle, err))
	}
	fsIDs, err := json.Marshal([]int64{fsID})
	if err != nil {
		return fileMeta{}, transfer.NewError(transfer.KindConfiguration, op, err)
	}

	params := url.Values{
		"method": {"filemetas"},
		"fsids":  {string(fsIDs)},
	}
	if dlink {
		params.Set("dlink", "1")
	}
	query := s.query(params)

	var resp listResponse
	if err := s.get(ctx, op, s.baseURL+"/api/filemetas?"+query.Encode(), &resp, &resp.response); err != nil {
		return fileMeta{}, err
	}
	if len(resp.List) == 0 {
		return fileMeta{}, transfer.NewError(transfer.KindProtocol, op, fmt.Errorf("file %s: %w", handle, remote.ErrNotFound))
	}
	return resp.List[0], nil
}

// query adds the parameters every upstream call carries.
func (s *Store) query(extra url.Values) url.Values {
	q := url.Values{
		"app_id":     {s.creds.AppID},
		"channel":    {"dubox"},
		"web":        {"1"},
		"clienttype": {"0"},
		"jsToken":    {s.creds.JSToken},
	}
	for k, v := range extra {
		q[k] = v
	}
	return q
}

func (s *Store) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Referer", s.baseURL+"/disk/home")
	req.Header.Set("Origin", s.baseURL)
	req.Header.Set("Cookie", fmt.Sprintf("ndus=%s; browserid=%s; lang=en; PANWEB=1", s.creds.NDUS, s.creds.BrowserID))
}

func (s *Store) postForm(ctx context.Context, op, endpoint string, query, form url.Values, out interface{}, status *response) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+query.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return transfer.NewError(transfer.KindConfiguration, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(s.httpClient, req, op, out, status)
}

func (s *Store) get(ctx context.Context, op, endpoint string, out interface{}, status *response) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return transfer.NewError(transfer.KindConfiguration, op, err)
	}
	return s.do(s.httpClient, req, op, out, status)
}

// do sends req and classifies the outcome: transport failures and 5xx responses are transient,
// bodies which are not JSON are upstream decode errors, a non-zero errno is a protocol error.
func (s *Store) do(client *http.Client, req *http.Request, op string, out interface{}, status *response) error {
	s.setHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		return transportErr(req.Context(), op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Warnf("[pcs] close %s response: %s", op, err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportErr(req.Context(), op, fmt.Errorf("read response: %w", err))
	}
	raw := transfer.Truncate(string(data), maxRawLength)
	s.logger.Debugf("[pcs] %s status=%d body=%s", op, resp.StatusCode, transfer.Truncate(raw, 300))

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return &transfer.Error{Kind: transfer.KindTransient, Op: op, Sequence: transfer.NoSequence, Status: resp.StatusCode, Raw: raw, Err: fmt.Errorf("upstream HTTP %d", resp.StatusCode)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &transfer.Error{Kind: transfer.KindUpstreamDecode, Op: op, Sequence: transfer.NoSequence, Status: resp.StatusCode, Raw: raw, Err: errors.New("upstream returned a non-JSON response")}
	}

	if status.Errno != 0 {
		msg := status.ErrMsg
		if msg == "" {
			msg = "upstream rejected the request"
		}
		return &transfer.Error{Kind: transfer.KindProtocol, Op: op, Sequence: transfer.NoSequence, Status: resp.StatusCode, UpstreamCode: status.Errno, Raw: raw, Err: errors.New(msg)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &transfer.Error{Kind: transfer.KindProtocol, Op: op, Sequence: transfer.NoSequence, Status: resp.StatusCode, Raw: raw, Err: fmt.Errorf("upstream HTTP %d", resp.StatusCode)}
	}
	return nil
}

func transportErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return transfer.NewError(transfer.KindTransient, op, err)
}
