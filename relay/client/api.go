package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const maxRawErrorLength = 500

// OpenSession ...
func (c *Client) OpenSession(ctx context.Context, req transfer.OpenRequest) (transfer.OpenResponse, error) {
	var response transfer.OpenResponse
	if err := c.doJSON(ctx, "open session", http.MethodPost, transfer.RouteSessions, req, &response); err != nil {
		return transfer.OpenResponse{}, err
	}
	if response.SessionID == "" {
		return transfer.OpenResponse{}, transfer.Errorf(transfer.KindProtocol, "open session", "relay returned an empty session id")
	}
	return response, nil
}

// UploadChunk sends one chunk in the client's encoding.
func (c *Client) UploadChunk(ctx context.Context, req transfer.ChunkRequest) error {
	sessionPath := fmt.Sprintf("%s/%s/chunks", transfer.RouteSessions, url.PathEscape(req.SessionID))

	var (
		httpReq *retryablehttp.Request
		err     error
	)
	switch c.encoding {
	case chunk.Base64:
		body, marshalErr := json.Marshal(transfer.ChunkEnvelope{
			Sequence:        req.Sequence,
			Digest:          req.Digest,
			DestinationPath: req.DestinationPath,
			ChunkBase64:     string(chunk.Base64.Encode(req.Data)),
		})
		if marshalErr != nil {
			return transfer.NewError(transfer.KindConfiguration, "upload chunk", marshalErr)
		}
		httpReq, err = c.newRequest(ctx, http.MethodPost, sessionPath, body)
	default:
		httpReq, err = c.newRequest(ctx, http.MethodPut, fmt.Sprintf("%s/%d", sessionPath, req.Sequence), req.Data)
		if err == nil {
			httpReq.Header.Set(transfer.HeaderDigest, req.Digest)
			httpReq.Header.Set(transfer.HeaderPath, req.DestinationPath)
			httpReq.Header.Set(transfer.HeaderSequence, strconv.Itoa(req.Sequence))
			// Add Content-Length header manually because retryablehttp doesn't do it automatically
			httpReq.Header.Set("Content-Length", strconv.Itoa(len(req.Data)))
			httpReq.ContentLength = int64(len(req.Data))
		}
	}
	if err != nil {
		return transfer.NewError(transfer.KindConfiguration, "upload chunk", err)
	}
	httpReq.Header.Set(transfer.HeaderContentType, c.encoding.ContentType())

	c.logger.Debugf("Sending chunk %d (%d bytes, %s) of session %s", req.Sequence, len(req.Data), c.encoding, req.SessionID)

	err = c.do(ctx, "upload chunk", httpReq, nil)
	var terr *transfer.Error
	if errors.As(err, &terr) && terr.Sequence == transfer.NoSequence {
		terr.Sequence = req.Sequence
	}
	return err
}

// Finalize ...
func (c *Client) Finalize(ctx context.Context, req transfer.FinalizeRequest) (transfer.FinalizeResponse, error) {
	route := fmt.Sprintf("%s/%s/finalize", transfer.RouteSessions, url.PathEscape(req.SessionID))
	if req.Digests == nil {
		req.Digests = []string{}
	}

	var response transfer.FinalizeResponse
	if err := c.doJSON(ctx, "finalize", http.MethodPost, route, req, &response); err != nil {
		return transfer.FinalizeResponse{}, err
	}
	if response.Handle == "" {
		return transfer.FinalizeResponse{}, transfer.Errorf(transfer.KindProtocol, "finalize", "relay returned an empty handle")
	}
	return response, nil
}

// ResolveHandle returns a fetchable URL for handle, retrying transient failures.
func (c *Client) ResolveHandle(ctx context.Context, handle transfer.Handle) (string, error) {
	route := fmt.Sprintf("%s/%s/url", transfer.RouteObjects, url.PathEscape(handle.String()))

	var fetchURL string
	err := c.resolvePolicy.Do(ctx, func(ctx context.Context, attempt int) error {
		var response transfer.FetchURLResponse
		if err := c.doJSON(ctx, "resolve handle", http.MethodGet, route, nil, &response); err != nil {
			c.logger.Debugf("Resolving %s (attempt %d) failed: %s", handle, attempt, err)
			return err
		}
		if response.FetchURL == "" {
			return transfer.Errorf(transfer.KindProtocol, "resolve handle", "relay returned an empty URL")
		}
		fetchURL = response.FetchURL
		return nil
	})
	if err != nil {
		return "", err
	}
	return fetchURL, nil
}

// Delete removes the object. Failures are logged and returned, callers treat them as best-effort.
func (c *Client) Delete(ctx context.Context, handle transfer.Handle) error {
	route := fmt.Sprintf("%s/%s", transfer.RouteObjects, url.PathEscape(handle.String()))

	var response transfer.OKResponse
	if err := c.doJSON(ctx, "delete", http.MethodDelete, route, nil, &response); err != nil {
		c.logger.Warnf("Failed to delete %s: %s", handle, err)
		return err
	}
	return nil
}

// List returns the objects under dir.
func (c *Client) List(ctx context.Context, dir string) ([]transfer.Entry, error) {
	route := transfer.RouteObjects
	if dir != "" {
		route += "?" + url.Values{"dir": []string{dir}}.Encode()
	}

	var response transfer.ListResponse
	if err := c.doJSON(ctx, "list", http.MethodGet, route, nil, &response); err != nil {
		return nil, err
	}
	return response.Entries, nil
}

// Mkdir creates dir on the remote store. The handle is empty for stores with implicit directories.
func (c *Client) Mkdir(ctx context.Context, dir string) (transfer.Handle, error) {
	var response transfer.MkdirResponse
	if err := c.doJSON(ctx, "mkdir", http.MethodPost, transfer.RouteDirs, transfer.MkdirRequest{Path: dir}, &response); err != nil {
		return "", err
	}
	return response.Handle, nil
}

// UploadFile hands a whole payload to the relay, which chunks and finalizes it server-side.
func (c *Client) UploadFile(ctx context.Context, payload transfer.Payload, destinationPath string) (transfer.Handle, error) {
	body := io.NewSectionReader(payload, 0, payload.Size())
	httpReq, err := c.newRequest(ctx, http.MethodPost, transfer.RouteFiles, body)
	if err != nil {
		return "", transfer.NewError(transfer.KindConfiguration, "upload file", err)
	}
	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	httpReq.Header.Set(transfer.HeaderContentType, contentType)
	httpReq.Header.Set(transfer.HeaderPath, destinationPath)
	httpReq.Header.Set("Content-Length", strconv.FormatInt(payload.Size(), 10))
	httpReq.ContentLength = payload.Size()

	var response transfer.FinalizeResponse
	if err := c.do(ctx, "upload file", httpReq, &response); err != nil {
		return "", err
	}
	return response.Handle, nil
}

// Health checks that the relay is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, "health", http.MethodGet, transfer.RouteHealth, nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, route string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+route, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	req.Header.Set(transfer.HeaderRequestID, uuid.NewString())
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, route string, in, out interface{}) error {
	var body interface{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return transfer.NewError(transfer.KindConfiguration, op, err)
		}
		body = data
	}

	req, err := c.newRequest(ctx, method, route, body)
	if err != nil {
		return transfer.NewError(transfer.KindConfiguration, op, err)
	}
	if in != nil {
		req.Header.Set(transfer.HeaderContentType, "application/json")
	}

	return c.do(ctx, op, req, out)
}

func (c *Client) do(ctx context.Context, op string, req *retryablehttp.Request, out interface{}) error {
	// Retries are disabled and errors pass through, so a failed status still comes with its response.
	resp, err := c.httpClient.Do(req)
	if resp == nil {
		if err == nil {
			err = fmt.Errorf("no response")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		kind := transfer.KindConfiguration
		if isTransientResponse(ctx, nil, err) {
			kind = transfer.KindTransient
		}
		return transfer.NewError(kind, op, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(ctx, op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transfer.NewError(transfer.KindProtocol, op, fmt.Errorf("decode relay response: %w", err))
	}
	return nil
}

// unwrapError turns a non-2xx relay response into a transfer.Error, keeping the upstream diagnostics.
func unwrapError(ctx context.Context, op string, resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transfer.NewError(transfer.KindTransient, op, fmt.Errorf("HTTP %d: read error body: %w", resp.StatusCode, err))
	}

	var body transfer.ErrorBody
	if jsonErr := json.Unmarshal(data, &body); jsonErr == nil && body.Code != "" {
		kind := transfer.KindForCode(body.Code)
		if kind == transfer.KindUnknown {
			kind = kindForStatus(ctx, resp)
		}
		return &transfer.Error{
			Kind:         kind,
			Op:           op,
			Sequence:     transfer.NoSequence,
			Status:       resp.StatusCode,
			UpstreamCode: body.UpstreamCode,
			Raw:          body.Raw,
			Err:          fmt.Errorf("%s: %s", body.Code, body.Error),
		}
	}

	return &transfer.Error{
		Kind:     kindForStatus(ctx, resp),
		Op:       op,
		Sequence: transfer.NoSequence,
		Status:   resp.StatusCode,
		Raw:      transfer.Truncate(string(bytes.TrimSpace(data)), maxRawErrorLength),
		Err:      fmt.Errorf("HTTP %d", resp.StatusCode),
	}
}

func kindForStatus(ctx context.Context, resp *http.Response) transfer.Kind {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return transfer.KindConfiguration
	case isTransientResponse(ctx, resp, nil):
		return transfer.KindTransient
	default:
		return transfer.KindProtocol
	}
}
