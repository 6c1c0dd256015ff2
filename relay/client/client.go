// Package client implements transfer.Relay over the relay's HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-blobrelay/transfer/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Params ...
type Params struct {
	BaseURL  string
	Token    string
	Encoding chunk.Encoding
	// ResolvePolicy is applied to handle resolution. Zero value means retry.DefaultPolicy.
	ResolvePolicy retry.Policy
	// HTTPClient overrides the default retryable client. Its own retries are disabled,
	// retrying belongs to the upload session.
	HTTPClient *retryablehttp.Client
}

// Client talks to a relay server. It implements transfer.Relay and transfer.Lister.
type Client struct {
	httpClient     *retryablehttp.Client
	downloadClient *retryablehttp.Client
	baseURL        string
	token          string
	encoding       chunk.Encoding
	resolvePolicy  retry.Policy
	logger         log.Logger
}

var (
	_ transfer.Relay  = (*Client)(nil)
	_ transfer.Lister = (*Client)(nil)
)

// New ...
func New(params Params, logger log.Logger) (*Client, error) {
	if params.BaseURL == "" {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new relay client", "relay URL is empty")
	}
	u, err := url.Parse(params.BaseURL)
	if err != nil {
		return nil, transfer.NewError(transfer.KindConfiguration, "new relay client", fmt.Errorf("invalid relay URL: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new relay client", "unsupported relay URL scheme: %s", u.Scheme)
	}

	switch params.Encoding {
	case "":
		params.Encoding = chunk.Binary
	case chunk.Binary, chunk.Base64:
	default:
		return nil, transfer.Errorf(transfer.KindConfiguration, "new relay client", "unknown chunk encoding: %s", params.Encoding)
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
	}
	httpClient.RetryMax = 0
	httpClient.CheckRetry = createCheckRetryFunction(logger)
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	policy := params.ResolvePolicy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	downloadClient := retryhttp.NewClient(logger)
	downloadClient.CheckRetry = createCheckRetryFunction(logger)

	return &Client{
		httpClient:     httpClient,
		downloadClient: downloadClient,
		baseURL:        strings.TrimSuffix(params.BaseURL, "/"),
		token:          params.Token,
		encoding:       params.Encoding,
		resolvePolicy:  policy,
		logger:         logger,
	}, nil
}

// Encoding is the chunk framing the client sends.
func (c *Client) Encoding() chunk.Encoding {
	return c.encoding
}

func createCheckRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, reqErr)
		return retry, err
	}
}

// isTransientResponse tells whether a response or transport error is worth another attempt.
func isTransientResponse(ctx context.Context, resp *http.Response, reqErr error) bool {
	retryable, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
	if err != nil && errors.Is(err, ctx.Err()) {
		return false
	}
	return retryable
}
