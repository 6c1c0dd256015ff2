// Package session drives the three-phase upload protocol (open, ordered chunks, finalize)
// against a transfer.Relay.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-blobrelay/transfer/retry"
	"github.com/bitrise-io/go-blobrelay/transfer/telemetry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Defaults
const (
	DefaultChunkSize       = 10 * 1000 * 1000
	DefaultOpenTimeout     = time.Minute
	DefaultChunkTimeout    = 10 * time.Minute
	DefaultFinalizeTimeout = 5 * time.Minute
)

// ProgressFunc receives a snapshot after every acknowledged chunk and once more on completion.
type ProgressFunc func(telemetry.Snapshot)

// Client uploads payloads through a relay. A Client is safe for concurrent use;
// every upload runs in its own Session.
type Client struct {
	relay           transfer.Relay
	chunkSize       int64
	fingerprinter   chunk.Fingerprinter
	policy          retry.Policy
	openTimeout     time.Duration
	chunkTimeout    time.Duration
	finalizeTimeout time.Duration
	initialDigest   string
	observer        func(Transition)
	clock           func() time.Time
	logger          log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithChunkSize sets the size of every chunk except possibly the last.
func WithChunkSize(size int64) Option {
	return func(c *Client) {
		c.chunkSize = size
	}
}

// WithFingerprinter sets the chunk digest algorithm.
func WithFingerprinter(f chunk.Fingerprinter) Option {
	return func(c *Client) {
		c.fingerprinter = f
	}
}

// WithRetryPolicy replaces the per-chunk retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithOpenTimeout bounds the session open call.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.openTimeout = d
	}
}

// WithChunkTimeout bounds every single chunk attempt.
func WithChunkTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.chunkTimeout = d
	}
}

// WithFinalizeTimeout bounds the finalize call.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.finalizeTimeout = d
	}
}

// WithInitialDigest sets the digest sent with the open request.
func WithInitialDigest(digest string) Option {
	return func(c *Client) {
		c.initialDigest = digest
	}
}

// WithObserver registers a callback for every state transition.
func WithObserver(fn func(Transition)) Option {
	return func(c *Client) {
		c.observer = fn
	}
}

// WithClock injects the time source used for telemetry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.clock = now
	}
}

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client uploading through relay.
func New(relay transfer.Relay, opts ...Option) (*Client, error) {
	c := &Client{
		relay:           relay,
		chunkSize:       DefaultChunkSize,
		fingerprinter:   chunk.MD5{},
		policy:          retry.DefaultPolicy(),
		openTimeout:     DefaultOpenTimeout,
		chunkTimeout:    DefaultChunkTimeout,
		finalizeTimeout: DefaultFinalizeTimeout,
		initialDigest:   chunk.PlaceholderDigest,
		clock:           time.Now,
		logger:          log.NewLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.relay == nil {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new session client", "relay is not set")
	}
	if c.chunkSize <= 0 {
		return nil, transfer.NewError(transfer.KindConfiguration, "new session client", fmt.Errorf("%w: %d", chunk.ErrChunkSize, c.chunkSize))
	}
	if c.fingerprinter == nil {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new session client", "fingerprinter is not set")
	}

	return c, nil
}

// ChunkSize ...
func (c *Client) ChunkSize() int64 {
	return c.chunkSize
}

// NewSession prepares a session for payload without contacting the relay.
func (c *Client) NewSession(payload transfer.Payload, destinationPath string) (*Session, error) {
	if destinationPath == "" {
		return nil, transfer.Errorf(transfer.KindConfiguration, "new session", "destination path is empty")
	}

	splitter, err := chunk.NewSplitter(payload.Size(), c.chunkSize)
	if err != nil {
		return nil, transfer.NewError(transfer.KindConfiguration, "new session", err)
	}

	return &Session{
		client:          c,
		payload:         payload,
		splitter:        splitter,
		destinationPath: destinationPath,
		tracker:         telemetry.NewTracker(payload.Size(), splitter.Count(), telemetry.WithClock(c.clock)),
		state:           Idle,
		sequence:        transfer.NoSequence,
	}, nil
}

// Upload transfers payload to destinationPath and returns the handle of the finalized object.
// onProgress may be nil.
func (c *Client) Upload(ctx context.Context, payload transfer.Payload, destinationPath string, onProgress ProgressFunc) (transfer.Handle, error) {
	s, err := c.NewSession(payload, destinationPath)
	if err != nil {
		return "", err
	}
	return s.Run(ctx, onProgress)
}
