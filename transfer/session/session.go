package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-blobrelay/transfer/chunk"
	"github.com/bitrise-io/go-blobrelay/transfer/telemetry"
)

// ErrAlreadyStarted is returned when Run is called on a session which left the Idle state.
var ErrAlreadyStarted = errors.New("session already started")

// Session is a single upload of one payload. Its state and progress can be polled
// from other goroutines while Run is in progress.
type Session struct {
	client          *Client
	payload         transfer.Payload
	splitter        chunk.Splitter
	destinationPath string
	tracker         *telemetry.Tracker

	mu       sync.Mutex
	started  bool
	id       string
	state    State
	sequence int
	digests  []string
	handle   transfer.Handle
	err      error
}

// ID is the session id issued by the relay, empty before the session is open.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current state and the chunk sequence it refers to.
func (s *Session) State() Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Transition{State: s.state, Sequence: s.sequence}
}

// Digests returns a copy of the digests of the acknowledged chunks, in sequence order.
func (s *Session) Digests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.digests...)
}

// Chunks is the number of chunks the payload is split into.
func (s *Session) Chunks() int {
	return s.splitter.Count()
}

// Progress ...
func (s *Session) Progress() telemetry.Snapshot {
	return s.tracker.Snapshot()
}

// Err is the terminal error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run drives the session to Completed or Failed. It can be called only once.
func (s *Session) Run(ctx context.Context, onProgress ProgressFunc) (transfer.Handle, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return "", ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	c := s.client
	logger := c.logger
	total := s.splitter.Count()

	s.tracker.Start()

	// Opening
	s.transition(Opening, transfer.NoSequence)
	logger.Infof("Opening upload session for %s (%d bytes, %d chunks)", s.destinationPath, s.payload.Size(), total)

	openCtx, cancelOpen := withTimeout(ctx, c.openTimeout)
	opened, err := c.relay.OpenSession(openCtx, transfer.OpenRequest{
		DestinationPath: s.destinationPath,
		TotalSize:       s.payload.Size(),
		InitialDigest:   c.initialDigest,
	})
	cancelOpen()
	if err != nil {
		return "", s.fail(Opening, transfer.NoSequence, fmt.Errorf("open session: %w", err))
	}
	if opened.SessionID == "" {
		return "", s.fail(Opening, transfer.NoSequence, transfer.Errorf(transfer.KindProtocol, "open session", "relay returned an empty session id"))
	}

	s.mu.Lock()
	s.id = opened.SessionID
	s.mu.Unlock()
	logger.Debugf("Session %s opened", opened.SessionID)

	// Uploading
	for r := range s.splitter.All() {
		if err := ctx.Err(); err != nil {
			return "", s.fail(Uploading, r.Sequence, fmt.Errorf("upload cancelled: %w", err))
		}

		s.transition(Uploading, r.Sequence)
		digest, err := s.uploadChunk(ctx, opened.SessionID, r, total)
		if err != nil {
			return "", s.fail(Uploading, r.Sequence, err)
		}

		s.mu.Lock()
		s.digests = append(s.digests, digest)
		s.mu.Unlock()

		snapshot := s.tracker.Record(r.End)
		logger.Debugf("Chunk %d/%d done: %s", r.Sequence+1, total, snapshot)
		if onProgress != nil {
			onProgress(snapshot)
		}
	}

	// Finalizing
	if err := ctx.Err(); err != nil {
		return "", s.fail(Finalizing, transfer.NoSequence, fmt.Errorf("upload cancelled: %w", err))
	}
	s.transition(Finalizing, transfer.NoSequence)

	digests := s.Digests()
	if len(digests) != total {
		return "", s.fail(Finalizing, transfer.NoSequence, transfer.Errorf(transfer.KindProtocol, "finalize", "%d digests for %d chunks", len(digests), total))
	}

	finalizeCtx, cancelFinalize := withTimeout(ctx, c.finalizeTimeout)
	finalized, err := c.relay.Finalize(finalizeCtx, transfer.FinalizeRequest{
		SessionID:       opened.SessionID,
		DestinationPath: s.destinationPath,
		TotalSize:       s.payload.Size(),
		Digests:         digests,
	})
	cancelFinalize()
	if err != nil {
		return "", s.fail(Finalizing, transfer.NoSequence, fmt.Errorf("finalize session: %w", err))
	}

	// Completed
	s.mu.Lock()
	s.handle = finalized.Handle
	s.mu.Unlock()
	s.transition(Completed, transfer.NoSequence)

	snapshot := s.tracker.Finish()
	if onProgress != nil {
		onProgress(snapshot)
	}
	logger.Donef("Uploaded %s in %s", s.destinationPath, snapshot.Elapsed.Round(time.Millisecond))

	return finalized.Handle, nil
}

func (s *Session) uploadChunk(ctx context.Context, sessionID string, r chunk.Range, total int) (string, error) {
	c := s.client

	ch, err := chunk.Read(s.payload, r)
	if err != nil {
		return "", transfer.NewError(transfer.KindConfiguration, "read chunk", err)
	}
	digest := ch.Fingerprint(c.fingerprinter)

	policy := c.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnf("Chunk %d/%d attempt %d failed, retrying in %s: %s", r.Sequence+1, total, attempt, delay, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		c.logger.Debugf("Uploading chunk %d/%d %s (attempt %d)", r.Sequence+1, total, r, attempt)

		attemptCtx, cancel := withTimeout(ctx, c.chunkTimeout)
		defer cancel()

		err := c.relay.UploadChunk(attemptCtx, transfer.ChunkRequest{
			SessionID:       sessionID,
			DestinationPath: s.destinationPath,
			Sequence:        r.Sequence,
			Digest:          digest,
			Data:            ch.Bytes(),
		})
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return transfer.NewError(transfer.KindTransient, "upload chunk", fmt.Errorf("attempt timed out after %s: %w", c.chunkTimeout, err))
		}
		return err
	})
	if err != nil {
		return "", err
	}

	return digest, nil
}

func (s *Session) transition(state State, sequence int) {
	s.mu.Lock()
	s.state = state
	s.sequence = sequence
	s.mu.Unlock()

	if s.client.observer != nil {
		s.client.observer(Transition{State: state, Sequence: sequence})
	}
}

func (s *Session) fail(from State, sequence int, err error) error {
	var seqErr *transfer.Error
	if errors.As(err, &seqErr) && seqErr.Sequence == transfer.NoSequence && sequence != transfer.NoSequence {
		seqErr.Sequence = sequence
	}

	failed := &FailedError{
		Sequence: sequence,
		Chunks:   s.splitter.Count(),
		State:    from,
		Err:      err,
	}

	s.mu.Lock()
	s.err = failed
	s.mu.Unlock()
	s.transition(Failed, sequence)

	s.client.logger.Errorf("Upload of %s failed: %s", s.destinationPath, failed)
	return failed
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
