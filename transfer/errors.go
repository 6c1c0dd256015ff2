package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind classifies a transfer error.
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	// KindConfiguration is a missing credential or destination, never retried.
	KindConfiguration
	// KindTransient is a network failure, timeout or 5xx-class response.
	KindTransient
	// KindProtocol is a structural rejection by the remote store (bad session, digest mismatch, quota).
	KindProtocol
	// KindUpstreamDecode is a non-conforming response received from the remote store.
	KindUpstreamDecode
)

// Sentinel errors matching each Kind with errors.Is.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrTransient      = errors.New("transient transport error")
	ErrProtocol       = errors.New("protocol error")
	ErrUpstreamDecode = errors.New("upstream decode error")
)

// NoSequence marks errors not tied to a chunk.
const NoSequence = -1

// String ...
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindUpstreamDecode:
		return "upstream_decode"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindTransient:
		return ErrTransient
	case KindProtocol:
		return ErrProtocol
	case KindUpstreamDecode:
		return ErrUpstreamDecode
	default:
		return nil
	}
}

// Error is the typed error produced by relays and remote stores.
// Raw keeps the remote store's diagnostic text so it can be shown for support purposes.
type Error struct {
	Kind         Kind
	Op           string
	Sequence     int
	Status       int
	UpstreamCode int
	Raw          string
	Err          error
}

// NewError builds an Error not tied to a chunk.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Sequence: NoSequence, Err: err}
}

// Errorf builds an Error from a format string.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return NewError(kind, op, fmt.Errorf(format, args...))
}

// Error ...
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.UpstreamCode != 0 {
		fmt.Fprintf(&b, " (upstream code %d)", e.UpstreamCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Raw != "" {
		fmt.Fprintf(&b, " [raw: %s]", e.Raw)
	}
	return b.String()
}

// Unwrap ...
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of the first Error in err's chain.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err may succeed on a later attempt:
// transient transport errors and per-attempt deadlines.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind == KindTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RawDiagnostic returns the remote store's raw diagnostic text carried by err, if any.
func RawDiagnostic(err error) string {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Raw
	}
	return ""
}

// Truncate shortens raw upstream text kept for diagnostics to at most n bytes,
// without splitting a UTF-8 sequence.
func Truncate(raw string, n int) string {
	if len(raw) <= n {
		return raw
	}
	for n > 0 && !utf8.RuneStart(raw[n]) {
		n--
	}
	return raw[:n]
}
