package transfer

import "net/http"

// Relay HTTP headers.
const (
	HeaderDigest      = "X-Blobrelay-Digest"
	HeaderPath        = "X-Blobrelay-Path"
	HeaderSequence    = "X-Blobrelay-Sequence"
	HeaderRequestID   = "X-Request-Id"
	HeaderContentType = "Content-Type"
)

// Relay HTTP routes, relative to the relay base URL.
const (
	RouteSessions   = "/api/v1/sessions"
	RouteObjects    = "/api/v1/objects"
	RouteFiles      = "/api/v1/files"
	RouteDirs       = "/api/v1/dirs"
	RouteHealth     = "/health"
	RouteAPIVersion = "/api/v1"
)

// ChunkEnvelope is the JSON body of a base64 framed chunk.
type ChunkEnvelope struct {
	Sequence        int    `json:"sequence"`
	Digest          string `json:"digest"`
	DestinationPath string `json:"destination_path"`
	ChunkBase64     string `json:"chunk_base64"`
}

// FetchURLResponse ...
type FetchURLResponse struct {
	FetchURL string `json:"fetch_url"`
}

// ListResponse ...
type ListResponse struct {
	Entries []Entry `json:"entries"`
}

// MkdirRequest ...
type MkdirRequest struct {
	Path string `json:"path"`
}

// MkdirResponse carries the directory handle, empty for stores with implicit directories.
type MkdirResponse struct {
	Path   string `json:"path"`
	Handle Handle `json:"handle,omitempty"`
}

// OKResponse ...
type OKResponse struct {
	OK bool `json:"ok"`
}

// Error codes reported by the relay.
const (
	CodeBadRequest     = "bad_request"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeIntegrity      = "integrity"
	CodeProtocol       = "protocol"
	CodeTransport      = "transport"
	CodeUpstreamDecode = "upstream_decode"
	CodeInternal       = "internal"
)

// ErrorBody is the JSON body of every relay error response.
type ErrorBody struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	UpstreamCode int    `json:"upstream_code,omitempty"`
	Raw          string `json:"raw,omitempty"`
}

// KindForCode maps a relay error code to an error kind.
func KindForCode(code string) Kind {
	switch code {
	case CodeUnauthorized:
		return KindConfiguration
	case CodeIntegrity, CodeTransport:
		return KindTransient
	case CodeBadRequest, CodeNotFound, CodeProtocol:
		return KindProtocol
	case CodeUpstreamDecode:
		return KindUpstreamDecode
	default:
		return KindUnknown
	}
}

// StatusForCode maps a relay error code to the HTTP status it is reported with.
func StatusForCode(code string) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIntegrity:
		return http.StatusConflict
	case CodeProtocol:
		return http.StatusUnprocessableEntity
	case CodeTransport:
		return http.StatusServiceUnavailable
	case CodeUpstreamDecode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeForError picks the relay error code describing err.
func CodeForError(err error) string {
	switch KindOf(err) {
	case KindConfiguration:
		return CodeBadRequest
	case KindTransient:
		return CodeTransport
	case KindProtocol:
		return CodeProtocol
	case KindUpstreamDecode:
		return CodeUpstreamDecode
	default:
		return CodeInternal
	}
}
