package chunk

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Encoding is the framing of chunk bytes on the client to relay leg.
type Encoding string

// Encodings
const (
	// Binary sends the raw chunk as an application/octet-stream body.
	Binary Encoding = "binary"
	// Base64 embeds the chunk as standard base64 text in a JSON envelope.
	Base64 Encoding = "base64"
)

// ParseEncoding ...
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", Binary:
		return Binary, nil
	case Base64:
		return Base64, nil
	default:
		return "", fmt.Errorf("unknown chunk encoding: %s", s)
	}
}

// ContentType of a request body carrying a chunk in this encoding.
func (e Encoding) ContentType() string {
	if e == Base64 {
		return "application/json"
	}
	return "application/octet-stream"
}

// Encode returns the transport form of data.
func (e Encoding) Encode(data []byte) []byte {
	if e != Base64 {
		return data
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

// Decode restores the exact chunk bytes from their transport form.
func (e Encoding) Decode(data []byte) ([]byte, error) {
	if e != Base64 {
		return data, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 chunk: %w", err)
	}
	return out[:n], nil
}
