package chunk

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// PlaceholderDigest is sent with a session-open request before the real chunk digests are known.
// The cloud drive precreate endpoint accepts it as a one-block list.
const PlaceholderDigest = "5910a591dd8fc18c32a8f3df4ad24ea8"

// Fingerprinter computes the digest the remote store expects for a chunk.
// Digests must be byte-exact: the store validates the finalize digest list against what it received.
type Fingerprinter interface {
	Name() string
	Digest(data []byte) string
}

// MD5 produces lowercase hex MD5 digests, the format of cloud drive block lists and S3 part ETags.
type MD5 struct{}

// Name ...
func (MD5) Name() string {
	return "md5"
}

// Digest ...
func (MD5) Digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SHA256 produces lowercase hex SHA-256 digests.
type SHA256 struct{}

// Name ...
func (SHA256) Name() string {
	return "sha256"
}

// Digest ...
func (SHA256) Digest(data []byte) string {
	h := sha256.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprinterByName returns the fingerprinter registered under name.
func FingerprinterByName(name string) (Fingerprinter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "md5":
		return MD5{}, nil
	case "sha256", "sha-256":
		return SHA256{}, nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm: %s", name)
	}
}
