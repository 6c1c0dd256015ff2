package config

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// Secret is a string which is masked when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// Value returns the unmasked secret.
func (s Secret) Value() string {
	return string(s)
}

// ByteSize is a size in bytes, configured in human form ("10MB", "512kB", "25000000").
// Units are decimal: 1MB is 1,000,000 bytes.
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	size, err := units.FromHumanSize(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value, err)
	}
	*b = ByteSize(size)
	return nil
}

// String ...
func (b ByteSize) String() string {
	return units.HumanSize(float64(b))
}
