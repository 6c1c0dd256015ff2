// Package chunk splits a payload into fixed-size chunks, fingerprints them and encodes them for transport.
package chunk

import (
	"errors"
	"fmt"
	"iter"
)

// ErrChunkSize is returned for non-positive chunk sizes.
var ErrChunkSize = errors.New("chunk size must be a positive integer")

// Range is the byte range [Start, End) of the chunk with the given 0-based Sequence.
type Range struct {
	Sequence int
	Start    int64
	End      int64
}

// Len ...
func (r Range) Len() int64 {
	return r.End - r.Start
}

// String ...
func (r Range) String() string {
	return fmt.Sprintf("#%d [%d, %d)", r.Sequence, r.Start, r.End)
}

// Splitter partitions a payload of a known size into ordered chunk ranges.
// Every chunk is exactly chunkSize long except possibly the last.
type Splitter struct {
	payloadSize int64
	chunkSize   int64
}

// NewSplitter ...
func NewSplitter(payloadSize, chunkSize int64) (Splitter, error) {
	if chunkSize <= 0 {
		return Splitter{}, fmt.Errorf("%w, got %d", ErrChunkSize, chunkSize)
	}
	if payloadSize < 0 {
		return Splitter{}, fmt.Errorf("payload size must not be negative, got %d", payloadSize)
	}

	return Splitter{payloadSize: payloadSize, chunkSize: chunkSize}, nil
}

// PayloadSize ...
func (s Splitter) PayloadSize() int64 {
	return s.payloadSize
}

// ChunkSize ...
func (s Splitter) ChunkSize() int64 {
	return s.chunkSize
}

// Count returns ceil(payloadSize / chunkSize).
func (s Splitter) Count() int {
	if s.chunkSize <= 0 {
		return 0
	}
	return int((s.payloadSize + s.chunkSize - 1) / s.chunkSize)
}

// Range returns the range of the chunk at index. It panics when index is out of [0, Count()).
func (s Splitter) Range(index int) Range {
	if index < 0 || index >= s.Count() {
		panic(fmt.Sprintf("chunk index %d out of range [0, %d)", index, s.Count()))
	}

	start := int64(index) * s.chunkSize
	end := start + s.chunkSize
	if end > s.payloadSize {
		end = s.payloadSize
	}
	return Range{Sequence: index, Start: start, End: end}
}

// All returns the chunk ranges in ascending order. The sequence is lazy and can be iterated any number of times.
func (s Splitter) All() iter.Seq[Range] {
	return func(yield func(Range) bool) {
		for i := 0; i < s.Count(); i++ {
			if !yield(s.Range(i)) {
				return
			}
		}
	}
}
