// Package chunker implements content-defined chunking (spec §4.3,
// component C3): splitting a byte stream into variable-size chunks whose
// boundaries depend only on a rolling window of preceding bytes, not on
// absolute position, so edits shift only the chunks near the edit.
package chunker

import (
	"bytes"
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Params bounds the chunker; they are the same MinSize/AvgSize/MaxSize
// stored in the repository header, so any implementation opening the
// header reproduces identical boundaries for identical bytes.
type Params struct {
	MinSize uint32
	AvgSize uint32
	MaxSize uint32
}

// DefaultParams matches the spec's target average of 1-4 MiB chunks.
var DefaultParams = Params{
	MinSize: 512 * 1024,
	AvgSize: 2 * 1024 * 1024,
	MaxSize: 8 * 1024 * 1024,
}

// Validate reports whether the bounds are sane (min <= avg <= max, all
// positive).
func (p Params) Validate() error {
	if p.MinSize == 0 || p.AvgSize == 0 || p.MaxSize == 0 {
		return fmt.Errorf("chunker: sizes must be positive: %+v", p)
	}
	if !(p.MinSize <= p.AvgSize && p.AvgSize <= p.MaxSize) {
		return fmt.Errorf("chunker: sizes must satisfy min <= avg <= max: %+v", p)
	}
	return nil
}

// Split reads r to completion and returns the content-defined chunks. The
// underlying algorithm is a Rabin fingerprint rolling hash (the same
// family as boxo's Buzhash splitter, chosen here for its configurable
// min/avg/max window rather than a fixed default size).
func Split(r io.Reader, p Params) ([][]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	splitter := boxochunker.NewRabinMinMax(r, uint64(p.MinSize), uint64(p.AvgSize), uint64(p.MaxSize))

	var chunks [][]byte
	for {
		chunk, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: splitting: %w", err)
		}
		// NextBytes may reuse its internal buffer; copy defensively.
		chunks = append(chunks, append([]byte(nil), chunk...))
	}
	return chunks, nil
}

// SplitBytes is a convenience wrapper around Split for in-memory buffers,
// used when re-chunking a small modified region of an object (spec §4.6's
// copy-on-write write path).
func SplitBytes(data []byte, p Params) ([][]byte, error) {
	return Split(bytes.NewReader(data), p)
}
