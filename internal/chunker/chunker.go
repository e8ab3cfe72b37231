// Package chunker splits workspace files into overlapping fixed-size fragments for indexing.
//
// A token is a maximal run of non-whitespace runes. This is a deliberately simple
// approximation of model tokens; the only property the index relies on is that identical
// input always produces identical chunk boundaries.
package chunker

import (
	"bytes"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/starford/mimir/internal/checksum"
	"github.com/starford/mimir/internal/models"
)

const (
	DefaultSize    = 400
	DefaultOverlap = 80
)

// Chunker produces chunks of Size tokens, consecutive chunks sharing Overlap tokens.
type Chunker struct {
	size    int
	overlap int
}

// New validates the parameters and returns a Chunker.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunker: chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunker: overlap must not be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunker: overlap (%d) must be smaller than chunk size (%d)", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the configured chunk size in tokens.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap in tokens.
func (c *Chunker) Overlap() int { return c.overlap }

// span is the byte range of one token.
type span struct {
	start, end int
}

// Split chunks data. Chunk i starts at token i*(size-overlap) and spans size tokens; the
// last chunk runs to end of file. Content shorter than one chunk, including empty content,
// yields exactly one chunk covering the whole file.
func (c *Chunker) Split(path string, data []byte) []models.Chunk {
	spans := tokenize(data)
	n := len(spans)
	lines := newLineIndex(data)

	if n <= c.size {
		return []models.Chunk{c.build(path, 0, 0, n, 0, len(data), data, lines)}
	}

	step := c.size - c.overlap
	var out []models.Chunk
	for start := 0; ; start += step {
		end := min(start+c.size, n)

		byteStart := spans[start].start
		if start == 0 {
			byteStart = 0
		}
		byteEnd := spans[end-1].end
		if end == n {
			byteEnd = len(data)
		}

		out = append(out, c.build(path, len(out), start, end, byteStart, byteEnd, data, lines))
		if end == n {
			break
		}
	}
	return out
}

func (c *Chunker) build(path string, idx, start, end, byteStart, byteEnd int, data []byte, lines lineIndex) models.Chunk {
	text := string(data[byteStart:byteEnd])
	lastByte := byteEnd
	if lastByte > byteStart {
		lastByte--
	}
	return models.Chunk{
		Path:        path,
		Index:       idx,
		StartOffset: start,
		EndOffset:   end,
		StartLine:   lines.line(byteStart),
		EndLine:     lines.line(lastByte),
		Text:        text,
		ContentHash: checksum.SumString(text),
	}
}

// CountTokens returns the number of tokens in data under the chunker's token definition.
func CountTokens(data []byte) int {
	return len(tokenize(data))
}

func tokenize(data []byte) []span {
	var out []span
	inToken := false
	tokStart := 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		space := unicode.IsSpace(r)
		switch {
		case !space && !inToken:
			inToken = true
			tokStart = i
		case space && inToken:
			inToken = false
			out = append(out, span{start: tokStart, end: i})
		}
		i += size
	}
	if inToken {
		out = append(out, span{start: tokStart, end: len(data)})
	}
	return out
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(data []byte) lineIndex {
	idx := lineIndex{}
	off := 0
	for {
		i := bytes.IndexByte(data[off:], '\n')
		if i < 0 {
			return idx
		}
		idx = append(idx, off+i)
		off += i + 1
	}
}

// line returns the line containing byte offset pos.
func (l lineIndex) line(pos int) int {
	lo, hi := 0, len(l)
	for lo < hi {
		mid := (lo + hi) / 2
		if l[mid] < pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo + 1
}
