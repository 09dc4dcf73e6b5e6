package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultChunkSize = 200
	DefaultOverlap   = 20
)

// Chunk is a bounded segment of a document's text. Start and End are byte
// offsets into the original text; counting for size and overlap is by words,
// so multi-byte content behaves the same as ASCII.
type Chunk struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Section string `json:"section,omitempty"`
}

// Chunker splits document text into overlapping word-bounded chunks.
// Splitting is deterministic: the same text and configuration always
// produce the same boundaries.
type Chunker struct {
	size     int
	overlap  int
	sections []*regexp.Regexp
}

type Option func(*Chunker)

// WithSectionPatterns enables section-aware splitting. A line matching any
// of the patterns forces a chunk boundary and labels the chunks that follow.
func WithSectionPatterns(patterns ...*regexp.Regexp) Option {
	return func(c *Chunker) {
		c.sections = append(c.sections, patterns...)
	}
}

func New(size, overlap int, opts ...Option) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, size), got %d for size %d", overlap, size)
	}

	c := &Chunker{
		size:    size,
		overlap: overlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Split returns the ordered chunks of text. Empty or whitespace-only input
// yields no chunks. Without section patterns, concatenating the chunks after
// dropping each chunk's leading overlap words reproduces text exactly.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	segments := c.segment(text)

	var chunks []Chunk
	for _, seg := range segments {
		chunks = c.splitSegment(chunks, text[seg.start:seg.end], seg.start, seg.label)
	}
	return chunks
}

type segment struct {
	start int
	end   int
	label string
}

// segment cuts text at section headings. Without patterns the whole text is
// one unlabeled segment.
func (c *Chunker) segment(text string) []segment {
	if len(c.sections) == 0 {
		return []segment{{start: 0, end: len(text)}}
	}

	var segments []segment
	cur := segment{start: 0}
	offset := 0
	for offset < len(text) {
		lineEnd := strings.IndexByte(text[offset:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += offset + 1
		}
		line := strings.TrimRight(text[offset:lineEnd], "\n")

		if c.isHeading(line) && offset > cur.start {
			cur.end = offset
			segments = append(segments, cur)
			cur = segment{start: offset, label: headingLabel(line)}
		} else if c.isHeading(line) && offset == cur.start {
			cur.label = headingLabel(line)
		}
		offset = lineEnd
	}
	cur.end = len(text)
	segments = append(segments, cur)
	return segments
}

func (c *Chunker) isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, p := range c.sections {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}

func headingLabel(line string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#=- "))
}

type wordSpan struct {
	start int
	end   int
}

// scanWords returns the byte spans of maximal non-space runs.
func scanWords(text string) []wordSpan {
	var words []wordSpan
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, wordSpan{start: start, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, wordSpan{start: start, end: len(text)})
	}
	return words
}

// splitSegment appends the chunks of one segment. Overlap never crosses a
// segment boundary. A non-final chunk's text runs to the start of the first
// word outside it, so inter-word whitespace survives reconstruction; the
// first chunk absorbs any text before its first word and the final chunk
// runs to the segment end.
func (c *Chunker) splitSegment(chunks []Chunk, seg string, base int, label string) []Chunk {
	words := scanWords(seg)
	if len(words) == 0 {
		return chunks
	}

	step := c.size - c.overlap
	for a := 0; ; a += step {
		b := a + c.size
		last := b >= len(words)
		if last {
			b = len(words)
		}

		start := words[a].start
		if a == 0 {
			start = 0
		}
		end := len(seg)
		if !last {
			end = words[b].start
		}

		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Text:    seg[start:end],
			Start:   base + start,
			End:     base + end,
			Section: label,
		})
		if last {
			return chunks
		}
	}
}
