package chunker_test

import (
	"regexp"
	"strings"
	"testing"
	"unicode"

	"docchat/src/core/chunker"
)

// dropLeadingWords returns text with its first n words (and the whitespace
// between them) removed, keeping everything after the n-th word's gap.
func dropLeadingWords(text string, n int) string {
	if n == 0 {
		return text
	}
	seen := 0
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			if seen == n {
				return text[i:]
			}
			seen++
			inWord = true
		}
	}
	return ""
}

func reconstruct(chunks []chunker.Chunk, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Text)
			continue
		}
		b.WriteString(dropLeadingWords(c.Text, overlap))
	}
	return b.String()
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func TestSplitRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
	}{
		{
			name:    "short text single chunk",
			text:    "Employees receive 20 days of paid annual leave per year.",
			size:    200,
			overlap: 20,
		},
		{
			name:    "multiple chunks with overlap",
			text:    strings.Repeat("alpha beta gamma delta epsilon ", 40),
			size:    25,
			overlap: 5,
		},
		{
			name:    "no overlap",
			text:    strings.Repeat("one two three four ", 30),
			size:    10,
			overlap: 0,
		},
		{
			name:    "irregular whitespace",
			text:    "first  second\tthird\n\nfourth   fifth sixth seventh eighth ninth tenth",
			size:    4,
			overlap: 1,
		},
		{
			name:    "multibyte content",
			text:    strings.Repeat("naïve café 世界 résumé ", 25),
			size:    12,
			overlap: 3,
		},
		{
			name:    "leading and trailing whitespace",
			text:    "   padded start middle words and a padded end   ",
			size:    4,
			overlap: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := chunker.New(tt.size, tt.overlap)
			if err != nil {
				t.Fatalf("New(%d, %d) failed: %v", tt.size, tt.overlap, err)
			}

			chunks := c.Split(tt.text)
			if len(chunks) == 0 {
				t.Fatal("expected at least one chunk")
			}

			if got := reconstruct(chunks, tt.overlap); got != tt.text {
				t.Errorf("round trip mismatch:\ngot:  %q\nwant: %q", got, tt.text)
			}

			for i, ch := range chunks {
				if ch.Index != i {
					t.Errorf("chunk %d has index %d", i, ch.Index)
				}
				if ch.Start < 0 || ch.End > len(tt.text) || ch.Start >= ch.End {
					t.Errorf("chunk %d span [%d, %d) out of bounds", i, ch.Start, ch.End)
				}
				if tt.text[ch.Start:ch.End] != ch.Text {
					t.Errorf("chunk %d text does not match its span", i)
				}
				if n := wordCount(ch.Text); n > tt.size {
					t.Errorf("chunk %d has %d words, exceeds size %d", i, n, tt.size)
				}
			}
		})
	}
}

func TestSplitOverlapIsExact(t *testing.T) {
	text := strings.Repeat("w1 w2 w3 w4 w5 w6 w7 w8 ", 20)
	const size, overlap = 10, 3

	c, err := chunker.New(size, overlap)
	if err != nil {
		t.Fatal(err)
	}

	chunks := c.Split(text)
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}

	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		cur := strings.Fields(chunks[i].Text)
		tail := prev[len(prev)-overlap:]
		head := cur[:overlap]
		for j := range tail {
			if tail[j] != head[j] {
				t.Fatalf("chunk %d head %v does not match predecessor tail %v", i, head, tail)
			}
		}
	}
}

func TestSplitEmptyInput(t *testing.T) {
	c, err := chunker.New(100, 10)
	if err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"", "   ", "\n\t\n"} {
		if chunks := c.Split(text); len(chunks) != 0 {
			t.Errorf("Split(%q) = %d chunks, want 0", text, len(chunks))
		}
	}
}

func TestSplitSingleLongToken(t *testing.T) {
	token := strings.Repeat("x", 5000)
	c, err := chunker.New(3, 1)
	if err != nil {
		t.Fatal(err)
	}

	chunks := c.Split(token)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != token {
		t.Error("long token must be emitted whole, never truncated")
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 50)
	c, err := chunker.New(30, 6)
	if err != nil {
		t.Fatal(err)
	}

	first := c.Split(text)
	second := c.Split(text)
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitSectionAware(t *testing.T) {
	heading := regexp.MustCompile(`^#+\s+`)
	text := "# Introduction\nSome opening words here.\n# Benefits\nEmployees receive paid leave.\nMore benefit details follow here.\n"

	c, err := chunker.New(5, 1, chunker.WithSectionPatterns(heading))
	if err != nil {
		t.Fatal(err)
	}

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}

	var sections []string
	for _, ch := range chunks {
		sections = append(sections, ch.Section)
	}

	if chunks[0].Section != "Introduction" {
		t.Errorf("first chunk section = %q, want Introduction (sections: %v)", chunks[0].Section, sections)
	}
	found := false
	for _, ch := range chunks {
		if ch.Section == "Benefits" {
			found = true
			if !strings.Contains(ch.Text, "paid leave") && !strings.Contains(ch.Text, "Benefits") {
				t.Errorf("Benefits chunk has unexpected text %q", ch.Text)
			}
		}
		if ch.Section == "Benefits" && strings.Contains(ch.Text, "opening words") {
			t.Error("heading must force a boundary; Benefits chunk contains Introduction text")
		}
	}
	if !found {
		t.Errorf("no chunk labeled Benefits (sections: %v)", sections)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := chunker.New(0, 0); err == nil {
		t.Error("size 0 should be rejected")
	}
	if _, err := chunker.New(10, 10); err == nil {
		t.Error("overlap == size should be rejected")
	}
	if _, err := chunker.New(10, -1); err == nil {
		t.Error("negative overlap should be rejected")
	}
}
