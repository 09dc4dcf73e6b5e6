package citation

import (
	"math"

	"docchat/src/core/retrieval"
)

const DefaultPreviewLength = 200

// Citation is a user-facing reference to the source chunk backing an answer.
type Citation struct {
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	Preview    string  `json:"preview"`
}

// Assembler converts final candidates into citations.
type Assembler struct {
	previewLength int
}

func NewAssembler(previewLength int) *Assembler {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &Assembler{previewLength: previewLength}
}

// Assemble emits one citation per candidate in rank order, skipping
// duplicate (document, chunk) pairs. Scores are rounded to four decimals and
// previews bounded by rune count.
func (a *Assembler) Assemble(candidates []retrieval.Candidate) []Citation {
	seen := make(map[[2]int64]bool, len(candidates))
	citations := make([]Citation, 0, len(candidates))

	for _, c := range candidates {
		key := [2]int64{c.DocID, c.ChunkID}
		if seen[key] {
			continue
		}
		seen[key] = true

		citations = append(citations, Citation{
			Filename:   c.Filename,
			ChunkIndex: c.ChunkIndex,
			Score:      round4(c.CombinedScore),
			Preview:    preview(c.Text, a.previewLength),
		})
	}
	return citations
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
