// Package chunker splits text into token-bounded windows for embedding.
// Splitting is paragraph-aware: a paragraph that fits a window is never
// cut, and consecutive windows share a configurable word overlap.
package chunker

import (
	"slices"
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/words"
)

// Chunk is one window of split text. Text is whitespace-normalized.
type Chunk struct {
	Text        string
	Index       int
	TokenCount  int
	OverlapPrev int // tokens shared with the previous chunk
}

// Options controls splitting. Zero values fall back to defaults.
type Options struct {
	MaxTokens     int // window size, default 512
	OverlapTokens int // words carried between windows, default 0
}

// span is one whitespace-delimited word with its UAX #29 token weight.
// Punctuation-only words weigh zero and ride along without consuming
// the window.
type span struct {
	text   string
	tokens int
}

// Split cuts text into chunks of at most MaxTokens words, counted at
// UAX #29 word boundaries. Empty or blank text returns nil.
func Split(text string, opts Options) []Chunk {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 512
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = 0
	}
	if opts.OverlapTokens >= opts.MaxTokens {
		opts.OverlapTokens = opts.MaxTokens / 4
	}

	var (
		out       []Chunk
		cur       []span
		curTokens int
		overlap   int
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, Chunk{
			Text:        joinSpans(cur),
			Index:       len(out),
			TokenCount:  curTokens,
			OverlapPrev: overlap,
		})
		if opts.OverlapTokens > 0 {
			var seed []span
			seedTokens := 0
			for i := len(cur) - 1; i >= 0 && seedTokens < opts.OverlapTokens; i-- {
				seed = append(seed, cur[i])
				seedTokens += cur[i].tokens
			}
			slices.Reverse(seed)
			cur = seed
			curTokens = seedTokens
			overlap = seedTokens
		} else {
			cur = nil
			curTokens = 0
			overlap = 0
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		fields := strings.Fields(para)
		if len(fields) == 0 {
			continue
		}
		spans := make([]span, len(fields))
		paraTokens := 0
		for i, w := range fields {
			spans[i] = span{text: w, tokens: CountTokens(w)}
			paraTokens += spans[i].tokens
		}
		// Start a paragraph in a fresh window when it would not fit the
		// remainder of the current one.
		if curTokens > overlap && curTokens+paraTokens > opts.MaxTokens {
			flush()
		}
		for _, s := range spans {
			// Only flush a window that gained tokens beyond its overlap
			// seed, or a lone overweight word would flush forever.
			if curTokens > overlap && curTokens+s.tokens > opts.MaxTokens {
				flush()
			}
			cur = append(cur, s)
			curTokens += s.tokens
		}
	}
	// The tail window is only worth emitting if it gained tokens beyond
	// the overlap seed.
	if curTokens > overlap {
		out = append(out, Chunk{
			Text:        joinSpans(cur),
			Index:       len(out),
			TokenCount:  curTokens,
			OverlapPrev: overlap,
		})
	}
	return out
}

func joinSpans(spans []span) string {
	parts := make([]string, len(spans))
	for i, s := range spans {
		parts[i] = s.text
	}
	return strings.Join(parts, " ")
}

// CountTokens counts word-like segments (UAX #29 word boundaries,
// whitespace and bare punctuation excluded).
func CountTokens(text string) int {
	seg := words.NewSegmenter([]byte(text))
	n := 0
	for seg.Next() {
		if wordlike(seg.Bytes()) {
			n++
		}
	}
	return n
}

// EstimateTokens approximates subword token count at four characters per
// token, the usual planning number for embedding budgets.
func EstimateTokens(text string) int {
	return (len(strings.TrimSpace(text)) + 3) / 4
}

func wordlike(b []byte) bool {
	for _, r := range string(b) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}
