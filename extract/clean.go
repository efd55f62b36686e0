package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// CleanText normalizes extracted text for storage: zero-width characters
// removed, whitespace collapsed, trimmed.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(collapseWhitespace(text))
}

// NormalizeForHash prepares text for duplicate comparison. More
// aggressive than CleanText: lowercases and strips punctuation.
func NormalizeForHash(text string) string {
	text = strings.ToLower(CleanText(text))
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, text)
	return strings.TrimSpace(collapseWhitespace(text))
}

var multiSpaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return multiSpaceRe.ReplaceAllString(s, " ")
}

var paragraphRe = regexp.MustCompile(`\n\s*\n`)

// SplitParagraphs splits text on blank-line boundaries, trimming empties.
func SplitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
