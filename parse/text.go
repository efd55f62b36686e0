package parse

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseTextNaive splits plain text (or Markdown) into paragraph blocks.
// ATX headings (`## Board of Directors`) and short standalone lines
// without sentence punctuation are promoted to heading blocks, which is
// what lets the structured extractor find clauses by section title even
// in plain-text uploads.
func ParseTextNaive(data []byte) (*Result, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var blocks []Block
	for _, para := range splitParagraphs(text) {
		if level, heading := markdownHeading(para); heading != "" {
			blocks = append(blocks, Block{
				Page: 0, Type: BlockHeading, Text: heading, Level: level,
			})
			continue
		}
		if looksLikeHeading(para) {
			blocks = append(blocks, Block{
				Page: 0, Type: BlockHeading, Text: para, Level: 2,
			})
			continue
		}
		blocks = append(blocks, Block{Page: 0, Type: BlockPara, Text: para})
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no text content")
	}
	return buildResult("text-naive", blocks, nil, nil), nil
}

// markdownHeading recognizes ATX headings and returns (level, text), or
// (0, "") when the paragraph is not one.
func markdownHeading(para string) (int, string) {
	if strings.Contains(para, "\n") || !strings.HasPrefix(para, "#") {
		return 0, ""
	}
	level := 0
	for _, ch := range para {
		if ch != '#' {
			break
		}
		level++
	}
	if level > 6 {
		level = 6
	}
	text := strings.TrimSpace(strings.TrimRight(strings.TrimLeft(para, "#"), "#"))
	if text == "" {
		return 0, ""
	}
	return level, text
}

// looksLikeHeading reports whether a paragraph reads as a section
// title: one short line, mostly letters, no sentence-final punctuation.
func looksLikeHeading(para string) bool {
	if strings.Contains(para, "\n") || len(para) > 80 {
		return false
	}
	trimmed := strings.TrimSpace(para)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', ',', ';', ':':
		return false
	}
	words := strings.Fields(trimmed)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	// Title case or all caps on the significant words.
	upperStart := 0
	for _, w := range words {
		r := []rune(w)[0]
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			upperStart++
		}
	}
	return upperStart*2 > len(words)
}
