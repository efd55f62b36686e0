// Package extract turns parsed document structure into candidate clause
// snippets. The structured path walks parser blocks and recognizes
// clauses by keyword or by section heading; the plain-text path scans
// paragraphs with the same keyword rules. Both feed Normalize, which
// de-duplicates and orders snippets before they become clause rows.
package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/lexpipe/parse"
)

// Snippet is one candidate clause passage.
type Snippet struct {
	ClauseKey  string         `json:"clause_key"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	StartIdx   int            `json:"start_idx"`
	EndIdx     int            `json:"end_idx"`
	PageHint   int            `json:"page_hint"`
	BlockIDs   []string       `json:"block_ids"`
	Source     string         `json:"source"` // structured | text | overview
	Confidence float64        `json:"confidence"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// OverviewMaxChars bounds the synthesized overview snippet.
const OverviewMaxChars = 500

// FromStructured extracts snippets from parser blocks. A block whose
// body matches a rule's keywords yields a snippet directly; a heading
// that matches a rule's aliases claims the following body blocks (up to
// the next heading), so heading-titled sections survive even when their
// prose avoids the keywords.
func FromStructured(res *parse.Result) []Snippet {
	if res == nil || len(res.Blocks) == 0 {
		return nil
	}

	var (
		out    []Snippet
		offset int
	)
	blocks := res.Blocks
	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		text := CleanText(b.Text)
		if text == "" {
			continue
		}
		start := offset
		offset += len(text) + 1

		if b.Type == parse.BlockHeading {
			rule := RuleForHeading(text)
			if rule == nil {
				continue
			}
			// Claim body blocks until the next heading.
			bodyText := text
			ids := []string{b.ID}
			end := offset
			for j := i + 1; j < len(blocks) && blocks[j].Type != parse.BlockHeading; j++ {
				bt := CleanText(blocks[j].Text)
				if bt == "" {
					continue
				}
				bodyText += "\n" + bt
				ids = append(ids, blocks[j].ID)
				end += len(bt) + 1
			}
			out = append(out, Snippet{
				ClauseKey:  rule.Key,
				Title:      rule.Title,
				Text:       bodyText,
				StartIdx:   start,
				EndIdx:     end,
				PageHint:   b.Page,
				BlockIDs:   ids,
				Source:     "structured",
				Confidence: 0.9,
				Meta:       map[string]any{"origin": "heading", "heading": text},
			})
			continue
		}

		for k := range Catalog {
			rule := &Catalog[k]
			if rule.Keywords == nil || !rule.Keywords.MatchString(text) {
				continue
			}
			out = append(out, Snippet{
				ClauseKey:  rule.Key,
				Title:      rule.Title,
				Text:       text,
				StartIdx:   start,
				EndIdx:     start + len(text),
				PageHint:   b.Page,
				BlockIDs:   []string{b.ID},
				Source:     "structured",
				Confidence: 0.8,
				Meta:       map[string]any{"origin": "keyword"},
			})
		}
	}
	return out
}

// FromText extracts snippets from plain text by scanning paragraphs with
// the catalog keyword rules. Offsets index into the input text.
func FromText(text string) []Snippet {
	var out []Snippet
	offset := 0
	for _, para := range SplitParagraphs(text) {
		idx := strings.Index(text[offset:], para)
		start := offset
		if idx >= 0 {
			start = offset + idx
			offset = start + len(para)
		}
		clean := CleanText(para)
		if clean == "" {
			continue
		}
		for k := range Catalog {
			rule := &Catalog[k]
			if rule.Keywords == nil || !rule.Keywords.MatchString(clean) {
				continue
			}
			out = append(out, Snippet{
				ClauseKey:  rule.Key,
				Title:      rule.Title,
				Text:       clean,
				StartIdx:   start,
				EndIdx:     start + len(para),
				Source:     "text",
				Confidence: 0.6,
				Meta:       map[string]any{"origin": "keyword"},
			})
		}
	}
	return out
}

// Overview synthesizes a single fallback snippet from the head of the
// document text, used when both extractors come back empty.
func Overview(text string) Snippet {
	clean := CleanText(text)
	end := len(clean)
	if end > OverviewMaxChars {
		end = OverviewMaxChars
		for end > 0 && !utf8.RuneStart(clean[end]) {
			end--
		}
	}
	return Snippet{
		ClauseKey:  KeyDocumentOverview,
		Title:      "Document Overview",
		Text:       clean[:end],
		StartIdx:   0,
		EndIdx:     end,
		Source:     "overview",
		Confidence: 0.5,
		Meta:       map[string]any{"origin": "fallback"},
	}
}
