// Package parse extracts normalized page structure from uploaded
// documents. The structured parser (pdfcpu-backed for PDF, DOM walk for
// HTML) runs first; when it errors or yields no usable pages the
// format's naive parser takes over (raw PDF text-line scan, DOCX
// zip+xml walk, plain-text paragraph split).
//
// Every parser produces the same Result: per-page sanitized HTML,
// ordered blocks with stable ids for chunk binding, recognized tables,
// and the engine tag recorded in pages_json.
package parse

import (
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Format identifies a document type.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDocx     Format = "docx"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
)

// Supported content types.
const (
	MIMEPDF      = "application/pdf"
	MIMEDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEHTML     = "text/html"
	MIMEMarkdown = "text/markdown"
	MIMEText     = "text/plain"
)

// Block types, matching the chunk kinds they become.
const (
	BlockHeading = "heading"
	BlockPara    = "para"
	BlockTable   = "table"
	BlockList    = "list"
)

// Block is one structural unit of a parsed document.
type Block struct {
	ID    string `json:"id"`
	Page  int    `json:"page"`
	Type  string `json:"type"`
	Text  string `json:"text"`
	Level int    `json:"level,omitempty"` // heading level 1-6, 0 for body
}

// Table carries the cell text of a recognized table.
type Table struct {
	Page int        `json:"page"`
	Rows [][]string `json:"rows"`
}

// Engine tags which parser produced a Result.
type Engine struct {
	Engine  string `json:"engine"`
	Version string `json:"version"`
}

// Result is the normalized parser output persisted as pages_json.
type Result struct {
	HTMLPages []string `json:"html_pages"`
	Blocks    []Block  `json:"blocks"`
	Tables    []Table  `json:"tables,omitempty"`
	Parser    Engine   `json:"parser"`
}

const parserVersion = "v1"

var ugcPolicy = bluemonday.UGCPolicy()

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Detect resolves a Format from the declared content type, falling back
// to the filename extension for generic types.
func Detect(mime, filename string) (Format, error) {
	m := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	switch m {
	case MIMEPDF:
		return FormatPDF, nil
	case MIMEDocx:
		return FormatDocx, nil
	case MIMEHTML, "application/xhtml+xml":
		return FormatHTML, nil
	case MIMEMarkdown, "text/x-markdown":
		return FormatMarkdown, nil
	case MIMEText:
		return FormatText, nil
	case "", "application/octet-stream":
	default:
		return "", fmt.Errorf("unsupported content type: %q", mime)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF, nil
	case ".docx":
		return FormatDocx, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".txt", ".text":
		return FormatText, nil
	}
	return "", fmt.Errorf("unsupported format: %q %q", mime, filename)
}

// Parse runs the structured parser and falls back to the format's naive
// parser when structure extraction fails or yields nothing usable.
func Parse(data []byte, format Format) (*Result, error) {
	res, serr := ParseStructured(data, format)
	if serr == nil && len(res.Blocks) > 0 {
		return res, nil
	}

	var (
		nres *Result
		nerr error
	)
	switch format {
	case FormatPDF:
		nres, nerr = ParsePDFNaive(data)
	case FormatDocx:
		nres, nerr = ParseDOCXNaive(data)
	default:
		nres, nerr = ParseTextNaive(data)
	}
	if nerr != nil {
		return nil, errors.Join(serr, nerr)
	}
	return nres, nil
}

// ParseStructured extracts rich page structure. Only PDF and HTML have
// structured engines; other formats go straight to their naive parser.
func ParseStructured(data []byte, format Format) (*Result, error) {
	switch format {
	case FormatPDF:
		return parsePDFStructured(data)
	case FormatHTML:
		return parseHTML(data)
	default:
		return nil, fmt.Errorf("no structured parser for format %s", format)
	}
}

// TextPlain derives the document's plain text from the HTML pages via
// markdown conversion, falling back to concatenated block text.
func (r *Result) TextPlain() string {
	var parts []string
	for _, page := range r.HTMLPages {
		if strings.TrimSpace(page) == "" {
			continue
		}
		md, err := mdConverter.ConvertString(page)
		if err != nil || strings.TrimSpace(md) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(md))
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}
	var sb strings.Builder
	for _, b := range r.Blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}

// buildResult assigns stable block ids, renders per-page HTML (unless
// the parser supplied pages of its own) and tags the engine. Block ids
// are deterministic per page so a re-parse binds the same chunks.
func buildResult(engine string, blocks []Block, tables []Table, pages []string) *Result {
	perPage := map[int]int{}
	maxPage := 0
	for i := range blocks {
		p := blocks[i].Page
		blocks[i].ID = fmt.Sprintf("b-%d-%d", p, perPage[p])
		perPage[p]++
		if p > maxPage {
			maxPage = p
		}
	}
	if pages == nil && len(blocks) > 0 {
		pages = make([]string, maxPage+1)
		var sb strings.Builder
		for p := 0; p <= maxPage; p++ {
			sb.Reset()
			for _, b := range blocks {
				if b.Page == p {
					renderBlock(&sb, b)
				}
			}
			pages[p] = ugcPolicy.Sanitize(sb.String())
		}
	}
	return &Result{
		HTMLPages: pages,
		Blocks:    blocks,
		Tables:    tables,
		Parser:    Engine{Engine: engine, Version: parserVersion},
	}
}

func renderBlock(sb *strings.Builder, b Block) {
	switch b.Type {
	case BlockHeading:
		lvl := b.Level
		if lvl < 1 {
			lvl = 2
		}
		if lvl > 6 {
			lvl = 6
		}
		fmt.Fprintf(sb, "<h%d>%s</h%d>\n", lvl, html.EscapeString(b.Text), lvl)
	case BlockList:
		sb.WriteString("<ul>\n")
		for _, item := range strings.Split(b.Text, "\n") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			fmt.Fprintf(sb, "<li>%s</li>\n", html.EscapeString(item))
		}
		sb.WriteString("</ul>\n")
	default:
		fmt.Fprintf(sb, "<p>%s</p>\n", html.EscapeString(b.Text))
	}
}

// splitParagraphs cuts text on blank lines, trimming empties.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = []string{strings.TrimSpace(text)}
	}
	return out
}
