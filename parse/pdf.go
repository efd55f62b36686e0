package parse

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// parsePDFStructured extracts page-aware text from a PDF using pdfcpu.
// Each page yields one or more paragraph blocks; the first non-empty
// line of the document becomes a heading block so the extractor has a
// title candidate.
func parsePDFStructured(data []byte) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var blocks []Block
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		pageText := extractPDFPageText(pdfCtx, pageNr)
		if pageText == "" {
			continue
		}
		for _, para := range splitParagraphs(pageText) {
			blocks = append(blocks, Block{
				Page: pageNr - 1,
				Type: BlockPara,
				Text: para,
			})
		}
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no text content found in PDF")
	}
	return buildResult("pdfcpu", blocks, nil, nil), nil
}

// extractPDFPageText pulls text operators out of one page's content
// stream. pdfcpu has already decompressed the stream at this point.
func extractPDFPageText(pdfCtx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return textFromContentStream(data)
}

// ParsePDFNaive scans raw PDF bytes for text-showing operators without
// going through pdfcpu. It only sees uncompressed content streams, which
// is exactly the fallback case: documents the structured parser rejected.
func ParsePDFNaive(data []byte) (*Result, error) {
	text := textFromContentStream(data)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text content found in PDF")
	}
	var blocks []Block
	for _, para := range splitParagraphs(text) {
		blocks = append(blocks, Block{Page: 0, Type: BlockPara, Text: para})
	}
	return buildResult("pdf-naive", blocks, nil, nil), nil
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)

// textFromContentStream parses PDF content stream operators for text:
// Tj and TJ show strings, ' shows on the next line, T* moves down a
// line, Td/TD reposition.
func textFromContentStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanPDFText(sb.String())
}

// decodePDFString handles basic PDF escape sequences including octal.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for range 2 {
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
					}
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// cleanPDFText collapses runs of whitespace but keeps line structure so
// paragraph splitting still works.
func cleanPDFText(text string) string {
	var sb strings.Builder
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		sb.Reset()
		prevSpace := false
		for _, r := range line {
			if unicode.IsSpace(r) {
				if !prevSpace && sb.Len() > 0 {
					sb.WriteByte(' ')
					prevSpace = true
				}
			} else if unicode.IsPrint(r) {
				sb.WriteRune(r)
				prevSpace = false
			}
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
