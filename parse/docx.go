package parse

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// ParseDOCXNaive reads word/document.xml out of the .docx ZIP archive
// and walks its XML tokens. Paragraph styles named Heading1..6 (and the
// usual localized variants) become heading blocks; explicit page breaks
// advance the page counter.
func ParseDOCXNaive(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in archive")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var (
		blocks      []Block
		currentText strings.Builder
		inParagraph bool
		style       string
		page        int
	)

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "p":
				inParagraph = true
				currentText.Reset()
				style = ""
			case t.Name.Local == "pStyle" && inParagraph:
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case t.Name.Local == "br":
				for _, attr := range t.Attr {
					if attr.Name.Local == "type" && attr.Value == "page" {
						page++
					}
				}
			}
		case xml.CharData:
			if inParagraph {
				currentText.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				text := strings.TrimSpace(currentText.String())
				if text == "" {
					continue
				}
				if level := docxHeadingLevel(style); level > 0 {
					blocks = append(blocks, Block{
						Page: page, Type: BlockHeading, Text: text, Level: level,
					})
				} else {
					blocks = append(blocks, Block{
						Page: page, Type: BlockPara, Text: text,
					})
				}
			}
		}
	}

	if len(blocks) == 0 {
		return nil, fmt.Errorf("no text content found in docx")
	}
	return buildResult("docx-naive", blocks, nil, nil), nil
}

// docxHeadingLevel extracts the heading level from a paragraph style
// name: "Heading1" → 1, "Titre2" → 2, "Title" → 1.
func docxHeadingLevel(style string) int {
	lower := strings.ToLower(style)
	if lower == "title" {
		return 1
	}
	if lower == "subtitle" {
		return 2
	}
	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if strings.HasPrefix(lower, prefix) {
			rest := lower[len(prefix):]
			if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
				return int(rest[0] - '0')
			}
		}
	}
	return 0
}
