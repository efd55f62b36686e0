package parse

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// parseHTML walks the DOM and emits one block per heading, paragraph,
// table or list. Script, style and navigation chrome are skipped. The
// source markup is re-rendered from the blocks so persisted pages are
// always sanitized.
func parseHTML(data []byte) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var (
		blocks []Block
		tables []Table
	)
	walkHTMLNodes(doc, &blocks, &tables)
	if len(blocks) == 0 {
		if text := collectHTMLText(doc); text != "" {
			blocks = append(blocks, Block{Page: 0, Type: BlockPara, Text: text})
		}
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no text content found in html")
	}
	return buildResult("html", blocks, tables, nil), nil
}

func walkHTMLNodes(n *html.Node, blocks *[]Block, tables *[]Table) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			if text := collectHTMLText(n); text != "" {
				*blocks = append(*blocks, Block{
					Page: 0, Type: BlockHeading, Text: text,
					Level: int(n.Data[1] - '0'),
				})
			}
			return
		case atom.P:
			if text := collectHTMLText(n); text != "" {
				*blocks = append(*blocks, Block{Page: 0, Type: BlockPara, Text: text})
			}
			return
		case atom.Table:
			rows := collectTableRows(n)
			if len(rows) > 0 {
				*tables = append(*tables, Table{Page: 0, Rows: rows})
			}
			if text := collectHTMLText(n); text != "" {
				*blocks = append(*blocks, Block{Page: 0, Type: BlockTable, Text: text})
			}
			return
		case atom.Ul, atom.Ol:
			items := collectListItems(n)
			if len(items) > 0 {
				*blocks = append(*blocks, Block{
					Page: 0, Type: BlockList, Text: strings.Join(items, "\n"),
				})
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTMLNodes(c, blocks, tables)
	}
}

// collectHTMLText extracts all visible text from a node subtree.
func collectHTMLText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collectTableRows(n *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					cells = append(cells, collectHTMLText(c))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return rows
}

func collectListItems(n *html.Node) []string {
	var items []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Li {
			if text := collectHTMLText(c); text != "" {
				items = append(items, text)
			}
		}
	}
	return items
}
