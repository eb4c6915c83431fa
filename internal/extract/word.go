package extract

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// extractWord reads word/document.xml: top-level paragraphs first, then each
// top-level table as "[Table N]" followed by " | "-joined non-blank cells.
func extractWord(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}
	part, err := openPart(zr, "word/document.xml")
	if err != nil {
		return "", err
	}
	defer func() { _ = part.Close() }()

	paragraphs, tables, err := parseWordBody(xml.NewDecoder(part))
	if err != nil {
		return "", err
	}

	var parts []string
	for _, p := range paragraphs {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	for i, rows := range tables {
		var lines []string
		for _, cells := range rows {
			var kept []string
			for _, c := range cells {
				if c = strings.TrimSpace(c); c != "" {
					kept = append(kept, c)
				}
			}
			if len(kept) > 0 {
				lines = append(lines, strings.Join(kept, " | "))
			}
		}
		if len(lines) > 0 {
			parts = append(parts, fmt.Sprintf("\n[Table %d]\n%s", i+1, strings.Join(lines, "\n")))
		}
	}
	return strings.Join(parts, "\n"), nil
}

func parseWordBody(d *xml.Decoder) (paragraphs []string, tables [][][]string, err error) {
	var stack []string
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return paragraphs, tables, nil
		}
		if err != nil {
			return nil, nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			switch {
			case parent == "body" && t.Name.Local == "p":
				text, err := runText(d)
				if err != nil {
					return nil, nil, err
				}
				paragraphs = append(paragraphs, text)
			case parent == "body" && t.Name.Local == "tbl":
				rows, err := parseWordTable(d)
				if err != nil {
					return nil, nil, err
				}
				tables = append(tables, rows)
			default:
				stack = append(stack, t.Name.Local)
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

// parseWordTable consumes a <w:tbl> through its end tag. Cell text is the
// cell's paragraphs joined by newlines; nested tables are skipped.
func parseWordTable(d *xml.Decoder) ([][]string, error) {
	var (
		rows      [][]string
		row       []string
		cellParas []string
		inCell    bool
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tr":
				row = nil
			case "tc":
				inCell = true
				cellParas = nil
			case "p":
				text, err := runText(d)
				if err != nil {
					return nil, err
				}
				if inCell {
					cellParas = append(cellParas, text)
				}
			case "tbl":
				if err := d.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tc":
				row = append(row, strings.Join(cellParas, "\n"))
				inCell = false
			case "tr":
				rows = append(rows, row)
			case "tbl":
				return rows, nil
			}
		}
	}
}
