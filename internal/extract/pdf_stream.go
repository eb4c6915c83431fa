package extract

import (
	"bytes"
	"compress/zlib"
	"io"
	"regexp"
	"strings"
)

// maxInflatedStream bounds a single decompressed content stream.
const maxInflatedStream = 16 << 20

var (
	streamStart = regexp.MustCompile(`stream\r?\n`)
	// textShow matches a literal string or array operand followed by a
	// show-text operator, or a text-positioning operator that starts a line.
	textShow = regexp.MustCompile(`(?s)(\((?:\\.|[^\\)])*\)|\[(?:\\.|[^\]])*\])\s*(Tj|TJ|'|")|(T\*|\b(?:Td|TD|ET)\b)`)
	literal  = regexp.MustCompile(`\((?:\\.|[^\\)])*\)`)
)

// scanPDFStreams recovers text straight from the content streams of a PDF
// without building a document model. It reads files whose cross-reference
// table is too damaged for the reader, at the cost of page boundaries.
func scanPDFStreams(content []byte) string {
	var lines []string
	for _, data := range pdfStreams(content) {
		var line strings.Builder
		flush := func() {
			if s := strings.TrimSpace(strings.ToValidUTF8(line.String(), "")); s != "" {
				lines = append(lines, s)
			}
			line.Reset()
		}
		for _, m := range textShow.FindAllSubmatch(data, -1) {
			if len(m[3]) > 0 {
				flush()
				continue
			}
			for _, lit := range literal.FindAll(m[1], -1) {
				line.WriteString(unescapePDFString(lit[1 : len(lit)-1]))
			}
		}
		flush()
	}
	return strings.Join(lines, "\n")
}

// pdfStreams returns the bodies of all stream objects, inflating those
// declared as FlateDecode. Streams that fail to inflate are skipped.
func pdfStreams(content []byte) [][]byte {
	var out [][]byte
	for _, loc := range streamStart.FindAllIndex(content, -1) {
		if loc[0] > 0 && isRegularByte(content[loc[0]-1]) {
			// "endstream" or a name such as /XStream.
			continue
		}
		body := content[loc[1]:]
		end := bytes.Index(body, []byte("endstream"))
		if end < 0 {
			continue
		}
		body = body[:end]

		dict := content[:loc[0]]
		if i := bytes.LastIndex(dict, []byte("<<")); i >= 0 {
			dict = dict[i:]
		}
		if bytes.Contains(dict, []byte("/FlateDecode")) {
			zr, err := zlib.NewReader(bytes.NewReader(body))
			if err != nil {
				continue
			}
			inflated, err := io.ReadAll(io.LimitReader(zr, maxInflatedStream))
			_ = zr.Close()
			if err != nil && len(inflated) == 0 {
				continue
			}
			body = inflated
		}
		out = append(out, body)
	}
	return out
}

func isRegularByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// unescapePDFString decodes the escape sequences of a PDF literal string.
func unescapePDFString(b []byte) string {
	var sb strings.Builder
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '\\' || i+1 == len(b) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch e := b[i]; e {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'b', 'f':
		case '\r', '\n':
			// Line continuation.
		default:
			if e >= '0' && e <= '7' {
				v := int(e - '0')
				for k := 0; k < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; k++ {
					i++
					v = v*8 + int(b[i]-'0')
				}
				sb.WriteByte(byte(v))
				continue
			}
			sb.WriteByte(e)
		}
	}
	return sb.String()
}
