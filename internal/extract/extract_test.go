package extract

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func zipParts(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const wordNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`

func docx(t *testing.T, body string) []byte {
	return zipParts(t, map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types/>`,
		"word/document.xml":   `<?xml version="1.0" encoding="UTF-8"?><w:document ` + wordNS + `><w:body>` + body + `</w:body></w:document>`,
	})
}

func wp(text string) string {
	return `<w:p><w:r><w:t xml:space="preserve">` + text + `</w:t></w:r></w:p>`
}

func pptx(t *testing.T, slides ...string) []byte {
	parts := map[string]string{"[Content_Types].xml": `<Types/>`}
	for i, s := range slides {
		parts[fmt.Sprintf("ppt/slides/slide%d.xml", i+1)] = `<?xml version="1.0"?>` +
			`<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">` +
			`<p:cSld><p:spTree>` + s + `</p:spTree></p:cSld></p:sld>`
	}
	return zipParts(t, parts)
}

func shape(paras ...string) string {
	var b strings.Builder
	b.WriteString(`<p:sp><p:txBody><a:bodyPr/>`)
	for _, p := range paras {
		b.WriteString(`<a:p><a:r><a:t>` + p + `</a:t></a:r></a:p>`)
	}
	b.WriteString(`</p:txBody></p:sp>`)
	return b.String()
}

func TestExtract_Dispatch(t *testing.T) {
	e := New()
	tests := []struct {
		name        string
		content     []byte
		contentType string
		filename    string
		want        string
	}{
		{"plain text", []byte("hello"), "text/plain; charset=utf-8", "", "hello"},
		{"json", []byte(`{"a":1}`), "application/json", "", `{"a":1}`},
		{"xml", []byte(`<a/>`), "application/xml", "", `<a/>`},
		{"invalid utf8 dropped", []byte("ok\xff\xfeok"), "text/plain", "", "okok"},
		{"unsupported", []byte("abc"), "Application/Octet-Stream", "x.bin", "Unsupported document format: application/octet-stream. File size: 3 bytes. Unable to extract text content."},
		{"html by extension", []byte("<p>Hi</p>"), "application/octet-stream", "page.HTM", "Hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Extract(tt.content, tt.contentType, tt.filename))
		})
	}
}

func TestExtract_DispatchOrder(t *testing.T) {
	assert.Equal(t, []string{"pdf", "word", "excel", "powerpoint", "html", "text"}, New().Formats())

	// An HTML content type wins over the generic text match.
	got := New().Extract([]byte("<script>x()</script><b>Bold</b>"), "text/html", "")
	assert.Equal(t, "Bold", got)
}

func TestExtract_CorruptInputNeverPanics(t *testing.T) {
	e := New()
	garbage := []byte("this is definitely not a real document \x00\x01\x02")
	tests := []struct {
		contentType string
		filename    string
		prefix      string
	}{
		{"application/pdf", "", "PDF processing error"},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "", "Word document processing error"},
		{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "", "Excel processing error"},
		{"application/vnd.openxmlformats-officedocument.presentationml.presentation", "", "PowerPoint processing error"},
		{"", "legacy.doc", "Word document processing error"},
		{"", "legacy.xls", "Excel processing error"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+tt.filename, func(t *testing.T) {
			var got string
			require.NotPanics(t, func() { got = e.Extract(garbage, tt.contentType, tt.filename) })
			assert.True(t, strings.HasPrefix(got, tt.prefix+": "), "got %q", got)
			assert.Contains(t, got, "processing error")
		})
	}
}

func TestExtract_RecoversPanics(t *testing.T) {
	e := New()
	e.formats = []Format{{
		Name:         "boom",
		ContentTypes: []string{"boom"},
		Extract:      func([]byte) (string, error) { panic("index out of range") },
		ErrorPrefix:  "Boom processing error",
	}}

	got := e.Extract(nil, "application/boom", "")
	assert.Equal(t, "Boom processing error: index out of range", got)
}

func TestExtractWord(t *testing.T) {
	body := wp("First paragraph") + wp("   ") + wp("Second") +
		`<w:tbl>` +
		`<w:tr><w:tc>` + wp("Name") + `</w:tc><w:tc>` + wp("Role") + `</w:tc></w:tr>` +
		`<w:tr><w:tc>` + wp(" ") + `</w:tc><w:tc>` + wp("") + `</w:tc></w:tr>` +
		`<w:tr><w:tc>` + wp("Jane") + `</w:tc><w:tc>` + wp("") + `</w:tc><w:tc>` + wp("Partner") + `</w:tc></w:tr>` +
		`</w:tbl>` +
		`<w:tbl><w:tr><w:tc>` + wp("Only") + `</w:tc></w:tr></w:tbl>`

	got := New().Extract(docx(t, body), "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "memo.docx")
	want := "First paragraph\nSecond\n\n[Table 1]\nName | Role\nJane | Partner\n\n[Table 2]\nOnly"
	assert.Equal(t, want, got)
}

func TestExtractWord_TabsAndBreaks(t *testing.T) {
	body := `<w:p><w:r><w:t>A</w:t><w:tab/><w:t>B</w:t><w:br/><w:t>C</w:t></w:r></w:p>`
	assert.Equal(t, "A\tB\nC", New().Extract(docx(t, body), "", "x.docx"))
}

func TestExtractWord_Empty(t *testing.T) {
	got := New().Extract(docx(t, wp("  ")), "application/msword", "")
	assert.Equal(t, "No readable text found in Word document", got)
}

func TestExtractWord_MissingDocumentPart(t *testing.T) {
	content := zipParts(t, map[string]string{"other.xml": "<x/>"})
	got := New().Extract(content, "", "x.docx")
	assert.Equal(t, "Word document processing error: missing part word/document.xml", got)
}

func TestExtractPowerPoint(t *testing.T) {
	content := pptx(t,
		shape("Title slide")+shape("Line one", "Line two"),
		shape("   "),
		shape("Closing"),
	)
	got := New().Extract(content, "", "deck.pptx")
	want := "[Slide 1]\nTitle slide\nLine one\nLine two\n\n[Slide 3]\nClosing"
	assert.Equal(t, want, got)
}

func TestExtractPowerPoint_NumericSlideOrder(t *testing.T) {
	slides := make([]string, 11)
	for i := range slides {
		slides[i] = shape(fmt.Sprintf("S%d", i+1))
	}
	got := New().Extract(pptx(t, slides...), "application/vnd.ms-powerpoint", "")
	assert.True(t, strings.Index(got, "S2\n") < strings.Index(got, "S10"), "slide10 must come after slide2: %q", got)
	assert.True(t, strings.HasSuffix(got, "[Slide 11]\nS11"))
}

func TestExtractPowerPoint_PresentationOrder(t *testing.T) {
	parts := map[string]string{"[Content_Types].xml": `<Types/>`}
	slide := func(text string) string {
		return `<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">` +
			`<p:cSld><p:spTree>` + shape(text) + `</p:spTree></p:cSld></p:sld>`
	}
	parts["ppt/slides/slide1.xml"] = slide("Moved to end")
	parts["ppt/slides/slide2.xml"] = slide("Now first")
	parts["ppt/slides/slide3.xml"] = slide("Hidden from the list")
	parts["ppt/presentation.xml"] = `<p:presentation xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" ` +
		`xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">` +
		`<p:sldIdLst><p:sldId id="256" r:id="rId3"/><p:sldId id="257" r:id="rId2"/></p:sldIdLst></p:presentation>`
	parts["ppt/_rels/presentation.xml.rels"] = `<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
		`<Relationship Id="rId1" Target="slideMasters/slideMaster1.xml"/>` +
		`<Relationship Id="rId2" Target="slides/slide1.xml"/>` +
		`<Relationship Id="rId3" Target="/ppt/slides/slide2.xml"/>` +
		`</Relationships>`

	got := New().Extract(zipParts(t, parts), "", "deck.pptx")
	assert.Equal(t, "[Slide 1]\nNow first\n\n[Slide 2]\nMoved to end", got)
}

func TestExtractPowerPoint_Empty(t *testing.T) {
	got := New().Extract(pptx(t, shape(""), `<p:pic/>`), "", "deck.pptx")
	assert.Equal(t, "No readable text found in PowerPoint", got)
}

func TestExtractExcel(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Matter", "Hours"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"Acme v. Roe", 12}))
	_, err := f.NewSheet("Empty")
	require.NoError(t, err)

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	got := New().Extract(buf.Bytes(), "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "")
	assert.Equal(t, "[Sheet: Sheet1]\nMatter | Hours\nAcme v. Roe | 12", got)
}

func TestExtractExcel_Truncates(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	for i := 1; i <= 150; i++ {
		require.NoError(t, f.SetCellValue("Sheet1", fmt.Sprintf("A%d", i), fmt.Sprintf("row%d", i)))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	got := New().Extract(buf.Bytes(), "", "big.xlsx")
	assert.True(t, strings.HasSuffix(got, "\n... (truncated, showing first 100 rows)"), "got tail %q", got[len(got)-60:])
	assert.NotContains(t, got, "row102")
}

func TestExtractExcel_Empty(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	assert.Equal(t, "No readable data found in Excel file", New().Extract(buf.Bytes(), "application/vnd.ms-excel", ""))
}

func TestExtractHTML(t *testing.T) {
	page := `<html><head><title>Memo</title><style>p { color: red }</style></head>
<body>
  <h1>Heading</h1>
  <p>First  Second</p>
  <script>var x = "hidden";</script>
  <p>   </p>
</body></html>`

	got := New().Extract([]byte(page), "text/html", "")
	assert.Equal(t, "Memo\nHeading\nFirst\nSecond", got)
}

func TestExtractHTML_Empty(t *testing.T) {
	got := New().Extract([]byte("<script>only()</script>"), "text/html", "")
	assert.Equal(t, "No readable text found in HTML", got)
}

func TestExtractPDF_Garbage(t *testing.T) {
	got := New().Extract([]byte("%PDF-1.4 truncated"), "", "broken.PDF")
	assert.True(t, strings.HasPrefix(got, "PDF processing error: "), "got %q", got)
}

func TestExtractPDF_DamagedXrefFallsBackToStreams(t *testing.T) {
	var flate bytes.Buffer
	zw := zlib.NewWriter(&flate)
	_, err := zw.Write([]byte("BT [(Sec) -20 (ond)] TJ T* (line\\101) Tj ET"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var doc bytes.Buffer
	doc.WriteString("%PDF-1.4\n1 0 obj\n<< /Length 44 >>\nstream\n")
	doc.WriteString("BT /F1 12 Tf 72 700 Td (Hello \\(raw\\)) Tj ET\nendstream\nendobj\n")
	doc.WriteString("2 0 obj\n<< /Filter /FlateDecode >>\nstream\n")
	doc.Write(flate.Bytes())
	doc.WriteString("\nendstream\nendobj\n%%EOF\n")

	got := New().Extract(doc.Bytes(), "application/pdf", "")
	assert.Equal(t, "Hello (raw)\nSecond\nlineA", got)
}

func TestUnescapePDFString(t *testing.T) {
	tests := map[string]string{
		`plain`:       "plain",
		`a\(b\)`:      "a(b)",
		`tab\there`:   "tab\there",
		`\101\102C`:   "ABC",
		`back\\slash`: "back\\slash",
	}
	for in, want := range tests {
		if got := unescapePDFString([]byte(in)); got != want {
			t.Errorf("unescapePDFString(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCapabilities(t *testing.T) {
	caps := New().Capabilities()
	assert.True(t, caps.OverallStatus)
	assert.True(t, caps.LibrariesAvailable["github.com/ledongthuc/pdf"])
	assert.Contains(t, caps.SupportedFormats, "PDF")
	assert.Equal(t, "pdf", caps.DispatchOrder[0])
}
