package extract

// Capabilities describes the extraction backends compiled into the binary.
type Capabilities struct {
	LibrariesAvailable map[string]bool `json:"libraries_available"`
	SupportedFormats   []string        `json:"supported_formats"`
	DispatchOrder      []string        `json:"dispatch_order"`
	OverallStatus      bool            `json:"overall_status"`
}

// Capabilities reports the available backends. They are linked in, so every
// entry is always available.
func (e *Extractor) Capabilities() Capabilities {
	return Capabilities{
		LibrariesAvailable: map[string]bool{
			"github.com/ledongthuc/pdf":   true,
			"github.com/xuri/excelize/v2": true,
			"golang.org/x/net/html":       true,
			"ooxml (word, powerpoint)":    true,
			"utf-8 (text, json, xml)":     true,
		},
		SupportedFormats: []string{
			"PDF",
			"Word Documents (.docx)",
			"Excel Spreadsheets (.xlsx)",
			"PowerPoint Presentations (.pptx)",
			"HTML",
			"Plain Text, JSON, XML",
		},
		DispatchOrder: e.Formats(),
		OverallStatus: true,
	}
}

// Formats returns the names of the registered formats in dispatch order.
func (e *Extractor) Formats() []string {
	names := make([]string, len(e.formats))
	for i, f := range e.formats {
		names[i] = f.Name
	}
	return names
}
