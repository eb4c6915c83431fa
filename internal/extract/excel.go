package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// maxSheetRows is the number of physical rows read per sheet before the
// truncation marker.
const maxSheetRows = 100

func extractExcel(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("sheet %q: %w", sheet, err)
		}

		var lines []string
		for i, cells := range rows {
			if !blankRow(cells) {
				lines = append(lines, strings.Join(cells, " | "))
			}
			if i+1 > maxSheetRows {
				lines = append(lines, fmt.Sprintf("... (truncated, showing first %d rows)", maxSheetRows))
				break
			}
		}
		if len(lines) > 0 {
			parts = append(parts, fmt.Sprintf("[Sheet: %s]\n%s", sheet, strings.Join(lines, "\n")))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
