package extraction

import (
	"bytes"
	"context"

	"github.com/xuri/excelize/v2"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// XLSXParser reads the first worksheet of a spreadsheet with the same
// column aliasing as CSVParser.
type XLSXParser struct{}

func (XLSXParser) Format() Format { return FormatXLSX }

func (XLSXParser) Parse(ctx context.Context, doc Document) (declaration.Draft, error) {
	f, err := excelize.OpenReader(bytes.NewReader(doc.Data))
	if err != nil {
		return declaration.Draft{}, declaration.Malformed("document", "unreadable spreadsheet", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return declaration.Draft{}, declaration.Malformed("document", "spreadsheet has no worksheet", nil)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return declaration.Draft{}, declaration.Malformed(sheets[0], "unreadable worksheet", err)
	}
	// leading blank rows are common above the header
	for len(rows) > 0 && blankRow(rows[0]) {
		rows = rows[1:]
	}
	return parseTable(rows)
}

func blankRow(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
