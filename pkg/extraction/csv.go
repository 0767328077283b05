package extraction

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// CSVParser reads contribution tables exported as CSV. French exports use
// ';' as the separator; it is sniffed from the header line.
type CSVParser struct{}

func (CSVParser) Format() Format { return FormatCSV }

func (CSVParser) Parse(ctx context.Context, doc Document) (declaration.Draft, error) {
	data := bytes.TrimPrefix(doc.Data, []byte("\ufeff"))
	header, _, _ := bytes.Cut(data, []byte("\n"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ','
	if bytes.Count(header, []byte(";")) > bytes.Count(header, []byte(",")) {
		r.Comma = ';'
	}
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return declaration.Draft{}, declaration.Malformed(rowPath(perr.Line), "unreadable CSV row", err)
			}
			return declaration.Draft{}, declaration.Malformed("document", "unreadable CSV", err)
		}
		rows = append(rows, rec)
	}
	return parseTable(rows)
}

// rowPath converts a 1-based file line (header on line 1) into a data row path.
func rowPath(line int) string {
	if line <= 1 {
		return "header"
	}
	return "rows[" + strconv.Itoa(line-2) + "]"
}
