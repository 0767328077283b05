package extraction

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format identifies how a document is read.
type Format string

const (
	FormatDSN     Format = "dsn"
	FormatCSV     Format = "csv"
	FormatXLSX    Format = "xlsx"
	FormatJSON    Format = "json"
	FormatPDF     Format = "pdf"
	FormatImage   Format = "image"
	FormatUnknown Format = "unknown"
)

// Structured reports whether the format is parsed without recognition.
func (f Format) Structured() bool {
	switch f {
	case FormatDSN, FormatCSV, FormatXLSX, FormatJSON:
		return true
	}
	return false
}

var extensionFormats = map[string]Format{
	".dsn":  FormatDSN,
	".csv":  FormatCSV,
	".xlsx": FormatXLSX,
	".json": FormatJSON,
	".pdf":  FormatPDF,
	".png":  FormatImage,
	".jpg":  FormatImage,
	".jpeg": FormatImage,
	".tif":  FormatImage,
	".tiff": FormatImage,
	".webp": FormatImage,
}

var magicFormats = []struct {
	prefix []byte
	format Format
}{
	{[]byte("%PDF"), FormatPDF},
	{[]byte("\x89PNG\r\n\x1a\n"), FormatImage},
	{[]byte("\xff\xd8\xff"), FormatImage},
	{[]byte("II*\x00"), FormatImage},
	{[]byte("MM\x00*"), FormatImage},
	{[]byte("PK\x03\x04"), FormatXLSX},
}

// Detect sniffs the content first and falls back to the file extension. A
// ".txt" export of a DSN is recognized by its S10.G00 header.
func Detect(name string, data []byte) Format {
	for _, m := range magicFormats {
		if bytes.HasPrefix(data, m.prefix) {
			return m.format
		}
	}

	head := bytes.TrimLeft(data, "\ufeff \t\r\n")
	if len(head) > 4096 {
		head = head[:4096]
	}
	switch {
	case bytes.Contains(head, []byte("S10.G00.")):
		return FormatDSN
	case bytes.HasPrefix(head, []byte("{")):
		return FormatJSON
	}

	if f, ok := extensionFormats[strings.ToLower(filepath.Ext(name))]; ok {
		return f
	}

	firstLine, _, _ := bytes.Cut(head, []byte("\n"))
	if bytes.ContainsAny(firstLine, ";,") && isText(head) {
		return FormatCSV
	}
	return FormatUnknown
}

func isText(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
