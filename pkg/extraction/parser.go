package extraction

import (
	"context"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// Parser reads one structured format into a draft. Provenance is filled in
// by the pipeline.
type Parser interface {
	Format() Format
	Parse(ctx context.Context, doc Document) (declaration.Draft, error)
}

// DefaultParsers returns the built-in structured parsers.
func DefaultParsers() []Parser {
	return []Parser{
		DSNParser{},
		CSVParser{},
		XLSXParser{},
		NewJSONParser(),
	}
}
