package regulation

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed tables/*.yaml
var embeddedTables embed.FS

// RateTable is the YAML shape of a published rate table.
type RateTable struct {
	Name       string           `yaml:"name"`
	Source     string           `yaml:"source"`
	Parameters []RateTableEntry `yaml:"parameters"`
}

// RateTableEntry is one row of a rate table. Dates use YYYY-MM-DD.
type RateTableEntry struct {
	ID       string  `yaml:"id"`
	Value    float64 `yaml:"value"`
	Unit     Unit    `yaml:"unit"`
	From     string  `yaml:"effective_from"`
	Until    string  `yaml:"effective_until,omitempty"`
	Citation string  `yaml:"citation,omitempty"`
}

// ImportResult summarizes an import run.
type ImportResult struct {
	Table     string `json:"table"`
	Published int    `json:"published"`
	Skipped   int    `json:"skipped"`
}

// Publisher is the write side of the catalog used by the importer.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (Parameter, error)
}

// ParseRateTable decodes a YAML rate table.
func ParseRateTable(r io.Reader) (*RateTable, error) {
	var table RateTable
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("parse rate table: %w", err)
	}
	return &table, nil
}

// Requests converts the table rows into publish requests.
func (t *RateTable) Requests() ([]PublishRequest, error) {
	reqs := make([]PublishRequest, 0, len(t.Parameters))
	for i, row := range t.Parameters {
		from, err := time.Parse(time.DateOnly, row.From)
		if err != nil {
			return nil, fmt.Errorf("rate table %s: parameters[%d].effective_from: %w", t.Name, i, err)
		}
		req := PublishRequest{
			ID:       row.ID,
			Value:    row.Value,
			Unit:     row.Unit,
			From:     from,
			Citation: row.Citation,
		}
		if req.Citation == "" {
			req.Citation = t.Source
		}
		if row.Until != "" {
			until, err := time.Parse(time.DateOnly, row.Until)
			if err != nil {
				return nil, fmt.Errorf("rate table %s: parameters[%d].effective_until: %w", t.Name, i, err)
			}
			req.Until = &until
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Import publishes every row of the table. Rows that already exist with the
// same value over the same interval are skipped so that re-importing a table
// is a no-op; any other overlap aborts the import.
func Import(ctx context.Context, cat *Catalog, t *RateTable) (ImportResult, error) {
	res := ImportResult{Table: t.Name}
	reqs, err := t.Requests()
	if err != nil {
		return res, err
	}
	for _, req := range reqs {
		if _, err := cat.Publish(ctx, req); err != nil {
			var overlap *OverlapError
			if errors.As(err, &overlap) && sameVersion(overlap.Existing, req) {
				res.Skipped++
				continue
			}
			return res, err
		}
		res.Published++
	}
	return res, nil
}

func sameVersion(p Parameter, req PublishRequest) bool {
	if p.Value != req.Value || !p.EffectiveFrom.Equal(Date(req.From)) {
		return false
	}
	if p.EffectiveUntil == nil || req.Until == nil {
		return p.EffectiveUntil == nil && req.Until == nil
	}
	return p.EffectiveUntil.Equal(Date(*req.Until))
}

// EmbeddedTable loads one of the tables shipped with the binary, e.g. "fr".
func EmbeddedTable(name string) (*RateTable, error) {
	f, err := embeddedTables.Open("tables/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("embedded rate table %q: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	return ParseRateTable(f)
}
