package extraction

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

//go:embed schemas/declaration.schema.json
var declarationSchema string

const declarationSchemaURL = "https://helm-audit.schemas.local/declaration.schema.json"

// JSONParser reads declarations already in canonical JSON shape, validated
// against the embedded declaration schema.
type JSONParser struct {
	schema *jsonschema.Schema
}

// NewJSONParser compiles the embedded schema. It panics if the schema is
// invalid, which only a broken build can cause.
func NewJSONParser() *JSONParser {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(declarationSchemaURL, strings.NewReader(declarationSchema)); err != nil {
		panic(fmt.Sprintf("declaration schema load failed: %v", err))
	}
	return &JSONParser{schema: c.MustCompile(declarationSchemaURL)}
}

func (*JSONParser) Format() Format { return FormatJSON }

// flexAmount accepts a JSON number or a formatted string ("1 234,56").
type flexAmount struct {
	text   string
	number bool
}

func (f *flexAmount) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		*f = flexAmount{text: s}
		return nil
	}
	*f = flexAmount{text: string(b), number: true}
	return nil
}

func (f flexAmount) amount() (decimal.Decimal, error) {
	if f.number {
		return decimal.NewFromString(f.text)
	}
	return declaration.ParseAmount(f.text)
}

func (f flexAmount) rate() (float64, error) {
	if !f.number {
		return declaration.ParseRate(f.text)
	}
	d, err := decimal.NewFromString(f.text)
	if err != nil {
		return 0, err
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		d = d.Div(decimal.NewFromInt(100))
	}
	r, _ := d.Float64()
	return r, nil
}

type jsonLine struct {
	Category       string     `json:"category"`
	Label          string     `json:"label"`
	GrossAmount    flexAmount `json:"gross_amount"`
	BaseAmount     flexAmount `json:"base_amount"`
	DeclaredRate   flexAmount `json:"declared_rate"`
	DeclaredAmount flexAmount `json:"declared_amount"`
}

type jsonDeclaration struct {
	SubjectID   string            `json:"subject_id"`
	Period      string            `json:"period"`
	Headcount   *int              `json:"headcount"`
	Eligibility map[string]string `json:"eligibility"`
	Lines       []jsonLine        `json:"lines"`
}

func (p *JSONParser) Parse(ctx context.Context, doc Document) (declaration.Draft, error) {
	var d declaration.Draft

	dec := json.NewDecoder(bytes.NewReader(doc.Data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return d, declaration.Malformed("document", "invalid JSON", err)
	}
	if err := p.schema.Validate(generic); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := deepestCause(verr)
			return d, declaration.Malformed(instancePath(leaf.InstanceLocation), leaf.Message, nil)
		}
		return d, declaration.Malformed("document", "schema validation failed", err)
	}

	var raw jsonDeclaration
	if err := json.Unmarshal(doc.Data, &raw); err != nil {
		return d, declaration.Malformed("document", "invalid JSON", err)
	}

	d.SubjectID = NormalizeSubject(raw.SubjectID)
	period, err := declaration.ParsePeriod(raw.Period)
	if err != nil {
		return d, declaration.Malformed("period", "unreadable period", err)
	}
	d.Period = period
	d.Headcount = raw.Headcount
	for code, v := range raw.Eligibility {
		since, err := parseDate(v)
		if err != nil {
			return d, declaration.Malformed("eligibility."+code, "unreadable eligibility date", err)
		}
		if d.Eligibility == nil {
			d.Eligibility = make(map[string]time.Time)
		}
		d.Eligibility[code] = since
	}

	d.Lines = make([]declaration.LineItem, 0, len(raw.Lines))
	for i, l := range raw.Lines {
		line, err := jsonLineItem(i, l)
		if err != nil {
			return d, err
		}
		d.Lines = append(d.Lines, line)
	}
	return d, nil
}

func jsonLineItem(i int, l jsonLine) (declaration.LineItem, error) {
	path := func(field string) string { return fmt.Sprintf("lines[%d].%s", i, field) }
	amount := func(field string, n flexAmount) (decimal.Decimal, error) {
		if n.text == "" {
			return decimal.Zero, nil
		}
		v, err := n.amount()
		if err != nil {
			return decimal.Zero, declaration.Malformed(path(field), "unreadable amount", err)
		}
		return v, nil
	}

	line := declaration.LineItem{
		Label:      l.Label,
		Category:   declaration.ParseCategory(l.Category),
		Confidence: 1,
		SourceRef:  "lines[" + strconv.Itoa(i) + "]",
	}
	if line.Category == declaration.CategoryUnknown {
		line.Confidence = unknownCategoryConfidence
	}
	if line.Label == "" {
		line.Label = l.Category
	}

	var err error
	if line.GrossAmount, err = amount("gross_amount", l.GrossAmount); err != nil {
		return line, err
	}
	if line.BaseAmount, err = amount("base_amount", l.BaseAmount); err != nil {
		return line, err
	}
	if line.DeclaredAmount, err = amount("declared_amount", l.DeclaredAmount); err != nil {
		return line, err
	}
	if line.BaseAmount.IsZero() {
		line.BaseAmount = line.GrossAmount
	}
	if line.GrossAmount.IsZero() {
		line.GrossAmount = line.BaseAmount
	}
	if l.DeclaredRate.text != "" {
		rate, err := l.DeclaredRate.rate()
		if err != nil {
			return line, declaration.Malformed(path("declared_rate"), "unreadable rate", err)
		}
		if rate < 0 || rate > 1 {
			return line, declaration.Malformed(path("declared_rate"), "rate out of range", nil)
		}
		line.DeclaredRate = rate
	}
	return line, nil
}

func deepestCause(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

// instancePath turns a JSON pointer ("/lines/2/declared_rate") into a field
// path ("lines[2].declared_rate").
func instancePath(ptr string) string {
	if ptr == "" || ptr == "/" {
		return "document"
	}
	var b strings.Builder
	for _, tok := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}
