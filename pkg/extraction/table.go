package extraction

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// unknownCategoryConfidence is below the default floor: a line whose
// category cannot be resolved is kept for review, not evaluated.
const unknownCategoryConfidence = 0.5

type column int

const (
	colCategory column = iota
	colLabel
	colGross
	colBase
	colRate
	colAmount
	colPeriod
	colSubject
	colHeadcount
	colACRE
)

// columnAliases maps folded header names to columns. Headers are folded and
// their spaces replaced by underscores before lookup.
var columnAliases = map[string]column{
	"type_cotisation":      colCategory,
	"code_cotisation":      colCategory,
	"cotisation":           colCategory,
	"categorie":            colCategory,
	"category":             colCategory,
	"libelle":              colLabel,
	"label":                colLabel,
	"salaire_brut":         colGross,
	"brut":                 colGross,
	"base_brute":           colGross,
	"gross":                colGross,
	"gross_amount":         colGross,
	"base":                 colBase,
	"assiette":             colBase,
	"base_amount":          colBase,
	"taux_patronal":        colRate,
	"taux_employeur":       colRate,
	"taux":                 colRate,
	"rate":                 colRate,
	"declared_rate":        colRate,
	"montant_patronal":     colAmount,
	"cotisation_employeur": colAmount,
	"montant":              colAmount,
	"amount":               colAmount,
	"declared_amount":      colAmount,
	"periode":              colPeriod,
	"mois":                 colPeriod,
	"period":               colPeriod,
	"siren":                colSubject,
	"siret":                colSubject,
	"subject":              colSubject,
	"subject_id":           colSubject,
	"effectif":             colHeadcount,
	"headcount":            colHeadcount,
	"acre":                 colACRE,
	"date_acre":            colACRE,
	"eligibility_acre":     colACRE,
}

func headerKey(h string) string {
	return strings.ReplaceAll(declaration.Fold(h), " ", "_")
}

// tableLayout is the column index of each recognized header.
type tableLayout struct {
	index map[column]int
	names []string
}

func newTableLayout(header []string) (tableLayout, error) {
	l := tableLayout{index: make(map[column]int), names: header}
	for i, h := range header {
		c, ok := columnAliases[headerKey(h)]
		if !ok {
			continue
		}
		if _, dup := l.index[c]; !dup {
			l.index[c] = i
		}
	}
	if _, ok := l.index[colCategory]; !ok {
		return l, declaration.Malformed("header", "no contribution type column (type_cotisation, code_cotisation, categorie)", nil)
	}
	_, hasBase := l.index[colBase]
	_, hasGross := l.index[colGross]
	_, hasAmount := l.index[colAmount]
	if !hasBase && !hasGross && !hasAmount {
		return l, declaration.Malformed("header", "no base or amount column", nil)
	}
	return l, nil
}

func (l tableLayout) cell(row []string, c column) (string, string, bool) {
	i, ok := l.index[c]
	if !ok || i >= len(row) {
		return "", "", false
	}
	v := strings.TrimSpace(row[i])
	return v, l.names[i], v != ""
}

// parseTable turns header + rows into a draft. Rows are data rows; row
// numbers in field paths are zero-based data row indexes.
func parseTable(rows [][]string) (declaration.Draft, error) {
	var d declaration.Draft
	if len(rows) == 0 {
		return d, declaration.Malformed("header", "empty table", nil)
	}
	layout, err := newTableLayout(rows[0])
	if err != nil {
		return d, err
	}

	d.Lines = []declaration.LineItem{}
	for i, row := range rows[1:] {
		path := func(col string) string { return fmt.Sprintf("rows[%d].%s", i, col) }

		if err := applyRowHeader(&d, layout, row, path); err != nil {
			return d, err
		}

		line, ok, err := tableLine(layout, row, path)
		if err != nil {
			return d, err
		}
		if !ok {
			continue
		}
		line.SourceRef = fmt.Sprintf("row:%d", i+2)
		d.Lines = append(d.Lines, line)
	}
	return d, nil
}

func applyRowHeader(d *declaration.Draft, layout tableLayout, row []string, path func(string) string) error {
	if v, name, ok := layout.cell(row, colSubject); ok {
		subject := NormalizeSubject(v)
		if d.SubjectID != "" && d.SubjectID != subject {
			return declaration.Malformed(path(name), "rows declare different subjects", nil)
		}
		d.SubjectID = subject
	}
	if v, name, ok := layout.cell(row, colPeriod); ok {
		p, err := declaration.ParsePeriod(v)
		if err != nil {
			return declaration.Malformed(path(name), "unreadable period", err)
		}
		if !d.Period.IsZero() && d.Period != p {
			return declaration.Malformed(path(name), "rows declare different periods", nil)
		}
		d.Period = p
	}
	if v, name, ok := layout.cell(row, colHeadcount); ok && d.Headcount == nil {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return declaration.Malformed(path(name), "headcount must be a non-negative integer", err)
		}
		d.Headcount = &n
	}
	if v, name, ok := layout.cell(row, colACRE); ok {
		since, err := parseDate(v)
		if err != nil {
			return declaration.Malformed(path(name), "unreadable eligibility date", err)
		}
		if d.Eligibility == nil {
			d.Eligibility = make(map[string]time.Time)
		}
		d.Eligibility["acre"] = since
	}
	return nil
}

func tableLine(layout tableLayout, row []string, path func(string) string) (declaration.LineItem, bool, error) {
	var line declaration.LineItem

	amount := func(c column) (decimal.Decimal, bool, error) {
		v, name, ok := layout.cell(row, c)
		if !ok {
			return decimal.Zero, false, nil
		}
		a, err := declaration.ParseAmount(v)
		if err != nil {
			return decimal.Zero, false, declaration.Malformed(path(name), "unreadable amount", err)
		}
		return a, true, nil
	}

	gross, hasGross, err := amount(colGross)
	if err != nil {
		return line, false, err
	}
	base, hasBase, err := amount(colBase)
	if err != nil {
		return line, false, err
	}
	declared, hasAmount, err := amount(colAmount)
	if err != nil {
		return line, false, err
	}
	label, _, hasLabel := layout.cell(row, colCategory)
	if !hasGross && !hasBase && !hasAmount {
		// blank or header-only row
		return line, false, nil
	}

	switch {
	case !hasBase:
		base = gross
	case !hasGross:
		gross = base
	}
	line.GrossAmount = gross
	line.BaseAmount = base
	line.DeclaredAmount = declared

	if v, name, ok := layout.cell(row, colRate); ok {
		rate, err := declaration.ParseRate(v)
		if err != nil {
			return line, false, declaration.Malformed(path(name), "unreadable rate", err)
		}
		if rate < 0 || rate > 1 {
			return line, false, declaration.Malformed(path(name), "rate out of range", nil)
		}
		line.DeclaredRate = rate
	}

	line.Label = label
	if l, _, ok := layout.cell(row, colLabel); ok {
		line.Label = l
	}
	line.Category = declaration.CategoryUnknown
	line.Confidence = unknownCategoryConfidence
	if hasLabel {
		if c := declaration.ParseCategory(label); c != declaration.CategoryUnknown {
			line.Category = c
			line.Confidence = 1
		} else if c, ok := ctpCategories[label]; ok {
			line.Category = c
			line.Confidence = 1
		}
	}
	return line, true, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, "02/01/2006", "02.01.2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
