package extraction

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

// dsnLine matches one "Sxx.Gxx.xx.xxx,'value'" rubric.
var dsnLine = regexp.MustCompile(`^S(\d{2})\.G(\d{2})\.(\d{2})\.(\d{3})[,\s]+'([^']*)'`)

// ctpCategories maps DSN CTP codes to contribution categories.
var ctpCategories = map[string]declaration.Category{
	"100": declaration.CategoryMaladie,
	"260": declaration.CategoryVieillessePlafonnee,
	"262": declaration.CategoryVieillesseDeplafonnee,
	"332": declaration.CategoryAllocationsFamiliales,
	"452": declaration.CategoryAccidentTravail,
	"012": declaration.CategoryCSGDeductible,
	"018": declaration.CategoryCRDS,
	"772": declaration.CategoryChomage,
	"937": declaration.CategoryAGS,
	"236": declaration.CategoryFNAL,
	"971": declaration.CategoryFormationProfessionnelle,
}

const (
	rubricSIREN      = "S10.G00.01.001"
	rubricSIRET      = "S21.G00.06.001"
	rubricMonth      = "S21.G00.06.003"
	rubricHeadcount  = "S21.G00.11.001"
	rubricPeriod     = "S20.G00.05.002"
	rubricGross      = "S21.G00.51.001"
	rubricTotalGross = "S89.G00.89.002"
)

// contributionBlocks are tried in order; the first that yields lines wins.
var contributionBlocks = []string{"S21.G00.81", "S81.G00.81"}

// baseBlocks are used when a declaration carries bases but no individual
// contributions.
var baseBlocks = []string{"S21.G00.78", "S78.G00.78"}

type dsnRubric struct {
	code  string
	value string
	line  int
}

// DSNParser reads the text form of a DSN (déclaration sociale nominative).
type DSNParser struct{}

func (DSNParser) Format() Format { return FormatDSN }

func (DSNParser) Parse(ctx context.Context, doc Document) (declaration.Draft, error) {
	rubrics, err := scanDSN(doc.Data)
	if err != nil {
		return declaration.Draft{}, err
	}
	byCode := make(map[string][]dsnRubric)
	for _, r := range rubrics {
		byCode[r.code] = append(byCode[r.code], r)
	}
	first := func(code string) string {
		if rs := byCode[code]; len(rs) > 0 {
			return rs[0].value
		}
		return ""
	}

	var d declaration.Draft
	if siren := first(rubricSIREN); siren != "" {
		d.SubjectID = NormalizeSubject(siren)
	} else if siret := first(rubricSIRET); siret != "" {
		d.SubjectID = NormalizeSubject(siret)
	}

	if p := first(rubricPeriod); p != "" {
		if d.Period, err = declaration.ParsePeriod(p); err != nil {
			return d, declaration.Malformed(rubricPeriod, "period must be AAAAMM", err)
		}
	} else if m := first(rubricMonth); m != "" {
		if d.Period, err = declaration.ParsePeriod(m); err != nil {
			return d, declaration.Malformed(rubricMonth, "unreadable declaration month", err)
		}
	}

	if h := first(rubricHeadcount); h != "" {
		n, err := strconv.Atoi(strings.TrimSpace(h))
		if err != nil || n < 0 {
			return d, declaration.Malformed(rubricHeadcount, "headcount must be a non-negative integer", err)
		}
		d.Headcount = &n
	}

	gross := decimal.Zero
	for _, code := range []string{rubricGross, rubricTotalGross} {
		if rs := byCode[code]; len(rs) > 0 {
			if gross, err = dsnAmount(rs[0]); err != nil {
				return d, err
			}
			break
		}
	}

	if d.Lines, err = dsnContributions(rubrics, gross); err != nil {
		return d, err
	}
	return d, nil
}

func scanDSN(data []byte) ([]dsnRubric, error) {
	var out []dsnRubric
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		m := dsnLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		out = append(out, dsnRubric{
			code:  fmt.Sprintf("S%s.G%s.%s.%s", m[1], m[2], m[3], m[4]),
			value: strings.TrimSpace(m[5]),
			line:  n,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, declaration.Malformed("document", "unreadable DSN text", err)
	}
	if len(out) == 0 {
		return nil, declaration.Malformed("document", "no DSN rubrics found", nil)
	}
	return out, nil
}

// DSN values use machine notation: a dot decimal mark and no grouping.
func dsnAmount(r dsnRubric) (decimal.Decimal, error) {
	v, err := declaration.ParseDecimal(r.value)
	if err != nil {
		return decimal.Zero, declaration.Malformed(fmt.Sprintf("%s[line %d]", r.code, r.line), "unreadable amount", err)
	}
	return v, nil
}

// dsnContributions walks the rubrics in order. Each ".001" opens a new
// contribution block so lines keep their source order.
func dsnContributions(rubrics []dsnRubric, gross decimal.Decimal) ([]declaration.LineItem, error) {
	for _, prefix := range contributionBlocks {
		lines, err := dsnBlocks(rubrics, prefix, ".003", gross, true)
		if err != nil {
			return nil, err
		}
		if len(lines) > 0 {
			return lines, nil
		}
	}
	for _, prefix := range baseBlocks {
		lines, err := dsnBlocks(rubrics, prefix, ".004", gross, false)
		if err != nil {
			return nil, err
		}
		if len(lines) > 0 {
			return lines, nil
		}
	}
	return []declaration.LineItem{}, nil
}

func dsnBlocks(rubrics []dsnRubric, prefix, baseSuffix string, gross decimal.Decimal, withAmounts bool) ([]declaration.LineItem, error) {
	var (
		lines []declaration.LineItem
		cur   *declaration.LineItem
	)
	flush := func() {
		if cur != nil && (cur.BaseAmount.IsPositive() || cur.DeclaredAmount.IsPositive()) {
			if cur.GrossAmount.IsZero() {
				cur.GrossAmount = cur.BaseAmount
			}
			lines = append(lines, *cur)
		}
		cur = nil
	}

	for _, r := range rubrics {
		suffix, ok := strings.CutPrefix(r.code, prefix)
		if !ok {
			continue
		}
		switch {
		case suffix == ".001":
			flush()
			category, known := ctpCategories[r.value]
			confidence := 1.0
			if !known {
				category = declaration.CategoryUnknown
				confidence = unknownCategoryConfidence
			}
			cur = &declaration.LineItem{
				Category:    category,
				Label:       "CTP " + r.value,
				GrossAmount: gross,
				Confidence:  confidence,
				SourceRef:   fmt.Sprintf("line:%d", r.line),
			}
		case cur == nil:
			continue
		case suffix == baseSuffix:
			v, err := dsnAmount(r)
			if err != nil {
				return nil, err
			}
			cur.BaseAmount = v
		case withAmounts && suffix == ".004":
			rate, err := declaration.ParseDecimal(r.value)
			if err != nil {
				return nil, declaration.Malformed(fmt.Sprintf("%s[line %d]", r.code, r.line), "unreadable rate", err)
			}
			cur.DeclaredRate = declaration.RateOf(rate, false)
		case withAmounts && suffix == ".005":
			v, err := dsnAmount(r)
			if err != nil {
				return nil, err
			}
			cur.DeclaredAmount = v
		}
	}
	flush()
	return lines, nil
}
