package extraction

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

const (
	anchoredMatch   = 1.0
	unanchoredMatch = 0.8
	consistentBoost = 0.05
)

// completeness scores how many of base, rate and amount were read.
var completeness = [4]float64{0, 0.6, 0.85, 1.0}

type keywordPattern struct {
	category declaration.Category
	re       *regexp.Regexp
}

// keywordPatterns run against folded line text, first match wins. More
// specific labels come before the labels they contain.
var keywordPatterns = []keywordPattern{
	{declaration.CategoryVieillesseDeplafonnee, regexp.MustCompile(`vieillesse deplaf`)},
	{declaration.CategoryVieillessePlafonnee, regexp.MustCompile(`vieillesse plaf`)},
	{declaration.CategoryCSGNonDeductible, regexp.MustCompile(`csg (?:crds )?non`)},
	{declaration.CategoryCSGDeductible, regexp.MustCompile(`csg deduct`)},
	{declaration.CategoryRetraiteComplementaireT1, regexp.MustCompile(`retraite compl\w* .*\bt(?:ranche )?1\b|(?:agirc|arrco)\b.*\bt1\b`)},
	{declaration.CategoryAccidentTravail, regexp.MustCompile(`accidents? du travail|\bat mp\b`)},
	{declaration.CategoryAllocationsFamiliales, regexp.MustCompile(`alloc\w* famil`)},
	{declaration.CategoryMaladie, regexp.MustCompile(`maladie`)},
	{declaration.CategoryCRDS, regexp.MustCompile(`\bcrds\b`)},
	{declaration.CategoryChomage, regexp.MustCompile(`chomage`)},
	{declaration.CategoryAGS, regexp.MustCompile(`\bags\b`)},
	{declaration.CategoryFNAL, regexp.MustCompile(`\bfnal\b`)},
	{declaration.CategoryFormationProfessionnelle, regexp.MustCompile(`formation pro`)},
	{declaration.CategoryCSA, regexp.MustCompile(`solidarite autonomie|\bcsa\b`)},
	{declaration.CategoryDialogueSocial, regexp.MustCompile(`dialogue social`)},
}

var (
	numberPattern = regexp.MustCompile(`\b(\d{1,3}(?:[ \x{00a0}\x{202f}]\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?)(\s*%)?`)
	grossPattern  = regexp.MustCompile(`(?i)(?:salaire\s*brut|total\s*brut|brut)\s*:?\s*(\d[\d \x{00a0}\x{202f}]*[.,]\d{2})`)
	periodPattern = regexp.MustCompile(`(?i)(?:p[ée]riode(?:\s+du)?|mois|paie\s+du)\s*:?\s*(?:\d{2}[/.-])?(\d{2})[/.-](\d{4})`)
	siretPattern  = regexp.MustCompile(`(?i)siret\s*:?\s*(\d(?:[ \x{00a0}]?\d){13})`)
	sirenPattern  = regexp.MustCompile(`(?i)siren\s*:?\s*(\d(?:[ \x{00a0}]?\d){8})`)
	staffPattern  = regexp.MustCompile(`(?i)effectif\s*:?\s*(\d+)`)
)

// Matcher turns recognized text into a draft with anchored keyword and
// numeric pattern matching. It is deterministic: the same recognition
// always yields the same draft.
type Matcher struct {
	patterns []keywordPattern
}

func NewMatcher() *Matcher {
	return &Matcher{patterns: keywordPatterns}
}

type numeric struct {
	text    string
	percent bool
}

// Match builds a draft from rec. Subject and period are left empty when the
// text does not carry them.
func (m *Matcher) Match(rec *Recognition) declaration.Draft {
	d := declaration.Draft{Lines: []declaration.LineItem{}}
	if rec == nil {
		return d
	}

	if mm := siretPattern.FindStringSubmatch(rec.Text); mm != nil {
		d.SubjectID = NormalizeSubject(mm[1])
	} else if mm := sirenPattern.FindStringSubmatch(rec.Text); mm != nil {
		d.SubjectID = NormalizeSubject(mm[1])
	}
	if mm := periodPattern.FindStringSubmatch(rec.Text); mm != nil {
		if p, err := declaration.ParsePeriod(mm[1] + "/" + mm[2]); err == nil {
			d.Period = p
		}
	}
	if mm := staffPattern.FindStringSubmatch(rec.Text); mm != nil {
		if n, err := strconv.Atoi(mm[1]); err == nil {
			d.Headcount = &n
		}
	}
	gross := decimal.Zero
	if mm := grossPattern.FindStringSubmatch(rec.Text); mm != nil {
		if g, err := declaration.ParseAmount(mm[1]); err == nil {
			gross = g
		}
	}

	lineConf := lineConfidences(rec)
	for i, raw := range strings.Split(rec.Text, "\n") {
		line, ok := m.matchLine(raw)
		if !ok {
			continue
		}
		line.GrossAmount = gross
		if gross.IsZero() {
			line.GrossAmount = line.BaseAmount
		}
		ocr := 1.0
		if c, ok := lineConf[i]; ok {
			ocr = c
		}
		line.Confidence = roundConfidence(line.Confidence * ocr)
		if consistent(line) {
			line.Confidence = roundConfidence(math.Min(1, line.Confidence+consistentBoost))
		}
		line.SourceRef = fmt.Sprintf("ocr:line:%d", i)
		d.Lines = append(d.Lines, line)
	}
	return d
}

func (m *Matcher) matchLine(raw string) (declaration.LineItem, bool) {
	var line declaration.LineItem
	folded := declaration.Fold(raw)
	if folded == "" {
		return line, false
	}

	matched := false
	for _, p := range m.patterns {
		loc := p.re.FindStringIndex(folded)
		if loc == nil {
			continue
		}
		line.Category = p.category
		line.Confidence = unanchoredMatch
		if loc[0] == 0 {
			line.Confidence = anchoredMatch
		}
		matched = true
		break
	}
	if !matched {
		return line, false
	}

	var values []numeric
	var percent *numeric
	for _, mm := range numberPattern.FindAllStringSubmatch(raw, -1) {
		n := numeric{text: mm[1], percent: strings.TrimSpace(mm[2]) == "%"}
		if n.percent && percent == nil {
			percent = &n
			continue
		}
		values = append(values, n)
	}

	found := 0
	if len(values) > 0 {
		if v, err := declaration.ParseAmount(values[0].text); err == nil {
			line.BaseAmount = v
			found++
		}
	}
	switch {
	case percent != nil:
		if r, err := declaration.ParseRate(percent.text + "%"); err == nil {
			line.DeclaredRate = r
			found++
		}
	case len(values) >= 3:
		if r, err := declaration.ParseRate(values[1].text); err == nil && r <= 1 {
			line.DeclaredRate = r
			found++
		}
	}
	if len(values) >= 2 {
		if v, err := declaration.ParseAmount(values[len(values)-1].text); err == nil {
			line.DeclaredAmount = v
			found++
		}
	}
	if found == 0 {
		// a section heading, not a contribution line
		return line, false
	}
	line.Label = strings.TrimSpace(raw)
	line.Confidence *= completeness[found]
	return line, true
}

// lineConfidences maps a line index to its recognition confidence: the
// weakest token on the line, else the region covering it.
func lineConfidences(rec *Recognition) map[int]float64 {
	out := make(map[int]float64)
	for _, r := range rec.Regions {
		if r.Confidence <= 0 {
			continue
		}
		for l := r.FirstLine; l <= r.LastLine; l++ {
			out[l] = r.Confidence
		}
	}
	tokenMin := make(map[int]float64)
	for _, t := range rec.Tokens {
		if t.Confidence <= 0 {
			continue
		}
		if c, ok := tokenMin[t.Line]; !ok || t.Confidence < c {
			tokenMin[t.Line] = t.Confidence
		}
	}
	for l, c := range tokenMin {
		out[l] = c
	}
	return out
}

func consistent(l declaration.LineItem) bool {
	if l.BaseAmount.IsZero() || l.DeclaredRate == 0 || l.DeclaredAmount.IsZero() {
		return false
	}
	expected := l.BaseAmount.Mul(decimal.NewFromFloat(l.DeclaredRate))
	return expected.Sub(l.DeclaredAmount).Abs().LessThanOrEqual(decimal.New(1, -2))
}

func roundConfidence(c float64) float64 {
	return math.Round(c*1e4) / 1e4
}
