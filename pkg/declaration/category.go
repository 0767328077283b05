package declaration

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Category is the contribution a line item belongs to.
type Category string

const (
	CategoryMaladie                  Category = "maladie"
	CategoryVieillessePlafonnee      Category = "vieillesse_plafonnee"
	CategoryVieillesseDeplafonnee    Category = "vieillesse_deplafonnee"
	CategoryAllocationsFamiliales    Category = "allocations_familiales"
	CategoryAccidentTravail          Category = "accident_travail"
	CategoryCSGDeductible            Category = "csg_deductible"
	CategoryCSGNonDeductible         Category = "csg_non_deductible"
	CategoryCRDS                     Category = "crds"
	CategoryChomage                  Category = "chomage"
	CategoryAGS                      Category = "ags"
	CategoryFNAL                     Category = "fnal"
	CategoryFormationProfessionnelle Category = "formation_professionnelle"
	CategoryCSA                      Category = "csa"
	CategoryDialogueSocial           Category = "dialogue_social"
	CategoryRetraiteComplementaireT1 Category = "retraite_complementaire_t1"
	CategoryRGDU                     Category = "rgdu"
	CategoryUnknown                  Category = "unknown"
)

// KnownCategories lists every category the engine has rules for.
var KnownCategories = []Category{
	CategoryMaladie,
	CategoryVieillessePlafonnee,
	CategoryVieillesseDeplafonnee,
	CategoryAllocationsFamiliales,
	CategoryAccidentTravail,
	CategoryCSGDeductible,
	CategoryCSGNonDeductible,
	CategoryCRDS,
	CategoryChomage,
	CategoryAGS,
	CategoryFNAL,
	CategoryFormationProfessionnelle,
	CategoryCSA,
	CategoryDialogueSocial,
	CategoryRetraiteComplementaireT1,
	CategoryRGDU,
}

// ParameterSuffix is the upper-case form used in parameter identifiers,
// e.g. "RATE_" + ParameterSuffix().
func (c Category) ParameterSuffix() string {
	return strings.ToUpper(string(c))
}

// categoryAliases maps folded labels to categories.
var categoryAliases = func() map[string]Category {
	aliases := []struct {
		label    string
		category Category
	}{
		{"maladie", CategoryMaladie},
		{"assurance maladie", CategoryMaladie},
		{"maladie maternite invalidite deces", CategoryMaladie},
		{"vieillesse plafonnee", CategoryVieillessePlafonnee},
		{"assurance vieillesse plafonnee", CategoryVieillessePlafonnee},
		{"vieillesse deplafonnee", CategoryVieillesseDeplafonnee},
		{"assurance vieillesse deplafonnee", CategoryVieillesseDeplafonnee},
		{"allocations familiales", CategoryAllocationsFamiliales},
		{"alloc familiales", CategoryAllocationsFamiliales},
		{"accident du travail", CategoryAccidentTravail},
		{"accidents du travail", CategoryAccidentTravail},
		{"at mp", CategoryAccidentTravail},
		{"csg deductible", CategoryCSGDeductible},
		{"csg non deductible", CategoryCSGNonDeductible},
		{"csg crds non deductible", CategoryCSGNonDeductible},
		{"chomage", CategoryChomage},
		{"assurance chomage", CategoryChomage},
		{"formation professionnelle", CategoryFormationProfessionnelle},
		{"contribution formation professionnelle", CategoryFormationProfessionnelle},
		{"contribution solidarite autonomie", CategoryCSA},
		{"dialogue social", CategoryDialogueSocial},
		{"retraite complementaire t1", CategoryRetraiteComplementaireT1},
		{"retraite complementaire tranche 1", CategoryRetraiteComplementaireT1},
		{"agirc arrco t1", CategoryRetraiteComplementaireT1},
		{"reduction generale", CategoryRGDU},
		{"reduction generale des cotisations", CategoryRGDU},
	}
	out := make(map[string]Category, len(aliases))
	for _, a := range aliases {
		out[a.label] = a.category
	}
	return out
}()

// ParseCategory maps a free-form label ("Assurance Maladie", "csg_deductible",
// "CSG déductible") to a Category. Unrecognized labels return CategoryUnknown.
func ParseCategory(label string) Category {
	folded := Fold(label)
	if folded == "" {
		return CategoryUnknown
	}
	for _, c := range KnownCategories {
		if folded == Fold(string(c)) {
			return c
		}
	}
	if c, ok := categoryAliases[folded]; ok {
		return c
	}
	return CategoryUnknown
}

// Fold lower-cases s, strips diacritics and collapses every run of
// non-alphanumeric characters into one space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}
