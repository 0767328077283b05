package extraction

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
)

var (
	fileSIRET  = regexp.MustCompile(`(\d{14})`)
	fileSIREN  = regexp.MustCompile(`(?:^|\D)(\d{9})(?:\D|$)`)
	filePeriod = regexp.MustCompile(`(?:^|\D)(\d{2})[_\-]?(\d{4})(?:\D|$)`)
	fileYM     = regexp.MustCompile(`(?:^|\D)(\d{4})[_\-](\d{2})(?:\D|$)`)
)

// NormalizeSubject reduces an establishment identifier (SIRET, 14 digits) to
// its organization (SIREN, 9 digits) and strips separators.
func NormalizeSubject(s string) string {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '.', '-':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if len(compact) == 14 && isDigits(compact) {
		return compact[:9]
	}
	return compact
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// subjectFromName finds a SIRET or SIREN embedded in a file name such as
// "bulletin_12345678900012_01-2026.pdf".
func subjectFromName(name string) string {
	base := filepath.Base(name)
	if m := fileSIRET.FindStringSubmatch(base); m != nil {
		return NormalizeSubject(m[1])
	}
	if m := fileSIREN.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return ""
}

// periodFromName finds "MM-YYYY", "MMYYYY" or "YYYY-MM" in a file name.
func periodFromName(name string) (declaration.Period, bool) {
	base := fileSIRET.ReplaceAllString(filepath.Base(name), "_")
	if m := fileYM.FindStringSubmatch(base); m != nil {
		if p, err := declaration.ParsePeriod(m[1] + "-" + m[2]); err == nil {
			return p, true
		}
	}
	if m := filePeriod.FindStringSubmatch(base); m != nil {
		if p, err := declaration.ParsePeriod(m[1] + "/" + m[2]); err == nil {
			return p, true
		}
	}
	return declaration.Period{}, false
}
