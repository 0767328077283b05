package declaration

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Period is the calendar month a declaration covers.
type Period struct {
	Year  int        `json:"year" validate:"min=1990,max=2100"`
	Month time.Month `json:"month" validate:"min=1,max=12"`
}

// NewPeriod builds a Period.
func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// Start is the first day of the period. Regulation parameters are resolved
// at this date.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first day of the following period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// AddMonths shifts the period by n months.
func (p Period) AddMonths(n int) Period {
	t := p.Start().AddDate(0, n, 0)
	return Period{Year: t.Year(), Month: t.Month()}
}

// Compare orders periods chronologically.
func (p Period) Compare(q Period) int {
	switch {
	case p.Year != q.Year:
		return cmpInt(p.Year, q.Year)
	default:
		return cmpInt(int(p.Month), int(q.Month))
	}
}

// Within reports whether from <= p <= to.
func (p Period) Within(from, to Period) bool {
	return p.Compare(from) >= 0 && p.Compare(to) <= 0
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

var periodPatterns = []struct {
	re        *regexp.Regexp
	year, mon int
}{
	{regexp.MustCompile(`^(\d{4})-(\d{1,2})$`), 1, 2},
	{regexp.MustCompile(`^(\d{4})(\d{2})$`), 1, 2},
	{regexp.MustCompile(`^(\d{1,2})[/.-](\d{4})$`), 2, 1},
	{regexp.MustCompile(`^(\d{2})(\d{2})(\d{4})$`), 3, 2}, // DDMMYYYY
}

// ParsePeriod accepts "2026-01", "202601", "01/2026" and "01012026".
func ParsePeriod(s string) (Period, error) {
	for _, pat := range periodPatterns {
		m := pat.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		year, _ := strconv.Atoi(m[pat.year])
		month, _ := strconv.Atoi(m[pat.mon])
		if month < 1 || month > 12 {
			return Period{}, fmt.Errorf("invalid period %q: month %d out of range", s, month)
		}
		return Period{Year: year, Month: time.Month(month)}, nil
	}
	return Period{}, fmt.Errorf("invalid period %q", s)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
