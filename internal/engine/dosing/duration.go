package dosing

import (
	"regexp"
	"strconv"
	"strings"
)

// Duration is a parsed course length.
type Duration struct {
	Days int
	// Unbounded covers PRN/ongoing courses and unparseable text. Callers
	// must treat total doses as unknown in that case, never as zero.
	Unbounded bool
}

var (
	daysRe   = regexp.MustCompile(`(\d+)\s*days?\b`)
	weeksRe  = regexp.MustCompile(`(\d+)\s*weeks?\b`)
	monthsRe = regexp.MustCompile(`(\d+)\s*months?\b`)
)

// ParseDuration converts a free-text duration phrase into whole days.
// Weeks count as 7 days and months as 30; the month approximation is not
// calendar-accurate and is accepted for training content.
func ParseDuration(text string) Duration {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" || strings.Contains(t, "as needed") || strings.Contains(t, "ongoing") || strings.Contains(t, "prn") {
		return Duration{Unbounded: true}
	}

	if m := daysRe.FindStringSubmatch(t); m != nil {
		return days(m[1], 1)
	}
	if m := weeksRe.FindStringSubmatch(t); m != nil {
		return days(m[1], 7)
	}
	if m := monthsRe.FindStringSubmatch(t); m != nil {
		return days(m[1], 30)
	}

	return Duration{Unbounded: true}
}

func days(digits string, mult int) Duration {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return Duration{Unbounded: true}
	}
	return Duration{Days: n * mult}
}
