// Package dosing parses the fixed vocabulary of frequency and duration
// phrases used by the training content into canonical schedule values.
package dosing

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a parsed periodicity.
type Kind int

const (
	// FixedInterval repeats every Hours hours.
	FixedInterval Kind = iota
	// PRN has no fixed schedule; a dose becomes available again after the
	// reset interval but is never overdue.
	PRN
	// OneTime is complete after a single administration.
	OneTime
)

// DefaultIntervalHours is applied when a frequency phrase cannot be parsed.
// Six hours is the conservative choice: the bound on total doses stays high
// and a dose is never reported due later than it could actually be.
const DefaultIntervalHours = 6

// Periodicity is a canonical dosing frequency.
type Periodicity struct {
	Kind  Kind
	Hours int
	// Fallback marks that the phrase did not match any rule and the
	// default interval was applied.
	Fallback bool
}

var (
	qHoursRe     = regexp.MustCompile(`q\s*(\d+)\s*h(?:rs?)?`)
	everyHoursRe = regexp.MustCompile(`every\s+(\d+)\s*(?:hours|hrs|h)\b`)
	everyRangeRe = regexp.MustCompile(`every\s+(\d+)\s*-\s*(\d+)\s*(?:hours|hrs|h)\b`)
)

var cadenceWords = []string{"daily", "weekly", "monthly", "every", "per", "qd", "qid", "tid", "bid"}

// ParsePeriodicity converts a free-text frequency phrase into a Periodicity.
// Matching is case-insensitive and by substring, with rules evaluated in a
// fixed precedence: first match wins. Unparseable text falls back to the
// default fixed interval with Fallback set, never an error.
func ParsePeriodicity(text string) Periodicity {
	t := strings.ToLower(strings.TrimSpace(text))

	if m := qHoursRe.FindStringSubmatch(t); m != nil {
		return fixed(m[1])
	}
	if m := everyHoursRe.FindStringSubmatch(t); m != nil {
		return fixed(m[1])
	}
	// A range reads as the lower bound: the more frequent interval is the
	// conservative interpretation.
	if m := everyRangeRe.FindStringSubmatch(t); m != nil {
		return fixed(m[1])
	}

	// Named multi-word frequencies must be checked before any bare "daily"
	// substring, otherwise "three times daily" reads as once daily.
	switch {
	case strings.Contains(t, "four times daily") || strings.Contains(t, "qid"):
		return Periodicity{Kind: FixedInterval, Hours: 6}
	case strings.Contains(t, "three times daily") || strings.Contains(t, "tid"):
		return Periodicity{Kind: FixedInterval, Hours: 8}
	case strings.Contains(t, "twice daily") || strings.Contains(t, "bid"):
		return Periodicity{Kind: FixedInterval, Hours: 12}
	case strings.Contains(t, "once daily"),
		strings.Contains(t, "daily") && !strings.Contains(t, "times"):
		return Periodicity{Kind: FixedInterval, Hours: 24}
	}

	if strings.Contains(t, "as needed") || strings.Contains(t, "prn") {
		return Periodicity{Kind: PRN}
	}

	if isOneTime(t) {
		return Periodicity{Kind: OneTime}
	}

	return Periodicity{Kind: FixedInterval, Hours: DefaultIntervalHours, Fallback: true}
}

func fixed(digits string) Periodicity {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return Periodicity{Kind: FixedInterval, Hours: DefaultIntervalHours, Fallback: true}
	}
	return Periodicity{Kind: FixedInterval, Hours: n}
}

// isOneTime matches single-dose phrases anchored at the start of the text,
// rejecting anything that also carries a temporal cadence word so that
// "once daily" or "once per week" never reads as one-time.
func isOneTime(t string) bool {
	anchored := strings.HasPrefix(t, "once") ||
		strings.HasPrefix(t, "one-time") ||
		strings.HasPrefix(t, "one time") ||
		strings.HasPrefix(t, "single dose")
	if !anchored {
		return false
	}
	for _, w := range cadenceWords {
		if strings.Contains(t, w) {
			return false
		}
	}
	return !qHoursRe.MatchString(t)
}

// DosesPerDay is the number of doses a fixed interval yields in 24 hours,
// floored so the bound on a course is never over-counted. Over-counting
// would let a genuinely complete course present as incomplete.
func (p Periodicity) DosesPerDay() int {
	if p.Kind != FixedInterval || p.Hours < 1 {
		return 0
	}
	n := 24 / p.Hours
	if n < 1 {
		n = 1
	}
	return n
}
