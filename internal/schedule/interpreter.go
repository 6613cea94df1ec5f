package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTime resolves one run-at entry against the wall clock.
//
// Supported forms:
//   - "now" : the current hour and minute
//   - "now+N" : N minutes from now (wraps over hour and day boundaries)
//   - "H:M" : literal integers, not range checked here; the trigger engine
//     rejects out-of-range values when the trigger is compiled
func ParseTime(spec string) (hour, minute int, err error) {
	return ParseTimeAt(spec, time.Now())
}

// ParseTimeAt is ParseTime with an explicit "now".
func ParseTimeAt(spec string, now time.Time) (hour, minute int, err error) {
	low := strings.ToLower(spec)
	if strings.Contains(low, "now") {
		at := now
		if _, off, ok := strings.Cut(low, "+"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(off))
			if err != nil {
				return 0, 0, fmt.Errorf("invalid minute offset in %q", spec)
			}
			at = at.Add(time.Duration(n) * time.Minute)
		}
		return at.Hour(), at.Minute(), nil
	}

	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected H:M", spec)
	}
	hour, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q", spec)
	}
	minute, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q", spec)
	}
	return hour, minute, nil
}

var weekdayTokens = map[string]time.Weekday{
	"mon": time.Monday, "mo": time.Monday,
	"tue": time.Tuesday, "tu": time.Tuesday,
	"wed": time.Wednesday, "we": time.Wednesday,
	"thu": time.Thursday, "th": time.Thursday,
	"fri": time.Friday, "fr": time.Friday,
	"sat": time.Saturday, "sa": time.Saturday,
	"sun": time.Sunday, "su": time.Sunday,
}

// ParseWeekdays parses a comma-separated day list ("mon,tu,SAT").
// Order of first appearance is kept, duplicates are dropped and unknown
// tokens are skipped.
func ParseWeekdays(spec string) []time.Weekday {
	days, _ := parseWeekdays(spec)
	return days
}

func parseWeekdays(spec string) (days []time.Weekday, unknown []string) {
	seen := make(map[time.Weekday]bool, 7)
	for _, tok := range strings.Split(spec, ",") {
		norm := strings.ToLower(strings.TrimSpace(tok))
		d, ok := weekdayTokens[norm]
		if !ok {
			if norm != "" {
				unknown = append(unknown, tok)
			}
			continue
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, d)
	}
	return days, unknown
}
