package schedule

import (
	"sort"
	"strings"
	"time"

	"jobflow/internal/jobs"
)

// Calendar excludes whole days from a trigger's firing times.
type Calendar interface {
	Name() string
	// IsExcluded reports whether the civil day of t (in t's location) is
	// blocked.
	IsExcluded(t time.Time) bool
}

type monthDay struct {
	month time.Month
	day   int
}

// AnnualCalendar excludes the same month/day every year.
type AnnualCalendar struct {
	name     string
	excluded map[monthDay]struct{}
}

func NewAnnualCalendar(name string) *AnnualCalendar {
	return &AnnualCalendar{name: name, excluded: map[monthDay]struct{}{}}
}

func (c *AnnualCalendar) Name() string { return c.name }

// SetDayExcluded adds or removes d from the exclusion set. The year is
// ignored.
func (c *AnnualCalendar) SetDayExcluded(d jobs.Date, excluded bool) {
	k := monthDay{month: d.Month, day: d.Day}
	if excluded {
		c.excluded[k] = struct{}{}
		return
	}
	delete(c.excluded, k)
}

func (c *AnnualCalendar) IsExcluded(t time.Time) bool {
	_, m, d := t.Date()
	_, ok := c.excluded[monthDay{month: m, day: d}]
	return ok
}

// ExcludedDays lists the excluded days in calendar order, for diagnostics.
func (c *AnnualCalendar) ExcludedDays() []string {
	out := make([]monthDay, 0, len(c.excluded))
	for k := range c.excluded {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].month != out[j].month {
			return out[i].month < out[j].month
		}
		return out[i].day < out[j].day
	})
	s := make([]string, len(out))
	for i, k := range out {
		s[i] = time.Date(2000, k.month, k.day, 0, 0, 0, 0, time.UTC).Format("Jan 02")
	}
	return s
}

// WeeklyCalendar excludes fixed days of the week.
type WeeklyCalendar struct {
	name     string
	excluded [7]bool
}

func NewWeeklyCalendar(name string) *WeeklyCalendar {
	return &WeeklyCalendar{name: name}
}

func (c *WeeklyCalendar) Name() string { return c.name }

func (c *WeeklyCalendar) SetDayExcluded(d time.Weekday, excluded bool) {
	c.excluded[d] = excluded
}

func (c *WeeklyCalendar) IsExcluded(t time.Time) bool { return c.excluded[t.Weekday()] }

// WeekdaysCalendarName is the name of the built-in Monday to Friday calendar.
const WeekdaysCalendarName = "Weekdays"

// Weekdays returns the built-in calendar that excludes Saturday and Sunday.
func Weekdays() *WeeklyCalendar {
	c := NewWeeklyCalendar(WeekdaysCalendarName)
	c.SetDayExcluded(time.Saturday, true)
	c.SetDayExcluded(time.Sunday, true)
	return c
}

// BuildCalendars turns calendar documents into annual calendars named by
// CalendarName. An "exclude" action (any case, surrounding space ignored)
// blocks the listed dates; any other action leaves them open.
func BuildCalendars(defs []jobs.CalendarDefinition) []Calendar {
	out := make([]Calendar, 0, len(defs))
	for _, def := range defs {
		cal := NewAnnualCalendar(def.CalendarName)
		exclude := strings.ToLower(strings.TrimSpace(def.Action)) == "exclude"
		for _, d := range def.Dates {
			cal.SetDayExcluded(d, exclude)
		}
		out = append(out, cal)
	}
	return out
}
