package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CalendarDefinition is one entry of the calendars document.
type CalendarDefinition struct {
	CalendarName string `json:"CalendarName"`
	Action       string `json:"Action"`
	Dates        []Date `json:"Dates"`
}

// Equal compares names, actions and the ordered date list.
func (c CalendarDefinition) Equal(o CalendarDefinition) bool {
	if c.CalendarName != o.CalendarName || c.Action != o.Action || len(c.Dates) != len(o.Dates) {
		return false
	}
	for i := range c.Dates {
		if c.Dates[i] != o.Dates[i] {
			return false
		}
	}
	return true
}

// Date is a civil date without time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the civil date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Accepted input layouts. Calendar files written by older tooling carry a
// midnight time component.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseDate parses the layouts used by calendar documents.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
