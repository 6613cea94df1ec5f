package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"jobflow/internal/jobs"
	logx "jobflow/pkg/logx"
)

const (
	noNextRunTime   = "Job does not have a next run time set"
	noSpecificTrigg = "Job does not have a specific trigger"

	// fireTimeLayout renders next fire times for operators.
	fireTimeLayout = "Monday, 2 January 2006 15:04:05"

	// maxCalendarSkips bounds the search for a non-excluded day. A calendar
	// that blocks every candidate within this many fires yields no next time.
	maxCalendarSkips = 1024
)

// Trigger is one concrete fire rule: a time of day on a set of weekdays,
// optionally filtered by a calendar and evaluated in a timezone.
type Trigger struct {
	Name              string
	Description       string
	Hour              int
	Minute            int
	Weekdays          []time.Weekday
	ExclusionCalendar string
	Timezone          string
}

// CronSpec renders the trigger as a five-field cron expression, with a
// CRON_TZ prefix when the trigger has its own timezone.
func (t Trigger) CronSpec() string {
	dows := make([]string, len(t.Weekdays))
	for i, d := range t.Weekdays {
		dows[i] = strconv.Itoa(int(d))
	}
	spec := fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, strings.Join(dows, ","))
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	return spec
}

// Compile parses the trigger into a cron schedule. Days blocked by cal are
// skipped; cal may be nil.
func (t Trigger) Compile(cal Calendar) (cron.Schedule, error) {
	if len(t.Weekdays) == 0 {
		return nil, fmt.Errorf("trigger %s: no days to run on", t.Name)
	}
	base, err := cron.ParseStandard(t.CronSpec())
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	if cal == nil {
		return base, nil
	}
	return &calendarSchedule{base: base, cal: cal}, nil
}

// calendarSchedule wraps a base schedule and skips fire times that fall on
// excluded days.
type calendarSchedule struct {
	base cron.Schedule
	cal  Calendar
}

func (s *calendarSchedule) Next(t time.Time) time.Time {
	next := s.base.Next(t)
	for i := 0; i < maxCalendarSkips && !next.IsZero(); i++ {
		if !s.cal.IsExcluded(next) {
			return next
		}
		next = s.base.Next(next)
	}
	return time.Time{}
}

// Factory derives triggers from job definitions.
type Factory struct {
	log logx.Logger

	// Now and Local are overridable for tests.
	Now   func() time.Time
	Local *time.Location
}

func NewFactory(log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{log: log, Now: time.Now, Local: time.Local}
}

// RequiresTrigger reports whether the job fires on its own schedule.
func (f *Factory) RequiresTrigger(def jobs.Definition) bool {
	return def.RunSchedule != nil && def.RunSchedule.RunAt != ""
}

// CreateTriggers builds one trigger per comma-separated RunAt entry, named
// Trigger_{index}_for_{group.name}. Calling it twice for the same job yields
// the same names. A schedule without run days produces no triggers.
func (f *Factory) CreateTriggers(def jobs.Definition) ([]Trigger, error) {
	rs := def.RunSchedule
	if rs == nil || rs.RunAt == "" || rs.RunOnDays == "" {
		return nil, nil
	}

	days, unknown := parseWeekdays(rs.RunOnDays)
	if len(unknown) > 0 {
		f.log.Debug("ignoring unknown run days", logx.String("job", def.Key()), logx.Strings("tokens", unknown))
	}

	now := f.now()
	entries := strings.Split(rs.RunAt, ",")
	out := make([]Trigger, 0, len(entries))
	for i, at := range entries {
		h, m, err := ParseTimeAt(at, now)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", def.Key(), err)
		}
		out = append(out, Trigger{
			Name:              fmt.Sprintf("Trigger_%d_for_%s", i, def.Key()),
			Description:       fmt.Sprintf("Run at: %s, run days: %s, exclusion calendar: %s", at, rs.RunOnDays, rs.ExclusionCalendar),
			Hour:              h,
			Minute:            m,
			Weekdays:          days,
			ExclusionCalendar: rs.ExclusionCalendar,
			Timezone:          rs.Timezone,
		})
	}
	return out, nil
}

// DescribeNextFirings renders one line per trigger with its next fire time
// in the job's timezone, plus the host's local time when the zones differ.
// next resolves a trigger's next fire time.
//
// A trigger without a next fire time replaces everything rendered so far
// with a placeholder. No output at all yields a second placeholder.
func (f *Factory) DescribeNextFirings(def jobs.Definition, triggers []Trigger, next func(Trigger) (time.Time, bool)) string {
	local := f.Local
	if local == nil {
		local = time.Local
	}
	target := local
	if def.RunSchedule != nil && strings.TrimSpace(def.RunSchedule.Timezone) != "" {
		loc, err := time.LoadLocation(strings.TrimSpace(def.RunSchedule.Timezone))
		if err != nil {
			f.log.Warn("unknown timezone; describing in local time", logx.String("job", def.Key()), logx.String("tz", def.RunSchedule.Timezone), logx.Err(err))
		} else {
			target = loc
		}
	}

	var b strings.Builder
	for _, t := range triggers {
		at, ok := next(t)
		if !ok || at.IsZero() {
			b.Reset()
			b.WriteString(noNextRunTime)
			continue
		}
		inTarget := at.In(target)
		inLocal := at.In(local)
		targetZone, _ := inTarget.Zone()
		localZone, _ := inLocal.Zone()
		if targetZone != localZone {
			fmt.Fprintf(&b, "%s %s (%s %s)\n", inTarget.Format(fireTimeLayout), targetZone, inLocal.Format(fireTimeLayout), localZone)
		} else {
			fmt.Fprintf(&b, "%s %s\n", inTarget.Format(fireTimeLayout), targetZone)
		}
	}
	if b.Len() == 0 {
		return noSpecificTrigg
	}
	return b.String()
}

func (f *Factory) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}
