package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"jobflow/internal/chain"
	"jobflow/internal/config"
	"jobflow/internal/schedule"
	logx "jobflow/pkg/logx"
)

// Check validates the host config and the job documents without starting
// anything, then writes each job's triggers, next firings and dependency
// links to w.
func Check(cfgPath string, w io.Writer, now time.Time) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapConductorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	catalog, err := LoadCatalog(cfg)
	if err != nil {
		return err
	}
	links, err := chain.BuildLinks(catalog.Jobs)
	if err != nil {
		return err
	}

	loc := time.Local
	if schedCfg.Timezone != "" {
		loc, _ = time.LoadLocation(schedCfg.Timezone)
	}
	cals := make(map[string]schedule.Calendar, len(catalog.Calendars))
	for _, c := range catalog.Calendars {
		cals[c.Name()] = c
	}
	factory := schedule.NewFactory(logx.Nop())
	factory.Now = func() time.Time { return now }
	factory.Local = loc

	fmt.Fprintf(w, "Configuration OK (%d jobs, %d calendars, %d links)\n\n", len(catalog.Jobs), len(catalog.Calendars), len(links))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tEXECUTABLE\tNEXT RUN")
	for _, def := range catalog.Jobs {
		triggers, err := factory.CreateTriggers(def)
		if err != nil {
			return err
		}
		for _, t := range triggers {
			if t.ExclusionCalendar != "" && cals[t.ExclusionCalendar] == nil {
				return fmt.Errorf("job %s: calendar %q not found", def.Key(), t.ExclusionCalendar)
			}
		}
		next := factory.DescribeNextFirings(def, triggers, func(t schedule.Trigger) (time.Time, bool) {
			var cal schedule.Calendar
			if t.ExclusionCalendar != "" {
				cal = cals[t.ExclusionCalendar]
			}
			s, err := t.Compile(cal)
			if err != nil {
				return time.Time{}, false
			}
			at := s.Next(now.In(loc))
			return at, !at.IsZero()
		})
		if !factory.RequiresTrigger(def) {
			next = "on demand"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Key(), def.ExecutableName, strings.ReplaceAll(strings.TrimSpace(next), "\n", "; "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(links) > 0 {
		fmt.Fprintln(w)
		for _, l := range links {
			fmt.Fprintf(w, "%s -> %s (%s)\n", l.Predecessor.Key(), l.Dependent.Key(), l.Criterion)
		}
	}
	return nil
}
