package jobs

import (
	"strings"
)

// DefaultGroup is used when an admin lookup names a job without a group.
const DefaultGroup = "DEFAULT"

// Identifier names a job. Key() is unique across a configuration batch.
type Identifier struct {
	Group string `json:"Group"`
	Name  string `json:"JobName"`
}

// ID builds an Identifier.
func ID(group, name string) Identifier { return Identifier{Group: group, Name: name} }

// Key returns the composite "group.name" key the scheduler indexes by.
func (id Identifier) Key() string { return id.Group + "." + id.Name }

func (id Identifier) String() string { return id.Key() }

// IsZero reports whether neither group nor name is set.
func (id Identifier) IsZero() bool { return id.Group == "" && id.Name == "" }

// ParseKey splits "group.name". A key without a dot is a name in DefaultGroup.
func ParseKey(s string) Identifier {
	s = strings.TrimSpace(s)
	group, name, ok := strings.Cut(s, ".")
	if !ok {
		return Identifier{Group: DefaultGroup, Name: s}
	}
	return Identifier{Group: group, Name: name}
}

// RunSchedule says when a job fires on its own. A nil schedule means the job
// only runs through chaining or a manual start.
type RunSchedule struct {
	RunAt             string `json:"RunAt"`
	RunOnDays         string `json:"RunOnDays"`
	ExclusionCalendar string `json:"ExclusionCalendar,omitempty"`
	Timezone          string `json:"Timezone,omitempty"`
}

// Definition is one entry of the jobs document.
type Definition struct {
	Name              string       `json:"JobName"`
	Description       string       `json:"Description,omitempty"`
	Group             string       `json:"Group"`
	RunSchedule       *RunSchedule `json:"RunSchedule,omitempty"`
	ExecutableName    string       `json:"ExecutableName"`
	Parameters        string       `json:"Parameters,omitempty"`
	RunOnCompletionOf *Identifier  `json:"RunOnCompletionOf,omitempty"`
	RunOnSuccessOf    *Identifier  `json:"RunOnSuccessOf,omitempty"`
	RunOnFailureOf    *Identifier  `json:"RunOnFailureOf,omitempty"`
	Retries           int          `json:"Retries"`
	WarnAfter         int          `json:"WarnAfter"`
	TerminateAfter    int          `json:"TerminateAfter"`
}

func (d Definition) Identifier() Identifier { return Identifier{Group: d.Group, Name: d.Name} }

func (d Definition) Key() string { return d.Identifier().Key() }

// Equal compares field by field, following pointers.
func (d Definition) Equal(o Definition) bool {
	return d.Name == o.Name &&
		d.Description == o.Description &&
		d.Group == o.Group &&
		d.RunSchedule.Equal(o.RunSchedule) &&
		d.ExecutableName == o.ExecutableName &&
		d.Parameters == o.Parameters &&
		identifierPtrEqual(d.RunOnCompletionOf, o.RunOnCompletionOf) &&
		identifierPtrEqual(d.RunOnSuccessOf, o.RunOnSuccessOf) &&
		identifierPtrEqual(d.RunOnFailureOf, o.RunOnFailureOf) &&
		d.Retries == o.Retries &&
		d.WarnAfter == o.WarnAfter &&
		d.TerminateAfter == o.TerminateAfter
}

// Equal treats two nil schedules as equal.
func (r *RunSchedule) Equal(o *RunSchedule) bool {
	if r == nil || o == nil {
		return r == nil && o == nil
	}
	return *r == *o
}

func identifierPtrEqual(a, b *Identifier) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Outcome is the result an execution attempt reports to listeners.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	Succeeded
	Failed
	Retrying
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Retrying:
		return "Retrying"
	default:
		return "Unknown"
	}
}
