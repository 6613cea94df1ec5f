// Package chain triggers dependent jobs when a predecessor finishes with a
// matching outcome.
package chain

import (
	"errors"
	"fmt"

	"jobflow/internal/jobs"
)

// ErrInvalidKey is wrapped by AddLink for missing keys or names.
var ErrInvalidKey = errors.New("invalid job key")

// Criterion selects which predecessor outcomes fire a dependent.
type Criterion int

const (
	OnSuccess Criterion = iota
	OnFailure
	OnCompletion
)

func (c Criterion) String() string {
	switch c {
	case OnSuccess:
		return "OnSuccess"
	case OnFailure:
		return "OnFailure"
	case OnCompletion:
		return "OnCompletion"
	default:
		return "Unknown"
	}
}

// Matches reports whether an outcome satisfies the criterion. Completion
// covers every final outcome, so only Retrying is excluded.
func (c Criterion) Matches(o jobs.Outcome) bool {
	switch c {
	case OnSuccess:
		return o == jobs.Succeeded
	case OnFailure:
		return o == jobs.Failed
	case OnCompletion:
		return o != jobs.Retrying
	default:
		return false
	}
}

// verb is the word used in trigger log lines.
func (c Criterion) verb() string {
	switch c {
	case OnSuccess:
		return "Success"
	case OnFailure:
		return "Failure"
	default:
		return "Completion"
	}
}

type Link struct {
	Predecessor jobs.Identifier
	Criterion   Criterion
	Dependent   jobs.Identifier
}

// BuildLinks derives chain links from definitions. For each job, links are
// emitted in the order success, failure, completion. A predecessor missing
// from defs is an error.
func BuildLinks(defs []jobs.Definition) ([]Link, error) {
	known := make(map[string]jobs.Identifier, len(defs))
	for _, d := range defs {
		known[d.Key()] = d.Identifier()
	}

	var links []Link
	for _, d := range defs {
		deps := []struct {
			ref *jobs.Identifier
			c   Criterion
		}{
			{d.RunOnSuccessOf, OnSuccess},
			{d.RunOnFailureOf, OnFailure},
			{d.RunOnCompletionOf, OnCompletion},
		}
		for _, dep := range deps {
			if dep.ref == nil {
				continue
			}
			pred, ok := known[dep.ref.Key()]
			if !ok {
				return nil, fmt.Errorf("Unable to find predecessor job '%s' for job '%s'", dep.ref.Key(), d.Key())
			}
			links = append(links, Link{Predecessor: pred, Criterion: dep.c, Dependent: d.Identifier()})
		}
	}
	return links, nil
}
