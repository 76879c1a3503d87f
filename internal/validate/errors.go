package validate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration marks failures that prevent a check from running at all
// (missing or empty registry/policy), as opposed to data violations.
var ErrConfiguration = errors.New("configuration error")

// Class partitions violations into rule families. Each family maps to its
// own process exit code so CI can tell them apart.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassOrdering      Class = "ordering"
	ClassIntegrity     Class = "integrity"
	ClassAuthority     Class = "authority"
	ClassSecret        Class = "secret"
	ClassInvariant     Class = "invariant"
)

// ExitCode returns the process exit code for the class. Codes are stable
// and collision-free across validators.
func (c Class) ExitCode() int {
	switch c {
	case ClassConfiguration:
		return 2
	case ClassOrdering:
		return 3
	case ClassIntegrity:
		return 4
	case ClassAuthority:
		return 5
	case ClassSecret:
		return 6
	case ClassInvariant:
		return 7
	default:
		return 1
	}
}

// Violation is one rule failure with enough context to act on: the rule id,
// the offending artifact, and expected vs observed values where they apply.
type Violation struct {
	Rule     string `json:"rule"`
	Class    Class  `json:"class"`
	Artifact string `json:"artifact,omitempty"`
	Expected string `json:"expected,omitempty"`
	Observed string `json:"observed,omitempty"`
	Message  string `json:"message"`
}

func (v Violation) Error() string {
	var b strings.Builder
	b.WriteString(v.Message)
	if v.Artifact != "" {
		fmt.Fprintf(&b, " (artifact=%s", v.Artifact)
		if v.Expected != "" || v.Observed != "" {
			fmt.Fprintf(&b, " expected=%s observed=%s", v.Expected, v.Observed)
		}
		b.WriteString(")")
	} else if v.Expected != "" || v.Observed != "" {
		fmt.Fprintf(&b, " (expected=%s observed=%s)", v.Expected, v.Observed)
	}
	return b.String()
}

// Result is a single check's outcome: all collected violations plus notes
// about contained anomalies and other observable non-failures.
type Result struct {
	Rule       string      `json:"rule"`
	Violations []Violation `json:"violations,omitempty"`
	Notes      []string    `json:"notes,omitempty"`
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

// Message renders the result for PASS/FAIL output.
func (r Result) Message() string {
	if r.OK() {
		if len(r.Notes) > 0 {
			return "ok; " + strings.Join(r.Notes, "; ")
		}
		return "ok"
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Error())
	}
	return strings.Join(msgs, "; ")
}

// ExitCode returns the exit code of the first violation's class, or 0.
func (r Result) ExitCode() int {
	if r.OK() {
		return 0
	}
	return r.Violations[0].Class.ExitCode()
}
