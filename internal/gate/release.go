package gate

import (
	"fmt"
	"sort"
	"time"

	"teamgate/internal/domain"
)

// Color is a release gate state.
type Color string

const (
	Green  Color = "green"
	Yellow Color = "yellow"
	Red    Color = "red"
)

// Gate is one named release-level condition derived from check results.
type Gate struct {
	Rule      string `json:"rule"`
	Color     Color  `json:"color"`
	Mandatory bool   `json:"mandatory"`
	Reason    string `json:"reason,omitempty"`
}

// FromReport derives gate colours from a harness report. A failed mandatory
// check goes straight to red; failed advisory checks accumulate and turn
// the release yellow once they breach the warning threshold.
func FromReport(report domain.GateReport, mandatory []string, warningThreshold int) []Gate {
	mandatorySet := map[string]bool{}
	for _, rule := range mandatory {
		mandatorySet[rule] = true
	}
	gates := make([]Gate, 0, len(report.Checks))
	warnings := 0
	for _, c := range report.Checks {
		g := Gate{Rule: c.ID, Color: Green, Mandatory: mandatorySet[c.ID]}
		if c.Status == "fail" {
			g.Reason = c.Message
			if g.Mandatory {
				g.Color = Red
			} else {
				g.Color = Yellow
				warnings++
			}
		}
		gates = append(gates, g)
	}
	if warningThreshold > 0 && warnings >= warningThreshold {
		for i := range gates {
			if gates[i].Color == Green && !gates[i].Mandatory {
				gates[i].Color = Yellow
				gates[i].Reason = fmt.Sprintf("advisory warning threshold reached (%d)", warnings)
			}
		}
	}
	return gates
}

// Advance applies the release state machine to a single gate:
// green -> yellow on a warning, yellow -> red on a critical failure or an
// unmitigated warning, red -> green only with remediation evidence.
func Advance(g Gate, critical bool, remediated bool) Gate {
	switch g.Color {
	case Green:
		if critical {
			g.Color = Red
		} else {
			g.Color = Yellow
		}
	case Yellow:
		if remediated {
			g.Color = Green
			g.Reason = ""
		} else {
			g.Color = Red
		}
	case Red:
		if remediated {
			g.Color = Green
			g.Reason = ""
		}
	}
	return g
}

// BlocksPublish returns the rules that block publish: every red mandatory
// gate without a live, role-approved exception. Output order is stable.
func BlocksPublish(gates []Gate, exceptions []domain.Exception, approvedRole string, now time.Time) []string {
	live := map[string]bool{}
	for _, ex := range exceptions {
		if len(ValidateException(ex, approvedRole, now)) == 0 {
			live[ex.Rule] = true
		}
	}
	var blocked []string
	for _, g := range gates {
		if g.Mandatory && g.Color == Red && !live[g.Rule] {
			blocked = append(blocked, g.Rule)
		}
	}
	sort.Strings(blocked)
	return blocked
}

// ValidateException checks that an exception record is complete, approved
// by the designated role, and not expired. Errors are deterministic.
func ValidateException(ex domain.Exception, approvedRole string, now time.Time) []error {
	var errs []error
	key := ex.ID
	if key == "" {
		key = "exception"
		errs = append(errs, fmt.Errorf("%s: missing id", key))
	}
	if ex.Rule == "" {
		errs = append(errs, fmt.Errorf("%s: missing rule", key))
	}
	if ex.Scope == "" {
		errs = append(errs, fmt.Errorf("%s: missing scope", key))
	}
	if ex.Reason == "" {
		errs = append(errs, fmt.Errorf("%s: missing reason", key))
	}
	if ex.Owner == "" {
		errs = append(errs, fmt.Errorf("%s: missing owner", key))
	}
	if approvedRole != "" && ex.ApprovedRole != approvedRole {
		errs = append(errs, fmt.Errorf("%s: approved_role %q is not the designated role %q", key, ex.ApprovedRole, approvedRole))
	}
	if ex.ExpiresAt == "" {
		errs = append(errs, fmt.Errorf("%s: missing expires_at; exceptions must be time-bounded", key))
	} else {
		exp, err := time.Parse(time.RFC3339, ex.ExpiresAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid expires_at %q (must be RFC3339)", key, ex.ExpiresAt))
		} else if !now.Before(exp) {
			errs = append(errs, fmt.Errorf("%s: expired (expires=%s now=%s)", key, ex.ExpiresAt, now.UTC().Format(time.RFC3339)))
		}
	}
	return errs
}

// Overall reduces gates to a single release colour.
func Overall(gates []Gate) Color {
	out := Green
	for _, g := range gates {
		if g.Color == Red {
			return Red
		}
		if g.Color == Yellow {
			out = Yellow
		}
	}
	return out
}
