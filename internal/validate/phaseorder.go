package validate

import (
	"fmt"
	"sort"
	"strings"

	"teamgate/internal/domain"
)

// RulePhaseOrder is the stable rule id for handoff ordering.
const RulePhaseOrder = "phase-order"

// blockMarker is the decision-log text that records an ordering anomaly as
// acknowledged and blocked for a run.
const blockMarker = "pipeline order violation"

// doctrineRef points at the written handoff doctrine for diagnostics.
const doctrineRef = "docs/team_ops_doctrine.md#handoff-order"

// RunState is the per-run scanning state. The contained state is explicit
// so diagnostics can surface it rather than silently skipping rows.
type RunState int

const (
	StateStart RunState = iota
	StateOrdered
	StateAnomalyContained
)

func (s RunState) String() string {
	switch s {
	case StateOrdered:
		return "ordered"
	case StateAnomalyContained:
		return "anomaly-contained"
	default:
		return "start"
	}
}

// PhaseOrder verifies that every handoff in a run advances the canonical
// team order by exactly one step, unless the anomaly was already logged as
// blocked in the decision log.
type PhaseOrder struct {
	Registry  map[string]int
	Decisions []domain.Decision
}

// Check scans all runs' handoffs in timestamp order. Unknown teams and an
// empty registry are configuration failures, distinct from ordering ones.
func (v PhaseOrder) Check(handoffs []domain.Handoff) (Result, error) {
	res := Result{Rule: RulePhaseOrder}
	if len(v.Registry) == 0 {
		return res, fmt.Errorf("%w: team phase registry is empty", ErrConfiguration)
	}

	byRun := map[string][]domain.Handoff{}
	var runOrder []string
	for _, h := range handoffs {
		if _, seen := byRun[h.RunID]; !seen {
			runOrder = append(runOrder, h.RunID)
		}
		byRun[h.RunID] = append(byRun[h.RunID], h)
	}
	sort.Strings(runOrder)

	blocked := v.blockedRuns()
	teamByPhase := make(map[int]string, len(v.Registry))
	for team, phase := range v.Registry {
		teamByPhase[phase] = team
	}

	for _, runID := range runOrder {
		rows := byRun[runID]
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].TimestampUTC < rows[j].TimestampUTC
		})
		v.checkRun(runID, rows, blocked[runID], teamByPhase, &res)
	}
	return res, nil
}

func (v PhaseOrder) checkRun(runID string, rows []domain.Handoff, blockDecision string, teamByPhase map[int]string, res *Result) {
	state := StateStart
	latest := 0
	for _, h := range rows {
		from, ok := v.Registry[h.FromTeam]
		if !ok {
			res.Violations = append(res.Violations, Violation{
				Rule:     RulePhaseOrder,
				Class:    ClassConfiguration,
				Artifact: fmt.Sprintf("run %s entry %s", runID, h.EntryID),
				Observed: h.FromTeam,
				Message:  fmt.Sprintf("team %q is not in the phase registry", h.FromTeam),
			})
			return
		}
		to, ok := v.Registry[h.ToTeam]
		if !ok {
			res.Violations = append(res.Violations, Violation{
				Rule:     RulePhaseOrder,
				Class:    ClassConfiguration,
				Artifact: fmt.Sprintf("run %s entry %s", runID, h.EntryID),
				Observed: h.ToTeam,
				Message:  fmt.Sprintf("team %q is not in the phase registry", h.ToTeam),
			})
			return
		}

		// First handoff establishes the baseline for the run.
		if state == StateStart {
			latest = to
			state = StateOrdered
			continue
		}

		// Exact repeat of the last accepted transition is an append-only
		// correction; accept without advancing.
		if from == latest-1 && to == latest {
			continue
		}

		if from == latest && to == latest+1 {
			latest = to
			continue
		}

		observed := fmt.Sprintf("%s->%s", h.FromTeam, h.ToTeam)
		expected := expectedPair(teamByPhase, latest)

		if state == StateAnomalyContained {
			// A contained run is never re-flagged; later anomalies in the
			// same run are recorded as notes only.
			res.Notes = append(res.Notes, fmt.Sprintf("run %s: further anomaly %s after containment (state=%s)", runID, observed, state))
			latest = to
			continue
		}

		if blockDecision != "" {
			state = StateAnomalyContained
			res.Notes = append(res.Notes, fmt.Sprintf("run %s: anomaly %s contained by decision %s (state=%s)", runID, observed, blockDecision, state))
			latest = to
			continue
		}

		res.Violations = append(res.Violations, Violation{
			Rule:     RulePhaseOrder,
			Class:    ClassOrdering,
			Artifact: fmt.Sprintf("run %s entry %s", runID, h.EntryID),
			Expected: expected,
			Observed: observed,
			Message:  fmt.Sprintf("handoff out of order with no block decision logged; see %s", doctrineRef),
		})
		return
	}
}

// blockedRuns maps run id to the id of the decision that logged a pipeline
// order violation for it, if any.
func (v PhaseOrder) blockedRuns() map[string]string {
	out := map[string]string{}
	for _, d := range v.Decisions {
		if strings.Contains(strings.ToLower(d.DecisionText), blockMarker) {
			if _, ok := out[d.RunID]; !ok {
				out[d.RunID] = d.DecisionID
			}
		}
	}
	return out
}

func expectedPair(teamByPhase map[int]string, latest int) string {
	fromTeam, ok1 := teamByPhase[latest]
	toTeam, ok2 := teamByPhase[latest+1]
	if !ok1 || !ok2 {
		return fmt.Sprintf("phase %d->%d", latest, latest+1)
	}
	return fmt.Sprintf("%s->%s", fromTeam, toTeam)
}
