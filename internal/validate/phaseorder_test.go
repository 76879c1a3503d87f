package validate

import (
	"errors"
	"strings"
	"testing"

	"teamgate/internal/domain"
)

func testRegistry() map[string]int {
	return map[string]int{
		"blue":  1,
		"red":   2,
		"green": 3,
		"black": 4,
		"white": 5,
		"grey":  6,
	}
}

func handoff(entry, run, from, to, ts string) domain.Handoff {
	return domain.Handoff{EntryID: entry, RunID: run, FromTeam: from, ToTeam: to, TimestampUTC: ts}
}

func TestPhaseOrderCleanRun(t *testing.T) {
	v := PhaseOrder{Registry: testRegistry()}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
		handoff("E2", "R1", "red", "green", "2026-02-10T10:00:00Z"),
		handoff("E3", "R1", "green", "black", "2026-02-10T11:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected clean run to pass, got %s", res.Message())
	}
}

func TestPhaseOrderSkipWithoutDecision(t *testing.T) {
	v := PhaseOrder{Registry: testRegistry()}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
		handoff("E2", "R1", "green", "white", "2026-02-10T10:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK() {
		t.Fatalf("expected ordering violation")
	}
	viol := res.Violations[0]
	if viol.Class != ClassOrdering {
		t.Fatalf("expected ordering class, got %s", viol.Class)
	}
	if viol.Expected != "red->green" {
		t.Fatalf("expected red->green, got %q", viol.Expected)
	}
	if viol.Observed != "green->white" {
		t.Fatalf("observed %q", viol.Observed)
	}
	if res.ExitCode() != 3 {
		t.Fatalf("exit code %d", res.ExitCode())
	}
}

func TestPhaseOrderAnomalyContainedByDecision(t *testing.T) {
	v := PhaseOrder{
		Registry: testRegistry(),
		Decisions: []domain.Decision{
			{DecisionID: "DEC-0007", RunID: "R1", DecisionText: "Run halted: Pipeline Order Violation confirmed by white team."},
		},
	}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
		handoff("E2", "R1", "green", "white", "2026-02-10T10:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected contained anomaly to pass, got %s", res.Message())
	}
	if len(res.Notes) != 1 || !strings.Contains(res.Notes[0], "DEC-0007") {
		t.Fatalf("expected containment note naming the decision, got %v", res.Notes)
	}
}

func TestPhaseOrderContainedRunNeverReflagged(t *testing.T) {
	v := PhaseOrder{
		Registry: testRegistry(),
		Decisions: []domain.Decision{
			{DecisionID: "DEC-0002", RunID: "R1", DecisionText: "pipeline order violation logged"},
		},
	}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
		handoff("E2", "R1", "green", "white", "2026-02-10T10:00:00Z"),
		handoff("E3", "R1", "blue", "green", "2026-02-10T11:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("contained run was re-flagged: %s", res.Message())
	}
	if len(res.Notes) != 2 {
		t.Fatalf("expected containment plus follow-up note, got %v", res.Notes)
	}
	if !strings.Contains(res.Notes[1], "after containment") {
		t.Fatalf("second note should record the later anomaly, got %q", res.Notes[1])
	}
}

func TestPhaseOrderDecisionForOtherRunDoesNotContain(t *testing.T) {
	v := PhaseOrder{
		Registry: testRegistry(),
		Decisions: []domain.Decision{
			{DecisionID: "DEC-0003", RunID: "R2", DecisionText: "pipeline order violation"},
		},
	}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
		handoff("E2", "R1", "green", "white", "2026-02-10T10:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK() {
		t.Fatalf("block decision for another run must not contain this one")
	}
}

func TestPhaseOrderDuplicateCorrectionAccepted(t *testing.T) {
	v := PhaseOrder{Registry: testRegistry()}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
		handoff("E2", "R1", "blue", "red", "2026-02-10T09:05:00Z"),
		handoff("E3", "R1", "red", "green", "2026-02-10T10:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("duplicate correction should not advance or fail, got %s", res.Message())
	}
}

func TestPhaseOrderRunsIndependent(t *testing.T) {
	v := PhaseOrder{Registry: testRegistry()}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
		handoff("E2", "R2", "green", "white", "2026-02-10T09:30:00Z"),
		handoff("E3", "R1", "red", "green", "2026-02-10T10:00:00Z"),
		handoff("E4", "R2", "white", "grey", "2026-02-10T10:30:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	// R2 starts mid-pipeline: its first handoff sets the baseline, the
	// second advances by one, so both runs are ordered.
	if !res.OK() {
		t.Fatalf("runs must be validated independently, got %s", res.Message())
	}
}

func TestPhaseOrderTimestampOrderNotFileOrder(t *testing.T) {
	v := PhaseOrder{Registry: testRegistry()}
	res, err := v.Check([]domain.Handoff{
		handoff("E2", "R1", "red", "green", "2026-02-10T10:00:00Z"),
		handoff("E1", "R1", "blue", "red", "2026-02-10T09:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("rows must be ordered by timestamp before scanning, got %s", res.Message())
	}
}

func TestPhaseOrderUnknownTeamIsConfiguration(t *testing.T) {
	v := PhaseOrder{Registry: testRegistry()}
	res, err := v.Check([]domain.Handoff{
		handoff("E1", "R1", "blue", "purple", "2026-02-10T09:00:00Z"),
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK() {
		t.Fatalf("unknown team must be flagged")
	}
	if res.Violations[0].Class != ClassConfiguration {
		t.Fatalf("expected configuration class, got %s", res.Violations[0].Class)
	}
	if res.ExitCode() != 2 {
		t.Fatalf("exit code %d", res.ExitCode())
	}
}

func TestPhaseOrderEmptyRegistry(t *testing.T) {
	v := PhaseOrder{}
	_, err := v.Check(nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestPhaseOrderEmptyLedgerPasses(t *testing.T) {
	v := PhaseOrder{Registry: testRegistry()}
	res, err := v.Check(nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("empty ledger must pass")
	}
}
