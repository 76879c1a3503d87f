package validate

import (
	"strings"
	"testing"

	"teamgate/internal/ledger"
)

const handoffHeader = "entry_id,run_id,from_team,to_team,timestamp_utc,supersedes_entry_id\n"

func TestAppendOnlyPureAddition(t *testing.T) {
	before := Snapshots{
		ledger.HandoffFile: []byte(handoffHeader + "E1,R1,blue,red,2026-02-10T09:00:00Z,\n"),
	}
	after := Snapshots{
		ledger.HandoffFile: []byte(handoffHeader +
			"E1,R1,blue,red,2026-02-10T09:00:00Z,\n" +
			"E2,R1,red,green,2026-02-10T10:00:00Z,\n"),
	}
	res, err := AppendOnly{}.Check(before, after)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("additions must pass, got %s", res.Message())
	}
}

func TestAppendOnlyMutatedRow(t *testing.T) {
	before := Snapshots{
		ledger.HandoffFile: []byte(handoffHeader + "E1,R1,blue,red,2026-02-10T09:00:00Z,\n"),
	}
	after := Snapshots{
		ledger.HandoffFile: []byte(handoffHeader + "E1,R1,blue,green,2026-02-10T09:00:00Z,\n"),
	}
	res, err := AppendOnly{}.Check(before, after)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK() {
		t.Fatalf("in-place edit must fail")
	}
	viol := res.Violations[0]
	if viol.Class != ClassIntegrity {
		t.Fatalf("class %s", viol.Class)
	}
	if !strings.Contains(viol.Message, "(E1)") || !strings.Contains(viol.Message, "changed in place") {
		t.Fatalf("message should name the row key: %q", viol.Message)
	}
	if res.ExitCode() != 4 {
		t.Fatalf("exit code %d", res.ExitCode())
	}
}

func TestAppendOnlyRemovedRow(t *testing.T) {
	before := Snapshots{
		ledger.DecisionFile: []byte("decision_id,run_id,decision_text,timestamp_utc,supersedes_decision_id\n" +
			"DEC-0001,R1,approved,2026-02-10T09:00:00Z,\n"),
	}
	after := Snapshots{
		ledger.DecisionFile: []byte("decision_id,run_id,decision_text,timestamp_utc,supersedes_decision_id\n"),
	}
	res, err := AppendOnly{}.Check(before, after)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK() {
		t.Fatalf("removed row must fail")
	}
	if !strings.Contains(res.Violations[0].Message, "removed without a superseding row") {
		t.Fatalf("message %q", res.Violations[0].Message)
	}
}

func TestAppendOnlySupersededMutationTolerated(t *testing.T) {
	before := Snapshots{
		ledger.ChangeRequestFile: []byte("request_id,run_id,source_team,status,statement,supersedes_request_id\n" +
			"CR-0001-BLUE,R1,blue,open,fix,\n"),
	}
	after := Snapshots{
		ledger.ChangeRequestFile: []byte("request_id,run_id,source_team,status,statement,supersedes_request_id\n" +
			"CR-0001-BLUE,R1,blue,closed,fix,\n" +
			"CR-BLUE-0001,R1,blue,open,fix,CR-0001-BLUE\n"),
	}
	res, err := AppendOnly{}.Check(before, after)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("superseded row changes must be tolerated, got %s", res.Message())
	}
}

func TestAppendOnlyGovernedFileRemoved(t *testing.T) {
	before := Snapshots{
		ledger.RunRegistryFile: []byte("run_id,current_phase,status,pipeline_mode,created_utc\n" +
			"R1,2,active,full,2026-02-10T09:00:00Z\n"),
	}
	res, err := AppendOnly{}.Check(before, Snapshots{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK() {
		t.Fatalf("deleting a governed file must fail")
	}
	if res.Violations[0].Artifact != ledger.RunRegistryFile {
		t.Fatalf("artifact %q", res.Violations[0].Artifact)
	}
}

func TestAppendOnlyNewFileIgnored(t *testing.T) {
	after := Snapshots{
		ledger.HandoffFile: []byte(handoffHeader + "E1,R1,blue,red,2026-02-10T09:00:00Z,\n"),
	}
	res, err := AppendOnly{}.Check(Snapshots{}, after)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.OK() {
		t.Fatalf("a table that did not exist before is pure addition, got %s", res.Message())
	}
}

func TestAppendOnlyCompositeKey(t *testing.T) {
	header := "run_id,current_phase,status,pipeline_mode,created_utc\n"
	before := Snapshots{
		ledger.RunRegistryFile: []byte(header + "R1,2,active,full,2026-02-10T22:02:17Z\n"),
	}
	after := Snapshots{
		ledger.RunRegistryFile: []byte(header +
			"R1,2,blocked,full,2026-02-10T22:02:17Z\n" +
			"R1,3,active,full,2026-02-11T08:00:00Z\n"),
	}
	res, err := AppendOnly{}.Check(before, after)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.OK() {
		t.Fatalf("mutating a registry row must fail even when a new row was added")
	}
	if !strings.Contains(res.Violations[0].Message, "(R1, 2026-02-10T22:02:17Z)") {
		t.Fatalf("composite key missing from message: %q", res.Violations[0].Message)
	}
}
