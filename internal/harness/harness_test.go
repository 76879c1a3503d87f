package harness

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"teamgate/internal/domain"
)

func passCheck(id string) Check {
	return Check{
		ID:  id,
		Run: func(context.Context) domain.CheckResult { return domain.CheckResult{ID: id, Status: "pass", Message: "ok"} },
	}
}

func TestRunPreservesOrderAndRunsEverything(t *testing.T) {
	var ran int32
	h := Harness{Checks: []Check{
		{ID: "a", Run: func(context.Context) domain.CheckResult {
			atomic.AddInt32(&ran, 1)
			return domain.CheckResult{ID: "a", Status: "pass"}
		}},
		{ID: "b", Run: func(context.Context) domain.CheckResult {
			atomic.AddInt32(&ran, 1)
			return domain.CheckResult{ID: "b", Status: "fail", Message: "broken"}
		}},
		{ID: "c", Run: func(context.Context) domain.CheckResult {
			atomic.AddInt32(&ran, 1)
			return domain.CheckResult{ID: "c", Status: "pass"}
		}},
	}}
	report := h.Run(context.Background())
	if atomic.LoadInt32(&ran) != 3 {
		t.Fatalf("every check must run, ran %d", ran)
	}
	if report.Overall != "fail" {
		t.Fatalf("overall %q", report.Overall)
	}
	for i, id := range []string{"a", "b", "c"} {
		if report.Checks[i].ID != id {
			t.Fatalf("result order not preserved: %v", report.Checks)
		}
	}
}

func TestAggregateAllPass(t *testing.T) {
	report := Aggregate([]domain.CheckResult{{ID: "a", Status: "pass"}, {ID: "b", Status: "pass"}})
	if report.Overall != "pass" {
		t.Fatalf("overall %q", report.Overall)
	}
}

func TestSelfTestHonestCheck(t *testing.T) {
	h := Harness{Checks: []Check{{
		ID: "honest",
		Fixtures: &Fixtures{
			Positive: func(ctx context.Context, dir string) domain.CheckResult {
				return domain.CheckResult{ID: "honest", Status: "pass"}
			},
			Negative: func(ctx context.Context, dir string) domain.CheckResult {
				return domain.CheckResult{ID: "honest", Status: "fail"}
			},
		},
	}}}
	report := h.SelfTest(context.Background())
	if report.Overall != "pass" {
		t.Fatalf("honest check must self-test clean: %+v", report)
	}
}

func TestSelfTestCatchesAlwaysPassCheck(t *testing.T) {
	always := func(ctx context.Context, dir string) domain.CheckResult {
		return domain.CheckResult{ID: "broken", Status: "pass"}
	}
	h := Harness{Checks: []Check{{ID: "broken", Fixtures: &Fixtures{Positive: always, Negative: always}}}}
	report := h.SelfTest(context.Background())
	if report.Overall != "fail" {
		t.Fatalf("a check that cannot fail must flunk self-test")
	}
	if !strings.Contains(report.Checks[0].Message, "negative fixture did not fail") {
		t.Fatalf("message %q", report.Checks[0].Message)
	}
}

func TestSelfTestCatchesAlwaysFailCheck(t *testing.T) {
	always := func(ctx context.Context, dir string) domain.CheckResult {
		return domain.CheckResult{ID: "broken", Status: "fail"}
	}
	h := Harness{Checks: []Check{{ID: "broken", Fixtures: &Fixtures{Positive: always, Negative: always}}}}
	report := h.SelfTest(context.Background())
	if report.Overall != "fail" {
		t.Fatalf("a check that cannot pass must flunk self-test")
	}
	if !strings.Contains(report.Checks[0].Message, "positive fixture did not pass") {
		t.Fatalf("message %q", report.Checks[0].Message)
	}
}

func TestSelfTestRequiresFixtures(t *testing.T) {
	h := Harness{Checks: []Check{passCheck("bare")}}
	report := h.SelfTest(context.Background())
	if report.Overall != "fail" {
		t.Fatalf("a fixture-less check must flunk self-test")
	}
}

func TestSelfTestFixturesGetSeparateDirs(t *testing.T) {
	var negDir, posDir string
	h := Harness{Checks: []Check{{
		ID: "dirs",
		Fixtures: &Fixtures{
			Positive: func(ctx context.Context, dir string) domain.CheckResult {
				posDir = dir
				return domain.CheckResult{ID: "dirs", Status: "pass"}
			},
			Negative: func(ctx context.Context, dir string) domain.CheckResult {
				negDir = dir
				return domain.CheckResult{ID: "dirs", Status: "fail"}
			},
		},
	}}}
	h.SelfTest(context.Background())
	if negDir == "" || posDir == "" || negDir == posDir {
		t.Fatalf("fixtures must get isolated sandboxes: neg=%q pos=%q", negDir, posDir)
	}
	if _, err := os.Stat(negDir); !os.IsNotExist(err) {
		t.Fatalf("sandbox %s should be removed after self-test", negDir)
	}
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "gate_report.json")
	report := Aggregate([]domain.CheckResult{{ID: "a", Status: "pass", Message: "ok"}})
	if err := WriteReport(path, report); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Fatalf("report should end with a newline")
	}
	var got domain.GateReport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Overall != "pass" || len(got.Checks) != 1 {
		t.Fatalf("round trip %+v", got)
	}
}
