package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"teamgate/internal/domain"
)

// Check is one invariant catalog entry. Run executes against real
// repository state; Fixtures exercise the check against constructed inputs
// at self-test time.
type Check struct {
	ID        string
	Statement string
	OwnerRole string
	Run       func(ctx context.Context) domain.CheckResult
	Fixtures  *Fixtures
}

// Fixtures build isolated inputs under dir and return the check's verdict
// on them. Negative must fail, Positive must pass; anything else means the
// check itself is broken.
type Fixtures struct {
	Positive func(ctx context.Context, dir string) domain.CheckResult
	Negative func(ctx context.Context, dir string) domain.CheckResult
}

// Harness runs a catalog of independent checks. Every check always runs;
// failures are collected, never fatal to the run itself.
type Harness struct {
	Checks []Check
}

// Run executes all checks concurrently. Each check owns exactly one result
// slot and no check may depend on another's side effects.
func (h Harness) Run(ctx context.Context) domain.GateReport {
	results := make([]domain.CheckResult, len(h.Checks))
	var wg sync.WaitGroup
	for i, c := range h.Checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			results[i] = c.Run(ctx)
		}(i, c)
	}
	wg.Wait()
	return Aggregate(results)
}

// SelfTest verifies every catalog entry against its fixtures inside
// throwaway directories, never against the real tracked tree.
func (h Harness) SelfTest(ctx context.Context) domain.GateReport {
	results := make([]domain.CheckResult, 0, len(h.Checks))
	for _, c := range h.Checks {
		results = append(results, selfTestCheck(ctx, c))
	}
	return Aggregate(results)
}

func selfTestCheck(ctx context.Context, c Check) domain.CheckResult {
	if c.Fixtures == nil {
		return domain.CheckResult{ID: c.ID, Status: "fail", Message: "no self-test fixtures registered"}
	}
	negDir, err := os.MkdirTemp("", "teamgate-selftest-")
	if err != nil {
		return domain.CheckResult{ID: c.ID, Status: "fail", Message: fmt.Sprintf("fixture sandbox: %v", err)}
	}
	defer os.RemoveAll(negDir)
	posDir, err := os.MkdirTemp("", "teamgate-selftest-")
	if err != nil {
		return domain.CheckResult{ID: c.ID, Status: "fail", Message: fmt.Sprintf("fixture sandbox: %v", err)}
	}
	defer os.RemoveAll(posDir)

	if neg := c.Fixtures.Negative(ctx, negDir); neg.Status != "fail" {
		return domain.CheckResult{ID: c.ID, Status: "fail", Message: "negative fixture did not fail: " + neg.Message}
	}
	if pos := c.Fixtures.Positive(ctx, posDir); pos.Status != "pass" {
		return domain.CheckResult{ID: c.ID, Status: "fail", Message: "positive fixture did not pass: " + pos.Message}
	}
	return domain.CheckResult{ID: c.ID, Status: "pass", Message: "fixtures behaved as expected"}
}

// Aggregate folds per-check results into a report.
func Aggregate(results []domain.CheckResult) domain.GateReport {
	report := domain.GateReport{Checks: results, Overall: "pass"}
	for _, r := range results {
		if r.Status != "pass" {
			report.Overall = "fail"
		}
	}
	return report
}

// WriteReport writes the report artifact as indented JSON. The file is an
// output artifact and is never read back or mutated by the engine.
func WriteReport(path string, report domain.GateReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
