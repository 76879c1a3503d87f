package validate

import (
	"fmt"
	"strings"

	"teamgate/internal/ledger"
)

// RuleAppendOnly is the stable rule id for ledger history integrity.
const RuleAppendOnly = "append-only"

// TableSpec describes how to identify rows of one governed table.
type TableSpec struct {
	File       string
	KeyColumns []string
	Supersedes string // column carrying the superseded key, empty if none
}

// DefaultTables covers the four team-ops ledgers with their natural keys.
func DefaultTables() []TableSpec {
	return []TableSpec{
		{File: ledger.HandoffFile, KeyColumns: []string{"entry_id"}, Supersedes: "supersedes_entry_id"},
		{File: ledger.DecisionFile, KeyColumns: []string{"decision_id"}, Supersedes: "supersedes_decision_id"},
		{File: ledger.ChangeRequestFile, KeyColumns: []string{"request_id"}, Supersedes: "supersedes_request_id"},
		{File: ledger.RunRegistryFile, KeyColumns: []string{"run_id", "created_utc"}},
	}
}

// AppendOnly compares before/after snapshots of governed tables. Rows may
// only ever be added; a removed or mutated row needs a superseding row in
// the after state.
type AppendOnly struct {
	Tables []TableSpec
}

// Snapshots maps governed file name to raw content for one revision.
type Snapshots map[string][]byte

// Check diffs every configured table and collects all violations; it never
// stops at the first one so CI sees the complete damage in one pass.
func (c AppendOnly) Check(before, after Snapshots) (Result, error) {
	res := Result{Rule: RuleAppendOnly}
	tables := c.Tables
	if len(tables) == 0 {
		tables = DefaultTables()
	}
	for _, spec := range tables {
		b, bok := before[spec.File]
		a, aok := after[spec.File]
		if !bok {
			// Table did not exist before; anything after is pure addition.
			continue
		}
		if !aok {
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleAppendOnly,
				Class:    ClassIntegrity,
				Artifact: spec.File,
				Message:  "governed file removed from tracked tree",
			})
			continue
		}
		if err := c.checkTable(spec, b, a, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

type keyedRow struct {
	key    string
	fields string
}

func (c AppendOnly) checkTable(spec TableSpec, before, after []byte, res *Result) error {
	beforeRows, err := keyRows(spec, before)
	if err != nil {
		return err
	}
	afterRows, err := keyRows(spec, after)
	if err != nil {
		return err
	}

	afterByKey := map[string][]keyedRow{}
	for _, row := range afterRows {
		afterByKey[row.key] = append(afterByKey[row.key], row)
	}
	superseded := map[string]bool{}
	if spec.Supersedes != "" {
		_, rows, err := ledger.ReadTable(spec.File, after)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if ref := row[spec.Supersedes]; ref != "" {
				superseded[ref] = true
			}
		}
	}

	seen := map[string]int{}
	for _, row := range beforeRows {
		idx := seen[row.key]
		seen[row.key]++
		candidates := afterByKey[row.key]
		if idx >= len(candidates) {
			if superseded[row.key] {
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleAppendOnly,
				Class:    ClassIntegrity,
				Artifact: spec.File,
				Observed: "row absent",
				Message:  fmt.Sprintf("committed row (%s) was removed without a superseding row", row.key),
			})
			continue
		}
		if candidates[idx].fields != row.fields {
			if superseded[row.key] {
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleAppendOnly,
				Class:    ClassIntegrity,
				Artifact: spec.File,
				Expected: row.fields,
				Observed: candidates[idx].fields,
				Message:  fmt.Sprintf("committed row (%s) was changed in place without a superseding row", row.key),
			})
		}
	}
	return nil
}

func keyRows(spec TableSpec, data []byte) ([]keyedRow, error) {
	header, rows, err := ledger.ReadTable(spec.File, data)
	if err != nil {
		return nil, err
	}
	out := make([]keyedRow, 0, len(rows))
	for _, row := range rows {
		keyParts := make([]string, 0, len(spec.KeyColumns))
		for _, col := range spec.KeyColumns {
			keyParts = append(keyParts, row[col])
		}
		fieldParts := make([]string, 0, len(header))
		for _, col := range header {
			fieldParts = append(fieldParts, row[col])
		}
		out = append(out, keyedRow{
			key:    strings.Join(keyParts, ", "),
			fields: strings.Join(fieldParts, "\x1f"),
		})
	}
	return out, nil
}
