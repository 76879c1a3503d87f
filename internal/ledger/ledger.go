package ledger

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"teamgate/internal/domain"
)

// Governed table file names under the ledger directory.
const (
	HandoffFile       = "handoff_log.csv"
	DecisionFile      = "decision_log.csv"
	ChangeRequestFile = "change_request_queue.csv"
	RunRegistryFile   = "run_registry.csv"
)

// GovernedFiles lists every append-only table the integrity checker covers.
var GovernedFiles = []string{HandoffFile, DecisionFile, ChangeRequestFile, RunRegistryFile}

// Store reads the append-only team-ops ledgers. All reads return rows in
// file order; callers impose chronological ordering where they need it.
type Store struct {
	Dir string
}

func (s Store) path(name string) string {
	return filepath.Join(s.Dir, name)
}

// ReadRaw returns the raw bytes of a governed table.
func (s Store) ReadRaw(name string) ([]byte, error) {
	return os.ReadFile(s.path(name))
}

func (s Store) Handoffs() ([]domain.Handoff, error) {
	data, err := s.ReadRaw(HandoffFile)
	if err != nil {
		return nil, err
	}
	return ParseHandoffs(HandoffFile, data)
}

func (s Store) Decisions() ([]domain.Decision, error) {
	data, err := s.ReadRaw(DecisionFile)
	if err != nil {
		return nil, err
	}
	return ParseDecisions(DecisionFile, data)
}

func (s Store) ChangeRequests() ([]domain.ChangeRequest, error) {
	data, err := s.ReadRaw(ChangeRequestFile)
	if err != nil {
		return nil, err
	}
	return ParseChangeRequests(ChangeRequestFile, data)
}

func (s Store) Runs() ([]domain.Run, error) {
	data, err := s.ReadRaw(RunRegistryFile)
	if err != nil {
		return nil, err
	}
	return ParseRuns(RunRegistryFile, data)
}

// ReadTable parses a delimited table with a stable header row into one
// string map per data row.
func ReadTable(name string, data []byte) ([]string, []map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%s: missing header row", name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	var rows []map[string]string
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func ParseHandoffs(name string, data []byte) ([]domain.Handoff, error) {
	_, rows, err := ReadTable(name, data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Handoff, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Handoff{
			EntryID:           row["entry_id"],
			RunID:             row["run_id"],
			FromTeam:          row["from_team"],
			ToTeam:            row["to_team"],
			TimestampUTC:      row["timestamp_utc"],
			SupersedesEntryID: row["supersedes_entry_id"],
		})
	}
	return out, nil
}

func ParseDecisions(name string, data []byte) ([]domain.Decision, error) {
	_, rows, err := ReadTable(name, data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Decision, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Decision{
			DecisionID:           row["decision_id"],
			RunID:                row["run_id"],
			DecisionText:         row["decision_text"],
			TimestampUTC:         row["timestamp_utc"],
			SupersedesDecisionID: row["supersedes_decision_id"],
		})
	}
	return out, nil
}

func ParseChangeRequests(name string, data []byte) ([]domain.ChangeRequest, error) {
	_, rows, err := ReadTable(name, data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChangeRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ChangeRequest{
			RequestID:           row["request_id"],
			RunID:               row["run_id"],
			SourceTeam:          row["source_team"],
			Status:              row["status"],
			Statement:           row["statement"],
			SupersedesRequestID: row["supersedes_request_id"],
		})
	}
	return out, nil
}

func ParseRuns(name string, data []byte) ([]domain.Run, error) {
	_, rows, err := ReadTable(name, data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Run, 0, len(rows))
	for i, row := range rows {
		phase := 0
		if v := row["current_phase"]; v != "" {
			phase, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: current_phase %q is not an integer", name, i+2, v)
			}
		}
		out = append(out, domain.Run{
			RunID:        row["run_id"],
			CurrentPhase: phase,
			Status:       row["status"],
			PipelineMode: row["pipeline_mode"],
			CreatedUTC:   row["created_utc"],
		})
	}
	return out, nil
}

// AppendChangeRequests appends superseding rows to the change request queue.
// Existing rows are never rewritten; the header defines column order.
func (s Store) AppendChangeRequests(rows []domain.ChangeRequest) error {
	if len(rows) == 0 {
		return nil
	}
	data, err := s.ReadRaw(ChangeRequestFile)
	if err != nil {
		return err
	}
	header, _, err := ReadTable(ChangeRequestFile, data)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(ChangeRequestFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if _, err := f.Write([]byte("\n")); err != nil {
			return err
		}
	}
	w := csv.NewWriter(f)
	for _, cr := range rows {
		rec := make([]string, len(header))
		for i, col := range header {
			switch col {
			case "request_id":
				rec[i] = cr.RequestID
			case "run_id":
				rec[i] = cr.RunID
			case "source_team":
				rec[i] = cr.SourceTeam
			case "status":
				rec[i] = cr.Status
			case "statement":
				rec[i] = cr.Statement
			case "supersedes_request_id":
				rec[i] = cr.SupersedesRequestID
			}
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
