package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"teamgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertGateRun(ctx context.Context, tx *sql.Tx, run domain.GateRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_runs(id,pipeline_id,base_revision,overall,report_json,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.PipelineID, nullable(run.BaseRevision), run.Overall, run.ReportJSON, run.ActorID, run.CreatedAt)
	return err
}

func (r Repo) InsertCheckResult(ctx context.Context, tx *sql.Tx, gateRunID string, res domain.CheckResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO check_results(gate_run_id,rule,status,message) VALUES (?,?,?,?)`,
		gateRunID, res.ID, res.Status, nullable(res.Message))
	return err
}

func scanGateRun(row *sql.Row) (domain.GateRun, error) {
	var run domain.GateRun
	var base sql.NullString
	err := row.Scan(&run.ID, &run.PipelineID, &base, &run.Overall, &run.ReportJSON, &run.ActorID, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if base.Valid {
		run.BaseRevision = base.String
	}
	return run, err
}

func (r Repo) GetGateRun(ctx context.Context, id string) (domain.GateRun, error) {
	return scanGateRun(r.DB.QueryRowContext(ctx, `SELECT id,pipeline_id,base_revision,overall,report_json,actor_id,created_at FROM gate_runs WHERE id=?`, id))
}

func (r Repo) LatestGateRun(ctx context.Context, pipelineID string) (domain.GateRun, error) {
	return scanGateRun(r.DB.QueryRowContext(ctx, `SELECT id,pipeline_id,base_revision,overall,report_json,actor_id,created_at FROM gate_runs WHERE pipeline_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, pipelineID))
}

type GateRunFilters struct {
	PipelineID      string
	Overall         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListGateRuns(ctx context.Context, f GateRunFilters) ([]domain.GateRun, error) {
	var clauses []string
	var args []any
	if f.PipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, f.PipelineID)
	}
	if f.Overall != "" {
		clauses = append(clauses, "overall=?")
		args = append(args, f.Overall)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,pipeline_id,base_revision,overall,report_json,actor_id,created_at FROM gate_runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateRun
	for rows.Next() {
		var run domain.GateRun
		var base sql.NullString
		if err := rows.Scan(&run.ID, &run.PipelineID, &base, &run.Overall, &run.ReportJSON, &run.ActorID, &run.CreatedAt); err != nil {
			return nil, err
		}
		if base.Valid {
			run.BaseRevision = base.String
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListCheckResults(ctx context.Context, gateRunID string) ([]domain.CheckResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT rule,status,COALESCE(message,'') FROM check_results WHERE gate_run_id=? ORDER BY rule`, gateRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckResult
	for rows.Next() {
		var c domain.CheckResult
		if err := rows.Scan(&c.ID, &c.Status, &c.Message); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertException(ctx context.Context, tx *sql.Tx, ex domain.Exception) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO exceptions(id,rule,scope,reason,owner,approved_role,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?)`,
		ex.ID, ex.Rule, ex.Scope, ex.Reason, ex.Owner, ex.ApprovedRole, ex.CreatedAt, ex.ExpiresAt)
	return err
}

func (r Repo) ListExceptions(ctx context.Context, rule string) ([]domain.Exception, error) {
	query := `SELECT id,rule,scope,reason,owner,approved_role,created_at,expires_at FROM exceptions`
	var args []any
	if rule != "" {
		query += ` WHERE rule=?`
		args = append(args, rule)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exception
	for rows.Next() {
		var ex domain.Exception
		if err := rows.Scan(&ex.ID, &ex.Rule, &ex.Scope, &ex.Reason, &ex.Owner, &ex.ApprovedRole, &ex.CreatedAt, &ex.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

func (r Repo) InsertRemediation(ctx context.Context, tx *sql.Tx, rem domain.Remediation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO remediations(id,rule,evidence,actor_id,created_at) VALUES (?,?,?,?,?)`,
		rem.ID, rem.Rule, rem.Evidence, rem.ActorID, rem.CreatedAt)
	return err
}

func (r Repo) ListRemediations(ctx context.Context, rule string) ([]domain.Remediation, error) {
	query := `SELECT id,rule,evidence,actor_id,created_at FROM remediations`
	var args []any
	if rule != "" {
		query += ` WHERE rule=?`
		args = append(args, rule)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Remediation
	for rows.Next() {
		var rem domain.Remediation
		if err := rows.Scan(&rem.ID, &rem.Rule, &rem.Evidence, &rem.ActorID, &rem.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rem)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, pipelineID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, pipelineID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, pipelineID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if pipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, pipelineID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,pipeline_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, pipelineID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if pipelineID != "" {
		clauses = append(clauses, "pipeline_id=?")
		args = append(args, pipelineID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,pipeline_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var pipelineID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &pipelineID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if pipelineID.Valid {
			e.PipelineID = pipelineID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a pipeline.
func (r Repo) LatestEventID(ctx context.Context, pipelineID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE pipeline_id=?`, pipelineID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
