package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"teamgate/internal/config"
	"teamgate/internal/domain"
	"teamgate/internal/engine/auth"
	"teamgate/internal/events"
	"teamgate/internal/gate"
	"teamgate/internal/gitx"
	"teamgate/internal/harness"
	"teamgate/internal/ledger"
	"teamgate/internal/repo"
	"teamgate/internal/validate"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Config    *config.Config
	Git       gitx.GitX
	Workspace string
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, workspace string) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Auth:      auth.Service{DB: db},
		Config:    cfg,
		Git:       gitx.GitX{Dir: workspace},
		Workspace: workspace,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ledgerStore() ledger.Store {
	return ledger.Store{Dir: filepath.Join(e.Workspace, e.Config.Ledger.Dir)}
}

// CheckPhaseOrder validates handoff ordering across all runs in the ledger.
func (e Engine) CheckPhaseOrder(ctx context.Context) (validate.Result, error) {
	store := e.ledgerStore()
	handoffs, err := store.Handoffs()
	if err != nil {
		return validate.Result{Rule: validate.RulePhaseOrder}, err
	}
	decisions, err := store.Decisions()
	if err != nil {
		return validate.Result{Rule: validate.RulePhaseOrder}, err
	}
	v := validate.PhaseOrder{Registry: e.Config.PhaseRegistry(), Decisions: decisions}
	return v.Check(handoffs)
}

// CheckAppendOnly diffs governed ledger tables between the base revision and
// the working tree.
func (e Engine) CheckAppendOnly(ctx context.Context, base string) (validate.Result, error) {
	before := validate.Snapshots{}
	after := validate.Snapshots{}
	for _, name := range ledger.GovernedFiles {
		rel := path.Join(filepath.ToSlash(e.Config.Ledger.Dir), name)
		if content, err := e.Git.ShowFile(base, rel); err == nil {
			before[name] = content
		}
		if content, err := e.ledgerStore().ReadRaw(name); err == nil {
			after[name] = content
		}
	}
	return validate.AppendOnly{}.Check(before, after)
}

// CheckAuthority enforces the designated editor role over changed assets.
func (e Engine) CheckAuthority(ctx context.Context, base, editorRole string) (validate.Result, error) {
	changed, err := e.Git.ChangedPaths(base)
	if err != nil {
		return validate.Result{Rule: validate.RuleEditAuthority}, err
	}
	a := validate.Authority{
		Role:            e.Config.Authority.Role,
		ProtectedDirs:   e.Config.Authority.ProtectedDirs,
		AssetExtensions: e.Config.Authority.AssetExtensions,
		ExemptDirs:      e.Config.Authority.ExemptDirs,
	}
	return a.Check(changed, editorRole, e.Git.ReadWorkingFile)
}

// CheckSecrets scans staged or tracked files for credential-shaped content.
func (e Engine) CheckSecrets(ctx context.Context, scope string) (validate.Result, error) {
	s := validate.Scanner{Allowlist: e.Config.Secrets.Allowlist}
	switch scope {
	case validate.ScopeStaged:
		paths, err := e.Git.StagedPaths()
		if err != nil {
			return validate.Result{Rule: validate.RuleSecretScan}, err
		}
		return s.Scan(scope, paths, e.Git.StagedContent), nil
	case validate.ScopeTracked:
		paths, err := e.Git.TrackedPaths()
		if err != nil {
			return validate.Result{Rule: validate.RuleSecretScan}, err
		}
		return s.Scan(scope, paths, e.Git.ReadWorkingFile), nil
	default:
		return validate.Result{Rule: validate.RuleSecretScan},
			fmt.Errorf("%w: unknown scan scope %q", validate.ErrConfiguration, scope)
	}
}

// CheckRequests validates change request queue hygiene.
func (e Engine) CheckRequests(ctx context.Context) (validate.Result, error) {
	rows, err := e.ledgerStore().ChangeRequests()
	if err != nil {
		return validate.Result{Rule: validate.RuleChangeRequests}, err
	}
	return validate.ChangeRequests{}.Check(rows), nil
}

// GateOptions parameterize one gate run.
type GateOptions struct {
	Base       string
	EditorRole string
	Scope      string
	ActorID    string
	ReportPath string
}

func (o *GateOptions) defaults() {
	if o.Base == "" {
		o.Base = "HEAD"
	}
	if o.Scope == "" {
		o.Scope = validate.ScopeTracked
	}
	if o.ActorID == "" {
		o.ActorID = "local-user"
	}
}

// Catalog assembles the invariant catalog for a gate run.
func (e Engine) Catalog(opts GateOptions) []harness.Check {
	role := e.Config.Authority.Role
	return []harness.Check{
		{
			ID:        validate.RulePhaseOrder,
			Statement: "every handoff advances the pipeline by exactly one phase or is contained by a block decision",
			OwnerRole: role,
			Run: func(ctx context.Context) domain.CheckResult {
				res, err := e.CheckPhaseOrder(ctx)
				return checkResult(validate.RulePhaseOrder, res, err)
			},
			Fixtures: phaseOrderFixtures(),
		},
		{
			ID:        validate.RuleAppendOnly,
			Statement: "committed ledger rows are never removed or changed in place without a superseding row",
			OwnerRole: role,
			Run: func(ctx context.Context) domain.CheckResult {
				res, err := e.CheckAppendOnly(ctx, opts.Base)
				return checkResult(validate.RuleAppendOnly, res, err)
			},
			Fixtures: appendOnlyFixtures(),
		},
		{
			ID:        validate.RuleEditAuthority,
			Statement: "only the designated role edits governed executable assets, and every edit carries provenance",
			OwnerRole: role,
			Run: func(ctx context.Context) domain.CheckResult {
				res, err := e.CheckAuthority(ctx, opts.Base, opts.EditorRole)
				return checkResult(validate.RuleEditAuthority, res, err)
			},
			Fixtures: authorityFixtures(),
		},
		{
			ID:        validate.RuleSecretScan,
			Statement: "no credential-shaped content enters the tracked tree",
			OwnerRole: role,
			Run: func(ctx context.Context) domain.CheckResult {
				res, err := e.CheckSecrets(ctx, opts.Scope)
				return checkResult(validate.RuleSecretScan, res, err)
			},
			Fixtures: secretFixtures(),
		},
		{
			ID:        validate.RuleChangeRequests,
			Statement: "change request ids are team-scoped, well-formed and unique",
			OwnerRole: role,
			Run: func(ctx context.Context) domain.CheckResult {
				res, err := e.CheckRequests(ctx)
				return checkResult(validate.RuleChangeRequests, res, err)
			},
			Fixtures: requestFixtures(),
		},
	}
}

func checkResult(rule string, res validate.Result, err error) domain.CheckResult {
	if err != nil {
		return domain.CheckResult{ID: rule, Status: "fail", Message: err.Error()}
	}
	status := "pass"
	if !res.OK() {
		status = "fail"
	}
	return domain.CheckResult{ID: rule, Status: status, Message: res.Message()}
}

// RunGate executes the full catalog, persists the run and returns the report.
func (e Engine) RunGate(ctx context.Context, opts GateOptions) (domain.GateRun, domain.GateReport, error) {
	opts.defaults()
	h := harness.Harness{Checks: e.Catalog(opts)}
	report := h.Run(ctx)

	payload, err := json.Marshal(report)
	if err != nil {
		return domain.GateRun{}, report, err
	}
	run := domain.GateRun{
		ID:           uuid.NewString(),
		PipelineID:   e.Config.Pipeline.ID,
		BaseRevision: opts.Base,
		Overall:      report.Overall,
		ReportJSON:   string(payload),
		ActorID:      opts.ActorID,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GateRun{}, report, err
	}
	defer tx.Rollback()

	if err := e.Auth.EnsureActor(ctx, tx, run.ActorID); err != nil {
		return domain.GateRun{}, report, err
	}
	if err := e.Repo.InsertGateRun(ctx, tx, run); err != nil {
		return domain.GateRun{}, report, fmt.Errorf("insert gate run: %w", err)
	}
	for _, c := range report.Checks {
		if err := e.Repo.InsertCheckResult(ctx, tx, run.ID, c); err != nil {
			return domain.GateRun{}, report, fmt.Errorf("insert check result: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "gate.completed", run.PipelineID, "gate_run", run.ID, run.ActorID, events.EventPayload{
		"overall": report.Overall,
		"checks":  len(report.Checks),
		"base":    run.BaseRevision,
	}); err != nil {
		return domain.GateRun{}, report, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GateRun{}, report, err
	}

	if opts.ReportPath != "" {
		if err := harness.WriteReport(opts.ReportPath, report); err != nil {
			return run, report, fmt.Errorf("write report: %w", err)
		}
	}
	return run, report, nil
}

// SelfTest exercises every catalog entry against its fixtures.
func (e Engine) SelfTest(ctx context.Context) domain.GateReport {
	h := harness.Harness{Checks: e.Catalog(GateOptions{})}
	return h.SelfTest(ctx)
}

// Status is the release-gate view over the latest gate run.
type Status struct {
	Run     domain.GateRun `json:"run"`
	Gates   []gate.Gate    `json:"gates"`
	Overall gate.Color     `json:"overall"`
	Blocked []string       `json:"blocked_rules,omitempty"`
}

// GateStatus derives release gate colours from the latest persisted run,
// applying live exceptions.
func (e Engine) GateStatus(ctx context.Context) (Status, error) {
	run, err := e.Repo.LatestGateRun(ctx, e.Config.Pipeline.ID)
	if err != nil {
		return Status{}, err
	}
	var report domain.GateReport
	if err := json.Unmarshal([]byte(run.ReportJSON), &report); err != nil {
		return Status{}, fmt.Errorf("decode report for run %s: %w", run.ID, err)
	}
	gates := gate.FromReport(report, e.Config.Gates.Mandatory, e.Config.Gates.WarningThreshold)
	exceptions, err := e.Repo.ListExceptions(ctx, "")
	if err != nil {
		return Status{}, err
	}
	now := e.now().UTC()
	return Status{
		Run:     run,
		Gates:   gates,
		Overall: gate.Overall(gates),
		Blocked: gate.BlocksPublish(gates, exceptions, e.Config.Authority.Role, now),
	}, nil
}

// AddException records a time-bounded override for a red gate. The acting
// actor must hold the designated authority role.
func (e Engine) AddException(ctx context.Context, ex domain.Exception, actorID string) (domain.Exception, error) {
	if err := e.Auth.RequireRole(ctx, actorID, e.Config.Authority.Role); err != nil {
		return domain.Exception{}, err
	}
	now := e.now().UTC()
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt == "" {
		ex.CreatedAt = now.Format(time.RFC3339)
	}
	if errs := gate.ValidateException(ex, e.Config.Authority.Role, now); len(errs) > 0 {
		return domain.Exception{}, errors.Join(errs...)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Repo.InsertException(ctx, tx, ex); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.exception.added", e.Config.Pipeline.ID, "exception", ex.ID, actorID, events.EventPayload{
		"rule":       ex.Rule,
		"expires_at": ex.ExpiresAt,
	}); err != nil {
		return domain.Exception{}, err
	}
	return ex, tx.Commit()
}

// RecordRemediation stores evidence that a red gate was fixed.
func (e Engine) RecordRemediation(ctx context.Context, rem domain.Remediation) (domain.Remediation, error) {
	if rem.Rule == "" {
		return domain.Remediation{}, errors.New("rule required")
	}
	if rem.Evidence == "" {
		return domain.Remediation{}, errors.New("evidence required")
	}
	if rem.ActorID == "" {
		return domain.Remediation{}, errors.New("actor_id required")
	}
	if err := e.Auth.RequireRole(ctx, rem.ActorID, e.Config.Authority.Role); err != nil {
		return domain.Remediation{}, err
	}
	if rem.ID == "" {
		rem.ID = uuid.NewString()
	}
	if rem.CreatedAt == "" {
		rem.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Remediation{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, rem.ActorID); err != nil {
		return domain.Remediation{}, err
	}
	if err := e.Repo.InsertRemediation(ctx, tx, rem); err != nil {
		return domain.Remediation{}, err
	}
	if err := e.Events.Append(ctx, tx, "gate.remediation.recorded", e.Config.Pipeline.ID, "remediation", rem.ID, rem.ActorID, events.EventPayload{
		"rule": rem.Rule,
	}); err != nil {
		return domain.Remediation{}, err
	}
	return rem, tx.Commit()
}

// MigrateRequests appends superseding rows that rewrite legacy request ids
// into the canonical team-scoped format. Existing rows are left untouched.
func (e Engine) MigrateRequests(ctx context.Context, actorID string) ([]domain.ChangeRequest, error) {
	store := e.ledgerStore()
	rows, err := store.ChangeRequests()
	if err != nil {
		return nil, err
	}
	superseded := map[string]bool{}
	for _, cr := range rows {
		if cr.SupersedesRequestID != "" {
			superseded[cr.SupersedesRequestID] = true
		}
	}
	var added []domain.ChangeRequest
	for _, cr := range rows {
		canonical := validate.CanonicalRequestID(cr.RequestID)
		if canonical == cr.RequestID || superseded[cr.RequestID] {
			continue
		}
		added = append(added, domain.ChangeRequest{
			RequestID:           canonical,
			RunID:               cr.RunID,
			SourceTeam:          cr.SourceTeam,
			Status:              cr.Status,
			Statement:           cr.Statement,
			SupersedesRequestID: cr.RequestID,
		})
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := store.AppendChangeRequests(added); err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return added, err
	}
	defer tx.Rollback()
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return added, err
	}
	if err := e.Events.Append(ctx, tx, "ledger.requests.migrated", e.Config.Pipeline.ID, "ledger", ledger.ChangeRequestFile, actorID, events.EventPayload{
		"migrated": len(added),
	}); err != nil {
		return added, err
	}
	return added, tx.Commit()
}

// DefaultReportPath is where gate run reports land unless overridden.
func (e Engine) DefaultReportPath() string {
	return filepath.Join(e.Workspace, ".teamgate", "gate_report.json")
}

func readWorkingIn(dir string) validate.ContentReader {
	return func(p string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, p))
	}
}
