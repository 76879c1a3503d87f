package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamgate/internal/app"
	"teamgate/internal/config"
	"teamgate/internal/domain"
	"teamgate/internal/engine"
	"teamgate/internal/repo"
	"teamgate/internal/server"
	"teamgate/internal/validate"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "Teamgate CLI",
	Long: `Teamgate validates the multi-team content-review pipeline:
- check: run a single validator (phase-order, append-only, edit-authority, secret-scan, change-requests)
- gate: run the whole invariant catalog, self-test it, or view release gate colours
- ledger: maintenance over the append-only team-ops CSVs
- exception / remediation: role-gated overrides and fix evidence for red gates
- serve: HTTP API for CI consumers`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError carries a validator-class exit code to main.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		var ec exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TEAMGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("editor-role", "", "claimed editor role for authority checks")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("editor-role", rootCmd.PersistentFlags().Lookup("editor-role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(remediationCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a workspace (config, ledger tables, state db)",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := app.Init(workspace, pipelineID); err != nil {
				return err
			}
			fmt.Printf("initialized workspace %s (config %s)\n", workspace, config.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "content-review", "pipeline id")
	return cmd
}

func checkCmd() *cobra.Command {
	check := &cobra.Command{
		Use:   "check",
		Short: "Run a single validator",
	}
	var base string

	check.AddCommand(&cobra.Command{
		Use:   "phase-order",
		Short: "Validate handoff ordering",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CheckPhaseOrder(ctx)
				return emitResult(res, err)
			})
		},
	})

	appendOnly := &cobra.Command{
		Use:   "append-only",
		Short: "Validate ledger history integrity against a base revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CheckAppendOnly(ctx, base)
				return emitResult(res, err)
			})
		},
	}
	appendOnly.Flags().StringVar(&base, "base", "HEAD", "base git revision")
	check.AddCommand(appendOnly)

	authority := &cobra.Command{
		Use:   "edit-authority",
		Short: "Validate that changed assets were edited by the designated role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CheckAuthority(ctx, base, viper.GetString("editor-role"))
				return emitResult(res, err)
			})
		},
	}
	authority.Flags().StringVar(&base, "base", "HEAD", "base git revision")
	check.AddCommand(authority)

	var scope string
	secrets := &cobra.Command{
		Use:   "secret-scan",
		Short: "Scan staged or tracked files for credential-shaped content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CheckSecrets(ctx, scope)
				return emitResult(res, err)
			})
		},
	}
	secrets.Flags().StringVar(&scope, "scope", validate.ScopeStaged, "scan scope (staged or tracked)")
	check.AddCommand(secrets)

	check.AddCommand(&cobra.Command{
		Use:   "change-requests",
		Short: "Validate change request queue hygiene",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.CheckRequests(ctx)
				return emitResult(res, err)
			})
		},
	})

	return check
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{
		Use:   "gate",
		Short: "Invariant gate over the whole catalog",
	}
	gate.AddCommand(gateRunCmd())
	gate.AddCommand(gateSelfTestCmd())
	gate.AddCommand(gateStatusCmd())
	gate.AddCommand(gateRunsCmd())
	return gate
}

func gateRunCmd() *cobra.Command {
	var base, scope, report string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every catalog check and persist the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if report == "" {
					report = a.Engine.DefaultReportPath()
				}
				run, rep, err := a.Engine.RunGate(ctx, engine.GateOptions{
					Base:       base,
					EditorRole: viper.GetString("editor-role"),
					Scope:      scope,
					ActorID:    viper.GetString("actor-id"),
					ReportPath: report,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "report": rep})
				}
				for _, c := range rep.Checks {
					printVerdict(c.ID, c.Status == "pass", c.Message)
				}
				fmt.Printf("overall: %s (run %s, report %s)\n", rep.Overall, run.ID, report)
				if rep.Overall != "pass" {
					return exitCodeError{code: validate.ClassInvariant.ExitCode()}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "HEAD", "base git revision")
	cmd.Flags().StringVar(&scope, "scope", validate.ScopeTracked, "secret scan scope")
	cmd.Flags().StringVar(&report, "report", "", "report artifact path")
	return cmd
}

func gateSelfTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Exercise every catalog check against its fixtures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep := a.Engine.SelfTest(ctx)
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				for _, c := range rep.Checks {
					printVerdict(c.ID, c.Status == "pass", c.Message)
				}
				fmt.Printf("overall: %s\n", rep.Overall)
				if rep.Overall != "pass" {
					return exitCodeError{code: validate.ClassInvariant.ExitCode()}
				}
				return nil
			})
		},
	}
}

func gateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Release gate colours from the latest run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Engine.GateStatus(ctx)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("no gate run recorded yet; run tg gate run first")
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rule", "Colour", "Mandatory", "Reason"})
				for _, g := range st.Gates {
					tw.AppendRow(table.Row{g.Rule, g.Color, g.Mandatory, g.Reason})
				}
				tw.Render()
				fmt.Printf("overall: %s (run %s at %s)\n", st.Overall, st.Run.ID, st.Run.CreatedAt)
				if len(st.Blocked) > 0 {
					fmt.Printf("publish blocked by: %s\n", strings.Join(st.Blocked, ", "))
				}
				return nil
			})
		},
	}
}

func gateRunsCmd() *cobra.Command {
	var n int
	var overall string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded gate runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				runs, err := a.Engine.Repo.ListGateRuns(ctx, repo.GateRunFilters{
					PipelineID: a.Config.Pipeline.ID,
					Overall:    overall,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Overall", "Base", "Actor", "Created"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Overall, run.BaseRevision, run.ActorID, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	cmd.Flags().StringVar(&overall, "overall", "", "filter by overall verdict (pass or fail)")
	return cmd
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Maintenance over the append-only team-ops tables",
	}
	ledger.AddCommand(&cobra.Command{
		Use:   "migrate-requests",
		Short: "Append superseding rows for legacy change request ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				added, err := a.Engine.MigrateRequests(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if len(added) == 0 {
					fmt.Println("no legacy request ids found")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(added)
				}
				for _, cr := range added {
					fmt.Printf("appended %s superseding %s\n", cr.RequestID, cr.SupersedesRequestID)
				}
				return nil
			})
		},
	})
	return ledger
}

func exceptionCmd() *cobra.Command {
	exc := &cobra.Command{
		Use:   "exception",
		Short: "Time-bounded overrides for red gates",
	}

	var rule, scope, reason, owner, expires string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a gate exception (requires the authority role)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				ex, err := a.Engine.AddException(ctx, domain.Exception{
					Rule:         rule,
					Scope:        scope,
					Reason:       reason,
					Owner:        owner,
					ApprovedRole: a.Config.Authority.Role,
					ExpiresAt:    expires,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
	add.Flags().StringVar(&rule, "rule", "", "rule id")
	add.Flags().StringVar(&scope, "scope", "", "what the exception covers")
	add.Flags().StringVar(&reason, "reason", "", "why the exception is needed")
	add.Flags().StringVar(&owner, "owner", "", "who owns the follow-up")
	add.Flags().StringVar(&expires, "expires", "", "RFC3339 expiry timestamp")
	exc.AddCommand(add)

	var listRule string
	list := &cobra.Command{
		Use:   "list",
		Short: "List exceptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListExceptions(ctx, listRule)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listRule, "rule", "", "filter by rule id")
	exc.AddCommand(list)
	return exc
}

func remediationCmd() *cobra.Command {
	rem := &cobra.Command{
		Use:   "remediation",
		Short: "Fix evidence for red gates",
	}

	var rule, evidence string
	add := &cobra.Command{
		Use:   "add",
		Short: "Record remediation evidence (requires the authority role)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				out, err := a.Engine.RecordRemediation(ctx, domain.Remediation{
					Rule:     rule,
					Evidence: evidence,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	add.Flags().StringVar(&rule, "rule", "", "rule id")
	add.Flags().StringVar(&evidence, "evidence", "", "evidence reference (commit, report, link)")
	rem.AddCommand(add)

	var listRule string
	list := &cobra.Command{
		Use:   "list",
		Short: "List remediations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListRemediations(ctx, listRule)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listRule, "rule", "", "filter by rule id")
	rem.AddCommand(list)
	return rem
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Actor role management",
	}

	var target, roleID string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || roleID == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Engine.Repo.EnsureActor(ctx, tx, target, now); err != nil {
					return err
				}
				if err := a.Engine.Repo.AssignRole(ctx, tx, target, roleID); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	grant.Flags().StringVar(&target, "actor", "", "actor id")
	grant.Flags().StringVar(&roleID, "role", "", "role id")
	role.AddCommand(grant)

	var rvTarget, rvRole string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rvTarget == "" || rvRole == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Repo.RevokeRole(ctx, tx, rvTarget, rvRole); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	revoke.Flags().StringVar(&rvTarget, "actor", "", "actor id")
	revoke.Flags().StringVar(&rvRole, "role", "", "role id")
	role.AddCommand(revoke)

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				roles, err := a.Engine.Repo.ActorRoles(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id": viper.GetString("actor-id"),
					"roles":    roles,
				})
			})
		},
	}
	role.AddCommand(whoami)
	return role
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "API keys for CI consumers",
	}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := uuid.NewString()
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := a.Engine.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: now,
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      rec.ID,
					"actor":   rec.ActorID,
					"api_key": secret,
				})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	key.AddCommand(list)

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	key.AddCommand(del)
	return key
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, a.Config.Pipeline.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("TEAMGATE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("TEAMGATE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Teamgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func emitResult(res validate.Result, err error) error {
	if err != nil {
		if errors.Is(err, validate.ErrConfiguration) {
			fmt.Printf("FAIL[%s] %v\n", res.Rule, err)
			return exitCodeError{code: validate.ClassConfiguration.ExitCode()}
		}
		return err
	}
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printVerdict(res.Rule, res.OK(), res.Message())
	}
	if !res.OK() {
		return exitCodeError{code: res.ExitCode()}
	}
	return nil
}

func printVerdict(rule string, ok bool, msg string) {
	verdict := "PASS"
	if !ok {
		verdict = "FAIL"
	}
	fmt.Printf("%s[%s] %s\n", verdict, rule, msg)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
