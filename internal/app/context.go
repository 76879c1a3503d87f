package app

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"teamgate/internal/config"
	"teamgate/internal/db"
	"teamgate/internal/engine"
	"teamgate/internal/ledger"
	"teamgate/internal/migrate"
)

// Context bundles the open handles a command needs.
type Context struct {
	DB        *sql.DB
	Engine    engine.Engine
	Config    *config.Config
	Workspace string
}

// Open loads the workspace config, opens the state database and runs
// pending migrations.
func Open(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		DB:        conn,
		Engine:    engine.New(conn, cfg, workspace),
		Config:    cfg,
		Workspace: workspace,
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

var seedTables = map[string]string{
	ledger.HandoffFile:       "entry_id,run_id,from_team,to_team,timestamp_utc,supersedes_entry_id\n",
	ledger.DecisionFile:      "decision_id,run_id,decision_text,timestamp_utc,supersedes_decision_id\n",
	ledger.ChangeRequestFile: "request_id,run_id,source_team,status,statement,supersedes_request_id\n",
	ledger.RunRegistryFile:   "run_id,current_phase,status,pipeline_mode,created_utc\n",
}

// Init scaffolds a workspace: default config, header-only ledger tables and
// the state database. Existing files are left alone.
func Init(workspace, pipelineID string) error {
	cfgPath := config.Path(workspace)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(pipelineID)), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	} else if err != nil {
		return err
	}

	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	dir := filepath.Join(workspace, cfg.Ledger.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, header := range seedTables {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
				return fmt.Errorf("seed %s: %w", name, err)
			}
		} else if err != nil {
			return err
		}
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	return migrate.Migrate(conn)
}
