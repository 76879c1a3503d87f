package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models teamgate.yml.
type Config struct {
	Pipeline struct {
		ID    string `yaml:"id"`
		Teams []struct {
			ID    string `yaml:"id"`
			Phase int    `yaml:"phase"`
		} `yaml:"teams"`
	} `yaml:"pipeline"`
	Ledger struct {
		Dir string `yaml:"dir"`
	} `yaml:"ledger"`
	Authority struct {
		Role            string   `yaml:"role"`
		ProtectedDirs   []string `yaml:"protected_dirs"`
		AssetExtensions []string `yaml:"asset_extensions"`
		ExemptDirs      []string `yaml:"exempt_dirs"`
	} `yaml:"authority"`
	Secrets struct {
		Allowlist []string `yaml:"allowlist"`
	} `yaml:"secrets"`
	Gates struct {
		Mandatory        []string `yaml:"mandatory"`
		WarningThreshold int      `yaml:"warning_threshold"`
		SLAHours         int      `yaml:"sla_hours"`
	} `yaml:"gates"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	if len(c.Pipeline.Teams) == 0 {
		return fmt.Errorf("config.pipeline.teams must list at least one team")
	}
	seenTeam := map[string]bool{}
	seenPhase := map[int]bool{}
	for _, t := range c.Pipeline.Teams {
		if t.ID == "" {
			return fmt.Errorf("config.pipeline.teams contains an empty team id")
		}
		if t.Phase <= 0 {
			return fmt.Errorf("team %s has non-positive phase %d", t.ID, t.Phase)
		}
		if seenTeam[t.ID] {
			return fmt.Errorf("team %s listed twice", t.ID)
		}
		if seenPhase[t.Phase] {
			return fmt.Errorf("phase %d assigned to more than one team", t.Phase)
		}
		seenTeam[t.ID] = true
		seenPhase[t.Phase] = true
	}
	if c.Ledger.Dir == "" {
		return fmt.Errorf("config.ledger.dir is required")
	}
	if c.Authority.Role == "" {
		return fmt.Errorf("config.authority.role is required")
	}
	if len(c.Authority.ProtectedDirs) == 0 {
		return fmt.Errorf("config.authority.protected_dirs must not be empty")
	}
	for _, ext := range c.Authority.AssetExtensions {
		if ext == "" || ext[0] != '.' {
			return fmt.Errorf("asset extension %q must start with a dot", ext)
		}
	}
	if c.Gates.WarningThreshold < 0 {
		return fmt.Errorf("config.gates.warning_threshold must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// PhaseRegistry returns the team -> phase order mapping.
func (c *Config) PhaseRegistry() map[string]int {
	reg := make(map[string]int, len(c.Pipeline.Teams))
	for _, t := range c.Pipeline.Teams {
		reg[t.ID] = t.Phase
	}
	return reg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "teamgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(pipelineID string) string {
	return fmt.Sprintf(defaultTemplate, pipelineID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a pipeline.
func Default(pipelineID string) *Config {
	var cfg Config
	cfg.Pipeline.ID = pipelineID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, pipelineID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  id: %s
  teams:
    - id: blue
      phase: 1
    - id: red
      phase: 2
    - id: green
      phase: 3
    - id: black
      phase: 4
    - id: white
      phase: 5
    - id: grey
      phase: 6

ledger:
  dir: data/team_ops

authority:
  role: white
  protected_dirs:
    - scripts
    - tools
    - .github
    - data/team_ops
  asset_extensions:
    - .sh
    - .py
    - .go
    - .yml
    - .yaml
    - .json
    - .sql
    - .toml
  exempt_dirs:
    - reports
    - dashboards/generated

secrets:
  allowlist:
    - YOUR_
    - EXAMPLE
    - PLACEHOLDER
    - DUMMY
    - CHANGEME
    - "<token>"
    - xxx

gates:
  mandatory:
    - phase-order
    - append-only
    - edit-authority
    - secret-scan
    - change-requests
  warning_threshold: 3
  sla_hours: 48
`
