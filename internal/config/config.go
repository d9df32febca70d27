package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"yarnline/internal/domain"
)

// Config models yarnline.yml, the per-workspace governance configuration.
type Config struct {
	Workspace struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"workspace" json:"workspace"`
	Governance struct {
		// Policies maps work type to an execution policy.
		Policies map[string]Policy `yaml:"policies" json:"policies"`
	} `yaml:"governance" json:"governance"`
	Pipeline struct {
		// Skip lists pipeline stages never enqueued in this workspace.
		Skip []string `yaml:"skip,omitempty" json:"skip,omitempty"`
		// AverageSeconds per work type, used for completion estimates.
		AverageSeconds map[string]int `yaml:"average_seconds,omitempty" json:"average_seconds,omitempty"`
	} `yaml:"pipeline" json:"pipeline"`
	Retry struct {
		MaxAttempts int            `yaml:"max_attempts" json:"max_attempts"`
		Overrides   map[string]int `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	} `yaml:"retry" json:"retry"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// Policy decides how one work type executes.
type Policy struct {
	Mode      string   `yaml:"mode" json:"mode"` // always_auto, always_review, confidence_threshold
	Threshold *float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

const (
	PolicyAlwaysAuto          = "always_auto"
	PolicyAlwaysReview        = "always_review"
	PolicyConfidenceThreshold = "confidence_threshold"
)

// DefaultMaxAttempts applies when retry config is absent.
const DefaultMaxAttempts = 3

// PolicyFor returns the policy for a work type, defaulting to review so an
// unconfigured type never auto-mutates the substrate.
func (c *Config) PolicyFor(workType string) Policy {
	if c != nil && c.Governance.Policies != nil {
		if p, ok := c.Governance.Policies[workType]; ok {
			return p
		}
	}
	return Policy{Mode: PolicyAlwaysReview}
}

// MaxAttemptsFor returns the retry budget for a work type.
func (c *Config) MaxAttemptsFor(workType string) int {
	if c == nil {
		return DefaultMaxAttempts
	}
	if n, ok := c.Retry.Overrides[workType]; ok && n > 0 {
		return n
	}
	if c.Retry.MaxAttempts > 0 {
		return c.Retry.MaxAttempts
	}
	return DefaultMaxAttempts
}

// AverageDurationFor returns the configured average duration for a work type.
func (c *Config) AverageDurationFor(workType string) time.Duration {
	if c != nil {
		if s, ok := c.Pipeline.AverageSeconds[workType]; ok && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return 30 * time.Second
}

// SkipsStage reports whether the workspace config skips a pipeline stage.
func (c *Config) SkipsStage(stage string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Pipeline.Skip {
		if s == stage {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with yl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Governance.Policies == nil {
		return fmt.Errorf("config.governance.policies is required")
	}
	for wt, p := range c.Governance.Policies {
		if !domain.ValidWorkType(wt) {
			return fmt.Errorf("policy for unknown work type %s", wt)
		}
		switch p.Mode {
		case PolicyAlwaysAuto, PolicyAlwaysReview:
		case PolicyConfidenceThreshold:
			if p.Threshold == nil {
				return fmt.Errorf("policy %s mode confidence_threshold requires threshold", wt)
			}
			if *p.Threshold < 0 || *p.Threshold > 1 {
				return fmt.Errorf("policy %s threshold must be within 0..1", wt)
			}
		default:
			return fmt.Errorf("policy %s has invalid mode %q", wt, p.Mode)
		}
	}
	for _, s := range c.Pipeline.Skip {
		if domain.NextStage(s) == "" && s != domain.WorkCompose {
			return fmt.Errorf("pipeline.skip contains non-pipeline stage %s", s)
		}
		if s == domain.WorkCapture {
			return fmt.Errorf("pipeline.skip cannot disable capture")
		}
	}
	for wt, n := range c.Retry.Overrides {
		if !domain.ValidWorkType(wt) {
			return fmt.Errorf("retry override for unknown work type %s", wt)
		}
		if n <= 0 {
			return fmt.Errorf("retry override for %s must be positive", wt)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "yarnline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
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

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
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

const defaultTemplate = `workspace:
  id: %s

governance:
  policies:
    capture:
      mode: always_auto
    substrate_extract:
      mode: confidence_threshold
      threshold: 0.7
    graph_link:
      mode: confidence_threshold
      threshold: 0.7
    reflect:
      mode: always_auto
    compose:
      mode: always_auto
    manual_edit:
      mode: confidence_threshold
      threshold: 0.8
    proposal_review:
      mode: always_auto
    restore:
      mode: always_review

pipeline:
  skip: []
  average_seconds:
    capture: 2
    substrate_extract: 30
    graph_link: 20
    reflect: 15
    compose: 45
    manual_edit: 5
    proposal_review: 5
    restore: 10

retry:
  max_attempts: 3
  overrides:
    substrate_extract: 5
`
