package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models guardline.yml. Values are read once at startup and never
// mutated at runtime; changing a limit requires a restart with new config.
type Config struct {
	Engine struct {
		ID string `yaml:"id"`
	} `yaml:"engine"`
	Limits struct {
		Default AgentLimits            `yaml:"default"`
		Agents  map[string]AgentLimits `yaml:"agents"`
	} `yaml:"limits"`
	Risk struct {
		// Impact and Probability score each action type 1..3. The product is
		// matched against the thresholds below.
		Impact            map[string]int `yaml:"impact"`
		Probability       map[string]int `yaml:"probability"`
		WarnThreshold     int            `yaml:"warn_threshold"`
		DenyThreshold     int            `yaml:"deny_threshold"`
		ConfirmationToken string         `yaml:"confirmation_token"`
		AllowWarn         []string       `yaml:"allow_warn"`
	} `yaml:"risk"`
	Authorization struct {
		Map map[string]string `yaml:"map"`
	} `yaml:"authorization"`
	Preconditions struct {
		KnownTargets []string `yaml:"known_targets"`
	} `yaml:"preconditions"`
	Guardrail struct {
		SimulationGasMax      int64 `yaml:"simulation_gas_max"`
		ReceiptTimeoutSeconds int   `yaml:"receipt_timeout_seconds"`
		StateToleranceBps     int64 `yaml:"state_tolerance_bps"`
		RollbackGasMax        int64 `yaml:"rollback_gas_max"`
		Retry                 struct {
			MaxAttempts        int `yaml:"max_attempts"`
			MaxTotalSeconds    int `yaml:"max_total_seconds"`
			BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
		} `yaml:"retry"`
		AlternateRoutes map[string]string `yaml:"alternate_routes"`
	} `yaml:"guardrail"`
	Skills struct {
		Whitelist map[string]SkillEntry `yaml:"whitelist"`
	} `yaml:"skills"`
	Escrow struct {
		ProofWindowHours        int    `yaml:"proof_window_hours"`
		VerificationWindowHours int    `yaml:"verification_window_hours"`
		DisputeWindowHours      int    `yaml:"dispute_window_hours"`
		DefaultOutcome          string `yaml:"default_outcome"`
		ScanIntervalSeconds     int    `yaml:"scan_interval_seconds"`
	} `yaml:"escrow"`
}

type AgentLimits struct {
	DailyVolumeMax int64 `yaml:"daily_volume_max"`
	DailyGasMax    int64 `yaml:"daily_gas_max"`
	MaxPending     int   `yaml:"max_pending"`
	MaxRetries     int   `yaml:"max_retries"`
}

type SkillEntry struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ForAgent returns the agent's limits, falling back to the defaults.
func (c *Config) ForAgent(agentID string) AgentLimits {
	if l, ok := c.Limits.Agents[agentID]; ok {
		return l
	}
	return c.Limits.Default
}

// WarnAllowed reports whether the action type carries the explicit policy flag
// that lets a Warn classification through without a confirmation token.
func (c *Config) WarnAllowed(actionType string) bool {
	for _, t := range c.Risk.AllowWarn {
		if t == actionType {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if c.Limits.Default.DailyVolumeMax <= 0 {
		return fmt.Errorf("config.limits.default.daily_volume_max must be positive")
	}
	if c.Limits.Default.DailyGasMax <= 0 {
		return fmt.Errorf("config.limits.default.daily_gas_max must be positive")
	}
	if c.Limits.Default.MaxPending <= 0 {
		return fmt.Errorf("config.limits.default.max_pending must be positive")
	}
	for id, l := range c.Limits.Agents {
		if id == "" {
			return fmt.Errorf("config.limits.agents contains empty agent id")
		}
		if l.DailyVolumeMax <= 0 || l.DailyGasMax <= 0 || l.MaxPending <= 0 {
			return fmt.Errorf("limits for agent %s must be positive", id)
		}
	}
	if c.Risk.WarnThreshold <= 0 || c.Risk.DenyThreshold <= 0 {
		return fmt.Errorf("config.risk thresholds must be positive")
	}
	if c.Risk.DenyThreshold < c.Risk.WarnThreshold {
		return fmt.Errorf("config.risk.deny_threshold must be >= warn_threshold")
	}
	for action, v := range c.Risk.Impact {
		if v < 1 || v > 3 {
			return fmt.Errorf("risk impact for %s must be 1..3", action)
		}
	}
	for action, v := range c.Risk.Probability {
		if v < 1 || v > 3 {
			return fmt.Errorf("risk probability for %s must be 1..3", action)
		}
	}
	for action, level := range c.Authorization.Map {
		switch level {
		case "UNRESTRICTED", "STANDARD", "ELEVATED":
		default:
			return fmt.Errorf("authorization level %s for %s is not a known level", level, action)
		}
	}
	if c.Guardrail.ReceiptTimeoutSeconds <= 0 {
		return fmt.Errorf("config.guardrail.receipt_timeout_seconds must be positive")
	}
	if c.Guardrail.SimulationGasMax <= 0 {
		return fmt.Errorf("config.guardrail.simulation_gas_max must be positive")
	}
	if c.Guardrail.StateToleranceBps < 0 || c.Guardrail.StateToleranceBps > 10000 {
		return fmt.Errorf("config.guardrail.state_tolerance_bps must be between 0 and 10000")
	}
	if c.Guardrail.Retry.MaxAttempts <= 0 || c.Guardrail.Retry.MaxTotalSeconds <= 0 || c.Guardrail.Retry.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("config.guardrail.retry values must be positive")
	}
	for skill, entry := range c.Skills.Whitelist {
		if skill == "" {
			return fmt.Errorf("config.skills.whitelist contains empty skill id")
		}
		if entry.TimeoutSeconds <= 0 {
			return fmt.Errorf("skill %s must declare a positive timeout", skill)
		}
	}
	if c.Escrow.ProofWindowHours <= 0 || c.Escrow.VerificationWindowHours <= 0 || c.Escrow.DisputeWindowHours <= 0 {
		return fmt.Errorf("config.escrow windows must be positive")
	}
	switch c.Escrow.DefaultOutcome {
	case "split", "refund", "release":
	default:
		return fmt.Errorf("config.escrow.default_outcome must be split, refund or release")
	}
	if c.Escrow.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("config.escrow.scan_interval_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "guardline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; export defaults with gl config export --file %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if no config file exists in the workspace.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("guardline"), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config struct for an engine id.
func Default(engineID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(engineID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(engineID string) string {
	return fmt.Sprintf(defaultTemplate, engineID)
}

const defaultTemplate = `engine:
  id: %s

limits:
  default:
    daily_volume_max: 1000000000000000000     # 1.0 ETH in wei
    daily_gas_max: 10000000
    max_pending: 1
    max_retries: 3

risk:
  impact:
    read_state: 1
    invoke_skill: 2
    transfer: 2
    approve: 3
    swap: 3
  probability:
    read_state: 1
    invoke_skill: 2
    transfer: 2
    approve: 2
    swap: 3
  warn_threshold: 4
  deny_threshold: 9
  confirmation_token: ""
  allow_warn: []

authorization:
  map:
    read_state: UNRESTRICTED
    invoke_skill: STANDARD
    transfer: STANDARD
    approve: ELEVATED
    swap: ELEVATED

preconditions:
  known_targets: []

guardrail:
  simulation_gas_max: 500000
  receipt_timeout_seconds: 60
  state_tolerance_bps: 100
  rollback_gas_max: 200000
  retry:
    max_attempts: 3
    max_total_seconds: 60
    backoff_base_seconds: 1
  alternate_routes: {}

skills:
  whitelist: {}

escrow:
  proof_window_hours: 168
  verification_window_hours: 72
  dispute_window_hours: 120
  default_outcome: split
  scan_interval_seconds: 60
`
