// Package hub wires the per-repo services together: configuration,
// agent supervisors, flow controllers, the lifecycle bus, and the safety
// checker.
package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/car/internal/agent"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/safety"
	"github.com/codex-autorunner/car/internal/ticket"
)

// ConfigError is an invalid hub or repo configuration, surfaced during
// construction.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EnvSkipUpdateChecks disables self-update integrity checks.
const EnvSkipUpdateChecks = "CODEX_AUTORUNNER_SKIP_UPDATE_CHECKS"

// SkipUpdateChecks reports whether self-update checks are disabled.
func SkipUpdateChecks() bool {
	return os.Getenv(EnvSkipUpdateChecks) == "1"
}

// AgentConfig describes one agent backend in the hub config.
type AgentConfig struct {
	Scope                 string   `mapstructure:"scope" json:"scope,omitempty"`
	Command               []string `mapstructure:"command" json:"command"`
	PasswordEnv           string   `mapstructure:"password_env" json:"password_env,omitempty"`
	MaxHandles            int      `mapstructure:"max_handles" json:"max_handles,omitempty"`
	IdleTTLSeconds        int      `mapstructure:"idle_ttl_seconds" json:"idle_ttl_seconds,omitempty"`
	StartupTimeoutSeconds int      `mapstructure:"startup_timeout_seconds" json:"startup_timeout_seconds,omitempty"`
}

// RepoRef is one repo managed by this hub.
type RepoRef struct {
	ID   string `mapstructure:"id" json:"id"`
	Path string `mapstructure:"path" json:"path"`
}

// SafetySettings mirrors safety.Config in file form.
type SafetySettings struct {
	DedupWindowSeconds     int `mapstructure:"dedup_window_seconds" json:"dedup_window_seconds,omitempty"`
	MaxDuplicateActions    int `mapstructure:"max_duplicate_actions" json:"max_duplicate_actions,omitempty"`
	RateLimitWindowSeconds int `mapstructure:"rate_limit_window_seconds" json:"rate_limit_window_seconds,omitempty"`
	MaxActionsPerWindow    int `mapstructure:"max_actions_per_window" json:"max_actions_per_window,omitempty"`
	BreakerThreshold       int `mapstructure:"breaker_threshold" json:"breaker_threshold,omitempty"`
	BreakerCooldownSeconds int `mapstructure:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds,omitempty"`
}

// HubConfig is the hub-level configuration file.
type HubConfig struct {
	LogLevel                 string                 `mapstructure:"log_level" json:"log_level,omitempty"`
	DefaultAgent             string                 `mapstructure:"default_agent" json:"default_agent,omitempty"`
	ReconcileIntervalSeconds int                    `mapstructure:"reconcile_interval_seconds" json:"reconcile_interval_seconds,omitempty"`
	Agents                   map[string]AgentConfig `mapstructure:"agents" json:"agents,omitempty"`
	Repos                    []RepoRef              `mapstructure:"repos" json:"repos,omitempty"`
	Safety                   SafetySettings         `mapstructure:"safety" json:"safety,omitempty"`
}

// hubSchema rejects malformed hub configs before any service spins up.
const hubSchema = `{
  "type": "object",
  "properties": {
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "default_agent": {"type": "string"},
    "reconcile_interval_seconds": {"type": "integer", "minimum": 1},
    "agents": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "scope": {"type": "string", "enum": ["workspace", "global"]},
          "command": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "password_env": {"type": "string"},
          "max_handles": {"type": "integer", "minimum": 1},
          "idle_ttl_seconds": {"type": "integer", "minimum": 1},
          "startup_timeout_seconds": {"type": "integer", "minimum": 1}
        },
        "required": ["command"]
      }
    },
    "repos": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "path": {"type": "string", "minLength": 1}
        },
        "required": ["id", "path"]
      }
    },
    "safety": {"type": "object"}
  }
}`

// LoadHubConfig reads the hub config file with CODEX_AUTORUNNER_* env
// overrides, then validates it against the schema. A missing file yields
// defaults.
func LoadHubConfig(path string) (HubConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CODEX_AUTORUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
			return HubConfig{}, &ConfigError{Path: path, Err: err}
		}
	}

	if err := validateHubSettings(v.AllSettings()); err != nil {
		return HubConfig{}, &ConfigError{Path: path, Err: err}
	}
	var cfg HubConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return HubConfig{}, &ConfigError{Path: path, Err: err}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func validateHubSettings(settings map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("hub.schema.json", strings.NewReader(hubSchema)); err != nil {
		return err
	}
	schema, err := compiler.Compile("hub.schema.json")
	if err != nil {
		return err
	}
	// jsonschema validates decoded JSON values, so round-trip the settings.
	buf, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (c *HubConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ReconcileIntervalSeconds <= 0 {
		c.ReconcileIntervalSeconds = 60
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "codex"
	}
}

// AgentSupervisorConfig translates one agent entry into supervisor form.
func (c HubConfig) AgentSupervisorConfig(agentID, hubRoot string) (agent.Config, error) {
	ac, ok := c.Agents[agentID]
	if !ok {
		return agent.Config{}, &ConfigError{Err: fmt.Errorf("unknown agent %q", agentID)}
	}
	scope := agent.ScopeWorkspace
	if ac.Scope == string(agent.ScopeGlobal) {
		scope = agent.ScopeGlobal
	}
	passwordEnv := ac.PasswordEnv
	if passwordEnv == "" {
		passwordEnv = strings.ToUpper(agentID) + "_SERVER_PASSWORD"
	}
	cfg := agent.Config{
		Kind:           agentID,
		Scope:          scope,
		Command:        ac.Command,
		PasswordEnv:    passwordEnv,
		MaxHandles:     ac.MaxHandles,
		IdleTTL:        time.Duration(ac.IdleTTLSeconds) * time.Second,
		StartupTimeout: time.Duration(ac.StartupTimeoutSeconds) * time.Second,
	}
	if scope == agent.ScopeGlobal {
		cfg.RegistryRoot = hubRoot
	}
	return cfg, nil
}

// SafetyConfig translates file settings into checker form.
func (c HubConfig) SafetyConfig(hubRoot string) safety.Config {
	cfg := safety.DefaultConfig(paths.SafetyAuditLog(hubRoot))
	s := c.Safety
	if s.DedupWindowSeconds > 0 {
		cfg.DedupWindow = time.Duration(s.DedupWindowSeconds) * time.Second
	}
	if s.MaxDuplicateActions > 0 {
		cfg.MaxDuplicateActions = s.MaxDuplicateActions
	}
	if s.RateLimitWindowSeconds > 0 {
		cfg.RateLimitWindow = time.Duration(s.RateLimitWindowSeconds) * time.Second
	}
	if s.MaxActionsPerWindow > 0 {
		cfg.MaxActionsPerWindow = s.MaxActionsPerWindow
	}
	if s.BreakerThreshold > 0 {
		cfg.BreakerThreshold = s.BreakerThreshold
	}
	if s.BreakerCooldownSeconds > 0 {
		cfg.BreakerCooldown = time.Duration(s.BreakerCooldownSeconds) * time.Second
	}
	return cfg
}

// RepoConfig is the per-repo .codex-autorunner/config.yaml.
type RepoConfig struct {
	Agent              string `yaml:"agent"`
	Model              string `yaml:"model"`
	Effort             string `yaml:"effort"`
	MaxTotalTurns      int    `yaml:"max_total_turns"`
	MaxLintRetries     int    `yaml:"max_lint_retries"`
	AutoCommit         bool   `yaml:"auto_commit"`
	CheckpointMessage  string `yaml:"checkpoint_message"`
	TurnTimeoutSeconds int    `yaml:"turn_timeout_seconds"`
}

// LoadRepoConfig reads the repo config; a missing file yields defaults.
func LoadRepoConfig(repoRoot string) (RepoConfig, error) {
	path := paths.RepoConfig(repoRoot)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RepoConfig{}, nil
		}
		return RepoConfig{}, &ConfigError{Path: path, Err: err}
	}
	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RepoConfig{}, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// EngineConfig translates the repo config into ticket engine constants.
func (c RepoConfig) EngineConfig() ticket.Config {
	return ticket.Config{
		MaxTotalTurns:     c.MaxTotalTurns,
		MaxLintRetries:    c.MaxLintRetries,
		AutoCommit:        c.AutoCommit,
		CheckpointMessage: c.CheckpointMessage,
		Model:             c.Model,
		Effort:            c.Effort,
		TurnTimeout:       time.Duration(c.TurnTimeoutSeconds) * time.Second,
	}
}
