// Package config loads and validates Conductor's repository-root
// .conductor.yml configuration file (spec §6), overlaid with CONDUCTOR_*
// environment variables.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ExplicitSubproject is one entry of subprojects.explicit[].
type ExplicitSubproject struct {
	Path         string `mapstructure:"path" yaml:"path"`
	Name         string `mapstructure:"name" yaml:"name"`
	Language     string `mapstructure:"language" yaml:"language,omitempty"`
	TestCommand  string `mapstructure:"testCommand" yaml:"testCommand,omitempty"`
	BuildCommand string `mapstructure:"buildCommand" yaml:"buildCommand,omitempty"`
}

// AutoDetect configures glob-based subproject detection.
type AutoDetect struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

// Subprojects configures the Subproject Detector.
type Subprojects struct {
	AutoDetect AutoDetect           `mapstructure:"autoDetect" yaml:"autoDetect"`
	Explicit   []ExplicitSubproject `mapstructure:"explicit" yaml:"explicit"`
}

// AgentConfig configures one of the three agent roles (master, subAgent,
// codeReview).
type AgentConfig struct {
	Model           string `mapstructure:"model" yaml:"model"`
	MaxTurns        int    `mapstructure:"maxTurns" yaml:"maxTurns"`
	MaxParallel     int    `mapstructure:"maxParallel" yaml:"maxParallel,omitempty"`
	TimeoutMinutes  int    `mapstructure:"timeoutMinutes" yaml:"timeoutMinutes,omitempty"`
	PassThreshold   int    `mapstructure:"passThreshold" yaml:"passThreshold,omitempty"`
	MaxIterations   int    `mapstructure:"maxIterations" yaml:"maxIterations,omitempty"`
}

// Agents groups the three per-role agent configs.
type Agents struct {
	Master     AgentConfig `mapstructure:"master" yaml:"master"`
	SubAgent   AgentConfig `mapstructure:"subAgent" yaml:"subAgent"`
	CodeReview AgentConfig `mapstructure:"codeReview" yaml:"codeReview"`
}

// Triggers configures which board column starts work.
type Triggers struct {
	StartColumn string `mapstructure:"startColumn" yaml:"startColumn"`
}

// Workflow configures board/branch/smoke-test behaviour.
type Workflow struct {
	Triggers          Triggers `mapstructure:"triggers" yaml:"triggers"`
	BranchPattern     string   `mapstructure:"branchPattern" yaml:"branchPattern"`
	AutoMerge         bool     `mapstructure:"autoMerge" yaml:"autoMerge"`
	RequireSmokeTest  bool     `mapstructure:"requireSmokeTest" yaml:"requireSmokeTest"`
	SmokeTestWebhook  string   `mapstructure:"smokeTestWebhook" yaml:"smokeTestWebhook,omitempty"`
}

// NotificationChannel configures one outbound notification transport.
// Endpoint's meaning is channel-specific: for telegram it's the chat id,
// for slack it's the channel id, for webhook it's the URL to POST to.
type NotificationChannel struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Token    string `mapstructure:"token" yaml:"token,omitempty"`
}

// Notifications configures the per-channel notification transports.
type Notifications struct {
	Telegram NotificationChannel `mapstructure:"telegram" yaml:"telegram"`
	Slack    NotificationChannel `mapstructure:"slack" yaml:"slack"`
	Webhook  NotificationChannel `mapstructure:"webhook" yaml:"webhook"`
}

// Webhook configures inbound webhook verification for Webhook Intake.
type Webhook struct {
	Secret   string `mapstructure:"secret" yaml:"secret"`
	BotLogin string `mapstructure:"botLogin" yaml:"botLogin,omitempty"`
}

// Security configures agent tool-policy restrictions and PR-size advisories.
type Security struct {
	BlockedPatterns []string `mapstructure:"blockedPatterns" yaml:"blockedPatterns,omitempty"`
	MaxFilesPerPR   int      `mapstructure:"maxFilesPerPr" yaml:"maxFilesPerPr,omitempty"`
	MaxLinesPerPR   int      `mapstructure:"maxLinesPerPr" yaml:"maxLinesPerPr,omitempty"`
}

// Project identifies the project for informational purposes.
type Project struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Description string `mapstructure:"description" yaml:"description,omitempty"`
}

// Server configures the operator-facing HTTP surface (spec §6 HTTP
// endpoints): bind address, and the bearer token guarding non-webhook
// routes.
type Server struct {
	ListenAddr         string `mapstructure:"listenAddr" yaml:"listenAddr"`
	AuthToken          string `mapstructure:"authToken" yaml:"authToken"`
	RateLimitPerMinute int    `mapstructure:"rateLimitPerMinute" yaml:"rateLimitPerMinute,omitempty"`
}

// Config is the parsed, defaulted, and validated .conductor.yml.
type Config struct {
	Version       string         `mapstructure:"version" yaml:"version"`
	Project       Project        `mapstructure:"project" yaml:"project"`
	Subprojects   Subprojects    `mapstructure:"subprojects" yaml:"subprojects"`
	Agents        Agents         `mapstructure:"agents" yaml:"agents"`
	Workflow      Workflow       `mapstructure:"workflow" yaml:"workflow"`
	Notifications Notifications  `mapstructure:"notifications" yaml:"notifications"`
	Security      Security       `mapstructure:"security" yaml:"security"`
	Webhook       Webhook        `mapstructure:"webhook" yaml:"webhook"`
	Server        Server         `mapstructure:"server" yaml:"server"`
}

var versionPattern = regexp.MustCompile(`^\d+\.\d+$`)

// applyDefaults fills in fields the teacher's OnConfigurationChange fills by
// hand, generalised from plugin-settings JSON to this YAML schema.
func applyDefaults(c *Config) {
	if c.Subprojects.AutoDetect.Patterns == nil {
		c.Subprojects.AutoDetect = AutoDetect{Enabled: true, Patterns: []string{"packages/*", "apps/*"}}
	}
	if !anySet(c) {
		c.Subprojects.AutoDetect.Enabled = true
	}

	if c.Agents.SubAgent.MaxParallel == 0 {
		c.Agents.SubAgent.MaxParallel = 5
	}
	if c.Agents.SubAgent.TimeoutMinutes == 0 {
		c.Agents.SubAgent.TimeoutMinutes = 30
	}
	if c.Agents.CodeReview.MaxIterations == 0 {
		c.Agents.CodeReview.MaxIterations = 3
	}

	if c.Workflow.Triggers.StartColumn == "" {
		c.Workflow.Triggers.StartColumn = "Todo"
	}
	if c.Workflow.BranchPattern == "" {
		c.Workflow.BranchPattern = "conductor/{task_id}/{short_description}"
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = 100
	}
}

// anySet reports whether the config carries a version; applyDefaults turns
// subproject auto-detection on when it does not.
func anySet(c *Config) bool { return c.Version != "" }

// IsValid checks that required configuration is present and well-formed,
// mirroring the teacher's configuration.IsValid.
func (c *Config) IsValid() error {
	if !versionPattern.MatchString(c.Version) {
		return errors.Errorf("config version must match \\d+\\.\\d+, got %q", c.Version)
	}
	if c.Agents.SubAgent.MaxParallel < 1 || c.Agents.SubAgent.MaxParallel > 10 {
		return errors.Errorf("agents.subAgent.maxParallel must be between 1 and 10, got %d", c.Agents.SubAgent.MaxParallel)
	}
	if c.Agents.SubAgent.TimeoutMinutes < 1 || c.Agents.SubAgent.TimeoutMinutes > 120 {
		return errors.Errorf("agents.subAgent.timeoutMinutes must be between 1 and 120, got %d", c.Agents.SubAgent.TimeoutMinutes)
	}
	for _, sp := range c.Subprojects.Explicit {
		if sp.Path == "" || sp.Name == "" {
			return errors.New("subprojects.explicit entries require both path and name")
		}
	}
	return nil
}

// Clone deep-copies the slices so the returned config is safe to mutate
// independently, mirroring the teacher's configuration.Clone.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Subprojects.AutoDetect.Patterns = append([]string(nil), c.Subprojects.AutoDetect.Patterns...)
	clone.Subprojects.Explicit = append([]ExplicitSubproject(nil), c.Subprojects.Explicit...)
	clone.Security.BlockedPatterns = append([]string(nil), c.Security.BlockedPatterns...)
	return &clone
}

// Load reads path (a .conductor.yml file) via viper, applies CONDUCTOR_*
// environment overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	applyDefaults(&cfg)

	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is a convenience wrapper for cmd/conductor's startup path.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("config: %s", err))
	}
	return cfg
}
