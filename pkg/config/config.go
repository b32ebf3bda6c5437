// Package config turns on-disk configuration into the structured value the
// daemon consumes: watched paths, the ordered rule list and runtime settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/pathutil"
)

// ruleNamespace seeds deterministic ids for rules declared without one
var ruleNamespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9f47-0c2d8e5b3a91")

// Config is the structured configuration value
type Config struct {
	Watches  []models.WatchedPath `json:"watches"`
	Rules    []models.Rule        `json:"rules"`
	Settings Settings             `json:"settings"`
}

// Settings contains runtime tunables
type Settings struct {
	QuietWindow       time.Duration `json:"quiet_window" yaml:"quiet_window" toml:"quiet_window"`
	MaxPending        int           `json:"max_pending" yaml:"max_pending" toml:"max_pending"`
	MaxConcurrent     int           `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	DrainTimeout      time.Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
	FileTimeout       time.Duration `json:"file_timeout" yaml:"file_timeout" toml:"file_timeout"`
	CommandTimeout    time.Duration `json:"command_timeout" yaml:"command_timeout" toml:"command_timeout"`
	MaxOutputBytes    int           `json:"max_output_bytes" yaml:"max_output_bytes" toml:"max_output_bytes"`
	OutcomeLogSize    int           `json:"outcome_log_size" yaml:"outcome_log_size" toml:"outcome_log_size"`
	RecentOutcomes    int           `json:"recent_outcomes" yaml:"recent_outcomes" toml:"recent_outcomes"`
	SelfEventCooldown time.Duration `json:"self_event_cooldown" yaml:"self_event_cooldown" toml:"self_event_cooldown"`
	LogLevel          string        `json:"log_level" yaml:"log_level" toml:"log_level"`
	TrashDir          string        `json:"trash_dir,omitempty" yaml:"trash_dir,omitempty" toml:"trash_dir,omitempty"`
}

// DefaultSettings returns settings with default values
func DefaultSettings() Settings {
	return Settings{
		QuietWindow:       500 * time.Millisecond,
		MaxPending:        4096,
		MaxConcurrent:     4,
		DrainTimeout:      10 * time.Second,
		FileTimeout:       60 * time.Second,
		CommandTimeout:    30 * time.Second,
		MaxOutputBytes:    4096,
		OutcomeLogSize:    1000,
		RecentOutcomes:    20,
		SelfEventCooldown: 2 * time.Second,
		LogLevel:          "info",
	}
}

// Source produces a Config
type Source interface {
	Load() (*Config, error)
}

// Saver persists rule changes made at runtime
type Saver interface {
	SaveRules(rules []models.Rule) error
}

// StaticSource serves an in-memory configuration
type StaticSource struct {
	Config *Config
}

// Load normalizes and returns a copy of the static configuration
func (s StaticSource) Load() (*Config, error) {
	if s.Config == nil {
		return nil, fmt.Errorf("%w: no configuration", models.ErrConfigInvalid)
	}
	cfg := s.Config.Clone()
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the default configuration file path
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "hazelnut", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "hazelnut", "config.toml")
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	out := &Config{
		Watches:  append([]models.WatchedPath(nil), c.Watches...),
		Settings: c.Settings,
	}
	for _, r := range c.Rules {
		out.Rules = append(out.Rules, r.Clone())
	}
	return out
}

// Normalize expands paths, fills defaults, assigns rule ids and validates.
// Any problem makes the whole configuration invalid.
func (c *Config) Normalize() error {
	c.Settings.applyDefaults()

	for i, w := range c.Watches {
		expanded, err := pathutil.ExpandPath(w.Path)
		if err != nil {
			return fmt.Errorf("%w: watch %d: %v", models.ErrConfigInvalid, i, err)
		}
		c.Watches[i].Path = expanded
	}

	seen := make(map[string]string, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.ID == "" {
			r.ID = RuleID(r.Name)
		}
		if err := NormalizeRule(r); err != nil {
			return fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
		}
		if other, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: rules %q and %q share id %s", models.ErrConfigInvalid, other, r.Name, r.ID)
		}
		seen[r.ID] = r.Name
	}
	return nil
}

// NormalizeRule fills a missing condition with match-all and expands
// action destinations to absolute paths. Rules from the config file and
// from the control channel both pass through it.
func NormalizeRule(r *models.Rule) error {
	if r.Condition.Type == "" {
		r.Condition = models.AllOf()
	}
	r.Actions = append([]models.Action(nil), r.Actions...)
	for j, a := range r.Actions {
		if a.Destination == "" {
			continue
		}
		expanded, err := pathutil.ExpandPath(a.Destination)
		if err != nil {
			return fmt.Errorf("rule %q action %d: %v", r.Name, j, err)
		}
		r.Actions[j].Destination = expanded
	}
	return nil
}

// RuleID derives a stable id from a rule name
func RuleID(name string) string {
	return uuid.NewSHA1(ruleNamespace, []byte(name)).String()
}

func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.QuietWindow <= 0 {
		s.QuietWindow = d.QuietWindow
	}
	if s.MaxPending <= 0 {
		s.MaxPending = d.MaxPending
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = d.MaxConcurrent
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = d.DrainTimeout
	}
	if s.FileTimeout <= 0 {
		s.FileTimeout = d.FileTimeout
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = d.CommandTimeout
	}
	if s.MaxOutputBytes <= 0 {
		s.MaxOutputBytes = d.MaxOutputBytes
	}
	if s.OutcomeLogSize <= 0 {
		s.OutcomeLogSize = d.OutcomeLogSize
	}
	if s.RecentOutcomes <= 0 {
		s.RecentOutcomes = d.RecentOutcomes
	}
	if s.SelfEventCooldown < 0 {
		s.SelfEventCooldown = 0
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	if s.TrashDir != "" {
		if expanded, err := pathutil.ExpandPath(s.TrashDir); err == nil {
			s.TrashDir = expanded
		}
	}
}
