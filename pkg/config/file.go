package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var log *logrus.Entry

func init() {
	log = logger.WithName("config")
}

// Format is an on-disk configuration syntax
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the syntax from a file extension; anything that isn't
// .yaml/.yml is read as TOML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// fileConfig is the on-disk shape
type fileConfig struct {
	Watches  []models.WatchedPath `yaml:"watches" toml:"watches"`
	Settings Settings             `yaml:"settings" toml:"settings"`
	Rules    []fileRule           `yaml:"rules" toml:"rules"`
}

type fileRule struct {
	ID        string             `yaml:"id,omitempty" toml:"id,omitempty"`
	Name      string             `yaml:"name" toml:"name"`
	Enabled   *bool              `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	On        []models.EventKind `yaml:"on,omitempty" toml:"on,omitempty"`
	Condition models.Condition   `yaml:"condition" toml:"condition"`
	Actions   []models.Action    `yaml:"actions" toml:"actions"`
}

func (r fileRule) toRule() models.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return models.Rule{
		ID:        r.ID,
		Name:      r.Name,
		Enabled:   enabled,
		Condition: r.Condition,
		Actions:   r.Actions,
		On:        r.On,
	}
}

func fromRule(r models.Rule) fileRule {
	enabled := r.Enabled
	return fileRule{
		ID:        r.ID,
		Name:      r.Name,
		Enabled:   &enabled,
		On:        r.On,
		Condition: r.Condition,
		Actions:   r.Actions,
	}
}

// FileSource loads configuration from a TOML or YAML file
type FileSource struct {
	Path string
	mu   sync.Mutex
}

// NewFileSource creates a file-backed source; an empty path selects DefaultPath
func NewFileSource(path string) *FileSource {
	if path == "" {
		path = DefaultPath()
	}
	return &FileSource{Path: path}
}

// Load reads, decodes, and normalizes the configuration file
func (s *FileSource) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, err := s.read()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Watches: fc.Watches, Settings: fc.Settings}
	for _, r := range fc.Rules {
		cfg.Rules = append(cfg.Rules, r.toRule())
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"path":    s.Path,
		"watches": len(cfg.Watches),
		"rules":   len(cfg.Rules),
	}).Debug("Loaded configuration")
	return cfg, nil
}

// SaveRules replaces the rule list in the file, keeping watches and settings.
// The file is rewritten through a temporary file and rename.
func (s *FileSource) SaveRules(rules []models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, err := s.read()
	if err != nil {
		return err
	}
	fc.Rules = fc.Rules[:0]
	for _, r := range rules {
		fc.Rules = append(fc.Rules, fromRule(r))
	}

	data, err := encode(fc, FormatFor(s.Path))
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeAtomic(s.Path, data)
}

func (s *FileSource) read() (*fileConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config: %v", models.ErrConfigInvalid, err)
	}
	fc := &fileConfig{Settings: DefaultSettings()}
	if err := decode(data, FormatFor(s.Path), fc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config %s: %v", models.ErrConfigInvalid, s.Path, err)
	}
	return fc, nil
}

func decode(data []byte, format Format, fc *fileConfig) error {
	switch format {
	case FormatYAML:
		return yaml.Unmarshal(data, fc)
	default:
		md, err := toml.Decode(string(data), fc)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			log.WithField("keys", undecoded).Warn("Ignoring unknown configuration keys")
		}
		return nil
	}
}

func encode(fc *fileConfig, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(fc)
	default:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(fc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
