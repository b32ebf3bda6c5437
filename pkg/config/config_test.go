package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlConfig = `
[[watches]]
path = "%s/Downloads"
recursive = false

[settings]
quiet_window = "250ms"
max_concurrent = 2

[[rules]]
name = "PDFs"
[rules.condition]
type = "extension"
extensions = ["pdf"]
[[rules.actions]]
type = "move"
destination = "%s/Documents/PDFs"

[[rules]]
name = "Old screenshots"
enabled = false
[rules.condition]
type = "all_of"
[[rules.condition.conditions]]
type = "name"
pattern = "Screenshot*"
[[rules.condition.conditions]]
type = "age"
comparator = "gt"
days = 30
[[rules.actions]]
type = "trash"
`

const yamlConfig = `
watches:
  - path: %s/inbox
    recursive: true
settings:
  drain_timeout: 3s
rules:
  - name: Archive logs
    on: [created]
    condition:
      type: any_of
      conditions:
        - type: extension
          extensions: [log, LOG]
        - type: name
          pattern: '^app-\d+\.txt$'
          pattern_kind: regex
    actions:
      - type: archive
        destination: %s/archive
      - type: delete
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileSource_LoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", fmt.Sprintf(tomlConfig, dir, dir))

	cfg, err := NewFileSource(path).Load()
	require.NoError(t, err)

	require.Len(t, cfg.Watches, 1)
	assert.Equal(t, filepath.Join(dir, "Downloads"), cfg.Watches[0].Path)
	assert.False(t, cfg.Watches[0].Recursive)

	assert.Equal(t, 250*time.Millisecond, cfg.Settings.QuietWindow)
	assert.Equal(t, 2, cfg.Settings.MaxConcurrent)
	assert.Equal(t, DefaultSettings().DrainTimeout, cfg.Settings.DrainTimeout)

	require.Len(t, cfg.Rules, 2)
	pdfs := cfg.Rules[0]
	assert.Equal(t, "PDFs", pdfs.Name)
	assert.True(t, pdfs.Enabled, "rules default to enabled")
	assert.Equal(t, RuleID("PDFs"), pdfs.ID)
	assert.Equal(t, models.HasExtension("pdf"), pdfs.Condition)
	assert.Equal(t, models.MoveTo(filepath.Join(dir, "Documents", "PDFs")), pdfs.Actions[0])

	old := cfg.Rules[1]
	assert.False(t, old.Enabled)
	assert.Equal(t, models.ConditionAllOf, old.Condition.Type)
	require.Len(t, old.Condition.Conditions, 2)
	assert.Equal(t, int64(30), old.Condition.Conditions[1].Days)
}

func TestFileSource_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", fmt.Sprintf(yamlConfig, dir, dir))

	cfg, err := NewFileSource(path).Load()
	require.NoError(t, err)

	assert.True(t, cfg.Watches[0].Recursive)
	assert.Equal(t, 3*time.Second, cfg.Settings.DrainTimeout)

	rule := cfg.Rules[0]
	assert.Equal(t, []models.EventKind{models.EventCreated}, rule.On)
	assert.Equal(t, models.PatternRegex, rule.Condition.Conditions[1].PatternKind)
	assert.Equal(t, []models.Action{models.ArchiveTo(filepath.Join(dir, "archive")), models.Delete()}, rule.Actions)
}

func TestFileSource_InvalidIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"syntax": "rules = [",
		"missing actions": `
[[rules]]
name = "a"
[rules.condition]
type = "extension"
extensions = ["pdf"]
`,
		"unknown condition": `
[[rules]]
name = "a"
[rules.condition]
type = "colour"
[[rules.actions]]
type = "trash"
`,
		"duplicate ids": `
[[rules]]
name = "a"
[[rules.actions]]
type = "trash"
[[rules]]
name = "a"
[[rules.actions]]
type = "delete"
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name+".toml", content)
			cfg, err := NewFileSource(path).Load()
			assert.Nil(t, cfg)
			assert.ErrorIs(t, err, models.ErrConfigInvalid)
		})
	}

	_, err := NewFileSource(filepath.Join(dir, "missing.toml")).Load()
	assert.ErrorIs(t, err, models.ErrConfigInvalid)
}

func TestFileSource_SaveRulesRoundTrip(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			content := fmt.Sprintf(tomlConfig, dir, dir)
			if FormatFor(name) == FormatYAML {
				content = fmt.Sprintf(yamlConfig, dir, dir)
			}
			src := NewFileSource(writeFile(t, dir, name, content))

			before, err := src.Load()
			require.NoError(t, err)

			added := models.Rule{
				ID:        "custom-id",
				Name:      "Images",
				Enabled:   false,
				Condition: models.HasExtension("png", "jpg"),
				Actions:   []models.Action{models.CopyTo(filepath.Join(dir, "Pictures"))},
			}
			require.NoError(t, src.SaveRules(append(before.Rules, added)))

			after, err := src.Load()
			require.NoError(t, err)
			assert.Equal(t, before.Watches, after.Watches)
			assert.Equal(t, before.Settings, after.Settings)
			require.Len(t, after.Rules, len(before.Rules)+1)
			assert.Equal(t, added, after.Rules[len(after.Rules)-1])
		})
	}
}

func TestStaticSource(t *testing.T) {
	static := &Config{
		Rules: []models.Rule{{Name: "x", Enabled: true, Actions: []models.Action{models.Trash()}}},
	}
	cfg, err := StaticSource{Config: static}.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultSettings().QuietWindow, cfg.Settings.QuietWindow)
	assert.Equal(t, models.AllOf(), cfg.Rules[0].Condition)
	assert.NotEmpty(t, cfg.Rules[0].ID)
	assert.Empty(t, static.Rules[0].ID, "source value is not mutated")

	_, err = StaticSource{}.Load()
	assert.ErrorIs(t, err, models.ErrConfigInvalid)
}

func TestRuleIDIsStable(t *testing.T) {
	assert.Equal(t, RuleID("PDFs"), RuleID("PDFs"))
	assert.NotEqual(t, RuleID("PDFs"), RuleID("pdfs"))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/hazelnut/config.toml", DefaultPath())
}

func TestNormalizeRuleExpandsDestinations(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("HAZELNUT_ARCHIVE", "/srv/archive")

	original := []models.Action{
		models.MoveTo("~/Texts"),
		models.ArchiveTo("$HAZELNUT_ARCHIVE/old.zip"),
		models.RenameTo("{name}-x.{ext}"),
	}
	r := models.Rule{Name: "texts", Enabled: true, Actions: original}
	require.NoError(t, NormalizeRule(&r))

	assert.Equal(t, filepath.Join(home, "Texts"), r.Actions[0].Destination)
	assert.Equal(t, "/srv/archive/old.zip", r.Actions[1].Destination)
	assert.Equal(t, "{name}-x.{ext}", r.Actions[2].Pattern)
	assert.Equal(t, models.AllOf(), r.Condition)
	assert.Equal(t, "~/Texts", original[0].Destination, "caller's actions are not mutated")

	rel := models.Rule{Name: "rel", Enabled: true, Actions: []models.Action{models.CopyTo("sorted")}}
	require.NoError(t, NormalizeRule(&rel))
	assert.True(t, filepath.IsAbs(rel.Actions[0].Destination))
}
