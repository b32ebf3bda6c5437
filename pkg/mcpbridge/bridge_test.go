package mcpbridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	rules   []models.Rule
	toggled *bool
	tailN   int
	history control.HistoryParams
}

func (f *fakeDaemon) Status(context.Context) (models.DaemonStatus, error) {
	return models.DaemonStatus{Running: true, State: models.StateRunning, RuleCount: len(f.rules)}, nil
}

func (f *fakeDaemon) ListRules(context.Context) ([]models.RuleInfo, error) {
	out := []models.RuleInfo{}
	for _, r := range f.rules {
		out = append(out, models.RuleInfo{Rule: r})
	}
	return out, nil
}

func (f *fakeDaemon) AddRule(_ context.Context, r models.Rule) (models.Rule, error) {
	if err := r.Validate(); err != nil {
		return models.Rule{}, err
	}
	r.ID = "new-id"
	f.rules = append(f.rules, r)
	return r, nil
}

func (f *fakeDaemon) EditRule(_ context.Context, r models.Rule) (models.Rule, error) {
	for i := range f.rules {
		if f.rules[i].ID == r.ID {
			if err := r.Validate(); err != nil {
				return models.Rule{}, err
			}
			f.rules[i] = r
			return r, nil
		}
	}
	return models.Rule{}, fmt.Errorf("rule %s: %w", r.ID, models.ErrNotFound)
}

func (f *fakeDaemon) DeleteRule(_ context.Context, id string) error {
	return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
}

func (f *fakeDaemon) ToggleRule(_ context.Context, id string, enabled *bool) (models.Rule, error) {
	f.toggled = enabled
	return models.Rule{ID: id, Name: "pdfs", Enabled: enabled != nil && *enabled}, nil
}

func (f *fakeDaemon) Reload(context.Context) error {
	return fmt.Errorf("daemon is %w", models.ErrNotRunning)
}

func (f *fakeDaemon) TailLog(_ context.Context, n int) ([]models.ExecutionOutcome, error) {
	f.tailN = n
	return []models.ExecutionOutcome{}, nil
}

func (f *fakeDaemon) History(_ context.Context, p control.HistoryParams) ([]models.ExecutionOutcome, error) {
	f.history = p
	return []models.ExecutionOutcome{{RuleID: p.RuleID}}, nil
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestNewServerRegistersTools(t *testing.T) {
	s := NewServer(&fakeDaemon{}, "test")
	require.NotNil(t, s)
}

func TestAddRuleTool(t *testing.T) {
	d := &fakeDaemon{}
	tl := &tools{daemon: d}

	res, err := tl.addRule(context.Background(), call(map[string]any{
		"rule": `{"name":"pdfs","enabled":true,"condition":{"type":"extension","extensions":["pdf"]},"actions":[{"type":"trash"}]}`,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"id": "new-id"`)
	require.Len(t, d.rules, 1)
	assert.Equal(t, models.HasExtension("pdf"), d.rules[0].Condition)

	res, err = tl.addRule(context.Background(), call(map[string]any{"rule": `{"name":"x","bogus":1}`}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tl.addRule(context.Background(), call(map[string]any{"rule": `{"name":"no actions"}`}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "invalid rule")
}

func TestEditRuleTool(t *testing.T) {
	d := &fakeDaemon{rules: []models.Rule{{
		ID:        "r1",
		Name:      "pdfs",
		Enabled:   true,
		Condition: models.HasExtension("pdf"),
		Actions:   []models.Action{models.Trash()},
	}}}
	tl := &tools{daemon: d}
	ctx := context.Background()

	res, err := tl.editRule(ctx, call(map[string]any{
		"id":   "r1",
		"rule": `{"name":"docs","enabled":false,"condition":{"type":"extension","extensions":["doc"]},"actions":[{"type":"delete"}]}`,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"id": "r1"`)
	require.Len(t, d.rules, 1)
	assert.Equal(t, "docs", d.rules[0].Name)
	assert.False(t, d.rules[0].Enabled)
	assert.Equal(t, models.HasExtension("doc"), d.rules[0].Condition)

	res, err = tl.editRule(ctx, call(map[string]any{
		"id":   "missing",
		"rule": `{"name":"x","enabled":true,"condition":{"type":"extension","extensions":["x"]},"actions":[{"type":"trash"}]}`,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")

	res, err = tl.editRule(ctx, call(map[string]any{"rule": `{"name":"x"}`}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "id is required")

	res, err = tl.editRule(ctx, call(map[string]any{"id": "r1", "rule": `{"name":"x","bogus":1}`}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "docs", d.rules[0].Name)
}

func TestToolErrorsAreResults(t *testing.T) {
	tl := &tools{daemon: &fakeDaemon{}}

	res, err := tl.deleteRule(context.Background(), call(map[string]any{"id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")

	res, err = tl.deleteRule(context.Background(), call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tl.reload(context.Background(), call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not running")
}

func TestToggleTailAndHistory(t *testing.T) {
	d := &fakeDaemon{}
	tl := &tools{daemon: d}
	ctx := context.Background()

	res, err := tl.toggleRule(ctx, call(map[string]any{"id": "a", "enabled": true}))
	require.NoError(t, err)
	assert.Equal(t, `Rule "pdfs" is enabled`, text(t, res))
	require.NotNil(t, d.toggled)
	assert.True(t, *d.toggled)

	_, err = tl.toggleRule(ctx, call(map[string]any{"id": "a"}))
	require.NoError(t, err)
	assert.Nil(t, d.toggled)

	_, err = tl.tailLog(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, 20, d.tailN)
	_, err = tl.tailLog(ctx, call(map[string]any{"n": 5}))
	require.NoError(t, err)
	assert.Equal(t, 5, d.tailN)

	res, err = tl.history(ctx, call(map[string]any{"rule_id": "r", "result": "failed", "limit": 3}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, control.HistoryParams{RuleID: "r", Result: models.ResultFailed, Limit: 3}, d.history)

	res, err = tl.status(ctx, call(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"state": "running"`)
}
