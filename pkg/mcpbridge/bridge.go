// Package mcpbridge exposes the daemon's control operations as MCP tools
// over stdio, so an assistant can inspect and edit rules.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/control"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

var log *logrus.Entry

func init() {
	log = logger.WithName("mcp")
}

// Daemon is the subset of the control client the tools use
type Daemon interface {
	Status(ctx context.Context) (models.DaemonStatus, error)
	ListRules(ctx context.Context) ([]models.RuleInfo, error)
	AddRule(ctx context.Context, rule models.Rule) (models.Rule, error)
	EditRule(ctx context.Context, rule models.Rule) (models.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ToggleRule(ctx context.Context, id string, enabled *bool) (models.Rule, error)
	Reload(ctx context.Context) error
	TailLog(ctx context.Context, n int) ([]models.ExecutionOutcome, error)
	History(ctx context.Context, p control.HistoryParams) ([]models.ExecutionOutcome, error)
}

type tools struct {
	daemon Daemon
}

// NewServer builds an MCP server whose tools call d
func NewServer(d Daemon, version string) *server.MCPServer {
	s := server.NewMCPServer("hazelnut", version, server.WithToolCapabilities(true))
	t := &tools{daemon: d}

	s.AddTool(mcp.NewTool("hazelnut-status",
		mcp.WithDescription("Show whether the hazelnut daemon is running, what it watches and its recent outcomes"),
	), t.status)

	s.AddTool(mcp.NewTool("hazelnut-list-rules",
		mcp.WithDescription("List rules in evaluation order with their activity counters"),
	), t.listRules)

	s.AddTool(mcp.NewTool("hazelnut-add-rule",
		mcp.WithDescription("Add a rule. The rule is a JSON object with name, enabled, condition and actions."),
		mcp.WithString("rule", mcp.Required(), mcp.Description("Rule as JSON")),
	), t.addRule)

	s.AddTool(mcp.NewTool("hazelnut-edit-rule",
		mcp.WithDescription("Replace an existing rule. The rule is a JSON object with name, enabled, condition and actions; its statistics are kept."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Rule id")),
		mcp.WithString("rule", mcp.Required(), mcp.Description("Rule as JSON")),
	), t.editRule)

	s.AddTool(mcp.NewTool("hazelnut-delete-rule",
		mcp.WithDescription("Delete a rule by id"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Rule id")),
	), t.deleteRule)

	s.AddTool(mcp.NewTool("hazelnut-toggle-rule",
		mcp.WithDescription("Enable or disable a rule. Without 'enabled' the flag is flipped."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Rule id")),
		mcp.WithBoolean("enabled", mcp.Description("Desired state")),
	), t.toggleRule)

	s.AddTool(mcp.NewTool("hazelnut-reload",
		mcp.WithDescription("Reload the daemon configuration"),
	), t.reload)

	s.AddTool(mcp.NewTool("hazelnut-tail-log",
		mcp.WithDescription("Show the most recent outcomes, oldest first"),
		mcp.WithNumber("n", mcp.Description("Number of outcomes (default 20)")),
	), t.tailLog)

	s.AddTool(mcp.NewTool("hazelnut-history",
		mcp.WithDescription("Query persisted outcome history"),
		mcp.WithString("rule_id", mcp.Description("Only this rule")),
		mcp.WithString("result", mcp.Description("success, skipped, failed or aborted")),
		mcp.WithNumber("limit", mcp.Description("Maximum outcomes (default 100)")),
	), t.history)

	return s
}

// ServeStdio serves the tools on stdin/stdout until EOF
func ServeStdio(d Daemon, version string) error {
	log.Info("Serving MCP tools on stdio")
	return server.ServeStdio(NewServer(d, version))
}

func unmarshalArgs(arguments any, v any) error {
	if arguments == nil {
		return nil
	}
	data, err := json.Marshal(arguments)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func decodeRule(data string) (models.Rule, error) {
	var rule models.Rule
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rule); err != nil {
		return models.Rule{}, err
	}
	return rule, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func failure(what string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", what, err))
}

func (t *tools) status(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.daemon.Status(ctx)
	if err != nil {
		return failure("Status unavailable", err), nil
	}
	return jsonResult(st)
}

func (t *tools) listRules(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rules, err := t.daemon.ListRules(ctx)
	if err != nil {
		return failure("Failed to list rules", err), nil
	}
	return jsonResult(rules)
}

func (t *tools) addRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Rule string `json:"rule"`
	}
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}
	rule, err := decodeRule(args.Rule)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid rule JSON: %v", err)), nil
	}

	added, err := t.daemon.AddRule(ctx, rule)
	if err != nil {
		return failure("Failed to add rule", err), nil
	}
	log.WithField("id", added.ID).Info("Rule added via MCP")
	return jsonResult(added)
}

func (t *tools) editRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ID   string `json:"id"`
		Rule string `json:"rule"`
	}
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil || args.ID == "" {
		return mcp.NewToolResultError("Invalid arguments: id is required"), nil
	}
	rule, err := decodeRule(args.Rule)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid rule JSON: %v", err)), nil
	}
	rule.ID = args.ID

	edited, err := t.daemon.EditRule(ctx, rule)
	if err != nil {
		return failure("Failed to edit rule", err), nil
	}
	log.WithField("id", edited.ID).Info("Rule edited via MCP")
	return jsonResult(edited)
}

func (t *tools) deleteRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil || args.ID == "" {
		return mcp.NewToolResultError("Invalid arguments: id is required"), nil
	}
	if err := t.daemon.DeleteRule(ctx, args.ID); err != nil {
		return failure("Failed to delete rule", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted rule %s", args.ID)), nil
}

func (t *tools) toggleRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ID      string `json:"id"`
		Enabled *bool  `json:"enabled"`
	}
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil || args.ID == "" {
		return mcp.NewToolResultError("Invalid arguments: id is required"), nil
	}
	rule, err := t.daemon.ToggleRule(ctx, args.ID, args.Enabled)
	if err != nil {
		return failure("Failed to toggle rule", err), nil
	}
	state := "disabled"
	if rule.Enabled {
		state = "enabled"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rule %q is %s", rule.Name, state)), nil
}

func (t *tools) reload(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.daemon.Reload(ctx); err != nil {
		return failure("Reload failed", err), nil
	}
	return mcp.NewToolResultText("Configuration reloaded"), nil
}

func (t *tools) tailLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		N int `json:"n"`
	}{N: 20}
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}
	outcomes, err := t.daemon.TailLog(ctx, args.N)
	if err != nil {
		return failure("Failed to read log", err), nil
	}
	return jsonResult(outcomes)
}

func (t *tools) history(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args control.HistoryParams
	if err := unmarshalArgs(req.Params.Arguments, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
	}
	outcomes, err := t.daemon.History(ctx, args)
	if err != nil {
		return failure("Failed to query history", err), nil
	}
	return jsonResult(outcomes)
}
