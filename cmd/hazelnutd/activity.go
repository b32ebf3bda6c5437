package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/autostart"
	"github.com/prismon/hazelnut/pkg/control"
	"github.com/prismon/hazelnut/pkg/mcpbridge"
	"github.com/spf13/cobra"
)

func runLog(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	outcomes, err := newClient().TailLog(ctx, tailCount)
	if errors.Is(err, models.ErrNotRunning) {
		// The activity log outlives the daemon
		outcomes, err = openStateDir().ReadActivity(tailCount)
	}
	if err != nil {
		fatal("failed to read activity log", err)
	}
	printOutcomes(outcomes)
}

func runHistory(cmd *cobra.Command, args []string) {
	params := control.HistoryParams{
		RuleID: historyRule,
		Path:   historyPath,
		Result: models.OutcomeResult(historyResult),
		Limit:  historyLimit,
	}
	if historySince != "" {
		d, err := time.ParseDuration(historySince)
		if err != nil {
			fatal("invalid --since duration", err)
		}
		params.Since = time.Now().Add(-d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	outcomes, err := newClient().History(ctx, params)
	if err != nil {
		fatal("failed to query history", err)
	}
	printOutcomes(outcomes)
}

func printOutcomes(outcomes []models.ExecutionOutcome) {
	if len(outcomes) == 0 {
		fmt.Println("No activity")
		return
	}
	for _, o := range outcomes {
		fmt.Println(formatOutcome(o))
	}
}

func runAutostartEnable(cmd *cobra.Command, args []string) {
	m := detectAutostart()
	if err := m.Enable(); err != nil {
		fatal("failed to enable autostart", err)
	}
	fmt.Printf("Autostart enabled (%s: %s)\n", m.Kind, m.Path)
}

func runAutostartDisable(cmd *cobra.Command, args []string) {
	m := detectAutostart()
	if err := m.Disable(); err != nil {
		fatal("failed to disable autostart", err)
	}
	fmt.Println("Autostart disabled")
}

func runAutostartStatus(cmd *cobra.Command, args []string) {
	m := detectAutostart()
	if m.Kind == autostart.KindNone {
		fmt.Println("Autostart is not supported on this platform")
		return
	}
	if m.IsEnabled() {
		fmt.Printf("Autostart is enabled (%s: %s)\n", m.Kind, m.Path)
	} else {
		fmt.Printf("Autostart is disabled (%s)\n", m.Kind)
	}
}

func detectAutostart() *autostart.Manager {
	m, err := autostart.Detect()
	if err != nil {
		fatal("failed to detect autostart mechanism", err)
	}
	return m
}

func runMCP(cmd *cobra.Command, args []string) {
	log.Debug("Serving MCP over stdio")
	if err := mcpbridge.ServeStdio(newClient(), version); err != nil {
		fatal("MCP server failed", err)
	}
}
