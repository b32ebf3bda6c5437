package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func runRulesList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	infos, err := newClient().ListRules(ctx)
	if err != nil {
		fatal("failed to list rules", err)
	}
	if len(infos) == 0 {
		fmt.Println("No rules configured")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tMATCHED\tOK\tFAILED\tLAST RUN\tACTIONS")
	for _, info := range infos {
		lastRun := "-"
		if !info.Stats.LastRunAt.IsZero() {
			lastRun = info.Stats.LastRunAt.Local().Format("2006-01-02 15:04")
		}
		actions := make([]string, 0, len(info.Actions))
		for _, a := range info.Actions {
			actions = append(actions, a.String())
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\t%s\t%s\n",
			info.ID, info.Name, info.Enabled,
			info.Stats.Matched, info.Stats.Succeeded, info.Stats.Failed,
			lastRun, strings.Join(actions, ", "))
	}
	w.Flush()
}

func runRulesAdd(cmd *cobra.Command, args []string) {
	rule, err := readRule(cmd.InOrStdin())
	if err != nil {
		fatal("invalid rule", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	added, err := newClient().AddRule(ctx, rule)
	if err != nil {
		fatal("failed to add rule", err)
	}
	fmt.Printf("Added rule %s (%s)\n", added.ID, added.Name)
}

func runRulesEdit(cmd *cobra.Command, args []string) {
	rule, err := readRule(cmd.InOrStdin())
	if err != nil {
		fatal("invalid rule", err)
	}
	rule.ID = args[0]

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	edited, err := newClient().EditRule(ctx, rule)
	if err != nil {
		fatal("failed to edit rule", err)
	}
	fmt.Printf("Updated rule %s (%s)\n", edited.ID, edited.Name)
}

func runRulesDelete(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := newClient().DeleteRule(ctx, args[0]); err != nil {
		fatal("failed to delete rule", err)
	}
	fmt.Printf("Deleted rule %s\n", args[0])
}

func runRulesToggle(cmd *cobra.Command, args []string) {
	var enabled *bool
	switch {
	case ruleOn:
		v := true
		enabled = &v
	case ruleOff:
		v := false
		enabled = &v
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rule, err := newClient().ToggleRule(ctx, args[0], enabled)
	if err != nil {
		fatal("failed to toggle rule", err)
	}
	state := "disabled"
	if rule.Enabled {
		state = "enabled"
	}
	fmt.Printf("Rule %s is now %s\n", rule.ID, state)
}

// readRule decodes one rule from --file, or from stdin when no file is given
func readRule(stdin io.Reader) (models.Rule, error) {
	var (
		data []byte
		err  error
	)
	if ruleFile != "" && ruleFile != "-" {
		data, err = os.ReadFile(ruleFile)
	} else {
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return models.Rule{}, fmt.Errorf("failed to read rule: %w", err)
	}
	return decodeRule(data)
}

func decodeRule(data []byte) (models.Rule, error) {
	var rule models.Rule
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rule); err != nil {
		return models.Rule{}, fmt.Errorf("failed to parse rule JSON: %w", err)
	}
	return rule, nil
}
