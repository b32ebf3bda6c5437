package main

import (
	"fmt"
	"os"

	"github.com/prismon/hazelnut/pkg/config"
	"github.com/prismon/hazelnut/pkg/control"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/prismon/hazelnut/pkg/statedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	log *logrus.Entry

	// Global options
	configPath string
	stateDir   string
	logLevel   string

	// run command options
	logToFile bool

	// status command options
	watchStatus bool

	// rules command options
	ruleFile string
	ruleOn   bool
	ruleOff  bool

	// log and history command options
	tailCount     int
	historyRule   string
	historyPath   string
	historyResult string
	historySince  string
	historyLimit  int
)

func init() {
	log = logger.WithName("cli")
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "hazelnutd",
		Short: "Rule-driven file organizer",
		Long: `hazelnutd - watches directories and applies user-defined rules to files.

Rules match files by name, extension, size, age, hidden flag or directory
type, then move, copy, rename, trash, delete, archive or run commands on them.
The daemon runs in the background and is controlled over a local socket.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				if err := logger.ConfigureFromString(logLevel); err != nil {
					fmt.Fprintf(os.Stderr, "Error: invalid log level %q: %v\n", logLevel, err)
					os.Exit(1)
				}
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", statedir.DefaultPath(), "Directory for the pid, lock, socket and logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	// Lifecycle
	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		Run:   runForeground,
	}
	runCmd.Flags().BoolVar(&logToFile, "log-file", false, "Write logs to the rotating log file in the state directory")

	var startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		Run:   runStart,
	}

	var stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		Run:   runStop,
	}

	var restartCmd = &cobra.Command{
		Use:   "restart",
		Short: "Stop the daemon if running, then start it",
		Args:  cobra.NoArgs,
		Run:   runRestart,
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		Run:   runStatus,
	}
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Keep printing status as it changes")

	var reloadCmd = &cobra.Command{
		Use:   "reload",
		Short: "Re-read the configuration file",
		Args:  cobra.NoArgs,
		Run:   runReload,
	}

	// Rules
	var rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "Manage rules on the running daemon",
	}

	var rulesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List rules with their activity",
		Args:  cobra.NoArgs,
		Run:   runRulesList,
	}

	var rulesAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a rule from JSON (--file or stdin)",
		Args:  cobra.NoArgs,
		Run:   runRulesAdd,
	}
	rulesAddCmd.Flags().StringVarP(&ruleFile, "file", "f", "", "Rule JSON file (default: stdin)")

	var rulesEditCmd = &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace a rule with JSON (--file or stdin)",
		Args:  cobra.ExactArgs(1),
		Run:   runRulesEdit,
	}
	rulesEditCmd.Flags().StringVarP(&ruleFile, "file", "f", "", "Rule JSON file (default: stdin)")

	var rulesDeleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		Run:   runRulesDelete,
	}

	var rulesToggleCmd = &cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable or disable a rule",
		Args:  cobra.ExactArgs(1),
		Run:   runRulesToggle,
	}
	rulesToggleCmd.Flags().BoolVar(&ruleOn, "on", false, "Enable the rule")
	rulesToggleCmd.Flags().BoolVar(&ruleOff, "off", false, "Disable the rule")
	rulesToggleCmd.MarkFlagsMutuallyExclusive("on", "off")

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesEditCmd, rulesDeleteCmd, rulesToggleCmd)

	// Activity
	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show the most recent action outcomes",
		Args:  cobra.NoArgs,
		Run:   runLog,
	}
	logCmd.Flags().IntVarP(&tailCount, "lines", "n", 20, "Number of outcomes to show")

	var historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Query the outcome history",
		Args:  cobra.NoArgs,
		Run:   runHistory,
	}
	historyCmd.Flags().StringVar(&historyRule, "rule", "", "Only outcomes of this rule id")
	historyCmd.Flags().StringVar(&historyPath, "path", "", "Only outcomes for this path")
	historyCmd.Flags().StringVar(&historyResult, "result", "", "Only outcomes with this result (success, skipped, failed, aborted)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Only outcomes newer than this duration (e.g. 24h)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Maximum number of outcomes")

	// Autostart
	var autostartCmd = &cobra.Command{
		Use:   "autostart",
		Short: "Manage starting the daemon at login",
	}
	autostartCmd.AddCommand(
		&cobra.Command{Use: "enable", Short: "Start the daemon at login", Args: cobra.NoArgs, Run: runAutostartEnable},
		&cobra.Command{Use: "disable", Short: "Do not start the daemon at login", Args: cobra.NoArgs, Run: runAutostartDisable},
		&cobra.Command{Use: "status", Short: "Show whether autostart is enabled", Args: cobra.NoArgs, Run: runAutostartStatus},
	)

	var mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the daemon's control channel as MCP tools over stdio",
		Args:  cobra.NoArgs,
		Run:   runMCP,
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, startCmd, stopCmd, restartCmd, statusCmd, reloadCmd,
		rulesCmd, logCmd, historyCmd, autostartCmd, mcpCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStateDir() *statedir.Dir {
	dir, err := statedir.New(stateDir)
	if err != nil {
		fatal("invalid state directory", err)
	}
	return dir
}

func newClient() *control.Client {
	return control.NewClient(openStateDir().SocketPath())
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", what, err)
	os.Exit(1)
}
