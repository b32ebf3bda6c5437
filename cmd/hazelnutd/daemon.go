package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/config"
	"github.com/prismon/hazelnut/pkg/daemon"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/prismon/hazelnut/pkg/statedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	startTimeout = 10 * time.Second
	stopTimeout  = 30 * time.Second
	pollInterval = 100 * time.Millisecond
)

func runForeground(cmd *cobra.Command, args []string) {
	dir := openStateDir()
	source := config.NewFileSource(configPath)

	if logLevel == "" {
		if cfg, err := source.Load(); err == nil {
			if err := logger.ConfigureFromString(cfg.Settings.LogLevel); err != nil {
				log.WithError(err).Warn("Ignoring invalid log_level setting")
			}
		}
	}
	if logToFile {
		if err := dir.Ensure(); err != nil {
			fatal("failed to prepare state directory", err)
		}
		closer := logger.ConfigureFile(dir.LogPath(), 10, 3)
		defer closer.Close()
	}

	svc, err := daemon.New(daemon.Options{Source: source, StateDir: dir})
	if err != nil {
		fatal("failed to create daemon", err)
	}

	log.WithFields(logrus.Fields{
		"config":    configPath,
		"state_dir": dir.Path(),
		"version":   version,
	}).Info("Starting hazelnutd")

	if err := svc.Run(context.Background()); err != nil {
		if errors.Is(err, models.ErrAlreadyRunning) {
			fmt.Fprintf(os.Stderr, "Error: hazelnutd is already running (pid %d)\n", dir.RunningPID())
			os.Exit(1)
		}
		fatal("daemon failed", err)
	}
}

func runStart(cmd *cobra.Command, args []string) {
	if pid, running := daemonRunning(); running {
		fmt.Printf("hazelnutd is already running (pid %d)\n", pid)
		return
	}
	if err := spawnDaemon(); err != nil {
		fatal("failed to start daemon", err)
	}
	fmt.Printf("hazelnutd started (pid %d)\n", openStateDir().RunningPID())
}

func runStop(cmd *cobra.Command, args []string) {
	if err := stopDaemon(); err != nil {
		if errors.Is(err, models.ErrNotRunning) {
			fmt.Fprintln(os.Stderr, "hazelnutd is not running")
			os.Exit(1)
		}
		fatal("failed to stop daemon", err)
	}
	fmt.Println("hazelnutd stopped")
}

func runRestart(cmd *cobra.Command, args []string) {
	if err := stopDaemon(); err != nil && !errors.Is(err, models.ErrNotRunning) {
		fatal("failed to stop daemon", err)
	}
	if err := spawnDaemon(); err != nil {
		fatal("failed to start daemon", err)
	}
	fmt.Printf("hazelnutd restarted (pid %d)\n", openStateDir().RunningPID())
}

func runReload(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := newClient().Reload(ctx); err != nil {
		fatal("reload failed", err)
	}
	fmt.Println("Configuration reloaded")
}

func runStatus(cmd *cobra.Command, args []string) {
	client := newClient()

	if watchStatus {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		first := true
		err := client.Subscribe(ctx, func(st models.DaemonStatus) bool {
			if !first {
				fmt.Println()
			}
			first = false
			printStatus(st)
			return true
		})
		if err != nil {
			if errors.Is(err, models.ErrNotRunning) {
				fmt.Println("hazelnutd is not running")
				os.Exit(1)
			}
			fatal("status subscription failed", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		if errors.Is(err, models.ErrNotRunning) {
			if pid := openStateDir().RunningPID(); pid != 0 {
				fmt.Printf("hazelnutd (pid %d) is running but not answering on its socket\n", pid)
			} else {
				fmt.Println("hazelnutd is not running")
			}
			os.Exit(1)
		}
		fatal("failed to query status", err)
	}
	printStatus(st)
}

func printStatus(st models.DaemonStatus) {
	fmt.Printf("State:     %s\n", st.State)
	if st.PID != 0 {
		fmt.Printf("PID:       %d\n", st.PID)
	}
	if !st.StartedAt.IsZero() {
		fmt.Printf("Uptime:    %s\n", statedir.FormatUptime(time.Since(st.StartedAt)))
	}
	fmt.Printf("Watching:  %d paths\n", st.WatchedPaths)
	fmt.Printf("Rules:     %d\n", st.RuleCount)
	if st.LastError != "" {
		fmt.Printf("Error:     %s\n", st.LastError)
	}
	if len(st.RecentOutcomes) > 0 {
		fmt.Println("Recent:")
		for _, o := range st.RecentOutcomes {
			fmt.Printf("  %s\n", formatOutcome(o))
		}
	}
}

func formatOutcome(o models.ExecutionOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-7s ", o.Timestamp.Local().Format("2006-01-02 15:04:05"), o.Result)
	if o.RuleName != "" {
		fmt.Fprintf(&b, "[%s] ", o.RuleName)
	} else {
		fmt.Fprintf(&b, "[%s] ", o.RuleID)
	}
	fmt.Fprintf(&b, "%s: %s", o.Action, o.Path)
	if o.Destination != "" {
		fmt.Fprintf(&b, " -> %s", o.Destination)
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, " (%s)", o.Reason)
	}
	return b.String()
}

func daemonRunning() (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := newClient().Status(ctx)
	if err != nil {
		return 0, false
	}
	return st.PID, st.Running
}

// spawnDaemon re-executes this binary as a detached "run" and waits for its
// control socket to answer.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	args := []string{"run", "--log-file", "--config", configPath, "--state-dir", stateDir}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	child := exec.Command(exe, args...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	deadline := time.After(startTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("daemon did not start (%v), see %s", err, openStateDir().LogPath())
		case <-deadline:
			return fmt.Errorf("daemon did not answer within %s, see %s", startTimeout, openStateDir().LogPath())
		case <-ticker.C:
			if _, running := daemonRunning(); running {
				return nil
			}
		}
	}
}

// stopDaemon asks the daemon to stop and waits for its pid file to go away
func stopDaemon() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := newClient().Stop(ctx); err != nil {
		return err
	}

	dir := openStateDir()
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if dir.RunningPID() == 0 {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("daemon still running after %s: %w", stopTimeout, models.ErrTimeout)
}
