// Package actions applies rule actions to files. It performs all of the
// filesystem-mutating work of the daemon.
package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Options configures an Executor
type Options struct {
	FileTimeout    time.Duration
	CommandTimeout time.Duration
	MaxOutputBytes int
	// TrashDir overrides the platform trash location
	TrashDir string
	Now      func() time.Time
}

// Executor applies one action to one path
type Executor struct {
	opts Options
	log  *logrus.Entry
}

// NewExecutor creates an executor, filling unset options with defaults
func NewExecutor(opts Options) *Executor {
	if opts.FileTimeout <= 0 {
		opts.FileTimeout = 60 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		opts: opts,
		log:  logger.WithName("actions").WithField("component", "action-executor"),
	}
}

// skip marks an action that had nothing to do
type skip struct{ reason string }

func (s skip) Error() string { return s.reason }

func skipped(format string, args ...any) error {
	return skip{reason: fmt.Sprintf(format, args...)}
}

// Apply runs the action and reports what happened. It never returns an
// error: every failure is folded into the outcome.
func (e *Executor) Apply(ctx context.Context, action models.Action, path string) models.ExecutionOutcome {
	out := models.ExecutionOutcome{
		Path:      path,
		Action:    action,
		Timestamp: e.opts.Now(),
	}

	if ctx.Err() != nil {
		return e.finish(ctx, out, context.Cause(ctx))
	}

	if action.Type != models.ActionRun {
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return e.finish(ctx, out, skipped("source missing"))
		}
	}

	var (
		dest string
		err  error
	)
	switch action.Type {
	case models.ActionMove:
		dest, err = e.withTimeout(ctx, e.opts.FileTimeout, func(ctx context.Context) (string, error) {
			return e.move(ctx, path, action.Destination, action.Overwrite)
		})
	case models.ActionCopy:
		dest, err = e.withTimeout(ctx, e.opts.FileTimeout, func(ctx context.Context) (string, error) {
			return e.copy(ctx, path, action.Destination, action.Overwrite)
		})
	case models.ActionRename:
		dest, err = e.withTimeout(ctx, e.opts.FileTimeout, func(ctx context.Context) (string, error) {
			return e.rename(ctx, path, action.Pattern, action.Overwrite)
		})
	case models.ActionTrash:
		dest, err = e.withTimeout(ctx, e.opts.FileTimeout, func(ctx context.Context) (string, error) {
			return e.trash(ctx, path)
		})
	case models.ActionDelete:
		_, err = e.withTimeout(ctx, e.opts.FileTimeout, func(ctx context.Context) (string, error) {
			return "", os.RemoveAll(path)
		})
		if err == nil {
			e.log.WithField("path", path).Warn("Permanently deleted")
		}
	case models.ActionArchive:
		dest, err = e.withTimeout(ctx, e.opts.FileTimeout, func(ctx context.Context) (string, error) {
			return e.archive(ctx, path, action.Destination, action.Overwrite)
		})
	case models.ActionRun:
		var res commandResult
		res, err = e.run(ctx, action.Command, path)
		out.Output = res.output
		out.ExitCode = res.exitCode
	default:
		err = fmt.Errorf("unknown action type %q", action.Type)
	}

	out.Destination = dest
	return e.finish(ctx, out, err)
}

func (e *Executor) finish(ctx context.Context, out models.ExecutionOutcome, err error) models.ExecutionOutcome {
	var s skip
	switch {
	case err == nil:
		out.Result = models.ResultSuccess
	case errors.As(err, &s):
		out.Result = models.ResultSkipped
		out.Reason = s.reason
	case errors.Is(err, models.ErrAborted) || errors.Is(context.Cause(ctx), models.ErrAborted):
		out.Result = models.ResultAborted
		out.Reason = "aborted"
	case errors.Is(err, models.ErrTimeout):
		out.Result = models.ResultFailed
		out.Reason = "timeout"
	default:
		out.Result = models.ResultFailed
		out.Reason = err.Error()
	}

	entry := e.log.WithFields(logrus.Fields{
		"action": out.Action.String(),
		"path":   out.Path,
		"result": out.Result,
	})
	if out.Destination != "" {
		entry = entry.WithField("destination", out.Destination)
	}
	switch out.Result {
	case models.ResultFailed, models.ResultAborted:
		entry.WithField("reason", out.Reason).Warn("Action did not complete")
	case models.ResultSkipped:
		entry.WithField("reason", out.Reason).Debug("Action skipped")
	default:
		entry.Info("Action applied")
	}
	return out
}

// withTimeout runs fn under a deadline. If the deadline or the parent
// context fires first, fn is abandoned and the cause is returned; fn sees
// the same cancellation through its context.
func (e *Executor) withTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, d, models.ErrTimeout)
	defer cancel()

	type result struct {
		dest string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		dest, err := fn(ctx)
		done <- result{dest, err}
	}()

	select {
	case r := <-done:
		return r.dest, r.err
	case <-ctx.Done():
		return "", context.Cause(ctx)
	}
}
