package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"golang.org/x/sys/unix"
)

type commandResult struct {
	output   string
	exitCode int
}

// run executes the command template through sh in its own process group.
// On timeout or abort the whole group is killed.
func (e *Executor) run(ctx context.Context, template, path string) (commandResult, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, e.opts.CommandTimeout, models.ErrTimeout)
	defer cancel()

	out := &boundedBuffer{max: e.opts.MaxOutputBytes}
	cmd := exec.CommandContext(ctx, "sh", "-c", ExpandCommand(template, path))
	if info, err := os.Stat(filepath.Dir(path)); err == nil && info.IsDir() {
		cmd.Dir = filepath.Dir(path)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res := commandResult{output: out.String()}
	if cmd.ProcessState != nil {
		res.exitCode = cmd.ProcessState.ExitCode()
	}

	if cause := context.Cause(ctx); cause != nil {
		return res, cause
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("command exited with status %d", exitErr.ExitCode())
		}
		return res, fmt.Errorf("failed to run command: %w", err)
	}
	return res, nil
}

// ExpandCommand substitutes {path}, {dir}, {file}, {name} and {ext} with
// shell-quoted values
func ExpandCommand(template, path string) string {
	base := filepath.Base(path)
	stem, ext := splitName(base)
	return strings.NewReplacer(
		"{path}", shellQuote(path),
		"{dir}", shellQuote(filepath.Dir(path)),
		"{file}", shellQuote(base),
		"{name}", shellQuote(stem),
		"{ext}", shellQuote(strings.TrimPrefix(ext, ".")),
	).Replace(template)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// boundedBuffer keeps the first max bytes written and drops the rest
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	s := strings.TrimRight(b.buf.String(), "\n")
	if b.truncated {
		s += "\n[output truncated]"
	}
	return s
}
