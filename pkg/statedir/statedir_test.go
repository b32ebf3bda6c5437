package statedir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Ensure())
	return d
}

func TestLayout(t *testing.T) {
	d := newDir(t)
	assert.Equal(t, filepath.Join(d.Path(), "hazelnutd.lock"), d.LockPath())
	assert.Equal(t, filepath.Join(d.Path(), "hazelnutd.pid"), d.PIDPath())
	assert.Equal(t, filepath.Join(d.Path(), "activity.jsonl"), d.ActivityPath())
	assert.True(t, strings.HasSuffix(d.SocketPath(), ".sock"))

	long, err := New(filepath.Join(t.TempDir(), strings.Repeat("x", 120)))
	require.NoError(t, err)
	assert.Less(t, len(long.SocketPath()), 104)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HAZELNUT_STATE_DIR", "")
	t.Setenv("XDG_STATE_HOME", "/state")
	assert.Equal(t, "/state/hazelnut", DefaultPath())

	t.Setenv("HAZELNUT_STATE_DIR", "/custom")
	assert.Equal(t, "/custom", DefaultPath())
}

func TestLockIsExclusive(t *testing.T) {
	d := newDir(t)

	first, err := d.AcquireLock()
	require.NoError(t, err)

	second, err := d.AcquireLock()
	assert.Nil(t, second)
	assert.ErrorIs(t, err, models.ErrAlreadyRunning)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "release is idempotent")

	third, err := d.AcquireLock()
	require.NoError(t, err)
	require.NoError(t, third.Release())
}

func TestPIDFile(t *testing.T) {
	d := newDir(t)
	assert.Equal(t, 0, d.RunningPID())

	require.NoError(t, d.WritePID())
	pid, err := d.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, os.Getpid(), d.RunningPID())

	d.RemovePID()
	_, err = os.Stat(d.PIDPath())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(d.PIDPath(), []byte("garbage"), 0644))
	assert.Equal(t, 0, d.RunningPID())
}

func TestProcessUptime(t *testing.T) {
	up, err := ProcessUptime(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, up, time.Duration(0))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0s", FormatUptime(0))
	assert.Equal(t, "59s", FormatUptime(59*time.Second))
	assert.Equal(t, "1m 0s", FormatUptime(time.Minute))
	assert.Equal(t, "1h 2m 3s", FormatUptime(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "0s", FormatUptime(-time.Second))
}

func TestActivityLog(t *testing.T) {
	d := newDir(t)

	empty, err := d.ReadActivity(5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	log, err := d.OpenActivityLog()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, log.Record(models.ExecutionOutcome{
			RuleID: "r",
			Path:   fmt.Sprintf("/tmp/file-%d", i),
			Action: models.Trash(),
			Result: models.ResultSuccess,
		}))
	}
	require.NoError(t, log.Close())
	assert.Error(t, log.Record(models.ExecutionOutcome{}))

	tail, err := d.ReadActivity(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, "/tmp/file-7", tail[0].Path)
	assert.Equal(t, "/tmp/file-9", tail[2].Path)

	all, err := d.ReadActivity(100)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	assert.Equal(t, "/tmp/file-0", all[0].Path)
}

func TestReadActivityIgnoresPartialLine(t *testing.T) {
	d := newDir(t)
	content := `{"rule_id":"a","path":"/x","result":"success"}` + "\n" + `{"rule_id":"b","pa`
	require.NoError(t, os.WriteFile(d.ActivityPath(), []byte(content), 0644))

	got, err := d.ReadActivity(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].RuleID)
}

func TestActivityLogReopenAppends(t *testing.T) {
	d := newDir(t)
	for i := 0; i < 2; i++ {
		log, err := d.OpenActivityLog()
		require.NoError(t, err)
		require.NoError(t, log.Record(models.ExecutionOutcome{RuleID: fmt.Sprint(i)}))
		require.NoError(t, log.Close())
	}
	got, err := d.ReadActivity(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0", got[0].RuleID)
}
