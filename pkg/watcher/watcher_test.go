package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.RawEvent
}

func (r *recorder) Observe(ev models.RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) saw(path string, kind models.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Path == path && ev.Kind == kind {
			return true
		}
	}
	return false
}

func (r *recorder) sawPath(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Path == path {
			return true
		}
	}
	return false
}

func newWatcher(t *testing.T) (*Watcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	w, err := New(rec)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, rec
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 3*time.Second, 20*time.Millisecond, msg)
}

func TestNonRecursiveWatch(t *testing.T) {
	w, rec := newWatcher(t)
	root := t.TempDir()
	require.Empty(t, w.Reload([]models.WatchedPath{{Path: root}}))

	file := filepath.Join(root, "report.pdf")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	eventually(t, func() bool { return rec.saw(file, models.EventCreated) }, "create reported")

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	eventually(t, func() bool { return rec.saw(sub, models.EventCreated) }, "subdir create reported")

	nested := filepath.Join(sub, "nested.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.False(t, rec.sawPath(nested), "non-recursive watch ignores descendants")

	require.NoError(t, os.Remove(file))
	eventually(t, func() bool { return rec.saw(file, models.EventRemoved) }, "remove reported")
}

func TestRecursiveWatchPicksUpNewDirectories(t *testing.T) {
	w, rec := newWatcher(t)
	root := t.TempDir()
	existing := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(existing, 0755))
	require.Empty(t, w.Reload([]models.WatchedPath{{Path: root, Recursive: true}}))

	deep := filepath.Join(existing, "deep.txt")
	require.NoError(t, os.WriteFile(deep, []byte("x"), 0644))
	eventually(t, func() bool { return rec.saw(deep, models.EventCreated) }, "existing descendant watched")

	fresh := filepath.Join(root, "new")
	require.NoError(t, os.Mkdir(fresh, 0755))
	eventually(t, func() bool { return rec.saw(fresh, models.EventCreated) }, "new directory reported")

	inFresh := filepath.Join(fresh, "late.txt")
	eventually(t, func() bool {
		os.WriteFile(inFresh, []byte("x"), 0644)
		return rec.sawPath(inFresh)
	}, "new directory is watched")
}

func TestRenameReportsOldName(t *testing.T) {
	w, rec := newWatcher(t)
	root := t.TempDir()
	old := filepath.Join(root, "old.txt")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	require.Empty(t, w.Reload([]models.WatchedPath{{Path: root}}))

	renamed := filepath.Join(root, "new.txt")
	require.NoError(t, os.Rename(old, renamed))
	eventually(t, func() bool { return rec.saw(old, models.EventRenamed) }, "old name reported as renamed")
	eventually(t, func() bool { return rec.saw(renamed, models.EventCreated) }, "new name reported as created")
}

func TestReloadSkipsMissingRoots(t *testing.T) {
	w, rec := newWatcher(t)
	good := t.TempDir()
	missing := filepath.Join(t.TempDir(), "nope")

	errs := w.Reload([]models.WatchedPath{{Path: missing}, {Path: good}})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], models.ErrWatchSubscribeFailed)
	assert.Equal(t, []models.WatchedPath{{Path: good}}, w.Roots())

	file := filepath.Join(good, "still.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	eventually(t, func() bool { return rec.sawPath(file) }, "valid root still watched")
}

func TestReloadDiffsSubscriptions(t *testing.T) {
	w, rec := newWatcher(t)
	a, b := t.TempDir(), t.TempDir()

	require.Empty(t, w.Reload([]models.WatchedPath{{Path: a}}))
	require.Empty(t, w.Reload([]models.WatchedPath{{Path: a}, {Path: b}}))

	inA := filepath.Join(a, "one.txt")
	inB := filepath.Join(b, "two.txt")
	require.NoError(t, os.WriteFile(inA, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(inB, []byte("x"), 0644))
	eventually(t, func() bool { return rec.sawPath(inA) && rec.sawPath(inB) }, "both roots watched")

	require.Empty(t, w.Reload([]models.WatchedPath{{Path: b}}))
	dropped := filepath.Join(a, "dropped.txt")
	require.NoError(t, os.WriteFile(dropped, []byte("x"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.False(t, rec.sawPath(dropped), "stale root unsubscribed")
	assert.Len(t, w.Roots(), 1)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/a/b", "/a/b"))
	assert.True(t, within("/a/b", "/a/b/c"))
	assert.False(t, within("/a/b", "/a/bc"))
	assert.False(t, within("/a/b/c", "/a/b"))
}

func TestWatcherLogsThroughSharedLogger(t *testing.T) {
	w, _ := newWatcher(t)
	assert.Same(t, logger.GetLogger(), w.log.Logger)
}
