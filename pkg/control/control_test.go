package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	status  models.DaemonStatus
	rules   []models.Rule
	stopped bool
	reload  error
}

func (f *fakeBackend) Status() models.DaemonStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBackend) setStatus(st models.DaemonStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

func (f *fakeBackend) ListRules() []models.RuleInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RuleInfo, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, models.RuleInfo{Rule: r})
	}
	return out
}

func (f *fakeBackend) AddRule(r models.Rule) (models.Rule, error) {
	if err := r.Validate(); err != nil {
		return models.Rule{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = fmt.Sprintf("id-%d", len(f.rules)+1)
	f.rules = append(f.rules, r)
	return r, nil
}

func (f *fakeBackend) EditRule(r models.Rule) (models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rules {
		if f.rules[i].ID == r.ID {
			f.rules[i] = r
			return r, nil
		}
	}
	return models.Rule{}, fmt.Errorf("rule %s: %w", r.ID, models.ErrNotFound)
}

func (f *fakeBackend) DeleteRule(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rules {
		if f.rules[i].ID == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
}

func (f *fakeBackend) ToggleRule(id string, enabled *bool) (models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rules {
		if f.rules[i].ID == id {
			if enabled != nil {
				f.rules[i].Enabled = *enabled
			} else {
				f.rules[i].Enabled = !f.rules[i].Enabled
			}
			return f.rules[i], nil
		}
	}
	return models.Rule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
}

func (f *fakeBackend) Reload() error { return f.reload }

func (f *fakeBackend) RequestStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeBackend) TailLog(n int) ([]models.ExecutionOutcome, error) {
	out := []models.ExecutionOutcome{}
	for i := 0; i < n && i < 3; i++ {
		out = append(out, models.ExecutionOutcome{Path: fmt.Sprintf("/%d", i)})
	}
	return out, nil
}

func (f *fakeBackend) History(_ context.Context, p HistoryParams) ([]models.ExecutionOutcome, error) {
	return []models.ExecutionOutcome{{RuleID: p.RuleID, Result: models.ResultSuccess}}, nil
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hzctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, b Backend) (*Server, *Client) {
	t.Helper()
	sock := socketPath(t)
	srv := NewServer(b, sock, ServerOptions{})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, NewClient(sock)
}

func rawPost(t *testing.T, sock string, body []byte) (int, Response) {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	resp, err := client.Post("http://hazelnutd"+requestPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestClientWhenDaemonNotRunning(t *testing.T) {
	c := NewClient(socketPath(t))
	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, models.ErrNotRunning)

	err = c.Subscribe(context.Background(), func(models.DaemonStatus) bool { return false })
	assert.ErrorIs(t, err, models.ErrNotRunning)
}

func TestRuleOperationsRoundTrip(t *testing.T) {
	b := &fakeBackend{status: models.DaemonStatus{Running: true, State: models.StateRunning, PID: 42}}
	_, c := startServer(t, b)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, st.PID)
	assert.Equal(t, models.StateRunning, st.State)

	added, err := c.AddRule(ctx, models.Rule{
		Name:      "pdfs",
		Enabled:   true,
		Condition: models.HasExtension("pdf"),
		Actions:   []models.Action{models.MoveTo("/docs")},
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", added.ID)

	rules, err := c.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.HasExtension("pdf"), rules[0].Condition)

	off := false
	toggled, err := c.ToggleRule(ctx, "id-1", &off)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)

	added.Name = "renamed"
	edited, err := c.EditRule(ctx, added)
	require.NoError(t, err)
	assert.Equal(t, "renamed", edited.Name)

	require.NoError(t, c.DeleteRule(ctx, "id-1"))
	err = c.DeleteRule(ctx, "id-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	var remote *Error
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, models.KindNotFound, remote.Kind)

	_, err = c.AddRule(ctx, models.Rule{Name: "no actions"})
	assert.ErrorIs(t, err, models.ErrInvalidRule)
}

func TestLogStopAndReload(t *testing.T) {
	b := &fakeBackend{reload: fmt.Errorf("%w: bad toml", models.ErrConfigInvalid)}
	_, c := startServer(t, b)
	ctx := context.Background()

	tail, err := c.TailLog(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	hist, err := c.History(ctx, HistoryParams{RuleID: "r"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "r", hist[0].RuleID)

	assert.ErrorIs(t, c.Reload(ctx), models.ErrConfigInvalid)

	require.NoError(t, c.Stop(ctx))
	b.mu.Lock()
	assert.True(t, b.stopped)
	b.mu.Unlock()
}

func TestMalformedAndOversizedRequests(t *testing.T) {
	srv, c := startServer(t, &fakeBackend{})

	code, resp := rawPost(t, srv.socket, []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindProtocol, resp.Error.Kind)

	big := `{"op":"get_status","params":"` + strings.Repeat("x", MaxRequestBytes) + `"}`
	code, resp = rawPost(t, srv.socket, []byte(big))
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindProtocol, resp.Error.Kind)

	_, resp = rawPost(t, srv.socket, []byte(`{"op":"explode"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindProtocol, resp.Error.Kind)

	_, resp = rawPost(t, srv.socket, []byte(`{"op":"delete_rule"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.KindProtocol, resp.Error.Kind)

	_, err := c.Status(context.Background())
	assert.NoError(t, err)
}

func TestSubscribeSendsOnlyChanges(t *testing.T) {
	b := &fakeBackend{status: models.DaemonStatus{State: models.StateStarting}}
	srv, c := startServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []models.ServiceState
	err := c.Subscribe(ctx, func(st models.DaemonStatus) bool {
		got = append(got, st.State)
		switch len(got) {
		case 1:
			// an unchanged snapshot must not produce a message
			srv.Publish(models.DaemonStatus{State: models.StateStarting})
			running := models.DaemonStatus{State: models.StateRunning, Running: true}
			b.setStatus(running)
			srv.Publish(running)
			return true
		default:
			return false
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []models.ServiceState{models.StateStarting, models.StateRunning}, got)

	assert.Eventually(t, func() bool { return srv.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeDeliversShortLivedStates(t *testing.T) {
	b := &fakeBackend{status: models.DaemonStatus{State: models.StateRunning, Running: true}}
	srv, c := startServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []models.ServiceState
	err := c.Subscribe(ctx, func(st models.DaemonStatus) bool {
		got = append(got, st.State)
		if len(got) == 1 {
			// a reload that finishes before the subscriber reads anything
			srv.Publish(models.DaemonStatus{State: models.StateReloading, Running: true})
			srv.Publish(models.DaemonStatus{State: models.StateRunning, Running: true})
		}
		return len(got) < 3
	})
	require.NoError(t, err)
	assert.Equal(t, []models.ServiceState{models.StateRunning, models.StateReloading, models.StateRunning}, got)
}

func TestSubscribeStartsFromLatestPublished(t *testing.T) {
	b := &fakeBackend{status: models.DaemonStatus{State: models.StateStarting}}
	srv, c := startServer(t, b)
	srv.Publish(models.DaemonStatus{State: models.StateRunning, Running: true, RuleCount: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var first models.DaemonStatus
	require.NoError(t, c.Subscribe(ctx, func(st models.DaemonStatus) bool {
		first = st
		return false
	}))
	assert.Equal(t, models.StateRunning, first.State)
	assert.Equal(t, 3, first.RuleCount)
}

func TestSubscribeWithoutStreamFails(t *testing.T) {
	sock := socketPath(t)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	stop := make(chan struct{})
	// accepts the upgrade but never sends a snapshot
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		<-stop
	})}
	go srv.Serve(ln)
	t.Cleanup(func() {
		close(stop)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err = NewClient(sock).Subscribe(ctx, func(models.DaemonStatus) bool { return true })
	assert.ErrorIs(t, err, models.ErrProtocol)
}

func TestShutdownEndsSubscriptions(t *testing.T) {
	b := &fakeBackend{}
	sock := socketPath(t)
	srv := NewServer(b, sock, ServerOptions{})
	require.NoError(t, srv.Start())
	c := NewClient(sock)

	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(context.Background(), func(models.DaemonStatus) bool { return true })
	}()
	require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.NoFileExists(t, sock)
}
