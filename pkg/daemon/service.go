// Package daemon runs the background service: it owns the watcher, the
// debouncer, the rule engine and the control server for one state
// directory, and moves them through the service lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/actions"
	"github.com/prismon/hazelnut/pkg/config"
	"github.com/prismon/hazelnut/pkg/control"
	"github.com/prismon/hazelnut/pkg/database"
	"github.com/prismon/hazelnut/pkg/debounce"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/prismon/hazelnut/pkg/queue"
	"github.com/prismon/hazelnut/pkg/rules"
	"github.com/prismon/hazelnut/pkg/statedir"
	"github.com/prismon/hazelnut/pkg/watcher"
	"github.com/sirupsen/logrus"
)

var log *logrus.Entry

func init() {
	log = logger.WithName("daemon")
}

const shutdownGrace = 5 * time.Second

// Options configures a Service
type Options struct {
	Source   config.Source
	StateDir *statedir.Dir
	// Saver persists runtime rule edits. When nil and Source is also a
	// Saver, Source is used.
	Saver config.Saver
	// Applier replaces the filesystem executor
	Applier rules.Applier
	// DisableHistory skips the SQLite outcome history
	DisableHistory bool
}

// Service is one instance of the background service
type Service struct {
	opts  Options
	saver config.Saver

	// lifecycle serializes Start, Reload and Stop
	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     models.ServiceState
	startedAt time.Time
	lastErr   string
	settings  config.Settings
	done      chan struct{}

	lock      *statedir.Lock
	activity  *statedir.ActivityLog
	history   *database.HistoryDB
	engine    *rules.Engine
	debouncer *debounce.Debouncer
	watcher   *watcher.Watcher
	pool      *queue.WorkerPool
	server    *control.Server
	pumpDone  chan struct{}

	saveMu sync.Mutex
	// notifyMu keeps published snapshots in the order they were taken
	notifyMu sync.Mutex
}

// New creates a stopped service
func New(opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: no configuration source", models.ErrConfigInvalid)
	}
	if opts.StateDir == nil {
		return nil, fmt.Errorf("no state directory")
	}
	s := &Service{
		opts:  opts,
		saver: opts.Saver,
		state: models.StateStopped,
		done:  make(chan struct{}),
	}
	if s.saver == nil {
		if saver, ok := opts.Source.(config.Saver); ok {
			s.saver = saver
		}
	}
	return s, nil
}

// State returns the current lifecycle state
func (s *Service) State() models.ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed when the current run reaches Stopped or Crashed
func (s *Service) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *Service) setState(state models.ServiceState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	log.WithFields(logrus.Fields{"from": s.state, "to": state}).Info("Service state changed")
	s.state = state
	if state == models.StateStopped || state == models.StateCrashed {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Service) setLastError(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.mu.Lock()
	changed := s.lastErr != msg
	s.lastErr = msg
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

// publish pushes the current status to control channel subscribers
func (s *Service) publish() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()
	if server == nil {
		return
	}
	server.Publish(s.Status())
}

// Start acquires the state directory and brings every component up.
// A second instance on the same state directory fails with
// models.ErrAlreadyRunning.
func (s *Service) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch s.State() {
	case models.StateStopped, models.StateCrashed:
	default:
		return fmt.Errorf("service is %s", s.State())
	}

	s.mu.Lock()
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.setState(models.StateStarting)

	cfg, err := s.opts.Source.Load()
	if err != nil {
		s.setLastError(err)
		s.setState(models.StateStopped)
		return err
	}

	if err := s.opts.StateDir.Ensure(); err != nil {
		return s.crash(err)
	}

	lock, err := s.opts.StateDir.AcquireLock()
	if err != nil {
		s.setLastError(err)
		if errors.Is(err, models.ErrAlreadyRunning) {
			s.setState(models.StateStopped)
			return err
		}
		return s.crash(err)
	}
	s.lock = lock

	if err := s.bringUp(cfg); err != nil {
		return s.crash(err)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.settings = cfg.Settings
	s.mu.Unlock()
	s.setState(models.StateRunning)

	log.WithFields(logrus.Fields{
		"pid":     os.Getpid(),
		"rules":   len(cfg.Rules),
		"watches": len(cfg.Watches),
		"state":   s.opts.StateDir.Path(),
	}).Info("Service running")
	return nil
}

func (s *Service) bringUp(cfg *config.Config) error {
	dir := s.opts.StateDir
	st := cfg.Settings

	if err := dir.WritePID(); err != nil {
		return err
	}

	activity, err := dir.OpenActivityLog()
	if err != nil {
		return err
	}
	s.activity = activity

	if !s.opts.DisableHistory {
		history, err := database.OpenHistory(dir.HistoryPath(), 0)
		if err != nil {
			log.WithError(err).Warn("Outcome history unavailable")
		} else {
			s.history = history
			if _, err := history.Prune(context.Background()); err != nil {
				log.WithError(err).Warn("Failed to prune outcome history")
			}
		}
	}

	applier := s.opts.Applier
	if applier == nil {
		applier = actions.NewExecutor(actions.Options{
			FileTimeout:    st.FileTimeout,
			CommandTimeout: st.CommandTimeout,
			MaxOutputBytes: st.MaxOutputBytes,
			TrashDir:       st.TrashDir,
		})
	}
	engine := rules.NewEngine(applier, rules.Options{
		OutcomeLogSize:    st.OutcomeLogSize,
		SelfEventCooldown: st.SelfEventCooldown,
		Sink:              s,
	})
	if err := engine.ReplaceRules(cfg.Rules); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
	}
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	s.debouncer = debounce.New(st.QuietWindow, st.MaxPending)

	w, err := watcher.New(s.debouncer)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	s.reportWatchErrors(w.Reload(cfg.Watches))

	s.pool = queue.NewWorkerPool(engine, st.MaxConcurrent, st.MaxConcurrent*4)
	s.pool.Start()
	s.pumpDone = make(chan struct{})
	go func(events <-chan models.SettledEvent, done chan struct{}) {
		defer close(done)
		s.pool.Run(context.Background(), events)
	}(s.debouncer.Events(), s.pumpDone)

	server := control.NewServer(s, dir.SocketPath(), control.ServerOptions{})
	if err := server.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()
	return nil
}

func (s *Service) reportWatchErrors(errs []error) {
	for _, err := range errs {
		log.WithError(err).Warn("Skipping watched path")
	}
	if len(errs) > 0 {
		s.setLastError(errs[0])
	}
}

// crash tears down whatever came up and leaves the service Crashed
func (s *Service) crash(err error) error {
	log.WithError(err).Error("Service failed")
	s.setLastError(err)
	s.tearDown(0)
	s.setState(models.StateCrashed)
	return err
}

// Reload re-reads configuration and swaps in the new watches and rules.
// An invalid configuration changes nothing.
func (s *Service) Reload() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != models.StateRunning {
		return fmt.Errorf("service is %w", models.ErrNotRunning)
	}

	cfg, err := s.opts.Source.Load()
	if err != nil {
		log.WithError(err).Warn("Reload rejected, keeping current configuration")
		s.setLastError(err)
		return err
	}

	s.setState(models.StateReloading)
	defer s.setState(models.StateRunning)

	aborted, resume := s.engine.Quiesce(s.drainTimeout())
	defer resume()
	if aborted > 0 {
		log.WithField("passes", aborted).Warn("Aborted passes to apply reload")
	}

	if err := s.engine.ReplaceRules(cfg.Rules); err != nil {
		err = fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
		s.setLastError(err)
		return err
	}
	s.setLastError(nil)
	s.reportWatchErrors(s.watcher.Reload(cfg.Watches))

	log.WithFields(logrus.Fields{
		"rules":   len(cfg.Rules),
		"watches": len(cfg.Watches),
	}).Info("Configuration reloaded")
	return nil
}

func (s *Service) drainTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings.DrainTimeout > 0 {
		return s.settings.DrainTimeout
	}
	return config.DefaultSettings().DrainTimeout
}

// Stop unwinds in reverse start order. In-flight passes get the drain
// timeout to finish; the rest are aborted.
func (s *Service) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch s.State() {
	case models.StateStopped, models.StateCrashed:
		return nil
	}
	s.setState(models.StateStopping)
	s.tearDown(s.drainTimeout())
	s.setState(models.StateStopped)
	log.Info("Service stopped")
	return nil
}

// RequestStop stops the service without waiting for it
func (s *Service) RequestStop() {
	go func() {
		if err := s.Stop(); err != nil {
			log.WithError(err).Error("Stop failed")
		}
	}()
}

func (s *Service) tearDown(drain time.Duration) {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := s.server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Control server shutdown")
		}
		cancel()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.engine != nil {
		if aborted := s.engine.Close(drain); aborted > 0 {
			log.WithField("passes", aborted).Warn("Aborted in-flight passes")
		}
	}
	if s.debouncer != nil {
		s.debouncer.Close()
	}
	if s.pumpDone != nil {
		<-s.pumpDone
	}
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			log.WithError(err).Warn("Failed to close history")
		}
	}
	if s.activity != nil {
		s.activity.Close()
	}
	if s.lock != nil {
		s.opts.StateDir.RemovePID()
		s.lock.Release()
	}

	s.mu.Lock()
	s.server, s.watcher, s.debouncer, s.pool = nil, nil, nil, nil
	s.history, s.activity, s.lock, s.pumpDone = nil, nil, nil, nil
	s.engine = nil
	s.mu.Unlock()
}

// Run starts the service and serves until ctx is cancelled, a stop
// signal arrives or a client asks it to stop. SIGHUP reloads.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := s.Done()
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				log.Info("SIGHUP received, reloading")
				if err := s.Reload(); err != nil {
					log.WithError(err).Warn("Reload failed")
				}
				continue
			}
			log.WithField("signal", sig.String()).Info("Stop signal received")
			return s.Stop()
		case <-ctx.Done():
			return s.Stop()
		case <-done:
			return nil
		}
	}
}

// OnOutcome appends every outcome to the activity log and the history
func (s *Service) OnOutcome(o models.ExecutionOutcome) {
	s.mu.RLock()
	activity, history := s.activity, s.history
	s.mu.RUnlock()

	if activity != nil {
		if err := activity.Record(o); err != nil {
			log.WithError(err).Warn("Failed to append activity")
		}
	}
	if history != nil {
		history.OnOutcome(o)
	}
	s.publish()
}
