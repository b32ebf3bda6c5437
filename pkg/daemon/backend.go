package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/config"
	"github.com/prismon/hazelnut/pkg/control"
	"github.com/prismon/hazelnut/pkg/database"
	"github.com/prismon/hazelnut/pkg/rules"
)

var _ control.Backend = (*Service)(nil)

// Status builds the current status snapshot. Rule count and recent
// outcomes are only reported while the service has an engine.
func (s *Service) Status() models.DaemonStatus {
	s.mu.RLock()
	st := models.DaemonStatus{
		State:     s.state,
		Running:   s.state == models.StateRunning || s.state == models.StateReloading,
		StartedAt: s.startedAt,
		LastError: s.lastErr,
	}
	engine, w, recent := s.engine, s.watcher, s.settings.RecentOutcomes
	s.mu.RUnlock()

	if st.Running {
		st.PID = os.Getpid()
	}
	if w != nil {
		st.WatchedPaths = len(w.Roots())
	}
	if engine != nil {
		st.RuleCount = engine.RuleCount()
		if recent <= 0 {
			recent = 20
		}
		st.RecentOutcomes = engine.Tail(recent)
	}
	if st.RecentOutcomes == nil {
		st.RecentOutcomes = []models.ExecutionOutcome{}
	}
	return st
}

func (s *Service) runningEngine() (*rules.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil || (s.state != models.StateRunning && s.state != models.StateReloading) {
		return nil, fmt.Errorf("service is %w", models.ErrNotRunning)
	}
	return s.engine, nil
}

// ListRules returns every rule with its activity counters
func (s *Service) ListRules() []models.RuleInfo {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine == nil {
		return []models.RuleInfo{}
	}

	current := engine.Rules()
	out := make([]models.RuleInfo, len(current))
	for i, r := range current {
		out[i] = models.RuleInfo{Rule: r, Stats: engine.Stats(r.ID)}
	}
	return out
}

// AddRule adds a rule and persists the rule set
func (s *Service) AddRule(rule models.Rule) (models.Rule, error) {
	engine, err := s.runningEngine()
	if err != nil {
		return models.Rule{}, err
	}
	if err := config.NormalizeRule(&rule); err != nil {
		return models.Rule{}, fmt.Errorf("%w: %v", models.ErrInvalidRule, err)
	}
	added, err := engine.AddRule(rule)
	if err != nil {
		return models.Rule{}, err
	}
	s.persist(engine)
	return added, nil
}

// EditRule replaces a rule and persists the rule set
func (s *Service) EditRule(rule models.Rule) (models.Rule, error) {
	engine, err := s.runningEngine()
	if err != nil {
		return models.Rule{}, err
	}
	if err := config.NormalizeRule(&rule); err != nil {
		return models.Rule{}, fmt.Errorf("%w: %v", models.ErrInvalidRule, err)
	}
	edited, err := engine.EditRule(rule)
	if err != nil {
		return models.Rule{}, err
	}
	s.persist(engine)
	return edited, nil
}

// DeleteRule removes a rule and persists the rule set
func (s *Service) DeleteRule(id string) error {
	engine, err := s.runningEngine()
	if err != nil {
		return err
	}
	if err := engine.DeleteRule(id); err != nil {
		return err
	}
	s.persist(engine)
	return nil
}

// ToggleRule flips or sets a rule's enabled flag and persists the rule set
func (s *Service) ToggleRule(id string, enabled *bool) (models.Rule, error) {
	engine, err := s.runningEngine()
	if err != nil {
		return models.Rule{}, err
	}
	rule, err := engine.ToggleRule(id, enabled)
	if err != nil {
		return models.Rule{}, err
	}
	s.persist(engine)
	return rule, nil
}

// persist writes the engine's rule set back to the configuration. A
// failure leaves the in-memory change in place and is surfaced as the
// last error.
func (s *Service) persist(engine *rules.Engine) {
	defer s.publish()
	if s.saver == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.saver.SaveRules(engine.Rules()); err != nil {
		log.WithError(err).Warn("Failed to persist rules")
		s.setLastError(err)
	}
}

// TailLog returns at most n of the most recent outcomes, oldest first
func (s *Service) TailLog(n int) ([]models.ExecutionOutcome, error) {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine == nil {
		return s.opts.StateDir.ReadActivity(n)
	}
	return engine.Tail(n), nil
}

// History queries the persisted outcome history
func (s *Service) History(ctx context.Context, p control.HistoryParams) ([]models.ExecutionOutcome, error) {
	s.mu.RLock()
	history := s.history
	s.mu.RUnlock()
	if history == nil {
		return nil, fmt.Errorf("outcome history is %w", models.ErrNotFound)
	}
	return history.Query(ctx, database.HistoryFilter{
		RuleID: p.RuleID,
		Path:   p.Path,
		Result: p.Result,
		Since:  p.Since,
		Limit:  p.Limit,
	})
}
