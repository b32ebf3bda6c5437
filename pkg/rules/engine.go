// Package rules holds the ordered rule set and runs evaluation passes for
// settled events.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/conditions"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

// scratchPrefix marks temporary files the executor writes while copying or archiving
const scratchPrefix = ".hazelnut-"

const producedCacheSize = 4096

// Applier applies one action to one path
type Applier interface {
	Apply(ctx context.Context, action models.Action, path string) models.ExecutionOutcome
}

// OutcomeSink receives every outcome as it is recorded
type OutcomeSink interface {
	OnOutcome(models.ExecutionOutcome)
}

// Options configures an Engine
type Options struct {
	OutcomeLogSize int
	// SelfEventCooldown ignores events on paths the engine itself just
	// produced; zero disables it
	SelfEventCooldown time.Duration
	Metadata          conditions.MetadataProvider
	Evaluator         *conditions.Evaluator
	Sink              OutcomeSink
}

// Engine evaluates every enabled rule, in order, against each settled
// event and runs the actions of each match.
type Engine struct {
	applier   Applier
	evaluator *conditions.Evaluator
	metadata  conditions.MetadataProvider
	sink      OutcomeSink
	log       *logrus.Entry

	writeMu sync.Mutex
	rules   atomic.Pointer[[]models.Rule]

	locks    *pathLocks
	outcomes *outcomeLog
	produced *expirable.LRU[string, struct{}]

	statsMu sync.Mutex
	stats   map[string]*models.RuleStats

	gateMu   sync.Mutex
	gate     *sync.Cond
	paused   int
	closed   bool
	inflight map[uint64]context.CancelCauseFunc
	nextPass uint64
}

// NewEngine creates an engine with an empty rule set
func NewEngine(applier Applier, opts Options) *Engine {
	if opts.Metadata == nil {
		opts.Metadata = conditions.OSMetadata{}
	}
	if opts.Evaluator == nil {
		opts.Evaluator = conditions.NewEvaluator()
	}
	e := &Engine{
		applier:   applier,
		evaluator: opts.Evaluator,
		metadata:  opts.Metadata,
		sink:      opts.Sink,
		log:       logger.WithName("rules").WithField("component", "rules-engine"),
		locks:     newPathLocks(),
		outcomes:  newOutcomeLog(opts.OutcomeLogSize),
		stats:     make(map[string]*models.RuleStats),
		inflight:  make(map[uint64]context.CancelCauseFunc),
	}
	if opts.SelfEventCooldown > 0 {
		e.produced = expirable.NewLRU[string, struct{}](producedCacheSize, nil, opts.SelfEventCooldown)
	}
	e.gate = sync.NewCond(&e.gateMu)
	empty := []models.Rule{}
	e.rules.Store(&empty)
	return e
}

// HandleEvent runs one evaluation pass and returns the outcomes it
// produced. The pass uses the rule set as it was when the pass began and
// holds the path's execution lock throughout.
func (e *Engine) HandleEvent(ctx context.Context, ev models.SettledEvent) []models.ExecutionOutcome {
	ctx, done, ok := e.begin(ctx)
	if !ok {
		return nil
	}
	defer done()

	rules := *e.rules.Load()

	if strings.HasPrefix(filepath.Base(ev.Path), scratchPrefix) {
		return nil
	}

	unlock := e.locks.Lock(ev.Path)
	defer unlock()

	if ev.Kind != models.EventRemoved && e.producedRecently(ev.Path) {
		e.log.WithField("path", ev.Path).Debug("Ignoring event on a path this engine produced")
		return nil
	}

	meta := conditions.NameOnly(ev.Path)
	if ev.Kind != models.EventRemoved {
		m, err := e.metadata.Stat(ev.Path)
		switch {
		case err == nil:
			meta = m
		case errors.Is(err, os.ErrNotExist):
			meta = m
		default:
			e.log.WithError(err).WithField("path", ev.Path).Warn("Failed to read metadata")
			return nil
		}
	}

	var outcomes []models.ExecutionOutcome
	for _, rule := range rules {
		if !rule.Enabled || !rule.Triggers(ev.Kind) {
			continue
		}
		if !e.evaluator.Matches(rule.Condition, meta) {
			continue
		}
		e.log.WithFields(logrus.Fields{
			"rule": rule.Name,
			"path": ev.Path,
			"kind": ev.Kind,
		}).Debug("Rule matched")
		outcomes = append(outcomes, e.runRule(ctx, rule, ev.Path)...)
	}
	return outcomes
}

// runRule applies the rule's actions in order. After a failure or abort the
// remaining actions are recorded without being run, as are actions after a
// successful trash or delete. Moves and renames carry the file's new
// location forward to later actions.
func (e *Engine) runRule(ctx context.Context, rule models.Rule, path string) []models.ExecutionOutcome {
	outcomes := make([]models.ExecutionOutcome, 0, len(rule.Actions))
	current := path
	var halted models.OutcomeResult
	removed := false

	for _, action := range rule.Actions {
		var out models.ExecutionOutcome
		switch {
		case halted == models.ResultAborted:
			out = models.ExecutionOutcome{Path: current, Action: action, Result: models.ResultAborted, Reason: "aborted", Timestamp: time.Now()}
		case halted == models.ResultFailed:
			out = models.ExecutionOutcome{Path: current, Action: action, Result: models.ResultSkipped, Reason: "previous action failed", Timestamp: time.Now()}
		case removed:
			out = models.ExecutionOutcome{Path: current, Action: action, Result: models.ResultSkipped, Reason: "source removed", Timestamp: time.Now()}
		default:
			out = e.applier.Apply(ctx, action, current)
		}
		out.RuleID = rule.ID
		out.RuleName = rule.Name

		switch out.Result {
		case models.ResultFailed, models.ResultAborted:
			if halted == "" {
				halted = out.Result
			}
		case models.ResultSuccess:
			if action.RemovesSource() {
				removed = true
			}
			if out.Destination != "" {
				e.markProduced(out.Destination)
				if action.MovesSource() {
					current = out.Destination
				}
			}
		}

		e.record(out)
		outcomes = append(outcomes, out)
	}

	e.updateStats(rule.ID, halted == "")
	return outcomes
}

func (e *Engine) record(o models.ExecutionOutcome) {
	e.outcomes.add(o)
	if e.sink != nil {
		e.sink.OnOutcome(o)
	}
}

func (e *Engine) updateStats(ruleID string, ok bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s, exists := e.stats[ruleID]
	if !exists {
		s = &models.RuleStats{}
		e.stats[ruleID] = s
	}
	s.Matched++
	if ok {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.LastRunAt = time.Now()
}

// Stats returns activity counters for a rule since the engine started
func (e *Engine) Stats(ruleID string) models.RuleStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if s, ok := e.stats[ruleID]; ok {
		return *s
	}
	return models.RuleStats{}
}

func (e *Engine) markProduced(path string) {
	if e.produced != nil {
		e.produced.Add(path, struct{}{})
	}
}

func (e *Engine) producedRecently(path string) bool {
	if e.produced == nil {
		return false
	}
	_, ok := e.produced.Get(path)
	return ok
}

// Tail returns at most n of the most recent outcomes, oldest first
func (e *Engine) Tail(n int) []models.ExecutionOutcome {
	return e.outcomes.tail(n)
}

// begin registers an in-flight pass. It blocks while the engine is
// quiesced and refuses new passes once the engine is closed.
func (e *Engine) begin(parent context.Context) (context.Context, func(), bool) {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	for e.paused > 0 && !e.closed {
		e.gate.Wait()
	}
	if e.closed {
		return nil, nil, false
	}

	e.nextPass++
	id := e.nextPass
	ctx, cancel := context.WithCancelCause(parent)
	e.inflight[id] = cancel

	return ctx, func() {
		cancel(nil)
		e.gateMu.Lock()
		delete(e.inflight, id)
		if len(e.inflight) == 0 {
			e.gate.Broadcast()
		}
		e.gateMu.Unlock()
	}, true
}

// abortGrace bounds how long aborted passes get to record their outcomes
const abortGrace = 2 * time.Second

// Quiesce stops new passes from starting and waits up to timeout for
// in-flight passes to finish. Passes still running after that are aborted.
// It returns the number of aborted passes and a resume function.
func (e *Engine) Quiesce(timeout time.Duration) (int, func()) {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	e.paused++

	aborted := 0
	if !e.waitIdleLocked(timeout) {
		aborted = len(e.inflight)
		e.log.WithField("passes", aborted).Warn("Drain timed out, aborting in-flight passes")
		for _, cancel := range e.inflight {
			cancel(models.ErrAborted)
		}
		e.waitIdleLocked(abortGrace)
	}

	var once sync.Once
	return aborted, func() {
		once.Do(func() {
			e.gateMu.Lock()
			e.paused--
			e.gate.Broadcast()
			e.gateMu.Unlock()
		})
	}
}

// waitIdleLocked waits on the gate until no passes are in flight or the
// timeout expires. gateMu must be held.
func (e *Engine) waitIdleLocked(timeout time.Duration) bool {
	expired := false
	timer := time.AfterFunc(timeout, func() {
		e.gateMu.Lock()
		expired = true
		e.gate.Broadcast()
		e.gateMu.Unlock()
	})
	defer timer.Stop()

	for len(e.inflight) > 0 && !expired {
		e.gate.Wait()
	}
	return len(e.inflight) == 0
}

// Close drains like Quiesce and then refuses all further passes
func (e *Engine) Close(timeout time.Duration) int {
	aborted, _ := e.Quiesce(timeout)
	e.gateMu.Lock()
	e.closed = true
	e.gate.Broadcast()
	e.gateMu.Unlock()
	return aborted
}

// InFlight returns the number of passes currently running
func (e *Engine) InFlight() int {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	return len(e.inflight)
}

// Rules returns a copy of the current rule set in evaluation order
func (e *Engine) Rules() []models.Rule {
	current := *e.rules.Load()
	out := make([]models.Rule, len(current))
	for i, r := range current {
		out[i] = r.Clone()
	}
	return out
}

// RuleCount returns the number of rules
func (e *Engine) RuleCount() int {
	return len(*e.rules.Load())
}

// Rule looks up a rule by id
func (e *Engine) Rule(id string) (models.Rule, error) {
	for _, r := range *e.rules.Load() {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return models.Rule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
}

// mutate copies the current set, applies fn and publishes the result.
// Writers are serialized; readers keep whatever snapshot they loaded.
func (e *Engine) mutate(fn func(rules []models.Rule) ([]models.Rule, error)) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current := *e.rules.Load()
	next := make([]models.Rule, len(current))
	for i, r := range current {
		next[i] = r.Clone()
	}
	next, err := fn(next)
	if err != nil {
		return err
	}
	e.rules.Store(&next)
	return nil
}

// AddRule validates and appends a rule, assigning an id when it has none
func (e *Engine) AddRule(rule models.Rule) (models.Rule, error) {
	if err := rule.Validate(); err != nil {
		return models.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule = rule.Clone()

	err := e.mutate(func(rules []models.Rule) ([]models.Rule, error) {
		for _, r := range rules {
			if r.ID == rule.ID {
				return nil, fmt.Errorf("%w: id %s already exists", models.ErrInvalidRule, rule.ID)
			}
		}
		return append(rules, rule), nil
	})
	if err != nil {
		return models.Rule{}, err
	}
	e.log.WithFields(logrus.Fields{"id": rule.ID, "rule": rule.Name}).Info("Rule added")
	return rule.Clone(), nil
}

// EditRule replaces the rule with the same id, keeping its position
func (e *Engine) EditRule(rule models.Rule) (models.Rule, error) {
	if err := rule.Validate(); err != nil {
		return models.Rule{}, err
	}
	rule = rule.Clone()

	err := e.mutate(func(rules []models.Rule) ([]models.Rule, error) {
		for i, r := range rules {
			if r.ID == rule.ID {
				rules[i] = rule
				return rules, nil
			}
		}
		return nil, fmt.Errorf("rule %s: %w", rule.ID, models.ErrNotFound)
	})
	if err != nil {
		return models.Rule{}, err
	}
	e.log.WithFields(logrus.Fields{"id": rule.ID, "rule": rule.Name}).Info("Rule updated")
	return rule.Clone(), nil
}

// DeleteRule removes a rule. An unknown id reports ErrNotFound and changes nothing.
func (e *Engine) DeleteRule(id string) error {
	err := e.mutate(func(rules []models.Rule) ([]models.Rule, error) {
		for i, r := range rules {
			if r.ID == id {
				return append(rules[:i], rules[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	})
	if err == nil {
		e.log.WithField("id", id).Info("Rule deleted")
	}
	return err
}

// ToggleRule flips the enabled flag, or sets it when enabled is non-nil
func (e *Engine) ToggleRule(id string, enabled *bool) (models.Rule, error) {
	var updated models.Rule
	err := e.mutate(func(rules []models.Rule) ([]models.Rule, error) {
		for i := range rules {
			if rules[i].ID != id {
				continue
			}
			if enabled != nil {
				rules[i].Enabled = *enabled
			} else {
				rules[i].Enabled = !rules[i].Enabled
			}
			updated = rules[i].Clone()
			return rules, nil
		}
		return nil, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	})
	if err != nil {
		return models.Rule{}, err
	}
	e.log.WithFields(logrus.Fields{"id": id, "enabled": updated.Enabled}).Info("Rule toggled")
	return updated, nil
}

// ReplaceRules swaps in a whole new rule set. Nothing changes unless every
// rule is valid and ids are unique.
func (e *Engine) ReplaceRules(rules []models.Rule) error {
	seen := make(map[string]bool, len(rules))
	next := make([]models.Rule, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if r.ID == "" {
			return fmt.Errorf("%w: rule %q has no id", models.ErrInvalidRule, r.Name)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate id %s", models.ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		next[i] = r.Clone()
	}
	return e.mutate(func([]models.Rule) ([]models.Rule, error) {
		return next, nil
	})
}
