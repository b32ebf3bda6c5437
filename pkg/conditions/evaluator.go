// Package conditions evaluates rule conditions against file metadata.
package conditions

import (
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prismon/hazelnut/internal/models"
)

const patternCacheSize = 256

type matcher interface {
	Match(string) bool
}

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) Match(s string) bool { return m.re.MatchString(s) }

type never struct{}

func (never) Match(string) bool { return false }

// Evaluator matches conditions against metadata. It holds only a cache of
// compiled name patterns and is safe for concurrent use.
type Evaluator struct {
	patterns *lru.Cache[string, matcher]
	now      func() time.Time
}

// NewEvaluator creates an evaluator using the wall clock for age checks
func NewEvaluator() *Evaluator {
	return NewEvaluatorWithClock(time.Now)
}

// NewEvaluatorWithClock creates an evaluator with an injected clock
func NewEvaluatorWithClock(now func() time.Time) *Evaluator {
	cache, _ := lru.New[string, matcher](patternCacheSize)
	return &Evaluator{patterns: cache, now: now}
}

// Matches reports whether meta satisfies cond. Unknown variants and
// uncompilable patterns never match.
func (e *Evaluator) Matches(cond models.Condition, meta models.FileMetadata) bool {
	switch cond.Type {
	case models.ConditionExtension:
		return matchExtension(cond.Extensions, meta.Name)
	case models.ConditionName:
		return e.pattern(cond.PatternKind, cond.Pattern).Match(meta.Name)
	case models.ConditionSize:
		return compare(cond.Comparator, meta.Size, cond.Bytes)
	case models.ConditionAge:
		return compare(cond.Comparator, e.ageDays(meta.ModTime), cond.Days)
	case models.ConditionHidden:
		return meta.Hidden == cond.Value
	case models.ConditionIsDirectory:
		return meta.IsDir == cond.Value
	case models.ConditionAllOf:
		for _, sub := range cond.Conditions {
			if !e.Matches(sub, meta) {
				return false
			}
		}
		return true
	case models.ConditionAnyOf:
		for _, sub := range cond.Conditions {
			if e.Matches(sub, meta) {
				return true
			}
		}
		return false
	}
	return false
}

func matchExtension(exts []string, name string) bool {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return false
	}
	ext := name[dot+1:]
	for _, want := range exts {
		if strings.EqualFold(strings.TrimPrefix(want, "."), ext) {
			return true
		}
	}
	return false
}

func compare(cmp models.Comparator, actual, threshold int64) bool {
	switch cmp {
	case models.GreaterThan:
		return actual > threshold
	case models.LessThan:
		return actual < threshold
	case models.Equal:
		return actual == threshold
	}
	return false
}

// ageDays truncates to whole days. A zero mod time (no metadata) is age 0.
func (e *Evaluator) ageDays(mod time.Time) int64 {
	if mod.IsZero() {
		return 0
	}
	age := e.now().Sub(mod)
	if age < 0 {
		return 0
	}
	return int64(age / (24 * time.Hour))
}

func (e *Evaluator) pattern(kind models.PatternKind, pattern string) matcher {
	if kind == "" {
		kind = models.PatternGlob
	}
	key := string(kind) + "\x00" + pattern
	if m, ok := e.patterns.Get(key); ok {
		return m
	}

	var m matcher = never{}
	switch kind {
	case models.PatternGlob:
		if g, err := glob.Compile(pattern); err == nil {
			m = g
		}
	case models.PatternRegex:
		if re, err := regexp.Compile(anchor(pattern)); err == nil {
			m = regexMatcher{re: re}
		}
	}
	e.patterns.Add(key, m)
	return m
}

// anchor makes a regex match the whole name unless the user anchored it
func anchor(pattern string) string {
	if strings.HasPrefix(pattern, "^") || strings.HasSuffix(pattern, "$") {
		return pattern
	}
	return "^(?:" + pattern + ")$"
}
