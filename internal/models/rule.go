package models

import (
	"fmt"
	"strings"
)

// DefaultTriggers are the event kinds a rule reacts to when On is empty
var DefaultTriggers = []EventKind{EventCreated, EventModified, EventRenamed}

// Rule pairs a condition tree with an ordered list of actions
type Rule struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Enabled   bool        `json:"enabled"`
	Condition Condition   `json:"condition"`
	Actions   []Action    `json:"actions"`
	On        []EventKind `json:"on,omitempty"`
}

// Validate checks the rule and everything it contains
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: rule %q needs at least one action", ErrInvalidRule, r.Name)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("%w: rule %q condition: %v", ErrInvalidRule, r.Name, err)
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: rule %q action %d: %v", ErrInvalidRule, r.Name, i, err)
		}
	}
	for _, k := range r.On {
		if !k.Valid() {
			return fmt.Errorf("%w: rule %q has unknown trigger %q", ErrInvalidRule, r.Name, k)
		}
	}
	return nil
}

// Triggers reports whether the rule reacts to events of the given kind
func (r Rule) Triggers(kind EventKind) bool {
	on := r.On
	if len(on) == 0 {
		on = DefaultTriggers
	}
	for _, k := range on {
		if k == kind {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can't mutate a published rule set
func (r Rule) Clone() Rule {
	out := r
	out.Condition = r.Condition.clone()
	out.Actions = append([]Action(nil), r.Actions...)
	out.On = append([]EventKind(nil), r.On...)
	return out
}

func (c Condition) clone() Condition {
	out := c
	out.Extensions = append([]string(nil), c.Extensions...)
	if c.Conditions != nil {
		out.Conditions = make([]Condition, len(c.Conditions))
		for i, sub := range c.Conditions {
			out.Conditions[i] = sub.clone()
		}
	}
	return out
}
