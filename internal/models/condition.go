package models

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// ConditionType tags a Condition variant
type ConditionType string

const (
	ConditionExtension   ConditionType = "extension"
	ConditionName        ConditionType = "name"
	ConditionSize        ConditionType = "size"
	ConditionAge         ConditionType = "age"
	ConditionHidden      ConditionType = "hidden"
	ConditionIsDirectory ConditionType = "is_directory"
	ConditionAllOf       ConditionType = "all_of"
	ConditionAnyOf       ConditionType = "any_of"
)

// PatternKind selects how a name pattern is interpreted
type PatternKind string

const (
	PatternGlob  PatternKind = "glob"
	PatternRegex PatternKind = "regex"
)

// Comparator is used by size and age conditions
type Comparator string

const (
	GreaterThan Comparator = "gt"
	LessThan    Comparator = "lt"
	Equal       Comparator = "eq"
)

// Condition is a closed tagged variant. Only the fields belonging to Type
// are meaningful:
//
//	extension     Extensions
//	name          Pattern, PatternKind (glob when empty)
//	size          Comparator, Bytes
//	age           Comparator, Days
//	hidden        Value
//	is_directory  Value
//	all_of/any_of Conditions
type Condition struct {
	Type        ConditionType `json:"type" yaml:"type" toml:"type"`
	Extensions  []string      `json:"extensions,omitempty" yaml:"extensions,omitempty" toml:"extensions,omitempty"`
	Pattern     string        `json:"pattern,omitempty" yaml:"pattern,omitempty" toml:"pattern,omitempty"`
	PatternKind PatternKind   `json:"pattern_kind,omitempty" yaml:"pattern_kind,omitempty" toml:"pattern_kind,omitempty"`
	Comparator  Comparator    `json:"comparator,omitempty" yaml:"comparator,omitempty" toml:"comparator,omitempty"`
	Bytes       int64         `json:"bytes,omitempty" yaml:"bytes,omitempty" toml:"bytes,omitempty"`
	Days        int64         `json:"days,omitempty" yaml:"days,omitempty" toml:"days,omitempty"`
	Value       bool          `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
	Conditions  []Condition   `json:"conditions,omitempty" yaml:"conditions,omitempty" toml:"conditions,omitempty"`
}

func HasExtension(exts ...string) Condition {
	return Condition{Type: ConditionExtension, Extensions: exts}
}

func NameGlob(pattern string) Condition {
	return Condition{Type: ConditionName, Pattern: pattern, PatternKind: PatternGlob}
}

func NameRegex(pattern string) Condition {
	return Condition{Type: ConditionName, Pattern: pattern, PatternKind: PatternRegex}
}

func SizeCompare(cmp Comparator, bytes int64) Condition {
	return Condition{Type: ConditionSize, Comparator: cmp, Bytes: bytes}
}

func AgeCompare(cmp Comparator, days int64) Condition {
	return Condition{Type: ConditionAge, Comparator: cmp, Days: days}
}

func IsHidden(v bool) Condition {
	return Condition{Type: ConditionHidden, Value: v}
}

func IsDirectory(v bool) Condition {
	return Condition{Type: ConditionIsDirectory, Value: v}
}

func AllOf(conds ...Condition) Condition {
	return Condition{Type: ConditionAllOf, Conditions: conds}
}

func AnyOf(conds ...Condition) Condition {
	return Condition{Type: ConditionAnyOf, Conditions: conds}
}

// Validate checks the variant's parameters, recursing into compound conditions
func (c Condition) Validate() error {
	switch c.Type {
	case ConditionExtension:
		if len(c.Extensions) == 0 {
			return fmt.Errorf("extension condition requires at least one extension")
		}
	case ConditionName:
		if c.Pattern == "" {
			return fmt.Errorf("name condition requires a pattern")
		}
		switch c.PatternKind {
		case "", PatternGlob:
			if _, err := glob.Compile(c.Pattern); err != nil {
				return fmt.Errorf("invalid glob %q: %w", c.Pattern, err)
			}
		case PatternRegex:
			if _, err := regexp.Compile(c.Pattern); err != nil {
				return fmt.Errorf("invalid regex %q: %w", c.Pattern, err)
			}
		default:
			return fmt.Errorf("unknown pattern kind %q", c.PatternKind)
		}
	case ConditionSize, ConditionAge:
		if !c.Comparator.valid() {
			return fmt.Errorf("%s condition has unknown comparator %q", c.Type, c.Comparator)
		}
		if c.Bytes < 0 || c.Days < 0 {
			return fmt.Errorf("%s condition threshold must not be negative", c.Type)
		}
	case ConditionHidden, ConditionIsDirectory:
	case ConditionAllOf, ConditionAnyOf:
		for i, sub := range c.Conditions {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", c.Type, i, err)
			}
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

func (c Comparator) valid() bool {
	return c == GreaterThan || c == LessThan || c == Equal
}
