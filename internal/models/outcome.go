package models

import "time"

// OutcomeResult is the result of applying one action to one path
type OutcomeResult string

const (
	ResultSuccess OutcomeResult = "success"
	ResultSkipped OutcomeResult = "skipped"
	ResultFailed  OutcomeResult = "failed"
	ResultAborted OutcomeResult = "aborted"
)

// ExecutionOutcome is one entry of the activity log
type ExecutionOutcome struct {
	RuleID      string        `json:"rule_id"`
	RuleName    string        `json:"rule_name,omitempty"`
	Path        string        `json:"path"`
	Action      Action        `json:"action"`
	Result      OutcomeResult `json:"result"`
	Reason      string        `json:"reason,omitempty"`
	Destination string        `json:"destination,omitempty"`
	Output      string        `json:"output,omitempty"`
	ExitCode    int           `json:"exit_code,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Success reports whether the action completed
func (o ExecutionOutcome) Success() bool {
	return o.Result == ResultSuccess
}
