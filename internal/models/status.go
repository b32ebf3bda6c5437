package models

import "time"

// ServiceState is a state of the background service
type ServiceState string

const (
	StateStopped   ServiceState = "stopped"
	StateStarting  ServiceState = "starting"
	StateRunning   ServiceState = "running"
	StateReloading ServiceState = "reloading"
	StateStopping  ServiceState = "stopping"
	StateCrashed   ServiceState = "crashed"
)

// DaemonStatus is the process-wide status snapshot served to clients.
// Identical service states marshal to identical bytes.
type DaemonStatus struct {
	Running        bool               `json:"running"`
	State          ServiceState       `json:"state"`
	PID            int                `json:"pid"`
	StartedAt      time.Time          `json:"started_at"`
	WatchedPaths   int                `json:"watched_paths"`
	RuleCount      int                `json:"rule_count"`
	RecentOutcomes []ExecutionOutcome `json:"recent_outcomes"`
	LastError      string             `json:"last_error,omitempty"`
}

// RuleStats summarizes a rule's activity
type RuleStats struct {
	Matched   int64     `json:"matched"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}

// RuleInfo is a rule plus its activity summary, as returned by list_rules
type RuleInfo struct {
	Rule
	Stats RuleStats `json:"stats"`
}
