package models

import "time"

// EventKind classifies a filesystem change
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventRemoved  EventKind = "removed"
	EventRenamed  EventKind = "renamed"
)

// Valid reports whether k is one of the known event kinds
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventModified, EventRemoved, EventRenamed:
		return true
	}
	return false
}

// WatchedPath is a directory the watcher subscribes to
type WatchedPath struct {
	Path      string `json:"path" yaml:"path" toml:"path"`
	Recursive bool   `json:"recursive" yaml:"recursive" toml:"recursive"`
}

// RawEvent is a single, unfiltered notification from the OS layer
type RawEvent struct {
	Path       string    `json:"path"`
	Kind       EventKind `json:"kind"`
	ObservedAt time.Time `json:"observed_at"`
}

// SettledEvent is emitted once a path's activity has quiesced
type SettledEvent struct {
	Path      string    `json:"path"`
	Kind      EventKind `json:"kind"`
	SettledAt time.Time `json:"settled_at"`
}

// FileMetadata is what the condition evaluator sees of a file
type FileMetadata struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
	Hidden  bool      `json:"hidden"`
	Exists  bool      `json:"exists"`
}
