package models

import (
	"fmt"
	"strings"
)

// ActionType tags an Action variant
type ActionType string

const (
	ActionMove    ActionType = "move"
	ActionCopy    ActionType = "copy"
	ActionRename  ActionType = "rename"
	ActionTrash   ActionType = "trash"
	ActionDelete  ActionType = "delete"
	ActionRun     ActionType = "run"
	ActionArchive ActionType = "archive"
)

// Action is a closed tagged variant:
//
//	move, copy  Destination (directory), Overwrite
//	rename      Pattern ({name}, {ext}, {date}), Overwrite
//	trash       -
//	delete      -
//	run         Command ({path}, {name}, {ext}, {dir})
//	archive     Destination (.zip file or directory), Overwrite
type Action struct {
	Type        ActionType `json:"type" yaml:"type" toml:"type"`
	Destination string     `json:"destination,omitempty" yaml:"destination,omitempty" toml:"destination,omitempty"`
	Pattern     string     `json:"pattern,omitempty" yaml:"pattern,omitempty" toml:"pattern,omitempty"`
	Command     string     `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Overwrite   bool       `json:"overwrite,omitempty" yaml:"overwrite,omitempty" toml:"overwrite,omitempty"`
}

func MoveTo(dir string) Action       { return Action{Type: ActionMove, Destination: dir} }
func CopyTo(dir string) Action       { return Action{Type: ActionCopy, Destination: dir} }
func RenameTo(pattern string) Action { return Action{Type: ActionRename, Pattern: pattern} }
func Trash() Action                  { return Action{Type: ActionTrash} }
func Delete() Action                 { return Action{Type: ActionDelete} }
func Run(command string) Action      { return Action{Type: ActionRun, Command: command} }
func ArchiveTo(dest string) Action   { return Action{Type: ActionArchive, Destination: dest} }

// Validate checks that the variant carries the parameters it needs
func (a Action) Validate() error {
	switch a.Type {
	case ActionMove, ActionCopy, ActionArchive:
		if strings.TrimSpace(a.Destination) == "" {
			return fmt.Errorf("%s action requires a destination", a.Type)
		}
	case ActionRename:
		if strings.TrimSpace(a.Pattern) == "" {
			return fmt.Errorf("rename action requires a pattern")
		}
		if strings.ContainsAny(a.Pattern, `/\`) {
			return fmt.Errorf("rename pattern %q must not contain a path separator", a.Pattern)
		}
	case ActionRun:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("run action requires a command")
		}
	case ActionTrash, ActionDelete:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// String renders the action for logs and activity output
func (a Action) String() string {
	switch a.Type {
	case ActionMove, ActionCopy, ActionArchive:
		return fmt.Sprintf("%s(%s)", a.Type, a.Destination)
	case ActionRename:
		return fmt.Sprintf("rename(%s)", a.Pattern)
	case ActionRun:
		return fmt.Sprintf("run(%s)", a.Command)
	default:
		return string(a.Type)
	}
}

// MovesSource reports whether a successful action relocates the file it was applied to
func (a Action) MovesSource() bool {
	return a.Type == ActionMove || a.Type == ActionRename
}

// RemovesSource reports whether a successful action leaves nothing at the original path
func (a Action) RemovesSource() bool {
	return a.Type == ActionTrash || a.Type == ActionDelete
}
