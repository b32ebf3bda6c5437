// Package control is the local request/response channel between the
// hazelnut CLI and the running daemon: JSON over HTTP on a unix socket.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prismon/hazelnut/internal/models"
)

// MaxRequestBytes bounds the size of one request body
const MaxRequestBytes = 1 << 20

const (
	requestPath   = "/v1/request"
	subscribePath = "/v1/subscribe"
)

// Op names a control operation
type Op string

const (
	OpGetStatus  Op = "get_status"
	OpListRules  Op = "list_rules"
	OpAddRule    Op = "add_rule"
	OpEditRule   Op = "edit_rule"
	OpDeleteRule Op = "delete_rule"
	OpToggleRule Op = "toggle_rule"
	OpReload     Op = "reload"
	OpStop       Op = "stop"
	OpTailLog    Op = "tail_log"
	OpHistory    Op = "history"
)

// Request is one control request
type Request struct {
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries either a result or an error, never both
type Response struct {
	OK    json.RawMessage `json:"ok,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// WireError is the serialized form of a failed request
type WireError struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// RuleParams carries a rule for add_rule and edit_rule
type RuleParams struct {
	Rule models.Rule `json:"rule"`
}

// IDParams carries a rule id for delete_rule
type IDParams struct {
	ID string `json:"id"`
}

// ToggleParams flips a rule, or sets it when Enabled is present
type ToggleParams struct {
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// TailParams asks for the last N outcomes
type TailParams struct {
	N int `json:"n"`
}

// HistoryParams filters persisted outcome history
type HistoryParams struct {
	RuleID string               `json:"rule_id,omitempty"`
	Path   string               `json:"path,omitempty"`
	Result models.OutcomeResult `json:"result,omitempty"`
	Since  time.Time            `json:"since,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// Error is a failure reported by the daemon. It matches the models
// sentinel for its kind under errors.Is.
type Error struct {
	Kind    models.ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the sentinel error for the kind
func (e *Error) Is(target error) bool {
	sentinel := models.SentinelFor(e.Kind)
	return sentinel != nil && errors.Is(sentinel, target)
}

func errorResponse(err error) Response {
	return Response{Error: &WireError{Kind: models.KindOf(err), Message: err.Error()}}
}

func okResponse(v any) Response {
	if v == nil {
		v = struct{}{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(fmt.Errorf("failed to encode result: %w", err))
	}
	return Response{OK: data}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", models.ErrProtocol)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: bad params: %v", models.ErrProtocol, err)
	}
	return nil
}
