package models

import "errors"

var (
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrWatchSubscribeFailed = errors.New("watch subscribe failed")
	ErrActionFailed         = errors.New("action failed")
	ErrProtocol             = errors.New("protocol error")
	ErrAlreadyRunning       = errors.New("already running")
	ErrTimeout              = errors.New("timeout")
	ErrNotFound             = errors.New("not found")
	ErrNotRunning           = errors.New("not running")
	ErrAborted              = errors.New("aborted")
	ErrInvalidRule          = errors.New("invalid rule")
)

// ErrorKind is the wire name of an error category
type ErrorKind string

const (
	KindConfigInvalid        ErrorKind = "config_invalid"
	KindWatchSubscribeFailed ErrorKind = "watch_subscribe_failed"
	KindActionFailed         ErrorKind = "action_failed"
	KindProtocol             ErrorKind = "protocol"
	KindAlreadyRunning       ErrorKind = "already_running"
	KindTimeout              ErrorKind = "timeout"
	KindNotFound             ErrorKind = "not_found"
	KindNotRunning           ErrorKind = "not_running"
	KindAborted              ErrorKind = "aborted"
	KindInvalidRule          ErrorKind = "invalid_rule"
	KindInternal             ErrorKind = "internal"
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindTimeout, ErrTimeout},
	{KindAborted, ErrAborted},
	{KindConfigInvalid, ErrConfigInvalid},
	{KindWatchSubscribeFailed, ErrWatchSubscribeFailed},
	{KindActionFailed, ErrActionFailed},
	{KindProtocol, ErrProtocol},
	{KindAlreadyRunning, ErrAlreadyRunning},
	{KindNotFound, ErrNotFound},
	{KindNotRunning, ErrNotRunning},
	{KindInvalidRule, ErrInvalidRule},
}

// KindOf maps an error onto its wire kind. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindInternal
}

// SentinelFor returns the sentinel error for a wire kind, or nil for internal/unknown kinds
func SentinelFor(kind ErrorKind) error {
	for _, ks := range kindSentinels {
		if ks.kind == kind {
			return ks.err
		}
	}
	return nil
}
