package peerhub

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by codec, channel and hub operations.
var (
	// ErrInvalidOption is wrapped by every configuration error returned at construction.
	ErrInvalidOption = errors.New("invalid option")
	// ErrEmptyMessage is returned when a data message has no payload.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrProtocolViolation is the root of every fatal framing error.
	// A codec that returned it must not be fed again.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrMessageTooLarge is returned when a header declares more than the configured maximum.
	ErrMessageTooLarge = errors.Wrap(ErrProtocolViolation, "message too large")
	// ErrDesync is returned when a header length cannot be represented.
	ErrDesync = errors.Wrap(ErrProtocolViolation, "stream desynchronized")
	// ErrEncodingMismatch is returned when text is sent on a binary channel or vice versa.
	ErrEncodingMismatch = errors.New("message kind does not match channel encoding")
	// ErrSendFailed is matched by every *SendError.
	ErrSendFailed = errors.New("send failed")
	// ErrChannelOffline is matched by every *OfflineError.
	ErrChannelOffline = errors.New("channel offline")
	// ErrChannelClosed is returned when operating on a disposed channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrPeerClosed is the disconnect cause reported by active monitoring.
	ErrPeerClosed = errors.New("peer closed the connection")
	// ErrListenerFailure marks a fatal accept loop error.
	ErrListenerFailure = errors.New("listener failure")
	// ErrDiscoveryFailure marks a fatal discovery loop error.
	ErrDiscoveryFailure = errors.New("discovery failure")
)

// SendError reports a transport failure while writing to a channel.
type SendError struct {
	Identity Identity
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Identity, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSendFailed }

// OfflineError reports an operation addressed to an identity that is not registered.
type OfflineError struct {
	Identity Identity
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("channel %s is not online", e.Identity)
}

func (e *OfflineError) Is(target error) bool { return target == ErrChannelOffline }

// LoopError reports the permanent stop of a hub background loop.
// Kind is ErrListenerFailure or ErrDiscoveryFailure.
type LoopError struct {
	Kind error
	Err  error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *LoopError) Unwrap() error { return e.Err }

func (e *LoopError) Is(target error) bool { return target == e.Kind }

func invalidOption(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidOption, format, args...)
}
