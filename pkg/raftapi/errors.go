package raftapi

import (
	"errors"
	"fmt"
)

// Sentinel errors that carry no extra data. Errors with parameters are
// typed below so callers can errors.As() them.
var (
	ErrAlreadyStarted      = errors.New("raftcore: node already started")
	ErrChangeInProgress    = errors.New("raftcore: configuration change already in progress")
	ErrSessionExpired      = errors.New("raftcore: client session expired (serial evicted from cache)")
	ErrInvalidSerial       = errors.New("raftcore: client serial number out of sequence")
	ErrPersistenceFailure  = errors.New("raftcore: durability violation, node must shut down")
	ErrShutdown            = errors.New("raftcore: node stopped")
	ErrTimeout             = errors.New("raftcore: deadline elapsed")
	ErrInsufficientFutures = errors.New("raftcore: strategy unsatisfiable with remaining futures")
)

// NotLeaderError is returned when a command or configuration change is
// submitted to a node that isn't the current leader. Hint, when non-empty,
// names the node this node believes is the leader.
type NotLeaderError struct {
	Hint NodeID
}

func (e *NotLeaderError) Error() string {
	if e.Hint == "" {
		return "raftcore: not leader (no known leader hint)"
	}
	return fmt.Sprintf("raftcore: not leader, hint=%s", e.Hint)
}

// LeadershipLostError is delivered to waiters when the owning node steps
// down from leader before their entry's fate is known.
type LeadershipLostError struct {
	OldTerm Term
	NewTerm Term
}

func (e *LeadershipLostError) Error() string {
	return fmt.Sprintf("raftcore: leadership lost, term %d -> %d", e.OldTerm, e.NewTerm)
}

// CommitTimeoutError is delivered when a waiter's deadline elapses before
// its entry committed and applied. The entry may still commit later; its
// result is simply never delivered to this caller.
type CommitTimeoutError struct {
	Index   Index
	Timeout string // human-readable duration, for logging/diagnostics
}

func (e *CommitTimeoutError) Error() string {
	return fmt.Sprintf("raftcore: commit_timeout at index %d after %s", e.Index, e.Timeout)
}

// ConfigurationRollbackError is returned to the proposer of a configuration
// change that was aborted (e.g. a dangling joint entry the new leader chose
// not to complete).
type ConfigurationRollbackError struct {
	Reason string
}

func (e *ConfigurationRollbackError) Error() string {
	return fmt.Sprintf("raftcore: configuration_rollback: %s", e.Reason)
}

// StateMachineFailureError is delivered when State Machine.Apply returns an
// error; this halts the apply loop until an operator clears the condition.
type StateMachineFailureError struct {
	Index Index
	Inner error
}

func (e *StateMachineFailureError) Error() string {
	return fmt.Sprintf("raftcore: state_machine_failure at index %d: %v", e.Index, e.Inner)
}

func (e *StateMachineFailureError) Unwrap() error { return e.Inner }

// TransportErrorKind classifies an RPC send failure (§4.7).
type TransportErrorKind uint8

const (
	KindNetworkTimeout TransportErrorKind = iota
	KindConnectionRefused
	KindNetworkUnreachable
	KindSerializationError
	KindProtocolError
	KindTemporaryFailure
	KindUnknown
)

func (k TransportErrorKind) String() string {
	switch k {
	case KindNetworkTimeout:
		return "network-timeout"
	case KindConnectionRefused:
		return "connection-refused"
	case KindNetworkUnreachable:
		return "network-unreachable"
	case KindSerializationError:
		return "serialization-error"
	case KindProtocolError:
		return "protocol-error"
	case KindTemporaryFailure:
		return "temporary-failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the error handler should retry an RPC send
// that failed with this classification (§4.7: "The first three and last
// two are retryable; serialization and protocol errors are fatal").
func (k TransportErrorKind) Retryable() bool {
	switch k {
	case KindNetworkTimeout, KindConnectionRefused, KindNetworkUnreachable, KindTemporaryFailure, KindUnknown:
		return true
	default:
		return false
	}
}

// TransportError wraps an RPC send failure with its classification; it is
// only surfaced to callers once internal retries are exhausted.
type TransportError struct {
	Kind  TransportErrorKind
	Inner error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("raftcore: transport_error[%s]: %v", e.Kind, e.Inner)
}

func (e *TransportError) Unwrap() error { return e.Inner }
