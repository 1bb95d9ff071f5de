// Package statemachine declares the application contract (§6): the
// deterministic state machine a consensus node drives by applying
// committed log entries in order. pkg/fsm/kv is the reference in-memory
// key-value example.
package statemachine

import "github.com/cuemby/raftcore/pkg/raftapi"

// StateMachine is applied strictly in log order (Testable Property on
// sequential application, §8). Apply must be deterministic: given the
// same sequence of commands on every node, it must produce the same
// state and the same returned bytes.
type StateMachine interface {
	// Apply executes one committed command and returns its result, to be
	// delivered to whichever client is waiting on this index (if any).
	// A non-nil error halts the apply loop (§4.1 "state machine failure").
	Apply(index raftapi.Index, command []byte) ([]byte, error)

	// Snapshot captures the complete current state as opaque bytes.
	Snapshot() ([]byte, error)

	// Restore replaces the current state wholesale from previously
	// captured snapshot bytes, called during node boot and InstallSnapshot
	// handling.
	Restore(data []byte) error
}
