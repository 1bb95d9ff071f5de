// Package errcls implements the error handler (§4.7): classification of
// transport failures, exponential backoff with jitter, and the
// partition-suspected heuristic.
package errcls

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// Classify maps a raw error from a Transport call into a
// raftapi.TransportErrorKind. A nil error classifies as KindUnknown;
// unrecognized errors classify as KindTemporaryFailure, which §4.7 treats
// as retryable — an unfamiliar failure is assumed transient rather than
// fatal.
func Classify(err error) raftapi.TransportErrorKind {
	if err == nil {
		return raftapi.KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return raftapi.KindNetworkTimeout
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, context.DeadlineExceeded):
			return raftapi.KindNetworkTimeout
		case isConnRefused(opErr):
			return raftapi.KindConnectionRefused
		default:
			return raftapi.KindNetworkUnreachable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return raftapi.KindNetworkTimeout
	}

	var serErr *SerializationError
	if errors.As(err, &serErr) {
		return raftapi.KindSerializationError
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return raftapi.KindProtocolError
	}

	return raftapi.KindTemporaryFailure
}

func isConnRefused(opErr *net.OpError) bool {
	var sysErr interface{ Error() string }
	if errors.As(opErr.Err, &sysErr) {
		return opErr.Op == "dial"
	}
	return false
}

// SerializationError marks a request/response codec failure — fatal, per
// §4.7, since retrying an un-encodable message never succeeds.
type SerializationError struct{ Inner error }

func (e *SerializationError) Error() string { return "errcls: serialization error: " + e.Inner.Error() }
func (e *SerializationError) Unwrap() error { return e.Inner }

// ProtocolError marks a peer response that violates the wire contract
// (unexpected verb, malformed envelope) — also fatal.
type ProtocolError struct{ Inner error }

func (e *ProtocolError) Error() string { return "errcls: protocol error: " + e.Inner.Error() }
func (e *ProtocolError) Unwrap() error { return e.Inner }

// RetryPolicy configures exponential backoff with full jitter for
// retryable RPC failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the computed delay to randomize, [0,1]
}

// DefaultRetryPolicy mirrors the defaults used by the reference CLI
// harness: five attempts, 50ms base, 2s cap, full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      1.0,
	}
}

// DelayForAttempt returns the backoff delay before retry attempt n
// (1-based), with exponential growth capped at MaxDelay and the
// configured jitter fraction applied.
func (p RetryPolicy) DelayForAttempt(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay << uint(n-1)
	if delay <= 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter <= 0 {
		return delay
	}
	jitterRange := time.Duration(float64(delay) * p.Jitter)
	if jitterRange <= 0 {
		return delay
	}
	return delay - jitterRange + time.Duration(rand.Int63n(int64(jitterRange)+1))
}

// Do retries fn according to p, stopping early if the classified error is
// not retryable, ctx is done, or attempts are exhausted. It returns the
// last error observed.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		kind := Classify(lastErr)
		if !kind.Retryable() {
			return &raftapi.TransportError{Kind: kind, Inner: lastErr}
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.DelayForAttempt(attempt)):
		}
	}
	return &raftapi.TransportError{Kind: Classify(lastErr), Inner: lastErr}
}

// PartitionDetector implements the partition-suspected heuristic: it
// fires when a node has failed to hear from a majority of peers for
// longer than Threshold. It is driven by RecordSuccess calls from the
// RPC client wrapper and polled via Suspected.
type PartitionDetector struct {
	Threshold time.Duration

	lastSuccess map[raftapi.NodeID]time.Time
	total       int
}

// NewPartitionDetector builds a detector for a cluster of the given
// member IDs.
func NewPartitionDetector(members []raftapi.NodeID, threshold time.Duration) *PartitionDetector {
	d := &PartitionDetector{
		Threshold:   threshold,
		lastSuccess: make(map[raftapi.NodeID]time.Time, len(members)),
		total:       len(members),
	}
	now := time.Now()
	for _, m := range members {
		d.lastSuccess[m] = now
	}
	return d
}

// RecordSuccess marks a successful RPC round trip with peer at t.
func (d *PartitionDetector) RecordSuccess(peer raftapi.NodeID, t time.Time) {
	d.lastSuccess[peer] = t
}

// Suspected reports whether, as of now, this node has been unable to
// reach a majority of peers (itself excluded) within Threshold —
// suggesting a network partition rather than isolated peer failures.
func (d *PartitionDetector) Suspected(now time.Time) bool {
	if d.total == 0 {
		return false
	}
	stale := 0
	for _, last := range d.lastSuccess {
		if now.Sub(last) > d.Threshold {
			stale++
		}
	}
	return stale >= d.total/2+1
}
