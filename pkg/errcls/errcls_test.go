package errcls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want raftapi.TransportErrorKind
	}{
		{"nil", nil, raftapi.KindUnknown},
		{"deadline exceeded", context.DeadlineExceeded, raftapi.KindNetworkTimeout},
		{"serialization error", &SerializationError{Inner: errors.New("bad json")}, raftapi.KindSerializationError},
		{"protocol error", &ProtocolError{Inner: errors.New("unexpected verb")}, raftapi.KindProtocolError},
		{"unrecognized", errors.New("boom"), raftapi.KindTemporaryFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryPolicy_DelayForAttempt(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Jitter: 0}
	assert.Equal(t, 10*time.Millisecond, p.DelayForAttempt(1))
	assert.Equal(t, 20*time.Millisecond, p.DelayForAttempt(2))
	assert.Equal(t, 40*time.Millisecond, p.DelayForAttempt(3))
	// caps at MaxDelay rather than overflowing
	assert.Equal(t, 200*time.Millisecond, p.DelayForAttempt(10))
}

func TestRetryPolicy_DelayForAttempt_Jitter(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := p.DelayForAttempt(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesRetryableThenSucceeds(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsEarlyOnNonRetryable(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	serErr := &SerializationError{Inner: errors.New("bad")}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return serErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var te *raftapi.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, raftapi.KindSerializationError, te.Kind)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := Do(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := Do(ctx, policy, func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPartitionDetector_NotSuspectedInitially(t *testing.T) {
	members := []raftapi.NodeID{"n1", "n2", "n3"}
	d := NewPartitionDetector(members, time.Second)
	assert.False(t, d.Suspected(time.Now()))
}

func TestPartitionDetector_SuspectedAfterMajorityStale(t *testing.T) {
	members := []raftapi.NodeID{"n1", "n2", "n3", "n4", "n5"}
	base := time.Now()
	d := NewPartitionDetector(members, time.Second)

	d.RecordSuccess("n1", base)
	// n2..n5 never recorded again: they stay at construction time, still fresh
	later := base.Add(2 * time.Second)
	d.RecordSuccess("n1", later) // n1 recovers
	// n2-n5 are now stale relative to `later`
	assert.True(t, d.Suspected(later))
}

func TestPartitionDetector_NotSuspectedWhenMinorityStale(t *testing.T) {
	members := []raftapi.NodeID{"n1", "n2", "n3", "n4", "n5"}
	base := time.Now()
	d := NewPartitionDetector(members, time.Second)

	later := base.Add(2 * time.Second)
	// only n1 stale; n2-n5 recorded fresh at `later`
	for _, m := range members[1:] {
		d.RecordSuccess(m, later)
	}
	assert.False(t, d.Suspected(later))
}
