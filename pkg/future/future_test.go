package future

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func send(t *testing.T, peer raftapi.NodeID, delay time.Duration, err error) Source {
	t.Helper()
	ch := make(chan Result, 1)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		ch <- Result{PeerID: peer, Err: err}
	}()
	return Source{PeerID: peer, Ch: ch}
}

func TestCollector_All_Satisfied(t *testing.T) {
	sources := []Source{
		send(t, "n1", 0, nil),
		send(t, "n2", 0, nil),
		send(t, "n3", 0, nil),
	}
	c := New(sources, All{})
	results, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, r := range results {
		require.NotNil(t, r)
		assert.NoError(t, r.Err)
	}
}

func TestCollector_All_Unsatisfiable(t *testing.T) {
	sources := []Source{
		send(t, "n1", 0, nil),
		send(t, "n2", 0, assert.AnError),
		send(t, "n3", 50*time.Millisecond, nil),
	}
	c := New(sources, All{})
	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, raftapi.ErrInsufficientFutures)
}

func TestCollector_Majority_EarlyReturn(t *testing.T) {
	sources := []Source{
		send(t, "n1", 0, nil),
		send(t, "n2", 0, nil),
		send(t, "n3", time.Hour, nil),
	}
	c := New(sources, Majority{Total: 3})
	start := time.Now()
	results, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "should resolve without waiting on n3")
	assert.Nil(t, results[2], "third source should not have reported yet")
}

func TestCollector_Majority_Unsatisfiable(t *testing.T) {
	sources := []Source{
		send(t, "n1", 0, assert.AnError),
		send(t, "n2", 0, assert.AnError),
		send(t, "n3", 0, nil),
	}
	c := New(sources, Majority{Total: 3})
	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, raftapi.ErrInsufficientFutures)
}

func TestCollector_AnySuccess(t *testing.T) {
	sources := []Source{
		send(t, "n1", 0, assert.AnError),
		send(t, "n2", 10*time.Millisecond, nil),
	}
	c := New(sources, AnySuccess{})
	_, err := c.Wait(context.Background())
	require.NoError(t, err)
}

func TestCollector_FirstN(t *testing.T) {
	sources := []Source{
		send(t, "n1", 0, nil),
		send(t, "n2", 0, nil),
		send(t, "n3", time.Hour, nil),
	}
	c := New(sources, FirstN{N: 2})
	_, err := c.Wait(context.Background())
	require.NoError(t, err)
}

func TestCollector_Cancel(t *testing.T) {
	sources := []Source{
		send(t, "n1", time.Hour, nil),
	}
	c := New(sources, All{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Cancel()
	}()
	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, raftapi.ErrShutdown)
}

func TestCollector_ContextDeadline(t *testing.T) {
	sources := []Source{
		send(t, "n1", time.Hour, nil),
	}
	c := New(sources, All{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollector_WaitJoint(t *testing.T) {
	old := map[raftapi.NodeID]struct{}{"n1": {}, "n2": {}, "n3": {}}
	new := map[raftapi.NodeID]struct{}{"n3": {}, "n4": {}, "n5": {}}

	sources := []Source{
		send(t, "n1", 0, nil),
		send(t, "n2", 0, nil),
		send(t, "n3", 0, nil),
		send(t, "n4", 0, nil),
		send(t, "n5", 0, nil),
	}
	c := New(sources, nil)
	results, err := c.WaitJoint(context.Background(), JointMajority{OldMembers: old, NewMembers: new})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestCollector_WaitJoint_Unsatisfiable(t *testing.T) {
	old := map[raftapi.NodeID]struct{}{"n1": {}, "n2": {}, "n3": {}}
	new := map[raftapi.NodeID]struct{}{"n3": {}, "n4": {}, "n5": {}}

	sources := []Source{
		send(t, "n1", 0, assert.AnError),
		send(t, "n2", 0, assert.AnError),
		send(t, "n3", 0, nil),
		send(t, "n4", 0, assert.AnError),
		send(t, "n5", 0, assert.AnError),
	}
	c := New(sources, nil)
	_, err := c.WaitJoint(context.Background(), JointMajority{OldMembers: old, NewMembers: new})
	assert.ErrorIs(t, err, raftapi.ErrInsufficientFutures)
}
