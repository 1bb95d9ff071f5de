package waiter

import (
	"testing"
	"time"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable() *Table {
	return New(zerolog.Nop())
}

func TestTable_RegisterDuplicateFails(t *testing.T) {
	tbl := newTable()
	require.NoError(t, tbl.Register(1, 1, func([]byte) {}, func(error) {}, time.Second))
	err := tbl.Register(1, 1, func([]byte) {}, func(error) {}, time.Second)
	var dup *DuplicateWaiterError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, raftapi.Index(1), dup.Index)
}

func TestTable_NotifyApplied_Fulfil(t *testing.T) {
	tbl := newTable()
	var got []byte
	require.NoError(t, tbl.Register(5, 1, func(r []byte) { got = r }, func(error) { t.Fatal("reject called") }, time.Second))

	tbl.NotifyApplied(5, func(idx raftapi.Index) ([]byte, error) {
		assert.Equal(t, raftapi.Index(5), idx)
		return []byte("ok"), nil
	})

	assert.Equal(t, []byte("ok"), got)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_NotifyApplied_Reject(t *testing.T) {
	tbl := newTable()
	var gotErr error
	require.NoError(t, tbl.Register(5, 1, func([]byte) { t.Fatal("fulfil called") }, func(err error) { gotErr = err }, time.Second))

	applyErr := assertErr
	tbl.NotifyApplied(5, func(idx raftapi.Index) ([]byte, error) {
		return nil, applyErr
	})

	assert.Equal(t, applyErr, gotErr)
}

func TestTable_NotifyApplied_UnknownIndexNoOp(t *testing.T) {
	tbl := newTable()
	tbl.NotifyApplied(99, func(raftapi.Index) ([]byte, error) {
		t.Fatal("produce should not be called for unregistered index")
		return nil, nil
	})
}

func TestTable_CancelOnLeadershipLoss(t *testing.T) {
	tbl := newTable()
	var gotErr error
	require.NoError(t, tbl.Register(1, 2, func([]byte) {}, func(err error) { gotErr = err }, time.Second))

	tbl.CancelOnLeadershipLoss(2, 3)

	var lost *raftapi.LeadershipLostError
	require.ErrorAs(t, gotErr, &lost)
	assert.Equal(t, raftapi.Term(2), lost.OldTerm)
	assert.Equal(t, raftapi.Term(3), lost.NewTerm)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_CancelAll(t *testing.T) {
	tbl := newTable()
	var gotErr error
	require.NoError(t, tbl.Register(1, 1, func([]byte) {}, func(err error) { gotErr = err }, time.Second))
	require.NoError(t, tbl.Register(2, 1, func([]byte) {}, func(error) {}, time.Second))

	tbl.CancelAll(raftapi.ErrShutdown)

	assert.ErrorIs(t, gotErr, raftapi.ErrShutdown)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_SweepTimeouts(t *testing.T) {
	tbl := newTable()
	var gotErr error
	require.NoError(t, tbl.Register(1, 1, func([]byte) {}, func(err error) { gotErr = err }, time.Millisecond))
	require.NoError(t, tbl.Register(2, 1, func([]byte) {}, func(error) {}, time.Hour))

	tbl.SweepTimeouts(time.Now().Add(10 * time.Millisecond))

	var timeout *raftapi.CommitTimeoutError
	require.ErrorAs(t, gotErr, &timeout)
	assert.Equal(t, raftapi.Index(1), timeout.Index)
	assert.Equal(t, 1, tbl.Len()) // index 2 still pending, not yet due
}

func TestTable_TermOf(t *testing.T) {
	tbl := newTable()
	require.NoError(t, tbl.Register(7, 4, func([]byte) {}, func(error) {}, time.Second))

	term, ok := tbl.TermOf(7)
	assert.True(t, ok)
	assert.Equal(t, raftapi.Term(4), term)

	_, ok = tbl.TermOf(8)
	assert.False(t, ok)
}

var assertErr = errApply{}

type errApply struct{}

func (errApply) Error() string { return "apply failed" }
