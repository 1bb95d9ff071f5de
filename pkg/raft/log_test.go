package raft

import (
	"context"
	"testing"

	"github.com/cuemby/raftcore/pkg/persistence/boltstore"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRaftLog(t *testing.T) *raftLog {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newRaftLog(store)
}

func TestRaftLog_EmptyLogHasZeroLastIndexAndTerm(t *testing.T) {
	l := newTestRaftLog(t)
	_, err := l.load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, raftapi.Index(0), l.lastIndex())
	assert.Equal(t, raftapi.Term(0), l.lastTerm())
	term, ok := l.termAt(0)
	assert.True(t, ok)
	assert.Equal(t, raftapi.Term(0), term)
}

func TestRaftLog_AppendAndEntryAt(t *testing.T) {
	ctx := context.Background()
	l := newTestRaftLog(t)
	_, err := l.load(ctx)
	require.NoError(t, err)

	require.NoError(t, l.append(ctx, []raftapi.LogEntry{
		{Term: 1, Index: 1, Command: []byte("a")},
		{Term: 1, Index: 2, Command: []byte("b")},
		{Term: 2, Index: 3, Command: []byte("c")},
	}))

	assert.Equal(t, raftapi.Index(3), l.lastIndex())
	assert.Equal(t, raftapi.Term(2), l.lastTerm())

	e, ok := l.entryAt(2)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), e.Command)

	_, ok = l.entryAt(99)
	assert.False(t, ok)

	term, ok := l.termAt(3)
	require.True(t, ok)
	assert.Equal(t, raftapi.Term(2), term)
}

func TestRaftLog_EntriesFrom(t *testing.T) {
	ctx := context.Background()
	l := newTestRaftLog(t)
	_, err := l.load(ctx)
	require.NoError(t, err)
	require.NoError(t, l.append(ctx, []raftapi.LogEntry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 1, Index: 3},
	}))

	got := l.entriesFrom(2)
	require.Len(t, got, 2)
	assert.Equal(t, raftapi.Index(2), got[0].Index)
	assert.Equal(t, raftapi.Index(3), got[1].Index)

	assert.Nil(t, l.entriesFrom(99))
}

func TestRaftLog_TruncateSuffixDropsConflictingEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestRaftLog(t)
	_, err := l.load(ctx)
	require.NoError(t, err)
	require.NoError(t, l.append(ctx, []raftapi.LogEntry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 2, Index: 3},
	}))

	require.NoError(t, l.truncateSuffix(ctx, 2))
	assert.Equal(t, raftapi.Index(1), l.lastIndex())

	require.NoError(t, l.append(ctx, []raftapi.LogEntry{{Term: 3, Index: 2}}))
	assert.Equal(t, raftapi.Term(3), l.lastTerm())
}

func TestRaftLog_InstallSnapshotDiscardsSubsumedEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestRaftLog(t)
	_, err := l.load(ctx)
	require.NoError(t, err)
	require.NoError(t, l.append(ctx, []raftapi.LogEntry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 2, Index: 3},
	}))

	meta := raftapi.SnapshotMeta{LastIncludedIndex: 2, LastIncludedTerm: 1}
	require.NoError(t, l.installSnapshot(ctx, meta, []byte("snap")))

	assert.Equal(t, raftapi.Index(3), l.lastIndex())
	term, ok := l.termAt(2)
	require.True(t, ok)
	assert.Equal(t, raftapi.Term(1), term)

	got, ok := l.entryAt(3)
	require.True(t, ok)
	assert.Equal(t, raftapi.Term(2), got.Term)
}

func TestRaftLog_ConflictHintMissingEntry(t *testing.T) {
	ctx := context.Background()
	l := newTestRaftLog(t)
	_, err := l.load(ctx)
	require.NoError(t, err)
	require.NoError(t, l.append(ctx, []raftapi.LogEntry{{Term: 1, Index: 1}}))

	hint := l.conflictHint(5)
	assert.Equal(t, raftapi.Term(0), hint.ConflictTerm)
	assert.Equal(t, raftapi.Index(2), hint.ConflictFirstIndex)
}

func TestRaftLog_ConflictHintFindsFirstIndexOfTerm(t *testing.T) {
	ctx := context.Background()
	l := newTestRaftLog(t)
	_, err := l.load(ctx)
	require.NoError(t, err)
	require.NoError(t, l.append(ctx, []raftapi.LogEntry{
		{Term: 1, Index: 1}, {Term: 2, Index: 2}, {Term: 2, Index: 3}, {Term: 2, Index: 4},
	}))

	hint := l.conflictHint(4)
	assert.Equal(t, raftapi.Term(2), hint.ConflictTerm)
	assert.Equal(t, raftapi.Index(2), hint.ConflictFirstIndex)

	idx, ok := l.firstIndexOfTerm(2)
	require.True(t, ok)
	assert.Equal(t, raftapi.Index(2), idx)

	_, ok = l.firstIndexOfTerm(99)
	assert.False(t, ok)
}

func TestRaftLog_LoadRecoversAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store1, err := boltstore.Open(dir)
	require.NoError(t, err)
	l1 := newRaftLog(store1)
	_, err = l1.load(ctx)
	require.NoError(t, err)
	require.NoError(t, l1.append(ctx, []raftapi.LogEntry{{Term: 1, Index: 1, Command: []byte("x")}}))
	require.NoError(t, store1.Close())

	store2, err := boltstore.Open(dir)
	require.NoError(t, err)
	defer store2.Close()
	l2 := newRaftLog(store2)
	_, err = l2.load(ctx)
	require.NoError(t, err)

	assert.Equal(t, raftapi.Index(1), l2.lastIndex())
	e, ok := l2.entryAt(1)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), e.Command)
}
