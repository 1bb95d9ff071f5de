package snapshot

import (
	"testing"

	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSnapshot(t *testing.T) {
	assert.False(t, ShouldSnapshot(1000, 0))
	assert.False(t, ShouldSnapshot(999, 1000))
	assert.True(t, ShouldSnapshot(1000, 1000))
	assert.True(t, ShouldSnapshot(2000, 1000))
}

func TestSender_ChunksAndTerminates(t *testing.T) {
	meta := raftapi.SnapshotMeta{LastIncludedIndex: 10, LastIncludedTerm: 2}
	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}
	s := NewSender(meta, data, 10)

	var collected []byte
	for {
		chunk, ok := s.Next()
		if !ok {
			break
		}
		collected = append(collected, chunk.Data...)
		if chunk.Done {
			break
		}
	}
	assert.Equal(t, data, collected)
}

func TestSender_EmptySnapshotSendsSingleDoneChunk(t *testing.T) {
	meta := raftapi.SnapshotMeta{LastIncludedIndex: 1, LastIncludedTerm: 1}
	s := NewSender(meta, nil, 10)

	chunk, ok := s.Next()
	require.True(t, ok)
	assert.True(t, chunk.Done)
	assert.Empty(t, chunk.Data)

	_, ok = s.Next()
	assert.False(t, ok)
}

func TestAssembler_AcceptsInOrderChunks(t *testing.T) {
	meta := raftapi.SnapshotMeta{LastIncludedIndex: 5, LastIncludedTerm: 1}
	a := NewAssembler()

	require.NoError(t, a.Accept(Chunk{Meta: meta, Offset: 0, Data: []byte("hel")}))
	require.NoError(t, a.Accept(Chunk{Meta: meta, Offset: 3, Data: []byte("lo"), Done: true}))

	gotMeta, data, ok := a.Done()
	require.True(t, ok)
	assert.Equal(t, meta, gotMeta)
	assert.Equal(t, []byte("hello"), data)
}

func TestAssembler_RejectsOutOfOrderChunk(t *testing.T) {
	meta := raftapi.SnapshotMeta{LastIncludedIndex: 5, LastIncludedTerm: 1}
	a := NewAssembler()

	require.NoError(t, a.Accept(Chunk{Meta: meta, Offset: 0, Data: []byte("hel")}))
	err := a.Accept(Chunk{Meta: meta, Offset: 10, Data: []byte("lo")})
	require.Error(t, err)
}

func TestAssembler_ResetsOnNewTransfer(t *testing.T) {
	oldMeta := raftapi.SnapshotMeta{LastIncludedIndex: 5, LastIncludedTerm: 1}
	newMeta := raftapi.SnapshotMeta{LastIncludedIndex: 20, LastIncludedTerm: 3}
	a := NewAssembler()

	require.NoError(t, a.Accept(Chunk{Meta: oldMeta, Offset: 0, Data: []byte("stale")}))
	// a newer transfer starts mid-flight: the assembler discards the partial
	// buffer and starts fresh rather than corrupting it
	require.NoError(t, a.Accept(Chunk{Meta: newMeta, Offset: 0, Data: []byte("fresh"), Done: true}))

	gotMeta, data, ok := a.Done()
	require.True(t, ok)
	assert.Equal(t, newMeta, gotMeta)
	assert.Equal(t, []byte("fresh"), data)
}

func TestAssembler_RejectsReuseAfterComplete(t *testing.T) {
	meta := raftapi.SnapshotMeta{LastIncludedIndex: 1, LastIncludedTerm: 1}
	a := NewAssembler()
	require.NoError(t, a.Accept(Chunk{Meta: meta, Offset: 0, Data: nil, Done: true}))

	err := a.Accept(Chunk{Meta: meta, Offset: 0, Data: []byte("x")})
	require.Error(t, err)
}

func TestAssembler_ResetClearsState(t *testing.T) {
	meta := raftapi.SnapshotMeta{LastIncludedIndex: 1, LastIncludedTerm: 1}
	a := NewAssembler()
	require.NoError(t, a.Accept(Chunk{Meta: meta, Offset: 0, Data: []byte("partial")}))

	a.Reset()
	_, _, ok := a.Done()
	assert.False(t, ok)

	require.NoError(t, a.Accept(Chunk{Meta: meta, Offset: 0, Data: []byte("new"), Done: true}))
	_, data, ok := a.Done()
	require.True(t, ok)
	assert.Equal(t, []byte("new"), data)
}
