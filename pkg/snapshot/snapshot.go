// Package snapshot implements the snapshot manager (§4.6): assembling a
// chunked InstallSnapshot transfer on the receiving side, splitting a
// state-machine snapshot into chunks on the sending side, and a policy
// hook deciding when a node should proactively compact its log.
package snapshot

import (
	"fmt"

	"github.com/cuemby/raftcore/pkg/raftapi"
)

// DefaultChunkSize is used when a node's configuration leaves
// SnapshotChunkSize at zero.
const DefaultChunkSize = 32 * 1024

// ShouldSnapshot reports whether a node should take a new snapshot given
// how many log bytes (or entries — callers are free to pick the unit, as
// long as it's used consistently) have accumulated since the last one,
// against a configured threshold. threshold <= 0 disables proactive
// snapshotting entirely.
func ShouldSnapshot(sizeSinceLastSnapshot, threshold uint64) bool {
	if threshold == 0 {
		return false
	}
	return sizeSinceLastSnapshot >= threshold
}

// Sender splits a complete snapshot byte stream into chunks for the
// InstallSnapshot RPC sequence, in order.
type Sender struct {
	meta      raftapi.SnapshotMeta
	data      []byte
	chunkSize int
	offset    int
}

// NewSender builds a Sender over a fully-materialized snapshot. chunkSize
// <= 0 uses DefaultChunkSize.
func NewSender(meta raftapi.SnapshotMeta, data []byte, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{meta: meta, data: data, chunkSize: chunkSize}
}

// Chunk is one InstallSnapshot-shaped payload, transport-agnostic.
type Chunk struct {
	Meta   raftapi.SnapshotMeta
	Offset uint64
	Data   []byte
	Done   bool
}

// Next returns the next chunk to send, and false once the transfer is
// complete (including for a zero-length snapshot, which sends a single
// empty Done chunk).
func (s *Sender) Next() (Chunk, bool) {
	if s.offset > len(s.data) {
		return Chunk{}, false
	}
	end := s.offset + s.chunkSize
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := Chunk{
		Meta:   s.meta,
		Offset: uint64(s.offset),
		Data:   s.data[s.offset:end],
		Done:   end == len(s.data),
	}
	if end == len(s.data) {
		// advance offset past len(s.data) so the next Next() call reports
		// done via the offset guard above, even for a zero-length snapshot
		// where offset == end == 0 on the first call.
		s.offset = end + 1
	} else {
		s.offset = end
	}
	return chunk, true
}

// Assembler accumulates chunks on the receiving side of InstallSnapshot
// and reports completion once a Done chunk arrives with a contiguous byte
// range. It is not safe for concurrent use; the consensus node serializes
// calls to it the way it serializes everything else.
type Assembler struct {
	meta     *raftapi.SnapshotMeta
	buf      []byte
	complete bool
}

// NewAssembler returns an empty Assembler, ready to receive the first
// chunk of a new transfer.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Accept appends chunk to the assembly buffer. It returns an error if
// chunk.Offset doesn't match the bytes received so far (out-of-order or
// duplicate chunk, or a chunk from a stale transfer), or if a transfer
// has already completed. A chunk whose Meta differs from the transfer in
// progress discards the partial buffer and starts a new transfer.
func (a *Assembler) Accept(chunk Chunk) error {
	if a.complete {
		return fmt.Errorf("snapshot: assembler already completed a transfer, call Reset before reuse")
	}
	if a.meta == nil {
		m := chunk.Meta
		a.meta = &m
	} else if a.meta.LastIncludedIndex != chunk.Meta.LastIncludedIndex || a.meta.LastIncludedTerm != chunk.Meta.LastIncludedTerm {
		a.Reset()
		m := chunk.Meta
		a.meta = &m
	}

	if chunk.Offset != uint64(len(a.buf)) {
		return fmt.Errorf("snapshot: out-of-order chunk at offset %d, expected %d", chunk.Offset, len(a.buf))
	}
	a.buf = append(a.buf, chunk.Data...)
	if chunk.Done {
		a.complete = true
	}
	return nil
}

// Reset discards any partially-assembled transfer, used when a new
// transfer starts (different LastIncludedIndex/Term) mid-flight.
func (a *Assembler) Reset() {
	a.meta = nil
	a.buf = nil
	a.complete = false
}

// Done reports whether the assembled snapshot is complete and ready to
// install, returning its metadata and bytes.
func (a *Assembler) Done() (raftapi.SnapshotMeta, []byte, bool) {
	if !a.complete {
		return raftapi.SnapshotMeta{}, nil, false
	}
	return *a.meta, a.buf, true
}
