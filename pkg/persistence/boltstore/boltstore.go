// Package boltstore is the reference bbolt-backed implementation of
// persistence.Store: one *bbolt.DB per node, with a bucket per concern
// (meta, log, snapshot), matching the one-file-per-store layout the
// teacher uses for its own non-Raft state.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/raftcore/pkg/persistence"
	"github.com/cuemby/raftcore/pkg/raftapi"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	bucketLog      = []byte("log")
	bucketSnapshot = []byte("snapshot")
)

var (
	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
	keySnapMeta    = []byte("meta")
	keySnapData    = []byte("data")
)

// Store implements persistence.Store on top of a single bbolt database
// file under dataDir.
type Store struct {
	db *bolt.DB
}

var _ persistence.Store = (*Store)(nil)

// Open creates (or reopens) the store's database file and its buckets.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "raftcore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketLog, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltstore: creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(index raftapi.Index) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func indexFromKey(key []byte) raftapi.Index {
	return raftapi.Index(binary.BigEndian.Uint64(key))
}

type logEntryDoc struct {
	Term          raftapi.Term
	Index         raftapi.Index
	Kind          raftapi.EntryKind
	Command       []byte
	Configuration *raftapi.ClusterConfig
	ClientID      string
	Serial        uint64
}

func toDoc(e raftapi.LogEntry) logEntryDoc {
	return logEntryDoc{
		Term: e.Term, Index: e.Index, Kind: e.Kind,
		Command: e.Command, Configuration: e.Configuration,
		ClientID: e.ClientID, Serial: e.Serial,
	}
}

func (d logEntryDoc) toEntry() raftapi.LogEntry {
	return raftapi.LogEntry{
		Term: d.Term, Index: d.Index, Kind: d.Kind,
		Command: d.Command, Configuration: d.Configuration,
		ClientID: d.ClientID, Serial: d.Serial,
	}
}

// SaveTermAndVote implements persistence.Store.
func (s *Store) SaveTermAndVote(ctx context.Context, term raftapi.Term, votedFor raftapi.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var term64 [8]byte
		binary.BigEndian.PutUint64(term64[:], uint64(term))
		if err := b.Put(keyCurrentTerm, term64[:]); err != nil {
			return fmt.Errorf("boltstore: saving current_term: %w", err)
		}
		return b.Put(keyVotedFor, []byte(votedFor))
	})
}

// AppendEntries implements persistence.Store.
func (s *Store) AppendEntries(ctx context.Context, entries []raftapi.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, e := range entries {
			data, err := json.Marshal(toDoc(e))
			if err != nil {
				return fmt.Errorf("boltstore: marshaling log entry %d: %w", e.Index, err)
			}
			if err := b.Put(indexKey(e.Index), data); err != nil {
				return fmt.Errorf("boltstore: writing log entry %d: %w", e.Index, err)
			}
		}
		return nil
	})
}

// TruncateSuffix implements persistence.Store.
func (s *Store) TruncateSuffix(ctx context.Context, from raftapi.Index) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("boltstore: truncating index %d: %w", indexFromKey(k), err)
			}
		}
		return nil
	})
}

// Entries implements persistence.Store.
func (s *Store) Entries(ctx context.Context, from, to raftapi.Index) ([]raftapi.LogEntry, error) {
	var out []raftapi.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil && indexFromKey(k) <= to; k, v = c.Next() {
			var doc logEntryDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("boltstore: unmarshaling log entry %d: %w", indexFromKey(k), err)
			}
			out = append(out, doc.toEntry())
		}
		return nil
	})
	return out, err
}

// TermAt implements persistence.Store.
func (s *Store) TermAt(ctx context.Context, index raftapi.Index) (raftapi.Term, error) {
	var term raftapi.Term
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		v := b.Get(indexKey(index))
		if v == nil {
			return fmt.Errorf("boltstore: no log entry at index %d", index)
		}
		var doc logEntryDoc
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("boltstore: unmarshaling log entry %d: %w", index, err)
		}
		term = doc.Term
		return nil
	})
	return term, err
}

type snapshotMetaDoc struct {
	LastIncludedIndex raftapi.Index
	LastIncludedTerm  raftapi.Term
	Configuration     *raftapi.ClusterConfig
}

// SaveSnapshot implements persistence.Store: it persists the snapshot and
// discards subsumed log entries in the same transaction, so a crash
// between the two can never leave the log and snapshot boundary
// inconsistent.
func (s *Store) SaveSnapshot(ctx context.Context, meta raftapi.SnapshotMeta, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		snap := tx.Bucket(bucketSnapshot)
		metaDoc := snapshotMetaDoc{LastIncludedIndex: meta.LastIncludedIndex, LastIncludedTerm: meta.LastIncludedTerm, Configuration: meta.Configuration}
		metaBytes, err := json.Marshal(metaDoc)
		if err != nil {
			return fmt.Errorf("boltstore: marshaling snapshot metadata: %w", err)
		}
		if err := snap.Put(keySnapMeta, metaBytes); err != nil {
			return fmt.Errorf("boltstore: writing snapshot metadata: %w", err)
		}
		if err := snap.Put(keySnapData, data); err != nil {
			return fmt.Errorf("boltstore: writing snapshot data: %w", err)
		}

		log := tx.Bucket(bucketLog)
		c := log.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil && indexFromKey(k) <= meta.LastIncludedIndex; k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := log.Delete(k); err != nil {
				return fmt.Errorf("boltstore: discarding subsumed entry %d: %w", indexFromKey(k), err)
			}
		}
		return nil
	})
}

// LoadSnapshot implements persistence.Store.
func (s *Store) LoadSnapshot(ctx context.Context) (*raftapi.SnapshotMeta, []byte, bool, error) {
	var meta *raftapi.SnapshotMeta
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		snap := tx.Bucket(bucketSnapshot)
		metaBytes := snap.Get(keySnapMeta)
		if metaBytes == nil {
			return nil
		}
		var doc snapshotMetaDoc
		if err := json.Unmarshal(metaBytes, &doc); err != nil {
			return fmt.Errorf("boltstore: unmarshaling snapshot metadata: %w", err)
		}
		meta = &raftapi.SnapshotMeta{LastIncludedIndex: doc.LastIncludedIndex, LastIncludedTerm: doc.LastIncludedTerm, Configuration: doc.Configuration}

		raw := snap.Get(keySnapData)
		data = make([]byte, len(raw))
		copy(data, raw)
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	if meta == nil {
		return nil, nil, false, nil
	}
	return meta, data, true, nil
}

// LoadOnStart implements persistence.Store.
func (s *Store) LoadOnStart(ctx context.Context) (persistence.BootState, error) {
	var boot persistence.BootState
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyCurrentTerm); v != nil {
			boot.CurrentTerm = raftapi.Term(binary.BigEndian.Uint64(v))
		}
		if v := meta.Get(keyVotedFor); v != nil {
			boot.VotedFor = raftapi.NodeID(v)
		}

		snap := tx.Bucket(bucketSnapshot)
		if metaBytes := snap.Get(keySnapMeta); metaBytes != nil {
			var doc snapshotMetaDoc
			if err := json.Unmarshal(metaBytes, &doc); err != nil {
				return fmt.Errorf("boltstore: unmarshaling snapshot metadata: %w", err)
			}
			boot.Snapshot = &raftapi.SnapshotMeta{LastIncludedIndex: doc.LastIncludedIndex, LastIncludedTerm: doc.LastIncludedTerm, Configuration: doc.Configuration}
		}

		log := tx.Bucket(bucketLog)
		c := log.Cursor()
		first, _ := c.First()
		if first == nil {
			return nil
		}
		boot.FirstLogIndex = indexFromKey(first)
		last, lastVal := c.Last()
		boot.LastLogIndex = indexFromKey(last)

		var doc logEntryDoc
		if err := json.Unmarshal(lastVal, &doc); err != nil {
			return fmt.Errorf("boltstore: unmarshaling last log entry %d: %w", boot.LastLogIndex, err)
		}
		boot.LastLogTerm = doc.Term
		return nil
	})
	return boot, err
}
