// Package storage persists internal/state and internal/weave's
// registries to a goleveldb-backed key-value store, and rebuilds them
// from that store on restart. Every entity kind gets its own key prefix;
// within a prefix, keys carry just enough structure (address, big-endian
// sequence number, big-endian height) to make load-all and ordered scans
// cheap.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"norn.network/weave/internal/block"
	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/state"
	"norn.network/weave/internal/thread"
	"norn.network/weave/internal/weave"
)

// SchemaVersion is bumped whenever a breaking change is made to any type
// persisted through Store. A store with no schema version key is treated
// as legacy (version 0) and is upgraded in place.
const SchemaVersion = 6

var (
	threadStatePrefix = []byte("state:thread:")
	threadMetaPrefix  = []byte("state:meta:")
	transferPrefix    = []byte("state:transfer:")
	transferCountKey  = []byte("state:transfer_count")
	namePrefix        = []byte("state:name:")
	blockPrefix       = []byte("state:block:")
	tokenPrefix       = []byte("state:token:")
	loomPrefix        = []byte("state:loom:")
	schemaVersionKey  = []byte("meta:schema_version")
)

// ErrSchemaMismatch is returned when an existing store's schema version
// doesn't match SchemaVersion and cannot be safely read.
var ErrSchemaMismatch = errors.New("storage: schema version mismatch")

// Store is a goleveldb-backed persistence layer satisfying both
// internal/state's Store interface and internal/weave's Store interface.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a goleveldb database at path and
// checks its schema version.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) checkSchemaVersion() error {
	b, err := s.db.Get(schemaVersionKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		logrus.Warn("state store has no schema version (legacy or fresh store); writing current version")
		return s.writeSchemaVersion()
	}
	if err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	if len(b) != 4 {
		return fmt.Errorf("%w: malformed schema version record", ErrSchemaMismatch)
	}
	stored := binary.BigEndian.Uint32(b)
	if stored != SchemaVersion {
		return fmt.Errorf("%w: store is v%d, binary expects v%d; wipe the data directory to reset", ErrSchemaMismatch, stored, SchemaVersion)
	}
	return nil
}

func (s *Store) writeSchemaVersion() error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], SchemaVersion)
	return s.db.Put(schemaVersionKey, b[:], nil)
}

// ── Thread state ────────────────────────────────────────────────────────

func threadStateKey(addr thread.Address) []byte {
	return append(append([]byte{}, threadStatePrefix...), addr[:]...)
}

// SaveThreadState implements state.Store.
func (s *Store) SaveThreadState(addr thread.Address, st *thread.State) error {
	w := codec.NewWriter()
	st.Encode(w)
	return s.db.Put(threadStateKey(addr), w.Encoded(), nil)
}

// LoadAllThreadStates returns every persisted thread state keyed by
// address, for internal/state.Manager.Restore.
func (s *Store) LoadAllThreadStates() (map[thread.Address]*thread.State, error) {
	out := make(map[thread.Address]*thread.State)
	iter := s.db.NewIterator(util.BytesPrefix(threadStatePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var addr thread.Address
		copy(addr[:], iter.Key()[len(threadStatePrefix):])
		st, err := thread.DecodeState(codec.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("storage: decode thread state for %x: %w", addr, err)
		}
		out[addr] = st
	}
	return out, iter.Error()
}

// ── Thread meta ─────────────────────────────────────────────────────────

func threadMetaKey(addr thread.Address) []byte {
	return append(append([]byte{}, threadMetaPrefix...), addr[:]...)
}

// SaveThreadMeta implements state.Store.
func (s *Store) SaveThreadMeta(addr thread.Address, m state.ThreadMeta) error {
	w := codec.NewWriter()
	m.Encode(w)
	return s.db.Put(threadMetaKey(addr), w.Encoded(), nil)
}

// LoadAllThreadMetas returns every persisted thread meta keyed by
// address.
func (s *Store) LoadAllThreadMetas() (map[thread.Address]state.ThreadMeta, error) {
	out := make(map[thread.Address]state.ThreadMeta)
	iter := s.db.NewIterator(util.BytesPrefix(threadMetaPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var addr thread.Address
		copy(addr[:], iter.Key()[len(threadMetaPrefix):])
		m, err := state.DecodeThreadMeta(codec.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("storage: decode thread meta for %x: %w", addr, err)
		}
		out[addr] = m
	}
	return out, iter.Error()
}

// ── Transfers ───────────────────────────────────────────────────────────

func transferKey(seq uint64) []byte {
	key := append([]byte{}, transferPrefix...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(key, seqBytes[:]...)
}

func (s *Store) nextTransferSeq() (uint64, error) {
	b, err := s.db.Get(transferCountKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// AppendTransfer implements state.Store: it assigns the next sequence
// number, writes the record under it, and advances the counter.
func (s *Store) AppendTransfer(r state.TransferRecord) error {
	seq, err := s.nextTransferSeq()
	if err != nil {
		return fmt.Errorf("storage: read transfer counter: %w", err)
	}
	w := codec.NewWriter()
	r.Encode(w)
	if err := s.db.Put(transferKey(seq), w.Encoded(), nil); err != nil {
		return err
	}
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], seq+1)
	return s.db.Put(transferCountKey, next[:], nil)
}

// LoadAllTransfers returns every persisted transfer record, in insertion
// (sequence) order.
func (s *Store) LoadAllTransfers() ([]state.TransferRecord, error) {
	var out []state.TransferRecord
	iter := s.db.NewIterator(util.BytesPrefix(transferPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		rec, err := state.DecodeTransferRecord(codec.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("storage: decode transfer record: %w", err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// ── Names ───────────────────────────────────────────────────────────────

func nameKey(name string) []byte {
	return append(append([]byte{}, namePrefix...), []byte(name)...)
}

// SaveName implements state.Store.
func (s *Store) SaveName(name string, r state.NameRecord) error {
	w := codec.NewWriter()
	r.Encode(w)
	return s.db.Put(nameKey(name), w.Encoded(), nil)
}

// LoadAllNames returns every persisted name registration keyed by name.
func (s *Store) LoadAllNames() (map[string]state.NameRecord, error) {
	out := make(map[string]state.NameRecord)
	iter := s.db.NewIterator(util.BytesPrefix(namePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		name := string(iter.Key()[len(namePrefix):])
		rec, err := state.DecodeNameRecord(codec.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("storage: decode name record for %q: %w", name, err)
		}
		out[name] = rec
	}
	return out, iter.Error()
}

// ── Blocks ──────────────────────────────────────────────────────────────

func blockKey(height uint64) []byte {
	key := append([]byte{}, blockPrefix...)
	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], height)
	return append(key, heightBytes[:]...)
}

// SaveBlock implements state.Store.
func (s *Store) SaveBlock(b *block.WeaveBlock) error {
	w := codec.NewWriter()
	b.Encode(w)
	return s.db.Put(blockKey(b.Height), w.Encoded(), nil)
}

// LoadAllBlocks returns every persisted block, ordered by height (the
// big-endian height key already sorts that way, but we re-sort since
// nothing guarantees the caller reads them back through this method
// alone).
func (s *Store) LoadAllBlocks() ([]*block.WeaveBlock, error) {
	var out []*block.WeaveBlock
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		b, err := block.Decode(codec.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("storage: decode block: %w", err)
		}
		out = append(out, b)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Height > out[j].Height; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// ── Tokens ──────────────────────────────────────────────────────────────

func tokenKey(tokenID thread.TokenID) []byte {
	return append(append([]byte{}, tokenPrefix...), tokenID[:]...)
}

// SaveToken implements weave.Store.
func (s *Store) SaveToken(tokenID thread.TokenID, meta weave.TokenMeta) error {
	w := codec.NewWriter()
	meta.Encode(w)
	return s.db.Put(tokenKey(tokenID), w.Encoded(), nil)
}

// LoadAllTokens returns every persisted token definition keyed by token
// id.
func (s *Store) LoadAllTokens() (map[thread.TokenID]weave.TokenMeta, error) {
	out := make(map[thread.TokenID]weave.TokenMeta)
	iter := s.db.NewIterator(util.BytesPrefix(tokenPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var id thread.TokenID
		copy(id[:], iter.Key()[len(tokenPrefix):])
		meta, err := weave.DecodeTokenMeta(codec.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("storage: decode token meta for %x: %w", id, err)
		}
		out[id] = meta
	}
	return out, iter.Error()
}

// ── Looms ───────────────────────────────────────────────────────────────
//
// Loom bytecode and per-loom interpreter state are owned by
// internal/loom's manager, which holds them in memory only; this store
// does not save them. It only tracks which loom ids have been deployed,
// matching what internal/weave.Engine needs to repopulate its knownLooms
// membership set on restart.

func loomKey(loomID thread.LoomID) []byte {
	return append(append([]byte{}, loomPrefix...), loomID[:]...)
}

// SaveLoom implements weave.Store.
func (s *Store) SaveLoom(loomID thread.LoomID) error {
	return s.db.Put(loomKey(loomID), []byte{1}, nil)
}

// LoadAllLooms returns the set of every loom id marked deployed.
func (s *Store) LoadAllLooms() (map[thread.LoomID]bool, error) {
	out := make(map[thread.LoomID]bool)
	iter := s.db.NewIterator(util.BytesPrefix(loomPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var id thread.LoomID
		copy(id[:], iter.Key()[len(loomPrefix):])
		out[id] = true
	}
	return out, iter.Error()
}

// Rebuild loads every prefix back from disk and repopulates stateMgr and
// engine in place. It is meant to run once, at node startup, before the
// store is wired in via stateMgr.SetStore/engine.SetStore for ongoing
// persistence.
func Rebuild(s *Store, stateMgr *state.Manager, engine *weave.Engine) error {
	threadStates, err := s.LoadAllThreadStates()
	if err != nil {
		return err
	}
	threadMetas, err := s.LoadAllThreadMetas()
	if err != nil {
		return err
	}
	transfers, err := s.LoadAllTransfers()
	if err != nil {
		return err
	}
	names, err := s.LoadAllNames()
	if err != nil {
		return err
	}
	blocks, err := s.LoadAllBlocks()
	if err != nil {
		return err
	}
	stateMgr.Restore(threadStates, threadMetas, transfers, names, blocks)

	tokens, err := s.LoadAllTokens()
	if err != nil {
		return err
	}
	looms, err := s.LoadAllLooms()
	if err != nil {
		return err
	}
	engine.Restore(tokens, looms)

	logrus.WithFields(logrus.Fields{
		"threads":   len(threadStates),
		"transfers": len(transfers),
		"names":     len(names),
		"blocks":    len(blocks),
		"tokens":    len(tokens),
		"looms":     len(looms),
	}).Info("rebuilt state from storage")
	return nil
}
