package persist

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/schema"
	"rms/internal/store"
	"rms/pkg/exception"
)

// Options configures the pebble store.
type Options struct {
	Path string
	// WriteBufferSize is the memtable size in bytes; zero keeps pebble's default.
	WriteBufferSize uint64
	// SyncWrites makes every batch commit fsync.
	SyncWrites bool
}

// Store is the pebble implementation of Gateway.
type Store struct {
	opt Options

	mu sync.RWMutex
	db *pebble.DB
	wo *pebble.WriteOptions
}

var _ Gateway = (*Store)(nil)

// Open opens or creates the database at opt.Path.
func Open(opt Options) (*Store, error) {
	if opt.Path == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty database path")
	}
	s := &Store{opt: opt, wo: pebble.NoSync}
	if opt.SyncWrites {
		s.wo = pebble.Sync
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	s.db = db
	logs.Infof("persistence store opened at %s", opt.Path)
	return s, nil
}

func (s *Store) open() (*pebble.DB, error) {
	popt := &pebble.Options{}
	if s.opt.WriteBufferSize > 0 {
		popt.MemTableSize = s.opt.WriteBufferSize
	}
	db, err := pebble.Open(s.opt.Path, popt)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", s.opt.Path)
	}
	return db, nil
}

func (s *Store) handle() (*pebble.DB, error) {
	if s.db == nil {
		return nil, exception.ErrStoreClosed
	}
	return s.db, nil
}

// SavePositions replaces every stored position of the shard.
func (s *Store) SavePositions(shard int, positions map[uint32]schema.Position) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	if err := putPositions(b, shard, positions); err != nil {
		return err
	}
	return b.Commit(s.wo)
}

func putPositions(b *pebble.Batch, shard int, positions map[uint32]schema.Position) error {
	lower, upper := shardBounds(familyPositions, shard, "")
	if err := b.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	for id, pos := range positions {
		if err := putJSON(b, positionKey(shard, id), pos); err != nil {
			return errors.Wrapf(err, "position %d:%d", shard, id)
		}
	}
	return nil
}

// LoadPositions reads every stored position of the shard.
func (s *Store) LoadPositions(shard int) (map[uint32]schema.Position, error) {
	positions := make(map[uint32]schema.Position)
	lower, upper := shardBounds(familyPositions, shard, "")
	err := s.scan(lower, upper, func(id uint64, value []byte) error {
		var pos schema.Position
		if err := json.Unmarshal(value, &pos); err != nil {
			return errors.Wrapf(err, "decode position %d:%d", shard, id)
		}
		positions[uint32(id)] = pos
		return nil
	})
	return positions, err
}

// SaveAccountLimits writes one record per account slot.
func (s *Store) SaveAccountLimits(shard int, limits []schema.AccountLimits) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	if err := putAccountLimits(b, shard, limits); err != nil {
		return err
	}
	return b.Commit(s.wo)
}

func putAccountLimits(b *pebble.Batch, shard int, limits []schema.AccountLimits) error {
	for slot := range limits {
		if err := putJSON(b, accountKey(shard, slot), limits[slot]); err != nil {
			return errors.Wrapf(err, "account limits %d:%d", shard, slot)
		}
	}
	return nil
}

// LoadAccountLimits fills the slots found in the store and returns how many
// were loaded. Slots outside limits are ignored.
func (s *Store) LoadAccountLimits(shard int, limits []schema.AccountLimits) (int, error) {
	lower, upper := shardBounds(familyAccountLimits, shard, "acc:")
	n := 0
	err := s.scan(lower, upper, func(id uint64, value []byte) error {
		if id >= uint64(len(limits)) {
			return nil
		}
		if err := json.Unmarshal(value, &limits[id]); err != nil {
			return errors.Wrapf(err, "decode account limits %d:%d", shard, id)
		}
		n++
		return nil
	})
	return n, err
}

// SaveInstrumentLimits writes one record per instrument.
func (s *Store) SaveInstrumentLimits(shard int, limits []schema.InstrumentLimits) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	if err := putInstrumentLimits(b, shard, limits); err != nil {
		return err
	}
	return b.Commit(s.wo)
}

func putInstrumentLimits(b *pebble.Batch, shard int, limits []schema.InstrumentLimits) error {
	for id := range limits {
		if err := putJSON(b, instrumentKey(shard, id), limits[id]); err != nil {
			return errors.Wrapf(err, "instrument limits %d:%d", shard, id)
		}
	}
	return nil
}

// LoadInstrumentLimits fills the instruments found in the store.
func (s *Store) LoadInstrumentLimits(shard int, limits []schema.InstrumentLimits) (int, error) {
	lower, upper := shardBounds(familyInstrumentLimits, shard, "inst:")
	n := 0
	err := s.scan(lower, upper, func(id uint64, value []byte) error {
		if id >= uint64(len(limits)) {
			return nil
		}
		if err := json.Unmarshal(value, &limits[id]); err != nil {
			return errors.Wrapf(err, "decode instrument limits %d:%d", shard, id)
		}
		n++
		return nil
	})
	return n, err
}

// SaveShardMeta writes the shard bookkeeping.
func (s *Store) SaveShardMeta(shard int, meta ShardMeta) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	value, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return db.Set(metaKey(shard), value, s.wo)
}

// LoadShardMeta reads the shard bookkeeping. The bool is false when nothing
// was stored yet.
func (s *Store) LoadShardMeta(shard int) (ShardMeta, bool, error) {
	var meta ShardMeta
	found, err := s.get(metaKey(shard), &meta)
	return meta, found, err
}

// SaveSnapshot writes positions, limits and meta of one shard in a single
// batch, so a reader never sees positions from one snapshot and a trade
// sequence from another.
func (s *Store) SaveSnapshot(snap store.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	if err := putPositions(b, snap.ShardID, snap.Positions); err != nil {
		return err
	}
	if err := putAccountLimits(b, snap.ShardID, snap.Accounts); err != nil {
		return err
	}
	if err := putInstrumentLimits(b, snap.ShardID, snap.Instruments); err != nil {
		return err
	}
	if err := putJSON(b, metaKey(snap.ShardID), ShardMeta{TradeSeq: snap.TradeSeq, UpdatedAt: time.Now().UTC().UnixNano()}); err != nil {
		return err
	}
	if err := b.Commit(s.wo); err != nil {
		return errors.Wrapf(err, "commit snapshot of shard %d", snap.ShardID)
	}
	return nil
}

// LogOrder stores the audited order under "order:{id}".
func (s *Store) LogOrder(order schema.Order, reason schema.RejectReason) error {
	return s.set(orderKey(order.OrderID), NewOrderRecord(order, reason))
}

// LogTrade stores the audited trade under "trade:{id}".
func (s *Store) LogTrade(trade schema.TradeExecution) error {
	return s.set(tradeKey(trade.TradeID), NewTradeRecord(trade))
}

// Order reads an audited order.
func (s *Store) Order(orderID uint64) (OrderRecord, bool, error) {
	var rec OrderRecord
	found, err := s.get(orderKey(orderID), &rec)
	return rec, found, err
}

// Trade reads an audited trade.
func (s *Store) Trade(tradeID uint64) (TradeRecord, bool, error) {
	var rec TradeRecord
	found, err := s.get(tradeKey(tradeID), &rec)
	return rec, found, err
}

// CreateCheckpoint writes a consistent copy of the database to path, which
// must not exist yet.
func (s *Store) CreateCheckpoint(path string) error {
	if path == "" {
		return exception.ErrEmptyCheckpointPath
	}
	if _, err := os.Stat(path); err == nil {
		return errors.Wrapf(exception.ErrCheckpointExists, "checkpoint %s", path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.Flush(); err != nil {
		return errors.Wrap(err, "flush before checkpoint")
	}
	if err := db.Checkpoint(path); err != nil {
		return errors.Wrapf(err, "checkpoint to %s", path)
	}
	logs.Infof("checkpoint created at %s", path)
	return nil
}

// RestoreFromCheckpoint replaces the database with the checkpoint at path and
// reopens it. A failed copy leaves the current database in place.
func (s *Store) RestoreFromCheckpoint(path string) error {
	if path == "" {
		return exception.ErrEmptyCheckpointPath
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat checkpoint %s", path)
	}
	if !info.IsDir() {
		return errors.Wrapf(exception.ErrInvalidArgument, "checkpoint %s is not a directory", path)
	}

	// copy into a staging directory; the live store stays open until the
	// copy is complete
	staging := s.opt.Path + ".restore"
	if err := os.RemoveAll(staging); err != nil {
		return errors.Wrapf(err, "clear %s", staging)
	}
	if err := copyDir(path, staging); err != nil {
		_ = os.RemoveAll(staging)
		return errors.Wrapf(err, "copy checkpoint %s", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			_ = os.RemoveAll(staging)
			return errors.Wrap(err, "close before restore")
		}
		s.db = nil
	}
	old := s.opt.Path + ".old"
	if err := os.RemoveAll(old); err != nil {
		return errors.Wrapf(err, "clear %s", old)
	}
	if err := os.Rename(s.opt.Path, old); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "move aside %s", s.opt.Path)
	}
	if err := os.Rename(staging, s.opt.Path); err != nil {
		if rerr := os.Rename(old, s.opt.Path); rerr != nil {
			logs.Errorf("roll back %s failed, err: %+v", s.opt.Path, rerr)
		}
		if db, oerr := s.open(); oerr == nil {
			s.db = db
		}
		return errors.Wrapf(err, "install checkpoint %s", path)
	}
	if err := os.RemoveAll(old); err != nil {
		logs.Warnf("remove %s, err: %+v", old, err)
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	s.db = db
	logs.Infof("restored %s from checkpoint %s", s.opt.Path, path)
	return nil
}

// Close closes the database. Further calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) set(key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Set(key, value, s.wo)
}

func (s *Store) get(key []byte, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	value, closer, err := db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(value, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func (s *Store) scan(lower, upper []byte, fn func(id uint64, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, ok := parseID(iter.Key())
		if !ok {
			logs.Warnf("skip unparsable key %q", iter.Key())
			continue
		}
		if err := fn(id, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func putJSON(b *pebble.Batch, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, value, nil)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
