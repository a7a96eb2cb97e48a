package state

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/yanun0323/errors"

	"rms/internal/schema"
	"rms/internal/store"
)

// Snapshot is a portable, ordered view of one shard's positions.
type Snapshot struct {
	Timestamp int64           `json:"timestamp"`
	ShardID   int             `json:"shardId"`
	TradeSeq  uint64          `json:"tradeSeq"`
	Positions []PositionEntry `json:"positions"`
}

// PositionEntry is a single instrument position.
type PositionEntry struct {
	InstrumentID  uint32  `json:"instrumentId"`
	NetQty        int64   `json:"netQty"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`
	RealizedPnL   float64 `json:"realizedPnl"`
}

// FromPartition converts a partition copy. Flat positions are kept so that a
// closed instrument still compares equal.
func FromPartition(s store.Snapshot) Snapshot {
	entries := make([]PositionEntry, 0, len(s.Positions))
	for id, pos := range s.Positions {
		entries = append(entries, PositionEntry{
			InstrumentID:  id,
			NetQty:        pos.NetQty,
			AvgEntryPrice: pos.AvgEntryPrice,
			RealizedPnL:   pos.RealizedPnL,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].InstrumentID < entries[j].InstrumentID
	})
	return Snapshot{
		Timestamp: time.Now().UTC().UnixNano(),
		ShardID:   s.ShardID,
		TradeSeq:  s.TradeSeq,
		Positions: entries,
	}
}

// PositionMap returns the entries keyed by instrument.
func (s Snapshot) PositionMap() map[uint32]schema.Position {
	m := make(map[uint32]schema.Position, len(s.Positions))
	for _, e := range s.Positions {
		m[e.InstrumentID] = schema.Position{NetQty: e.NetQty, AvgEntryPrice: e.AvgEntryPrice, RealizedPnL: e.RealizedPnL}
	}
	return m
}

// WriteSnapshots writes snapshots to disk as JSON.
func WriteSnapshots(path string, snapshots []Snapshot) error {
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshots")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create snapshot dir %s", dir)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshots loads snapshots written by WriteSnapshots.
func ReadSnapshots(path string) ([]Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read snapshot %s", path)
	}
	var snaps []Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s", path)
	}
	return snaps, nil
}

// priceEpsilon absorbs rounding from the running average.
const priceEpsilon = 1e-9

// CompareSnapshots checks if two snapshots hold the same positions.
func CompareSnapshots(expected, actual Snapshot) error {
	if expected.ShardID != actual.ShardID {
		return fmt.Errorf("snapshot shard mismatch: expected=%d actual=%d", expected.ShardID, actual.ShardID)
	}
	if len(expected.Positions) != len(actual.Positions) {
		return fmt.Errorf("snapshot length mismatch: shard=%d expected=%d actual=%d", expected.ShardID, len(expected.Positions), len(actual.Positions))
	}
	want := expected.PositionMap()
	for _, entry := range actual.Positions {
		pos, ok := want[entry.InstrumentID]
		if !ok {
			return fmt.Errorf("snapshot missing instrument: shard=%d instrument=%d", actual.ShardID, entry.InstrumentID)
		}
		if pos.NetQty != entry.NetQty {
			return fmt.Errorf("snapshot qty mismatch: shard=%d instrument=%d expected=%d actual=%d",
				actual.ShardID, entry.InstrumentID, pos.NetQty, entry.NetQty)
		}
		if !closeEnough(pos.AvgEntryPrice, entry.AvgEntryPrice) || !closeEnough(pos.RealizedPnL, entry.RealizedPnL) {
			return fmt.Errorf("snapshot price mismatch: shard=%d instrument=%d expected=%v/%v actual=%v/%v",
				actual.ShardID, entry.InstrumentID, pos.AvgEntryPrice, pos.RealizedPnL, entry.AvgEntryPrice, entry.RealizedPnL)
		}
	}
	return nil
}

func closeEnough(a, b float64) bool {
	d := math.Abs(a - b)
	return d <= priceEpsilon || d <= priceEpsilon*math.Max(math.Abs(a), math.Abs(b))
}
