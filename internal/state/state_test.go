package state

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rms/internal/codec"
	"rms/internal/journal"
	"rms/internal/persist"
	"rms/internal/risk"
	"rms/internal/schema"
	"rms/internal/store"
	"rms/pkg/exception"
)

func newPartitions(n int) []*store.Partition {
	parts := make([]*store.Partition, n)
	for i := range parts {
		parts[i] = store.NewPartition(store.Config{
			ShardID:             i,
			InstrumentsPerShard: 8,
			AccountsPerShard:    4,
			InstrumentDefaults:  schema.DefaultInstrumentLimits(),
			AccountDefaults:     schema.DefaultAccountLimits(),
		})
	}
	return parts
}

type journaled struct {
	shard int
	seq   uint64
	trade schema.TradeExecution
}

func writeJournal(t *testing.T, dir string, records []journaled) {
	t.Helper()
	w, err := journal.NewWriter(journal.Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	for _, r := range records {
		h := schema.NewHeader(schema.EventTrade, uint16(r.shard), r.seq, 1, 1)
		require.NoError(t, w.Append(context.Background(), h, codec.EncodeTrade(nil, r.trade)))
	}
	require.NoError(t, w.Close())
}

func randomTrades(rnd *rand.Rand, shards, n int) []journaled {
	seqs := make([]uint64, shards)
	out := make([]journaled, 0, n)
	for i := 0; i < n; i++ {
		shard := rnd.Intn(shards)
		seqs[shard]++
		out = append(out, journaled{
			shard: shard,
			seq:   seqs[shard],
			trade: schema.TradeExecution{
				TradeID:      uint64(i + 1),
				AccountID:    uint32(rnd.Intn(4)),
				InstrumentID: uint32(rnd.Intn(8)),
				Quantity:     int64(rnd.Intn(50) + 1),
				Price:        float64(90 + rnd.Intn(20)),
				IsBuy:        rnd.Intn(2) == 0,
			},
		})
	}
	return out
}

func TestRecoverFromJournalMatchesLiveState(t *testing.T) {
	const shards = 3
	rnd := rand.New(rand.NewSource(7))
	records := randomTrades(rnd, shards, 600)

	live := newPartitions(shards)
	for _, r := range records {
		_, err := risk.OnTrade(live[r.shard], r.trade)
		require.NoError(t, err)
		live[r.shard].TradeSeq++
	}

	dir := t.TempDir()
	writeJournal(t, dir, records)

	recovered := newPartitions(shards)
	res, err := Recover(context.Background(), RecoverConfig{JournalDir: dir}, nil, recovered)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), res.Replayed)
	assert.Zero(t, res.Gaps)

	for i := 0; i < shards; i++ {
		assert.Equal(t, live[i].TradeSeq, res.TradeSeq[i])
		require.NoError(t, CompareSnapshots(FromPartition(live[i].Snapshot()), FromPartition(recovered[i].Snapshot())))
	}
}

func TestRecoverReplaysOnlyTheJournalTail(t *testing.T) {
	const shards = 2
	records := randomTrades(rand.New(rand.NewSource(11)), shards, 200)

	live := newPartitions(shards)
	gw, err := persist.Open(persist.Options{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	defer gw.Close()

	// persist a snapshot halfway through, then keep trading
	for i, r := range records {
		_, err := risk.OnTrade(live[r.shard], r.trade)
		require.NoError(t, err)
		live[r.shard].TradeSeq++
		if i == 99 {
			for _, p := range live {
				require.NoError(t, gw.SaveSnapshot(p.Snapshot()))
			}
		}
	}

	instr := schema.DefaultInstrumentLimits()
	instr.MaxOrderQty = 3
	limits := live[1].Snapshot().Instruments
	limits[2] = instr
	require.NoError(t, gw.SaveInstrumentLimits(1, limits))

	dir := t.TempDir()
	writeJournal(t, dir, records)

	recovered := newPartitions(shards)
	res, err := Recover(context.Background(), RecoverConfig{JournalDir: dir}, gw, recovered)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Skipped)
	assert.Equal(t, uint64(100), res.Replayed)

	for i := 0; i < shards; i++ {
		require.NoError(t, CompareSnapshots(FromPartition(live[i].Snapshot()), FromPartition(recovered[i].Snapshot())))
	}
	got, ok := recovered[1].Instrument(2)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.MaxOrderQty)
}

func TestReplayerSkipsInvalidAndRejectsUnknownShard(t *testing.T) {
	parts := newPartitions(1)
	rp := NewReplayer(parts)

	applied, err := rp.ApplyTrade(0, 1, schema.TradeExecution{InstrumentID: 1, Quantity: 0, Price: 10})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, uint64(1), parts[0].TradeSeq)

	applied, err = rp.ApplyTrade(0, 3, schema.TradeExecution{InstrumentID: 1, Quantity: 5, Price: 10, IsBuy: true})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(1), rp.Gaps)
	pos, ok := rp.Position(0, 1)
	require.True(t, ok)
	assert.Equal(t, int64(5), pos.NetQty)

	applied, err = rp.ApplyTrade(0, 2, schema.TradeExecution{InstrumentID: 1, Quantity: 5, Price: 10, IsBuy: true})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = rp.ApplyTrade(4, 1, schema.TradeExecution{})
	assert.ErrorIs(t, err, exception.ErrShardOutOfRange)
}

func TestSnapshotFileRoundTripAndCompare(t *testing.T) {
	p := newPartitions(1)[0]
	_, err := risk.OnTrade(p, schema.TradeExecution{InstrumentID: 3, Quantity: 10, Price: 100, IsBuy: true})
	require.NoError(t, err)
	snap := FromPartition(p.Snapshot())

	path := filepath.Join(t.TempDir(), "out", "snap.json")
	require.NoError(t, WriteSnapshots(path, []Snapshot{snap}))
	loaded, err := ReadSnapshots(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.NoError(t, CompareSnapshots(snap, loaded[0]))

	changed := loaded[0]
	changed.Positions = append([]PositionEntry(nil), changed.Positions...)
	changed.Positions[0].NetQty = 9
	assert.Error(t, CompareSnapshots(snap, changed))

	changed.Positions[0].NetQty = 10
	changed.Positions[0].AvgEntryPrice = 100.5
	assert.Error(t, CompareSnapshots(snap, changed))

	assert.Error(t, CompareSnapshots(snap, Snapshot{ShardID: 1}))
}
