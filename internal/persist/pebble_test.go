package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rms/internal/schema"
	"rms/internal/store"
	"rms/pkg/exception"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "db"), WriteBufferSize: 4 << 20, SyncWrites: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKeysMatchLayout(t *testing.T) {
	assert.Equal(t, "positions/1:42", string(positionKey(1, 42)))
	assert.Equal(t, "account_limits/2:acc:7", string(accountKey(2, 7)))
	assert.Equal(t, "instrument_limits/3:inst:9", string(instrumentKey(3, 9)))
	assert.Equal(t, "orders/order:11", string(orderKey(11)))
	assert.Equal(t, "trades/trade:12", string(tradeKey(12)))
	assert.Equal(t, "meta/0", string(metaKey(0)))

	lower, upper := shardBounds(familyAccountLimits, 1, "acc:")
	assert.Equal(t, "account_limits/1:acc:", string(lower))
	assert.Equal(t, "account_limits/1:acc;", string(upper))

	id, ok := parseID([]byte("positions/10:1023"))
	require.True(t, ok)
	assert.Equal(t, uint64(1023), id)
}

func TestPositionsRoundTripPerShard(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.SavePositions(1, map[uint32]schema.Position{
		3: {NetQty: 20, AvgEntryPrice: 100, PeakEquity: 5},
		7: {NetQty: -4, AvgEntryPrice: 99.5, RealizedPnL: 12},
	}))
	require.NoError(t, s.SavePositions(10, map[uint32]schema.Position{3: {NetQty: 1, AvgEntryPrice: 1}}))

	got, err := s.LoadPositions(1)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, schema.Position{NetQty: -4, AvgEntryPrice: 99.5, RealizedPnL: 12}, got[7])

	// saving again replaces the shard's previous set
	require.NoError(t, s.SavePositions(1, map[uint32]schema.Position{7: {}}))
	got, err = s.LoadPositions(1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	other, err := s.LoadPositions(10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other[3].NetQty)
}

func TestLimitsRoundTrip(t *testing.T) {
	s := openStore(t)
	accounts := make([]schema.AccountLimits, 4)
	for i := range accounts {
		accounts[i] = schema.DefaultAccountLimits()
	}
	accounts[2].KillSwitch = true
	require.NoError(t, s.SaveAccountLimits(0, accounts))

	instruments := []schema.InstrumentLimits{schema.DefaultInstrumentLimits(), {MaxOrderQty: 50, TickSize: 0.5}}
	require.NoError(t, s.SaveInstrumentLimits(0, instruments))

	loadedAccounts := make([]schema.AccountLimits, 3)
	n, err := s.LoadAccountLimits(0, loadedAccounts)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, loadedAccounts[2].KillSwitch)

	loadedInstruments := make([]schema.InstrumentLimits, 8)
	n, err = s.LoadInstrumentLimits(0, loadedInstruments)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, instruments[1], loadedInstruments[1])
	assert.Equal(t, schema.InstrumentLimits{}, loadedInstruments[2])

	n, err = s.LoadInstrumentLimits(1, loadedInstruments)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSnapshotAndMeta(t *testing.T) {
	s := openStore(t)
	_, found, err := s.LoadShardMeta(2)
	require.NoError(t, err)
	assert.False(t, found)

	snap := store.Snapshot{
		ShardID:     2,
		TradeSeq:    17,
		Positions:   map[uint32]schema.Position{1: {NetQty: 5, AvgEntryPrice: 10}},
		Instruments: []schema.InstrumentLimits{schema.DefaultInstrumentLimits()},
		Accounts:    []schema.AccountLimits{schema.DefaultAccountLimits()},
	}
	require.NoError(t, s.SaveSnapshot(snap))

	meta, found, err := s.LoadShardMeta(2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(17), meta.TradeSeq)

	positions, err := s.LoadPositions(2)
	require.NoError(t, err)
	assert.Equal(t, snap.Positions, positions)
}

func TestAuditRecords(t *testing.T) {
	s := openStore(t)
	order := schema.Order{OrderID: 5, AccountID: 1, InstrumentID: 2, Quantity: 3, Price: 4, Symbol: schema.NewSymbol("BTCUSDT"), Side: schema.SideSell}
	require.NoError(t, s.LogOrder(order, schema.ReasonPriceBand))
	trade := schema.TradeExecution{TradeID: 9, OrderID: 5, AccountID: 1, InstrumentID: 2, Quantity: 3, Price: 4, IsBuy: true}
	require.NoError(t, s.LogTrade(trade))

	rec, found, err := s.Order(5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, "SELL", rec.Side)
	assert.False(t, rec.Accepted)
	assert.Equal(t, schema.ReasonPriceBand.String(), rec.Reason)

	tr, found, err := s.Trade(9)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, NewTradeRecord(trade), tr)

	_, found, err = s.Trade(10)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCheckpointRestore(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.SavePositions(0, map[uint32]schema.Position{1: {NetQty: 10, AvgEntryPrice: 100}}))

	cp := filepath.Join(t.TempDir(), "cp1")
	require.NoError(t, s.CreateCheckpoint(cp))
	assert.ErrorIs(t, s.CreateCheckpoint(cp), exception.ErrCheckpointExists)
	assert.Equal(t, exception.ErrEmptyCheckpointPath, s.CreateCheckpoint(""))

	require.NoError(t, s.SavePositions(0, map[uint32]schema.Position{1: {NetQty: -3, AvgEntryPrice: 90}}))
	require.NoError(t, s.RestoreFromCheckpoint(cp))

	got, err := s.LoadPositions(0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got[1].NetQty)
}

func TestFailedRestoreKeepsLiveStore(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.SavePositions(0, map[uint32]schema.Position{1: {NetQty: 10, AvgEntryPrice: 100}}))

	cp := filepath.Join(t.TempDir(), "cp1")
	require.NoError(t, s.CreateCheckpoint(cp))
	// a dangling link makes the copy fail halfway
	require.NoError(t, os.Symlink(filepath.Join(cp, "missing"), filepath.Join(cp, "zz-broken")))

	require.NoError(t, s.SavePositions(0, map[uint32]schema.Position{1: {NetQty: -3, AvgEntryPrice: 90}}))
	require.Error(t, s.RestoreFromCheckpoint(cp))

	got, err := s.LoadPositions(0)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), got[1].NetQty)
	_, err = os.Stat(s.opt.Path + ".restore")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.Remove(filepath.Join(cp, "zz-broken")))
	require.NoError(t, s.RestoreFromCheckpoint(cp))
	got, err = s.LoadPositions(0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got[1].NetQty)
	_, err = os.Stat(s.opt.Path + ".old")
	assert.True(t, os.IsNotExist(err))
}

func TestClosedStore(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, exception.ErrStoreClosed, s.SavePositions(0, nil))
	_, err := s.LoadPositions(0)
	assert.Equal(t, exception.ErrStoreClosed, err)
}
