package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rms/internal/schema"
)

func newTestPartition() *Partition {
	return NewPartition(Config{
		ShardID:             1,
		InstrumentsPerShard: 8,
		AccountsPerShard:    4,
		InstrumentDefaults:  schema.DefaultInstrumentLimits(),
		AccountDefaults:     schema.DefaultAccountLimits(),
	})
}

func TestPartitionDefaults(t *testing.T) {
	p := newTestPartition()
	assert.Equal(t, 8, p.InstrumentCount())
	assert.Equal(t, 4, p.AccountCount())

	lim, ok := p.Instrument(7)
	require.True(t, ok)
	assert.Equal(t, uint32(100), lim.MaxOrderQty)

	_, ok = p.Instrument(8)
	assert.False(t, ok)
	assert.Equal(t, 0.1, p.Account(1234).MaxDrawdownPct)
}

func TestPartitionAccountSlotWraps(t *testing.T) {
	p := newTestPartition()
	lim := schema.DefaultAccountLimits()
	lim.KillSwitch = true
	p.SetAccountLimits(6, lim)

	assert.True(t, p.Account(2).KillSwitch)
	assert.True(t, p.Account(10).KillSwitch)
	assert.False(t, p.Account(3).KillSwitch)
}

func TestPartitionSetInstrumentLimitsOutOfRange(t *testing.T) {
	p := newTestPartition()
	require.Error(t, p.SetInstrumentLimits(8, schema.DefaultInstrumentLimits()))
	require.NoError(t, p.SetInstrumentLimits(3, schema.InstrumentLimits{MaxOrderQty: 50}))

	lim, _ := p.Instrument(3)
	assert.Equal(t, uint32(50), lim.MaxOrderQty)
}

func TestPartitionPositionsAreLazy(t *testing.T) {
	p := newTestPartition()
	_, ok := p.Position(2)
	assert.False(t, ok)
	assert.Equal(t, int64(0), p.NetQty(2))
	assert.Equal(t, 0, p.PositionCount())

	p.MutablePosition(2).NetQty = 15
	assert.Equal(t, int64(15), p.NetQty(2))
	assert.Equal(t, 1, p.PositionCount())
}

func TestSnapshotIsDetached(t *testing.T) {
	p := newTestPartition()
	p.MutablePosition(1).NetQty = 5
	p.TradeSeq = 9

	snap := p.Snapshot()
	p.MutablePosition(1).NetQty = 50
	p.SetAccountLimits(0, schema.AccountLimits{KillSwitch: true})

	assert.Equal(t, int64(5), snap.Positions[1].NetQty)
	assert.False(t, snap.Accounts[0].KillSwitch)
	assert.Equal(t, uint64(9), snap.TradeSeq)

	other := newTestPartition()
	other.Restore(snap)
	assert.Equal(t, int64(5), other.NetQty(1))
	assert.Equal(t, uint64(9), other.TradeSeq)
}

func TestLoadPositionsSkipsOutOfRange(t *testing.T) {
	p := newTestPartition()
	p.LoadPositions(map[uint32]schema.Position{
		1:  {NetQty: 3},
		99: {NetQty: 7},
	})
	assert.Equal(t, 1, p.PositionCount())
	assert.Equal(t, int64(3), p.NetQty(1))
}
