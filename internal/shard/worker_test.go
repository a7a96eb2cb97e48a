package shard

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rms/internal/audit"
	"rms/internal/codec"
	"rms/internal/obs"
	"rms/internal/ring"
	"rms/internal/risk"
	"rms/internal/schema"
	"rms/internal/store"
	"rms/pkg/exception"
)

func newPartition(shard int) *store.Partition {
	return store.NewPartition(store.Config{
		ShardID:             shard,
		InstrumentsPerShard: 16,
		AccountsPerShard:    8,
		InstrumentDefaults:  schema.DefaultInstrumentLimits(),
		AccountDefaults:     schema.DefaultAccountLimits(),
	})
}

func newRing(name string, capacity, slot int) *ring.Ring {
	return ring.New(ring.Config{Name: name, Capacity: capacity, SlotSize: slot, EnqueueTimeout: 20 * time.Microsecond})
}

func enqueueTrade(t *testing.T, r *ring.Ring, tr schema.TradeExecution) {
	t.Helper()
	frame := codec.EncodeTradeFrame(nil, tr)
	require.NoError(t, r.Enqueue(frame, 0, len(frame)))
}

func enqueueOrder(t *testing.T, r *ring.Ring, o schema.Order) {
	t.Helper()
	frame := codec.EncodeOrderFrame(nil, o)
	require.NoError(t, r.Enqueue(frame, 0, len(frame)))
}

func TestWorkerPollAppliesTradesAndAudits(t *testing.T) {
	in := newRing("in", 16, 0)
	auditRing := newRing("audit", 16, audit.SlotSize)
	out := newRing("out", 16, 0)
	m := obs.NewMetrics()
	w := NewWorker(Config{ShardID: 0}, newPartition(0), Deps{Inbound: in, Audit: auditRing, Outbound: out, Metrics: m})

	enqueueTrade(t, in, schema.TradeExecution{OrderID: 1, AccountID: 4, InstrumentID: 3, Quantity: 20, Price: 100, IsBuy: true, TradeID: 7})
	enqueueOrder(t, in, schema.Order{OrderID: 2, AccountID: 4, InstrumentID: 3, Quantity: 500, Price: 100, Side: schema.SideBuy})

	assert.Equal(t, 2, w.Poll())
	assert.Equal(t, 0, w.Poll())

	pos, ok := w.Partition().Position(3)
	require.True(t, ok)
	assert.Equal(t, int64(20), pos.NetQty)
	assert.Equal(t, 100.0, pos.AvgEntryPrice)
	assert.Equal(t, uint64(1), w.Partition().TradeSeq)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.Trades)
	assert.Equal(t, uint64(1), snap.Orders)
	assert.Equal(t, uint64(1), snap.Rejections[schema.ReasonMaxQty])

	var records [][]byte
	auditRing.Poll(func(rec []byte) {
		records = append(records, append([]byte(nil), rec...))
	}, 0)
	require.Len(t, records, 2)
	assert.Equal(t, byte(schema.MessageTrade), records[0][0])
	assert.Len(t, records[0], audit.TradeRecordSize)
	assert.Equal(t, byte(schema.MessageDecision), records[1][0])

	msg, ok := out.Dequeue()
	require.True(t, ok)
	assert.Equal(t, schema.MessageTrade, msg.Type)
	assert.Equal(t, uint64(7), msg.Trade.TradeID)
}

func TestWorkerDiscardsMalformedTrade(t *testing.T) {
	in := newRing("in", 8, 0)
	m := obs.NewMetrics()
	w := NewWorker(Config{}, newPartition(0), Deps{Inbound: in, Metrics: m})

	enqueueTrade(t, in, schema.TradeExecution{AccountID: 1, InstrumentID: 2, Quantity: 0, Price: 100, IsBuy: true})
	enqueueTrade(t, in, schema.TradeExecution{AccountID: 1, InstrumentID: 99, Quantity: 1, Price: 100, IsBuy: true})
	require.NoError(t, in.Enqueue([]byte{9, 1, 2}, 0, 3))

	assert.Equal(t, 2, w.Poll())
	assert.Equal(t, 0, w.Partition().PositionCount())
	assert.Equal(t, uint64(0), w.Partition().TradeSeq)
	assert.Equal(t, uint64(2), m.Snapshot().Malformed)
}

func TestWorkerPollBatchIsBounded(t *testing.T) {
	in := newRing("in", 64, 0)
	w := NewWorker(Config{PollBatch: 4}, newPartition(0), Deps{Inbound: in})
	for i := 0; i < 10; i++ {
		enqueueTrade(t, in, schema.TradeExecution{AccountID: 1, InstrumentID: 1, Quantity: 1, Price: 10, IsBuy: true, TradeID: uint64(i)})
	}
	assert.Equal(t, 4, w.Poll())
	assert.Equal(t, 4, w.Poll())
	assert.Equal(t, 2, w.Poll())
	assert.Equal(t, int64(10), w.Partition().NetQty(1))
}

func TestWorkerStartStop(t *testing.T) {
	in := newRing("in", 64, 0)
	w := NewWorker(Config{ShardID: 2, PinThread: true}, newPartition(2), Deps{Inbound: in})
	w.Start()
	w.Start()

	for i := 0; i < 10; i++ {
		enqueueTrade(t, in, schema.TradeExecution{AccountID: 2, InstrumentID: 5, Quantity: 2, Price: 10, IsBuy: true, TradeID: uint64(i)})
	}
	require.Eventually(t, func() bool { return in.Size() == 0 }, 2*time.Second, time.Millisecond)

	w.Stop()
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, int64(20), w.Partition().NetQty(5))

	snap, err := w.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.Positions[5].NetQty)

	err = w.UpdateAccountLimits(context.Background(), 2, schema.DefaultAccountLimits())
	assert.ErrorIs(t, err, exception.ErrEngineStopped)
}

func TestWorkerControlCommands(t *testing.T) {
	in := newRing("in", 64, 0)
	w := NewWorker(Config{ShardID: 1}, newPartition(1), Deps{Inbound: in})
	w.Start()
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lim := schema.DefaultInstrumentLimits()
	lim.MaxOrderQty = 5
	require.NoError(t, w.UpdateInstrumentLimits(ctx, 3, lim))
	assert.Error(t, w.UpdateInstrumentLimits(ctx, 100, lim))

	acct := schema.DefaultAccountLimits()
	acct.KillSwitch = true
	require.NoError(t, w.UpdateAccountLimits(ctx, 9, acct))

	require.NoError(t, w.OnMarketData(3, 99, 101))

	enqueueTrade(t, in, schema.TradeExecution{AccountID: 1, InstrumentID: 3, Quantity: 1, Price: 100, IsBuy: true})
	require.Eventually(t, func() bool { return in.Size() == 0 }, 2*time.Second, time.Millisecond)

	snap, err := w.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), snap.Instruments[3].MaxOrderQty)
	assert.True(t, snap.Accounts[1].KillSwitch)
	assert.Equal(t, uint64(1), snap.TradeSeq)
	assert.Equal(t, int64(1), snap.Positions[3].NetQty)
}

func TestControlQueueFull(t *testing.T) {
	w := NewWorker(Config{ControlQueueSize: 1}, newPartition(0), Deps{Inbound: newRing("in", 4, 0)})
	require.NoError(t, w.OnMarketData(1, 1, 2))
	assert.ErrorIs(t, w.OnMarketData(1, 1, 2), exception.ErrControlQueueFull)

	w.Poll()
	assert.Equal(t, schema.Quote{Bid: 1, Ask: 2}, w.Partition().Quote(1))
}

func TestEnqueueTimeoutLeavesPositionsUnchanged(t *testing.T) {
	in := newRing("in", 2, 0)
	w := NewWorker(Config{}, newPartition(0), Deps{Inbound: in})

	frame := codec.EncodeTradeFrame(nil, schema.TradeExecution{AccountID: 1, InstrumentID: 1, Quantity: 1, Price: 10, IsBuy: true})
	require.NoError(t, in.Enqueue(frame, 0, len(frame)))
	require.NoError(t, in.Enqueue(frame, 0, len(frame)))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, in.Enqueue(frame, 0, len(frame)), ring.ErrEnqueueTimeout)
	}
	assert.Equal(t, uint64(3), in.Dropped())
	assert.Equal(t, 0, w.Partition().PositionCount())

	assert.Equal(t, 2, w.Poll())
	assert.Equal(t, int64(2), w.Partition().NetQty(1))
}

func TestFullAuditAndOutboundRingsDoNotStallTrades(t *testing.T) {
	in := newRing("in", 16, 0)
	// a long timeout would hang the test if the worker waited on these rings
	auditRing := ring.New(ring.Config{Name: "audit", Capacity: 2, SlotSize: audit.SlotSize, EnqueueTimeout: time.Hour})
	out := ring.New(ring.Config{Name: "out", Capacity: 2, SlotSize: codec.TradeFrameSize, EnqueueTimeout: time.Hour})
	m := obs.NewMetrics()
	w := NewWorker(Config{PollBatch: 16}, newPartition(0), Deps{Inbound: in, Audit: auditRing, Outbound: out, Metrics: m})

	for i := 1; i <= 5; i++ {
		enqueueTrade(t, in, schema.TradeExecution{OrderID: uint64(i), AccountID: 1, InstrumentID: 1, Quantity: 1, Price: 10, IsBuy: true, TradeID: uint64(i)})
	}
	assert.Equal(t, 5, w.Poll())

	assert.Equal(t, uint64(5), w.Partition().TradeSeq)
	assert.Equal(t, int64(5), w.Partition().NetQty(1))
	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.AuditDrops)
	assert.Equal(t, uint64(3), snap.PublishFailures)
	assert.Equal(t, 2, auditRing.Size())
	assert.Equal(t, 2, out.Size())
}

// Each shard is fed by its own producer while all workers run. The final
// positions must match a serial replay of the same trades.
func TestShardIsolationMatchesSerialReplay(t *testing.T) {
	const (
		shards    = 4
		perShard  = 2000
		instCount = 16
	)
	rng := rand.New(rand.NewSource(42))
	trades := make([][]schema.TradeExecution, shards)
	for s := 0; s < shards; s++ {
		for i := 0; i < perShard; i++ {
			trades[s] = append(trades[s], schema.TradeExecution{
				OrderID:      uint64(i),
				AccountID:    uint32(s + shards*rng.Intn(8)),
				InstrumentID: uint32(rng.Intn(instCount)),
				Quantity:     int64(1 + rng.Intn(10)),
				Price:        float64(90 + rng.Intn(20)),
				IsBuy:        rng.Intn(2) == 0,
				TradeID:      uint64(s*perShard + i),
			})
		}
	}

	workers := make([]*Worker, shards)
	rings := make([]*ring.Ring, shards)
	for s := 0; s < shards; s++ {
		rings[s] = ring.New(ring.Config{Capacity: 64, EnqueueTimeout: time.Second})
		workers[s] = NewWorker(Config{ShardID: s}, newPartition(s), Deps{Inbound: rings[s]})
		workers[s].Start()
	}

	var wg sync.WaitGroup
	for s := 0; s < shards; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			buf := make([]byte, 0, codec.TradeFrameSize)
			for _, tr := range trades[s] {
				buf = codec.EncodeTradeFrame(buf, tr)
				for rings[s].Enqueue(buf, 0, len(buf)) != nil {
				}
			}
		}(s)
	}
	wg.Wait()
	for s := 0; s < shards; s++ {
		require.Eventually(t, func() bool { return rings[s].Size() == 0 }, 5*time.Second, time.Millisecond)
	}
	for _, w := range workers {
		w.Stop()
	}

	for s := 0; s < shards; s++ {
		serial := newPartition(s)
		for _, tr := range trades[s] {
			_, err := risk.OnTrade(serial, tr)
			require.NoError(t, err)
		}
		got := workers[s].Partition().Snapshot()
		want := serial.Snapshot()
		assert.Equal(t, want.Positions, got.Positions, "shard %d", s)
		assert.Equal(t, uint64(perShard), got.TradeSeq)
	}
}
