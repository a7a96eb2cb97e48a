package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rms/internal/bus"
	"rms/internal/codec"
	"rms/internal/journal"
	"rms/internal/ops"
	"rms/internal/persist"
	"rms/internal/schema"
	"rms/internal/transport"
	"rms/pkg/exception"
)

type recordingPublication struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (p *recordingPublication) Offer(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return nil
}

func (p *recordingPublication) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublication) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func testConfig(dir string) ops.Config {
	cfg := ops.Default()
	cfg.Database.Path = filepath.Join(dir, "db")
	cfg.Database.WriteBufferSize = 4 << 20
	cfg.Database.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.Database.SnapshotInterval = 10 * time.Millisecond
	cfg.Sharding.Count = 2
	cfg.Sharding.InstrumentsPerShard = 16
	cfg.Sharding.AccountsPerShard = 8
	cfg.Performance.OrderQueueSize = 256
	cfg.Performance.EnqueueTimeout = 20 * time.Microsecond
	cfg.Metrics.Port = 0
	cfg.Transport.InboundSocket = ""
	cfg.Journal.Dir = filepath.Join(dir, "journal")
	return cfg
}

type harness struct {
	engine *Engine
	queue  *bus.Queue
	pub    *recordingPublication
}

func newHarness(t *testing.T, cfg ops.Config, gw persist.Gateway) *harness {
	t.Helper()
	h := &harness{queue: bus.NewQueue(1024), pub: &recordingPublication{}}
	h.engine = New(cfg, Deps{
		Gateway:      gw,
		Subscription: transport.NewQueueSubscription(h.queue),
		Publication:  h.pub,
	})
	require.NoError(t, h.engine.Initialize())
	return h
}

func (h *harness) send(t *testing.T, frame []byte) {
	t.Helper()
	require.NoError(t, h.queue.TryPublish(bus.Fragment{Data: frame}))
}

func trade(id uint64, account, instrument uint32, qty int64, price float64, buy bool) []byte {
	return codec.EncodeTradeFrame(nil, schema.TradeExecution{
		TradeID: id, OrderID: id, AccountID: account, InstrumentID: instrument,
		Quantity: qty, Price: price, IsBuy: buy,
	})
}

func TestEngineLifecycleErrors(t *testing.T) {
	e := New(testConfig(t.TempDir()), Deps{})
	assert.Equal(t, exception.ErrEngineNotInitialized, e.Start(context.Background()))
	assert.Equal(t, exception.ErrEngineNotInitialized, e.UpdateAccountLimits(context.Background(), 1, schema.DefaultAccountLimits()))
	e.Stop()

	h := newHarness(t, testConfig(t.TempDir()), nil)
	assert.Equal(t, exception.ErrEngineInitialized, h.engine.Initialize())
	require.NoError(t, h.engine.Start(context.Background()))
	assert.Equal(t, exception.ErrEngineStarted, h.engine.Start(context.Background()))
	h.engine.Stop()
	h.engine.Stop()
	assert.True(t, h.pub.closed)
	assert.Equal(t, exception.ErrEngineStopped, h.engine.Start(context.Background()))
	assert.Equal(t, exception.ErrEngineStopped, h.engine.OnMarketData(1, 1, 2))
}

func TestEngineInitializeFailureReleasesEverything(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	cfg := testConfig(dir)
	cfg.Database.Path = filepath.Join(blocker, "db")
	pub := &recordingPublication{}
	e := New(cfg, Deps{Publication: pub})
	require.Error(t, e.Initialize())
	assert.True(t, pub.closed)
	assert.Equal(t, exception.ErrEngineNotInitialized, e.Start(context.Background()))

	cfg = testConfig(dir)
	cfg.Sharding.Routing = "random"
	assert.ErrorIs(t, New(cfg, Deps{}).Initialize(), exception.ErrInvalidArgument)
}

func TestEngineProcessesTradesAndRecoversOnRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.engine.Start(context.Background()))

	const n = 40
	for i := 1; i <= n; i++ {
		h.send(t, trade(uint64(i), uint32(i%4), uint32(i%3), int64(i), 100+float64(i%5), i%3 != 0))
	}
	require.Eventually(t, func() bool { return h.pub.count() == n }, 5*time.Second, time.Millisecond)
	h.engine.Stop()

	snap := h.engine.Metrics().Snapshot()
	assert.Equal(t, uint64(n), snap.Trades)
	assert.Zero(t, snap.EnqueueDrops)

	want := make([]map[uint32]schema.Position, cfg.Sharding.Count)
	for i, w := range h.engine.workers {
		want[i] = w.Partition().Snapshot().Positions
	}

	// every trade reached the journal with its shard sequence
	pb, err := journal.NewPlayback(journal.PlaybackConfig{Dir: cfg.Journal.Dir})
	require.NoError(t, err)
	seqs := map[uint16]uint64{}
	require.NoError(t, pb.Run(context.Background(), func(hdr schema.EventHeader, _ []byte) error {
		seqs[hdr.Source]++
		assert.Equal(t, seqs[hdr.Source], hdr.Seq)
		return nil
	}))
	assert.Equal(t, uint64(n), seqs[0]+seqs[1])

	restarted := newHarness(t, cfg, nil)
	defer restarted.engine.Stop()
	for i, w := range restarted.engine.workers {
		assert.Equal(t, want[i], w.Partition().Snapshot().Positions)
		assert.Equal(t, seqs[uint16(i)], w.Partition().TradeSeq)
	}
}

func TestEngineRoutesAdminCommands(t *testing.T) {
	dir := t.TempDir()
	gw, err := persist.Open(persist.Options{Path: filepath.Join(dir, "owned")})
	require.NoError(t, err)
	defer gw.Close()

	h := newHarness(t, testConfig(dir), gw)
	ctx := context.Background()

	killed := schema.DefaultAccountLimits()
	killed.KillSwitch = true
	require.NoError(t, h.engine.UpdateAccountLimits(ctx, 3, killed))
	require.NoError(t, h.engine.OnMarketData(2, 99, 101))
	assert.Equal(t, schema.Quote{Bid: 99, Ask: 101}, h.engine.parts[1].Quote(2))

	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	tight := schema.DefaultInstrumentLimits()
	tight.MaxOrderQty = 5
	require.NoError(t, h.engine.UpdateInstrumentLimits(ctx, 1, tight))
	require.NoError(t, h.engine.OnMarketData(1, 10, 10.01))
	assert.Error(t, h.engine.UpdateInstrumentLimits(ctx, 99, tight))

	order := func(id uint64, account uint32, qty int64) []byte {
		return codec.EncodeOrderFrame(nil, schema.Order{OrderID: id, AccountID: account, InstrumentID: 1, Quantity: qty, Price: 10, Side: schema.SideBuy})
	}
	h.send(t, order(1, 3, 1))
	h.send(t, order(2, 2, 6))
	h.send(t, order(3, 2, 5))

	reasons := map[uint64]string{1: schema.ReasonKillSwitch.String(), 2: schema.ReasonMaxQty.String(), 3: schema.ReasonNone.String()}
	for id, reason := range reasons {
		id, reason := id, reason
		require.Eventually(t, func() bool {
			rec, found, err := gw.Order(id)
			return err == nil && found && rec.Reason == reason
		}, 5*time.Second, time.Millisecond, "order %d", id)
	}

	require.NoError(t, h.engine.CreateCheckpoint(ctx, "cp1"))
	_, err = os.Stat(filepath.Join(dir, "checkpoints", "cp1"))
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.CreateCheckpoint(ctx, "cp1"), exception.ErrCheckpointExists)
	assert.Equal(t, exception.ErrEmptyCheckpointPath, h.engine.CreateCheckpoint(ctx, ""))
}

func TestEngineStopsCleanlyWithSnapshotterAndTradesInFlight(t *testing.T) {
	dir := t.TempDir()
	gw, err := persist.Open(persist.Options{Path: filepath.Join(dir, "owned")})
	require.NoError(t, err)
	defer gw.Close()

	cfg := testConfig(dir)
	cfg.Database.SnapshotInterval = time.Millisecond
	h := newHarness(t, cfg, gw)
	require.NoError(t, h.engine.Start(context.Background()))

	stop := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i := uint64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = h.queue.TryPublish(bus.Fragment{Data: trade(i, uint32(i%4), uint32(i%3), 1, 100+float64(i%7), i%2 == 0)})
		}
	}()
	require.Eventually(t, func() bool { return h.engine.Metrics().Snapshot().Trades > 200 }, 5*time.Second, time.Millisecond)

	// a save taken while the stop flag is already set still goes through the
	// running workers
	atomic.StoreUint32(&h.engine.state, stateStopped)
	require.NoError(t, h.engine.persistAll(context.Background()))
	atomic.StoreUint32(&h.engine.state, stateStarted)

	h.engine.Stop()
	close(stop)
	<-fed

	for i, p := range h.engine.parts {
		saved, err := gw.LoadPositions(i)
		require.NoError(t, err)
		assert.Equal(t, p.Snapshot().Positions, saved)
		meta, found, err := gw.LoadShardMeta(i)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, p.TradeSeq, meta.TradeSeq)
	}
}

func TestEngineDropsOnFullRingWithoutTouchingPositions(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Performance.OrderQueueSize = 4
	h := newHarness(t, cfg, nil)

	// workers are not running, so shard 0's ring fills up
	for i := 1; i <= 6; i++ {
		h.send(t, trade(uint64(i), 0, 1, 1, 100, true))
	}
	assert.Equal(t, 6, h.engine.dispatcher.Poll())
	assert.Equal(t, uint64(2), h.engine.Metrics().Snapshot().EnqueueDrops)
	assert.Equal(t, uint64(4), h.engine.dispatcher.Stats().Routed)
	assert.Zero(t, h.engine.parts[0].PositionCount())

	h.engine.Stop()
	assert.Zero(t, h.engine.parts[0].PositionCount())
	assert.Zero(t, h.engine.parts[0].TradeSeq)
}

func TestExposureOf(t *testing.T) {
	cfg := testConfig(t.TempDir())
	h := newHarness(t, cfg, nil)
	defer h.engine.Stop()

	snap := h.engine.parts[0].Snapshot()
	snap.Positions = map[uint32]schema.Position{
		1: {NetQty: -10, AvgEntryPrice: 5, RealizedPnL: 40, PeakEquity: 100},
		2: {NetQty: 2, AvgEntryPrice: 50},
	}
	exposure, drawdown := exposureOf(snap)
	assert.Equal(t, 150.0, exposure)
	assert.InDelta(t, 0.6, drawdown, 1e-12)
}
