package shard

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"rms/internal/audit"
	"rms/internal/codec"
	"rms/internal/obs"
	"rms/internal/ring"
	"rms/internal/risk"
	"rms/internal/schema"
	"rms/internal/store"
)

const (
	defaultPollBatch        = 10
	defaultControlQueueSize = 64
	dropLogEvery            = 1024
)

// State is the worker lifecycle state.
type State uint32

const (
	StateIdle State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config controls one shard worker.
type Config struct {
	ShardID          int
	PollBatch        int
	PinThread        bool
	ControlQueueSize int
	Idle             ring.Idler
}

func (c Config) withDefaults() Config {
	if c.PollBatch <= 0 {
		c.PollBatch = defaultPollBatch
	}
	if c.ControlQueueSize <= 0 {
		c.ControlQueueSize = defaultControlQueueSize
	}
	if c.Idle == (ring.Idler{}) {
		c.Idle = ring.DefaultIdler()
	}
	return c
}

// Deps are the rings and metrics a worker writes to. Audit and Outbound may
// be nil.
type Deps struct {
	Inbound  *ring.Ring
	Audit    *ring.Ring
	Outbound *ring.Ring
	Metrics  *obs.Metrics
}

// Worker is the single owner of one shard partition. It drains the shard's
// inbound ring, runs pre-trade checks on orders and applies trades.
type Worker struct {
	cfg     Config
	part    *store.Partition
	engine  *risk.Engine
	in      *ring.Ring
	audit   *ring.Ring
	out     *ring.Ring
	metrics *obs.Metrics

	control chan command
	running uint32
	started uint32
	state   uint32
	done    chan struct{}

	auditBuf   []byte
	outBuf     []byte
	auditDrops uint64
	outDrops   uint64
}

// NewWorker creates a worker that takes ownership of part.
func NewWorker(cfg Config, part *store.Partition, deps Deps) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:      cfg,
		part:     part,
		engine:   risk.NewEngine(part),
		in:       deps.Inbound,
		audit:    deps.Audit,
		out:      deps.Outbound,
		metrics:  deps.Metrics,
		control:  make(chan command, cfg.ControlQueueSize),
		done:     make(chan struct{}),
		auditBuf: make([]byte, 0, audit.SlotSize),
		outBuf:   make([]byte, 0, codec.TradeFrameSize),
	}
}

// ShardID returns the shard this worker owns.
func (w *Worker) ShardID() int {
	return w.cfg.ShardID
}

// Partition exposes the owned partition. It may only be used while the
// worker is not running.
func (w *Worker) Partition() *store.Partition {
	return w.part
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(atomic.LoadUint32(&w.state))
}

// Start launches the worker goroutine. It is a no-op when already started.
func (w *Worker) Start() {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return
	}
	atomic.StoreUint32(&w.running, 1)
	go w.run()
}

// Stop clears the running flag and waits for the goroutine to exit.
func (w *Worker) Stop() {
	atomic.StoreUint32(&w.running, 0)
	if atomic.LoadUint32(&w.started) == 0 {
		w.setState(StateStopped)
		return
	}
	<-w.done
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)
	if w.cfg.PinThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	idle := w.cfg.Idle
	for atomic.LoadUint32(&w.running) == 1 {
		if n := w.Poll(); n == 0 {
			w.setState(StateIdle)
			idle.Idle(0)
		} else {
			idle.Reset()
		}
	}
	w.applyControl()
	w.setState(StateStopped)
	logs.Infof("shard %d stopped, trades=%d positions=%d", w.cfg.ShardID, w.part.TradeSeq, w.part.PositionCount())
}

// Poll runs one iteration: pending control commands first, then up to one
// batch of messages. It returns the number of messages handled. Only the
// worker goroutine, or a test driving a worker that was never started, may
// call it.
func (w *Worker) Poll() int {
	w.applyControl()
	n := 0
	for n < w.cfg.PollBatch {
		msg, ok := w.in.Dequeue()
		if !ok {
			break
		}
		if n == 0 {
			w.setState(StateDraining)
		}
		w.handle(msg)
		n++
	}
	return n
}

func (w *Worker) handle(msg schema.Message) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("shard %d: recovered while handling %s, err: %+v", w.cfg.ShardID, msg.Type, r)
			w.metrics.IncMalformed()
		}
	}()

	switch msg.Type {
	case schema.MessageOrder:
		w.onOrder(msg.Order)
	case schema.MessageTrade:
		w.onTrade(msg.Trade)
	}
}

func (w *Worker) onOrder(order schema.Order) {
	start := time.Now()
	decision := w.engine.Evaluate(w.part, order, start.UnixNano())
	w.metrics.ObserveOrder(decision.Reason, time.Since(start))
	if !decision.Accepted {
		logs.Infof("order rejected shard=%d order=%d account=%d instrument=%d qty=%d price=%v ref=%v pos=%d reason=%s",
			w.cfg.ShardID, order.OrderID, order.AccountID, order.InstrumentID, order.Quantity, order.Price,
			decision.Reference, decision.CurrentPos, decision.Reason)
	}
	if w.audit != nil {
		w.auditBuf = audit.EncodeDecisionRecord(w.auditBuf, schema.DecisionRecord{
			Order:   order,
			Reason:  decision.Reason,
			TsEvent: start.UnixNano(),
		})
		w.emitAudit()
	}
}

func (w *Worker) onTrade(trade schema.TradeExecution) {
	start := time.Now()
	res, err := risk.OnTrade(w.part, trade)
	if err != nil {
		logs.Errorf("trade discarded shard=%d trade=%d order=%d instrument=%d qty=%d price=%v, err: %+v",
			w.cfg.ShardID, trade.TradeID, trade.OrderID, trade.InstrumentID, trade.Quantity, trade.Price, err)
		w.metrics.IncMalformed()
		return
	}
	w.part.TradeSeq++
	w.metrics.ObserveTrade(time.Since(start))

	if res.Signals != schema.SignalNone {
		w.metrics.IncSignal(res.Signals)
		logs.Warnf("%s shard=%d account=%d instrument=%d net=%d equity=%v peak=%v drawdown=%v required_margin=%v",
			res.Signals, w.cfg.ShardID, trade.AccountID, trade.InstrumentID, res.Position.NetQty,
			res.Equity, res.Position.PeakEquity, res.Drawdown, res.RequiredMargin)
	}

	if w.audit != nil {
		w.auditBuf = audit.EncodeTradeRecord(w.auditBuf, audit.TradeEntry{
			Seq:     w.part.TradeSeq,
			TsEvent: start.UnixNano(),
			Trade:   trade,
		})
		w.emitAudit()
	}
	if w.out != nil {
		w.outBuf = codec.EncodeTradeFrame(w.outBuf, trade)
		if !w.out.TryEnqueue(w.outBuf) {
			w.outDrops++
			w.metrics.IncPublishFailure()
			if w.outDrops == 1 || w.outDrops%dropLogEvery == 0 {
				logs.Warnf("shard %d: confirmation ring full, dropped=%d", w.cfg.ShardID, w.outDrops)
			}
		}
	}
}

// emitAudit never waits: a slow auditor costs audit records, not latency.
func (w *Worker) emitAudit() {
	if !w.audit.TryEnqueue(w.auditBuf) {
		w.auditDrops++
		w.metrics.IncAuditDrop()
		if w.auditDrops == 1 || w.auditDrops%dropLogEvery == 0 {
			logs.Warnf("shard %d: audit ring full, dropped=%d", w.cfg.ShardID, w.auditDrops)
		}
	}
}

func (w *Worker) setState(s State) {
	atomic.StoreUint32(&w.state, uint32(s))
}
