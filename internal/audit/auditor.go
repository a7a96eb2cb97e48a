package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"rms/internal/codec"
	"rms/internal/journal"
	"rms/internal/obs"
	"rms/internal/persist"
	"rms/internal/ring"
	"rms/internal/schema"
)

const defaultPollBatch = 256

type Config struct {
	PollBatch int
	Idle      ring.Idler
}

type Deps struct {
	// Rings holds one audit ring per shard, indexed by shard id.
	Rings   []*ring.Ring
	Gateway persist.Gateway
	Journal *journal.Writer
	Sink    *SQLSink
	Metrics *obs.Metrics
	Trace   *obs.TraceGenerator
}

// Stats counts what the auditor has persisted.
type Stats struct {
	Trades    uint64
	Decisions uint64
	Malformed uint64
	Errors    uint64
}

// Auditor drains the shard audit rings into the durable store, the trade
// journal and the optional SQL mirror. It is the only reader of those rings.
type Auditor struct {
	cfg     Config
	rings   []*ring.Ring
	gateway persist.Gateway
	journal *journal.Writer
	sink    *SQLSink
	metrics *obs.Metrics
	trace   *obs.TraceGenerator
	idle    ring.Idler

	running uint32
	started uint32
	done    chan struct{}
	once    sync.Once

	trades    uint64
	decisions uint64
	malformed uint64
	errs      uint64

	shard   int
	payload [codec.TradePayloadSize]byte
}

func New(cfg Config, deps Deps) *Auditor {
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaultPollBatch
	}
	idle := cfg.Idle
	if idle == (ring.Idler{}) {
		idle = ring.DefaultIdler()
	}
	return &Auditor{
		cfg:     cfg,
		rings:   deps.Rings,
		gateway: deps.Gateway,
		journal: deps.Journal,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		trace:   deps.Trace,
		idle:    idle,
		done:    make(chan struct{}),
	}
}

// Start launches the drain loop. Calling it twice is a no-op.
func (a *Auditor) Start() {
	if !atomic.CompareAndSwapUint32(&a.started, 0, 1) {
		return
	}
	atomic.StoreUint32(&a.running, 1)
	go a.run()
}

// Stop joins the loop and drains what is left on the rings.
func (a *Auditor) Stop() {
	a.once.Do(func() {
		atomic.StoreUint32(&a.running, 0)
		if atomic.LoadUint32(&a.started) == 1 {
			<-a.done
		}
		for a.drain(0) > 0 {
		}
		a.flushSink()
		s := a.Stats()
		logs.Infof("auditor stopped, trades: %d, decisions: %d, malformed: %d, errors: %d",
			s.Trades, s.Decisions, s.Malformed, s.Errors)
	})
}

func (a *Auditor) run() {
	defer close(a.done)
	for atomic.LoadUint32(&a.running) == 1 {
		if n := a.Poll(); n == 0 {
			a.idle.Idle(0)
		} else {
			a.idle.Reset()
		}
	}
}

// Poll drains up to PollBatch records from every ring and flushes the SQL
// mirror. It must not run concurrently with itself.
func (a *Auditor) Poll() int {
	n := a.drain(a.cfg.PollBatch)
	if n > 0 {
		a.flushSink()
	}
	return n
}

func (a *Auditor) drain(limit int) int {
	total := 0
	for shard, r := range a.rings {
		if r == nil {
			continue
		}
		a.shard = shard
		total += r.Poll(a.handle, limit)
	}
	return total
}

// Stats returns the counters.
func (a *Auditor) Stats() Stats {
	return Stats{
		Trades:    atomic.LoadUint64(&a.trades),
		Decisions: atomic.LoadUint64(&a.decisions),
		Malformed: atomic.LoadUint64(&a.malformed),
		Errors:    atomic.LoadUint64(&a.errs),
	}
}

func (a *Auditor) handle(record []byte) {
	if len(record) == 0 {
		a.onMalformed(record)
		return
	}
	switch schema.MessageType(record[0]) {
	case schema.MessageTrade:
		entry, ok := decodeTradeRecord(record)
		if !ok {
			a.onMalformed(record)
			return
		}
		a.onTrade(entry)
	case schema.MessageDecision:
		rec, ok := decodeDecisionRecord(record)
		if !ok {
			a.onMalformed(record)
			return
		}
		a.onDecision(rec)
	default:
		a.onMalformed(record)
	}
}

func (a *Auditor) onTrade(entry TradeEntry) {
	atomic.AddUint64(&a.trades, 1)
	if a.gateway != nil {
		if err := a.gateway.LogTrade(entry.Trade); err != nil {
			a.onError("log trade", err)
		}
	}
	if a.journal != nil {
		now := time.Now().UTC().UnixNano()
		h := schema.NewHeader(schema.EventTrade, uint16(a.shard), entry.Seq, entry.TsEvent, now)
		h.TraceID = a.trace.Next()
		payload := codec.EncodeTrade(a.payload[:0], entry.Trade)
		if err := a.journal.Append(context.Background(), h, payload); err != nil {
			a.onError("journal trade", err)
		}
	}
	if a.sink != nil {
		a.sink.addTrade(a.shard, entry.Seq, persist.NewTradeRecord(entry.Trade), entry.TsEvent)
	}
}

func (a *Auditor) onDecision(rec schema.DecisionRecord) {
	atomic.AddUint64(&a.decisions, 1)
	if a.gateway != nil {
		if err := a.gateway.LogOrder(rec.Order, rec.Reason); err != nil {
			a.onError("log order", err)
		}
	}
	if a.sink != nil {
		a.sink.addOrder(a.shard, persist.NewOrderRecord(rec.Order, rec.Reason), rec.TsEvent)
	}
}

func (a *Auditor) onMalformed(record []byte) {
	atomic.AddUint64(&a.malformed, 1)
	if a.metrics != nil {
		a.metrics.IncMalformed()
	}
	tag := -1
	if len(record) > 0 {
		tag = int(record[0])
	}
	logs.Warnf("UnexpectedMessageType audit shard=%d tag=%d len=%d", a.shard, tag, len(record))
}

func (a *Auditor) flushSink() {
	if a.sink == nil {
		return
	}
	if _, err := a.sink.flush(); err != nil {
		a.onError("sql audit flush", err)
	}
}

func (a *Auditor) onError(op string, err error) {
	n := atomic.AddUint64(&a.errs, 1)
	if a.metrics != nil {
		a.metrics.IncAuditError()
	}
	if n == 1 || n%1024 == 0 {
		logs.Errorf("audit %s failed (%d so far), err: %+v", op, n, err)
	}
}
