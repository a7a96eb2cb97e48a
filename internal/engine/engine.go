package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"rms/internal/audit"
	"rms/internal/codec"
	"rms/internal/dispatch"
	"rms/internal/journal"
	"rms/internal/obs"
	"rms/internal/ops"
	"rms/internal/persist"
	"rms/internal/ring"
	"rms/internal/shard"
	"rms/internal/state"
	"rms/internal/store"
	"rms/internal/transport"
	"rms/pkg/conn"
	"rms/pkg/exception"
)

const (
	stateNew uint32 = iota
	stateInitialized
	stateStarted
	stateStopped
)

// Deps overrides collaborators the engine would otherwise build from its
// configuration. A Gateway or SQL handle passed in stays owned by the
// caller; transport handles are handed to the dispatcher, which releases
// them on stop.
type Deps struct {
	Gateway      persist.Gateway
	Subscription transport.Subscription
	Publication  transport.Publication
	SQL          *gorm.DB
	Registry     *prometheus.Registry
}

// Engine wires the shard workers, the dispatcher and the off-hot-path
// auditor and snapshotter around one set of partitions.
type Engine struct {
	cfg  ops.Config
	deps Deps

	mu    sync.Mutex
	state uint32

	gateway     persist.Gateway
	ownsGateway bool
	sqlClient   *conn.Client
	journal     *journal.Writer
	registry    *prometheus.Registry
	exporter    *obs.Exporter
	metrics     *obs.Metrics
	trace       *obs.TraceGenerator

	parts      []*store.Partition
	inbound    []*ring.Ring
	audits     []*ring.Ring
	outbound   []*ring.Ring
	workers    []*shard.Worker
	router     *dispatch.Router
	dispatcher *dispatch.Dispatcher
	auditor    *audit.Auditor

	snapStop chan struct{}
	snapDone chan struct{}
}

// New creates an engine. Nothing is opened until Initialize.
func New(cfg ops.Config, deps Deps) *Engine {
	return &Engine{cfg: cfg, deps: deps}
}

// Initialize opens the gateway, recovers every partition and builds the
// rings, workers, dispatcher and auditor. On failure everything opened so
// far is released and the engine stays uninitialized.
func (e *Engine) Initialize() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch atomic.LoadUint32(&e.state) {
	case stateNew:
	case stateStopped:
		return exception.ErrEngineStopped
	default:
		return exception.ErrEngineInitialized
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			e.release()
		}
	}()

	if err := e.openGateway(); err != nil {
		return err
	}

	e.parts = make([]*store.Partition, e.cfg.Sharding.Count)
	for i := range e.parts {
		e.parts[i] = store.NewPartition(store.Config{
			ShardID:             i,
			InstrumentsPerShard: e.cfg.Sharding.InstrumentsPerShard,
			AccountsPerShard:    e.cfg.Sharding.AccountsPerShard,
			InstrumentDefaults:  e.cfg.InstrumentDefaults(),
			AccountDefaults:     e.cfg.AccountDefaults(),
		})
	}
	if _, err := state.Recover(context.Background(), state.RecoverConfig{JournalDir: e.cfg.Journal.Dir}, e.gateway, e.parts); err != nil {
		return errors.Wrap(err, "recover partitions")
	}

	e.metrics = obs.NewMetrics()
	e.registry = e.deps.Registry
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	if err := e.metrics.Register(e.registry); err != nil {
		return errors.Wrap(err, "register metrics")
	}
	if e.cfg.Metrics.Port > 0 {
		e.exporter = obs.NewExporter(e.cfg.Metrics.Port, e.cfg.Metrics.Endpoint, e.registry)
	}
	e.trace = obs.NewTraceGenerator(0)

	e.buildShards()

	if err := e.buildAudit(); err != nil {
		return err
	}
	if err := e.buildDispatcher(); err != nil {
		return err
	}

	atomic.StoreUint32(&e.state, stateInitialized)
	logs.Infof("engine initialized, shards: %d, routing: %s", len(e.parts), e.router.Policy())
	return nil
}

func (e *Engine) openGateway() error {
	if e.deps.Gateway != nil {
		e.gateway = e.deps.Gateway
		return nil
	}
	s, err := persist.Open(persist.Options{
		Path:            e.cfg.Database.Path,
		WriteBufferSize: e.cfg.Database.WriteBufferSize,
		SyncWrites:      e.cfg.Database.SyncWrites,
	})
	if err != nil {
		return errors.Wrap(err, "open persistence gateway")
	}
	e.gateway = s
	e.ownsGateway = true
	return nil
}

func (e *Engine) buildShards() {
	perf := e.cfg.Performance
	n := len(e.parts)
	e.inbound = make([]*ring.Ring, n)
	e.audits = make([]*ring.Ring, n)
	e.outbound = make([]*ring.Ring, n)
	e.workers = make([]*shard.Worker, n)
	for i := 0; i < n; i++ {
		e.inbound[i] = ring.New(ring.Config{
			Name:           "inbound-" + strconv.Itoa(i),
			Capacity:       perf.OrderQueueSize,
			EnqueueTimeout: perf.EnqueueTimeout,
			OnDrop:         e.metrics.IncEnqueueDrop,
			OnMalformed:    e.metrics.IncMalformed,
		})
		// workers only TryEnqueue on the audit and outbound rings
		e.audits[i] = ring.New(ring.Config{
			Name:     "audit-" + strconv.Itoa(i),
			Capacity: perf.OrderQueueSize,
			SlotSize: audit.SlotSize,
		})
		e.outbound[i] = ring.New(ring.Config{
			Name:     "outbound-" + strconv.Itoa(i),
			Capacity: perf.OrderQueueSize,
			SlotSize: codec.TradeFrameSize,
		})
		e.workers[i] = shard.NewWorker(shard.Config{
			ShardID:   i,
			PollBatch: perf.PollBatch,
			PinThread: perf.PinThreads,
		}, e.parts[i], shard.Deps{
			Inbound:  e.inbound[i],
			Audit:    e.audits[i],
			Outbound: e.outbound[i],
			Metrics:  e.metrics,
		})
	}
}

func (e *Engine) buildAudit() error {
	if e.cfg.Journal.Dir != "" {
		w, err := journal.NewWriter(journal.Config{
			Dir:             e.cfg.Journal.Dir,
			SegmentMaxBytes: e.cfg.Journal.SegmentMaxBytes,
		})
		if err != nil {
			return errors.Wrap(err, "open trade journal")
		}
		e.journal = w
	}

	db := e.deps.SQL
	if db == nil && e.cfg.Audit.PostgresDSN != "" {
		c, err := conn.New(conn.Option{Driver: e.cfg.Audit.Driver, ConnString: e.cfg.Audit.PostgresDSN})
		if err != nil {
			return errors.Wrap(err, "connect audit database")
		}
		e.sqlClient = c
		db = c.DB()
	}
	var sink *audit.SQLSink
	if db != nil {
		s, err := audit.NewSQLSink(db, 0)
		if err != nil {
			return err
		}
		sink = s
	}

	e.auditor = audit.New(audit.Config{}, audit.Deps{
		Rings:   e.audits,
		Gateway: e.gateway,
		Journal: e.journal,
		Sink:    sink,
		Metrics: e.metrics,
		Trace:   e.trace,
	})
	return nil
}

func (e *Engine) buildDispatcher() error {
	policy, err := dispatch.ParsePolicy(e.cfg.Sharding.Routing)
	if err != nil {
		return err
	}
	e.router = dispatch.NewRouter(policy, len(e.parts))

	sub := e.deps.Subscription
	if sub == nil && e.cfg.Transport.InboundSocket != "" {
		s, err := transport.ListenUDS(e.cfg.Transport.InboundSocket, e.cfg.Performance.OrderQueueSize)
		if err != nil {
			return errors.Wrap(err, "listen inbound socket")
		}
		sub = s
	}
	// the dispatcher owns the handles from here on, even when we fail below
	e.deps.Subscription = sub

	pub := e.deps.Publication
	if pub == nil {
		p, err := e.outboundPublication()
		if err != nil {
			return err
		}
		pub = p
	}
	e.deps.Publication = pub

	e.dispatcher = dispatch.New(dispatch.Config{
		PollBatch: e.cfg.Performance.PollBatch,
		PinThread: e.cfg.Performance.PinThreads,
	}, dispatch.Deps{
		Subscription: sub,
		Publication:  pub,
		Router:       e.router,
		Inbound:      e.inbound,
		Outbound:     e.outbound,
		Metrics:      e.metrics,
	})
	return nil
}

func (e *Engine) outboundPublication() (transport.Publication, error) {
	out := e.cfg.Transport.Outbound
	switch out.Kind {
	case ops.OutboundUDS:
		p, err := transport.DialUDS(out.Socket)
		if err != nil {
			return nil, errors.Wrap(err, "dial outbound socket")
		}
		return p, nil
	case ops.OutboundKafka:
		p, err := transport.NewKafkaPublication(transport.KafkaConfig{
			Brokers: out.Brokers,
			Topic:   out.Topic,
			Sync:    out.Sync,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create kafka publication")
		}
		return p, nil
	default:
		return nil, nil
	}
}

// Start launches the exporter, the auditor, every worker, the dispatcher and
// the snapshotter. ctx bounds the snapshotter.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch atomic.LoadUint32(&e.state) {
	case stateInitialized:
	case stateNew:
		return exception.ErrEngineNotInitialized
	case stateStarted:
		return exception.ErrEngineStarted
	default:
		return exception.ErrEngineStopped
	}

	if e.exporter != nil {
		if err := e.exporter.Start(); err != nil {
			return err
		}
	}
	if e.journal != nil {
		if err := e.journal.Start(); err != nil {
			return err
		}
	}
	e.auditor.Start()
	for _, w := range e.workers {
		w.Start()
	}
	e.dispatcher.Start()
	e.startSnapshotter(ctx)

	atomic.StoreUint32(&e.state, stateStarted)
	logs.Infof("engine started, shards: %d", len(e.workers))
	return nil
}

// Stop shuts the engine down: the snapshotter first, then the dispatcher
// (joined before its transport is released), then the workers, a final save of every partition, the
// auditor drain and finally the journal and the gateway. Failures are logged.
// Calling Stop more than once is safe.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := atomic.LoadUint32(&e.state)
	if prev == stateNew || prev == stateStopped {
		return
	}
	// the snapshotter must be joined while the workers still answer
	// snapshot commands
	e.stopSnapshotter()
	atomic.StoreUint32(&e.state, stateStopped)

	e.dispatcher.Stop()
	e.deps.Subscription, e.deps.Publication = nil, nil
	for _, w := range e.workers {
		w.Stop()
	}
	if err := e.persistAll(context.Background()); err != nil {
		logs.Errorf("final save failed, err: %+v", err)
	}
	e.auditor.Stop()

	ds := e.dispatcher.Stats()
	logs.Infof("engine stopped, routed: %d, invalid: %d, published: %d, publish failures: %d",
		ds.Routed, ds.Invalid, ds.Published, ds.PublishFailures)
	e.release()
}

// release closes what Initialize opened. Workers and the dispatcher must
// already be joined or never started.
func (e *Engine) release() {
	if e.deps.Subscription != nil {
		if err := e.deps.Subscription.Close(); err != nil {
			logs.Warnf("close subscription, err: %+v", err)
		}
		e.deps.Subscription = nil
	}
	if e.deps.Publication != nil {
		if err := e.deps.Publication.Close(); err != nil {
			logs.Warnf("close publication, err: %+v", err)
		}
		e.deps.Publication = nil
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			logs.Errorf("close journal, err: %+v", err)
		}
		e.journal = nil
	}
	if e.sqlClient != nil {
		if err := e.sqlClient.Close(); err != nil {
			logs.Warnf("close audit database, err: %+v", err)
		}
		e.sqlClient = nil
	}
	if e.exporter != nil {
		if err := e.exporter.Close(context.Background()); err != nil {
			logs.Warnf("close metrics exporter, err: %+v", err)
		}
		e.exporter = nil
	}
	if e.ownsGateway && e.gateway != nil {
		if err := e.gateway.Close(); err != nil {
			logs.Errorf("close persistence gateway, err: %+v", err)
		}
	}
	e.gateway = nil
}

// Shards returns the configured shard count.
func (e *Engine) Shards() int {
	return e.cfg.Sharding.Count
}

// Metrics returns the engine counters, nil before Initialize.
func (e *Engine) Metrics() *obs.Metrics {
	return e.metrics
}

// Router returns the inbound router, nil before Initialize.
func (e *Engine) Router() *dispatch.Router {
	return e.router
}

// Registry returns the prometheus registry the metrics are exported from.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}
