package dispatch

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"rms/internal/obs"
	"rms/internal/ring"
	"rms/internal/transport"
)

const defaultPollBatch = 10

// Config controls the dispatcher loop.
type Config struct {
	PollBatch int
	PinThread bool
	Idle      ring.Idler
}

// Deps are the collaborators the dispatcher owns or feeds. Publication and
// Outbound may be nil when confirmations are disabled.
type Deps struct {
	Subscription transport.Subscription
	Publication  transport.Publication
	Router       *Router
	Inbound      []*ring.Ring
	Outbound     []*ring.Ring
	Metrics      *obs.Metrics
}

// Dispatcher is the single goroutine between the transport and the shard
// rings. It routes inbound fragments by peeking fixed offsets and is the only
// publisher of outbound confirmations.
type Dispatcher struct {
	cfg      Config
	sub      transport.Subscription
	pub      transport.Publication
	router   *Router
	inbound  []*ring.Ring
	outbound []*ring.Ring
	metrics  *obs.Metrics

	running uint32
	started uint32
	done    chan struct{}

	routed    uint64
	invalid   uint64
	published uint64
	failed    uint64

	onFragment transport.FragmentHandler
	onOutbound func([]byte)
}

// New creates a dispatcher. It takes ownership of the subscription and the
// publication and releases both after its goroutine has exited.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaultPollBatch
	}
	if cfg.Idle == (ring.Idler{}) {
		cfg.Idle = ring.DefaultIdler()
	}
	d := &Dispatcher{
		cfg:      cfg,
		sub:      deps.Subscription,
		pub:      deps.Publication,
		router:   deps.Router,
		inbound:  deps.Inbound,
		outbound: deps.Outbound,
		metrics:  deps.Metrics,
		done:     make(chan struct{}),
	}
	if d.router == nil {
		d.router = NewRouter(PolicyAccount, len(d.inbound))
	}
	d.onFragment = d.route
	d.onOutbound = d.publish
	return d
}

// Start launches the poll loop.
func (d *Dispatcher) Start() {
	if !atomic.CompareAndSwapUint32(&d.started, 0, 1) {
		return
	}
	atomic.StoreUint32(&d.running, 1)
	go d.run()
}

// Stop clears the running flag, joins the loop and only then releases the
// transport handles.
func (d *Dispatcher) Stop() {
	atomic.StoreUint32(&d.running, 0)
	if atomic.LoadUint32(&d.started) == 1 {
		<-d.done
	}
	d.release()
}

func (d *Dispatcher) release() {
	if d.sub != nil {
		if err := d.sub.Close(); err != nil {
			logs.Warnf("close inbound subscription, err: %+v", err)
		}
		d.sub = nil
	}
	if d.pub != nil {
		if err := d.pub.Close(); err != nil {
			logs.Warnf("close outbound publication, err: %+v", err)
		}
		d.pub = nil
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	if d.cfg.PinThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	idle := d.cfg.Idle
	for atomic.LoadUint32(&d.running) == 1 {
		if d.Poll() == 0 {
			idle.Idle(0)
		} else {
			idle.Reset()
		}
	}
	d.drainOutbound(0)
	logs.Infof("dispatcher stopped, routed=%d invalid=%d published=%d publish_failures=%d",
		atomic.LoadUint64(&d.routed), atomic.LoadUint64(&d.invalid),
		atomic.LoadUint64(&d.published), atomic.LoadUint64(&d.failed))
}

// Poll runs one iteration: up to one batch of inbound fragments, then the
// pending confirmations. It must only be called from one goroutine.
func (d *Dispatcher) Poll() int {
	n := 0
	if d.sub != nil {
		n = d.sub.Poll(d.onFragment, d.cfg.PollBatch)
	}
	return n + d.drainOutbound(d.cfg.PollBatch)
}

func (d *Dispatcher) route(fragment []byte) {
	s, ok := d.router.Route(fragment)
	if !ok || s >= len(d.inbound) {
		atomic.AddUint64(&d.invalid, 1)
		d.metrics.IncMalformed()
		logs.Warnf("inbound fragment discarded len=%d policy=%s", len(fragment), d.router.Policy())
		return
	}
	err := d.inbound[s].Enqueue(fragment, 0, len(fragment))
	switch {
	case err == nil:
		atomic.AddUint64(&d.routed, 1)
	case errors.Is(err, ring.ErrEnqueueTimeout):
		// the ring logs and counts its own drops
	default:
		atomic.AddUint64(&d.invalid, 1)
		d.metrics.IncMalformed()
		logs.Warnf("inbound fragment discarded shard=%d len=%d, err: %+v", s, len(fragment), err)
	}
}

func (d *Dispatcher) drainOutbound(limit int) int {
	n := 0
	for _, r := range d.outbound {
		n += r.Poll(d.onOutbound, limit)
	}
	return n
}

func (d *Dispatcher) publish(frame []byte) {
	if d.pub == nil {
		return
	}
	if err := d.pub.Offer(frame); err != nil {
		failed := atomic.AddUint64(&d.failed, 1)
		d.metrics.IncPublishFailure()
		if failed == 1 || failed%1024 == 0 {
			logs.Warnf("publish confirmation failed (total %d), err: %+v", failed, err)
		}
		return
	}
	atomic.AddUint64(&d.published, 1)
	d.metrics.IncPublished()
}

// Stats reports dispatcher counters.
type Stats struct {
	Routed          uint64
	Invalid         uint64
	Published       uint64
	PublishFailures uint64
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Routed:          atomic.LoadUint64(&d.routed),
		Invalid:         atomic.LoadUint64(&d.invalid),
		Published:       atomic.LoadUint64(&d.published),
		PublishFailures: atomic.LoadUint64(&d.failed),
	}
}
