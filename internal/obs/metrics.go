package obs

import (
	"sync/atomic"
	"time"

	"rms/internal/schema"
)

const signalKinds = 2

// Metrics collects lightweight counters and latency stats. Every method is
// safe on a nil receiver and from any goroutine. When registered, the same
// observations are mirrored into prometheus collectors.
type Metrics struct {
	orders          uint64
	trades          uint64
	reasonCounts    [schema.ReasonCount]uint64
	signalCounts    [signalKinds]uint64
	enqueueDrops    uint64
	malformed       uint64
	auditDrops      uint64
	auditErrors     uint64
	published       uint64
	publishFailures uint64

	orderLatency LatencyStats
	tradeLatency LatencyStats

	prom *collectors
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Orders          uint64
	Trades          uint64
	Rejections      map[schema.RejectReason]uint64
	MarginCalls     uint64
	DrawdownBreach  uint64
	EnqueueDrops    uint64
	Malformed       uint64
	AuditDrops      uint64
	AuditErrors     uint64
	Published       uint64
	PublishFailures uint64
	OrderLatency    LatencySnapshot
	TradeLatency    LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveOrder counts an evaluated order and its decision latency.
func (m *Metrics) ObserveOrder(reason schema.RejectReason, d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.orders, 1)
	if reason != schema.ReasonNone && int(reason) < len(m.reasonCounts) {
		atomic.AddUint64(&m.reasonCounts[reason], 1)
	}
	m.orderLatency.Observe(d)
	m.prom.observeOrder(reason, d)
}

// ObserveTrade counts an applied trade and its processing latency.
func (m *Metrics) ObserveTrade(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.trades, 1)
	m.tradeLatency.Observe(d)
	m.prom.observeTrade(d)
}

// IncSignal counts each post-trade signal raised.
func (m *Metrics) IncSignal(sig schema.Signal) {
	if m == nil {
		return
	}
	if sig.Has(schema.SignalMarginCall) {
		atomic.AddUint64(&m.signalCounts[0], 1)
		m.prom.incSignal(0)
	}
	if sig.Has(schema.SignalDrawdownBreach) {
		atomic.AddUint64(&m.signalCounts[1], 1)
		m.prom.incSignal(1)
	}
}

// IncEnqueueDrop records a record dropped after the ring enqueue timeout.
func (m *Metrics) IncEnqueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.enqueueDrops, 1)
	m.prom.inc(counterEnqueueDrops)
}

// IncMalformed records a discarded malformed fragment, record or trade.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformed, 1)
	m.prom.inc(counterMalformed)
}

// IncAuditDrop records an audit record that could not be queued.
func (m *Metrics) IncAuditDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.auditDrops, 1)
	m.prom.inc(counterAuditDrops)
}

// IncAuditError records a failed audit write.
func (m *Metrics) IncAuditError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.auditErrors, 1)
	m.prom.inc(counterAuditErrors)
}

// IncPublished records an outbound confirmation handed to the transport.
func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.published, 1)
}

// IncPublishFailure records an outbound confirmation the transport refused.
func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.publishFailures, 1)
	m.prom.inc(counterPublishFailures)
}

// SetShardState publishes per-shard gauges computed off the hot path.
func (m *Metrics) SetShardState(shard int, positions int, exposure float64, maxDrawdown float64) {
	if m == nil {
		return
	}
	m.prom.setShardState(shard, positions, exposure, maxDrawdown)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	rejections := make(map[schema.RejectReason]uint64)
	for i := range m.reasonCounts {
		if v := atomic.LoadUint64(&m.reasonCounts[i]); v > 0 {
			rejections[schema.RejectReason(i)] = v
		}
	}
	return Snapshot{
		Orders:          atomic.LoadUint64(&m.orders),
		Trades:          atomic.LoadUint64(&m.trades),
		Rejections:      rejections,
		MarginCalls:     atomic.LoadUint64(&m.signalCounts[0]),
		DrawdownBreach:  atomic.LoadUint64(&m.signalCounts[1]),
		EnqueueDrops:    atomic.LoadUint64(&m.enqueueDrops),
		Malformed:       atomic.LoadUint64(&m.malformed),
		AuditDrops:      atomic.LoadUint64(&m.auditDrops),
		AuditErrors:     atomic.LoadUint64(&m.auditErrors),
		Published:       atomic.LoadUint64(&m.published),
		PublishFailures: atomic.LoadUint64(&m.publishFailures),
		OrderLatency:    m.orderLatency.Snapshot(),
		TradeLatency:    m.tradeLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
