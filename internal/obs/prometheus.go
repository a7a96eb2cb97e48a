package obs

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rms/internal/schema"
)

const namespace = "rms"

type counterKind int

const (
	counterEnqueueDrops counterKind = iota
	counterMalformed
	counterAuditDrops
	counterAuditErrors
	counterPublishFailures

	counterKinds
)

// collectors mirrors Metrics into prometheus. Children of labelled vectors
// are resolved once at registration so observations stay allocation free.
type collectors struct {
	orders       prometheus.Counter
	trades       prometheus.Counter
	rejected     [schema.ReasonCount]prometheus.Counter
	signals      [signalKinds]prometheus.Counter
	counters     [counterKinds]prometheus.Counter
	orderLatency prometheus.Histogram
	tradeLatency prometheus.Histogram
	positions    *prometheus.GaugeVec
	exposure     *prometheus.GaugeVec
	drawdown     *prometheus.GaugeVec
}

// Register creates the prometheus collectors and registers them with reg.
// It must be called before the metrics are shared with other goroutines.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || reg == nil {
		return nil
	}
	latencyBuckets := prometheus.ExponentialBuckets(100e-9, 2, 20)

	rejectedVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rejected_orders_total",
		Help:      "Orders rejected by pre-trade checks, by reason.",
	}, []string{"reason"})
	signalVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "limit_violations_total",
		Help:      "Post-trade signals raised, by signal.",
	}, []string{"signal"})

	c := &collectors{
		orders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders evaluated by pre-trade checks.",
		}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trade executions applied to positions.",
		}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_latency_seconds",
			Help:      "Pre-trade evaluation latency.",
			Buckets:   latencyBuckets,
		}),
		tradeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_latency_seconds",
			Help:      "Post-trade update latency.",
			Buckets:   latencyBuckets,
		}),
		positions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "positions_total",
			Help:      "Open positions per shard.",
		}, []string{"shard"}),
		exposure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_exposure",
			Help:      "Sum of |net_qty| * avg_entry_price per shard.",
		}, []string{"shard"}),
		drawdown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_drawdown",
			Help:      "Largest position drawdown ratio per shard.",
		}, []string{"shard"}),
	}

	counterNames := [counterKinds][2]string{
		counterEnqueueDrops:    {"enqueue_drops_total", "Records dropped after the ring enqueue timeout."},
		counterMalformed:       {"malformed_messages_total", "Malformed fragments, records or trades discarded."},
		counterAuditDrops:      {"audit_drops_total", "Audit records dropped before persistence."},
		counterAuditErrors:     {"audit_errors_total", "Audit writes that failed."},
		counterPublishFailures: {"publish_failures_total", "Outbound confirmations refused by the transport."},
	}
	for i, n := range counterNames {
		c.counters[i] = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      n[0],
			Help:      n[1],
		})
	}
	for i := range c.rejected {
		c.rejected[i] = rejectedVec.WithLabelValues(schema.RejectReason(i).String())
	}
	c.signals[0] = signalVec.WithLabelValues(schema.SignalMarginCall.String())
	c.signals[1] = signalVec.WithLabelValues(schema.SignalDrawdownBreach.String())

	toRegister := []prometheus.Collector{
		c.orders, c.trades, rejectedVec, signalVec,
		c.orderLatency, c.tradeLatency, c.positions, c.exposure, c.drawdown,
	}
	for _, counter := range c.counters {
		toRegister = append(toRegister, counter)
	}
	for _, col := range toRegister {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	m.prom = c
	return nil
}

func (c *collectors) observeOrder(reason schema.RejectReason, d time.Duration) {
	if c == nil {
		return
	}
	c.orders.Inc()
	if reason != schema.ReasonNone && int(reason) < len(c.rejected) {
		c.rejected[reason].Inc()
	}
	c.orderLatency.Observe(d.Seconds())
}

func (c *collectors) observeTrade(d time.Duration) {
	if c == nil {
		return
	}
	c.trades.Inc()
	c.tradeLatency.Observe(d.Seconds())
}

func (c *collectors) incSignal(idx int) {
	if c == nil {
		return
	}
	c.signals[idx].Inc()
}

func (c *collectors) inc(kind counterKind) {
	if c == nil {
		return
	}
	c.counters[kind].Inc()
}

func (c *collectors) setShardState(shard int, positions int, exposure float64, maxDrawdown float64) {
	if c == nil {
		return
	}
	label := strconv.Itoa(shard)
	c.positions.WithLabelValues(label).Set(float64(positions))
	c.exposure.WithLabelValues(label).Set(exposure)
	c.drawdown.WithLabelValues(label).Set(maxDrawdown)
}
