package risk

import (
	"time"

	"rms/internal/schema"
	"rms/internal/store"
)

// Engine evaluates orders for one shard. It adds the per-account order rate
// throttle on top of the stateless checks and is owned by the shard worker.
type Engine struct {
	rates *RateLimiter
}

// NewEngine creates an engine sized for the partition's account slots.
func NewEngine(p *store.Partition) *Engine {
	return &Engine{rates: NewRateLimiter(p.AccountCount(), time.Second)}
}

// Evaluate applies all pre-trade checks to an order. The reference price is
// the partition's last known price for the instrument.
func (e *Engine) Evaluate(p *store.Partition, order schema.Order, now int64) schema.Decision {
	reference := p.ReferencePrice(order.InstrumentID)
	decision := schema.Decision{
		OrderID:      order.OrderID,
		AccountID:    order.AccountID,
		InstrumentID: order.InstrumentID,
		Accepted:     true,
		Reason:       schema.ReasonNone,
		Quantity:     order.Quantity,
		Price:        order.Price,
		Reference:    reference,
		CurrentPos:   p.NetQty(order.InstrumentID),
	}

	if now == 0 {
		now = time.Now().UTC().UnixNano()
	}

	reason := schema.ReasonNone
	switch {
	case !ValidateOrder(p, order):
		reason = schema.ReasonInvalidOrder
	case !CheckKillSwitch(p, order):
		reason = schema.ReasonKillSwitch
	case !e.rates.Allow(p.AccountSlot(order.AccountID), p.Account(order.AccountID).MaxOrderRatePerSec, now):
		reason = schema.ReasonRateLimited
	default:
		reason = checkLimits(p, order, reference)
	}

	if reason != schema.ReasonNone {
		decision.Accepted = false
		decision.Reason = reason
	}
	return decision
}
