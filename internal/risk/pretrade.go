package risk

import (
	"math"

	"rms/internal/schema"
	"rms/internal/store"
)

// Pre-trade checks are pure reads over a partition. They never mutate
// positions or limits.

// ValidateOrder rejects orders that no limit can be looked up for.
func ValidateOrder(p *store.Partition, order schema.Order) bool {
	if !p.HasInstrument(order.InstrumentID) {
		return false
	}
	if order.Quantity <= 0 {
		return false
	}
	if math.IsNaN(order.Price) || math.IsInf(order.Price, 0) || order.Price < 0 {
		return false
	}
	return true
}

// CheckKillSwitch fails when the account slot has its kill switch engaged.
func CheckKillSwitch(p *store.Partition, order schema.Order) bool {
	return !p.Account(order.AccountID).KillSwitch
}

// CheckMaxOrderQty reports quantity <= max_order_qty.
func CheckMaxOrderQty(p *store.Partition, order schema.Order) bool {
	lim, ok := p.Instrument(order.InstrumentID)
	if !ok {
		return false
	}
	return order.Quantity <= int64(lim.MaxOrderQty)
}

// CheckMaxNotional reports |quantity| * price <= max_order_notional.
// A non-positive limit disables the check.
func CheckMaxNotional(p *store.Partition, order schema.Order) bool {
	lim, ok := p.Instrument(order.InstrumentID)
	if !ok {
		return false
	}
	if lim.MaxOrderNotional <= 0 {
		return true
	}
	return order.Notional() <= lim.MaxOrderNotional
}

// CheckPriceBand reports |price - reference| <= tolerance * reference.
func CheckPriceBand(p *store.Partition, order schema.Order, reference float64) bool {
	lim, ok := p.Instrument(order.InstrumentID)
	if !ok {
		return false
	}
	tol := lim.PriceTolerancePct * reference
	return math.Abs(order.Price-reference) <= tol
}

// CheckPositionLimit reports |net_qty + signed quantity| <= max_daily_position,
// taking net_qty as 0 when the instrument has no position yet.
func CheckPositionLimit(p *store.Partition, order schema.Order) bool {
	lim, ok := p.Instrument(order.InstrumentID)
	if !ok {
		return false
	}
	projected := p.NetQty(order.InstrumentID) + order.SignedQty()
	return absInt64(projected) <= int64(lim.MaxDailyPosition)
}

// Check runs every stateless check in order and returns the first failure.
// The price band is skipped while no reference price is known.
func Check(p *store.Partition, order schema.Order, reference float64) schema.RejectReason {
	if !ValidateOrder(p, order) {
		return schema.ReasonInvalidOrder
	}
	if !CheckKillSwitch(p, order) {
		return schema.ReasonKillSwitch
	}
	return checkLimits(p, order, reference)
}

func checkLimits(p *store.Partition, order schema.Order, reference float64) schema.RejectReason {
	if !CheckMaxOrderQty(p, order) {
		return schema.ReasonMaxQty
	}
	if !CheckMaxNotional(p, order) {
		return schema.ReasonMaxNotional
	}
	if reference > 0 && !CheckPriceBand(p, order, reference) {
		return schema.ReasonPriceBand
	}
	if !CheckSpread(p, order) || !CheckVolatility(p, order) {
		return schema.ReasonSpreadTooWide
	}
	if !CheckPositionLimit(p, order) {
		return schema.ReasonPositionLimit
	}
	return schema.ReasonNone
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
