package state

import (
	"github.com/yanun0323/logs"

	"rms/internal/risk"
	"rms/internal/schema"
	"rms/internal/store"
)

// Replayer applies journaled trades to the shard partitions they were
// recorded on. Trades already covered by a partition's TradeSeq are skipped.
type Replayer struct {
	parts []*store.Partition

	Applied uint64
	Skipped uint64
	Invalid uint64
	Gaps    uint64
}

// NewReplayer wraps partitions indexed by shard id.
func NewReplayer(parts []*store.Partition) *Replayer {
	return &Replayer{parts: parts}
}

// ApplyTrade applies one trade recorded with seq on shard. It reports whether
// the trade changed the partition.
func (r *Replayer) ApplyTrade(shard int, seq uint64, trade schema.TradeExecution) (bool, error) {
	if shard < 0 || shard >= len(r.parts) {
		return false, errShardMismatch(shard, len(r.parts))
	}
	p := r.parts[shard]
	if seq <= p.TradeSeq {
		r.Skipped++
		return false, nil
	}
	if seq != p.TradeSeq+1 {
		r.Gaps++
		logs.Warnf("journal gap on shard %d, have: %d, next: %d", shard, p.TradeSeq, seq)
	}
	if _, err := risk.OnTrade(p, trade); err != nil {
		// the live worker discarded it too; keep the sequence moving
		r.Invalid++
		p.TradeSeq = seq
		logs.Warnf("journal trade %d on shard %d not applied, err: %+v", trade.TradeID, shard, err)
		return false, nil
	}
	p.TradeSeq = seq
	r.Applied++
	return true, nil
}

// Position returns the recovered position of an instrument on a shard.
func (r *Replayer) Position(shard int, instrumentID uint32) (schema.Position, bool) {
	if shard < 0 || shard >= len(r.parts) {
		return schema.Position{}, false
	}
	return r.parts[shard].Position(instrumentID)
}
