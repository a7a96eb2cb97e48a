package engine

import (
	"context"
	"math"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/store"
)

func (e *Engine) startSnapshotter(ctx context.Context) {
	interval := e.cfg.Database.SnapshotInterval
	if interval <= 0 {
		return
	}
	e.snapStop = make(chan struct{})
	e.snapDone = make(chan struct{})
	go func() {
		defer close(e.snapDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.snapStop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				tctx, cancel := context.WithTimeout(ctx, interval)
				if err := e.persistAll(tctx); err != nil {
					logs.Warnf("periodic snapshot failed, err: %+v", err)
				}
				cancel()
			}
		}
	}()
}

func (e *Engine) stopSnapshotter() {
	if e.snapStop == nil {
		return
	}
	close(e.snapStop)
	<-e.snapDone
	e.snapStop = nil
}

// persistAll asks every worker for a copy of its partition and saves it. The
// copy is always taken through the worker so it never overlaps a trade. A
// failing shard does not keep the others from being saved; the first error
// is returned.
func (e *Engine) persistAll(ctx context.Context) error {
	var first error
	for _, w := range e.workers {
		snap, err := w.Snapshot(ctx)
		if err == nil {
			err = e.gateway.SaveSnapshot(snap)
		}
		if err != nil {
			if first == nil {
				first = errors.Wrapf(err, "persist shard %d", w.ShardID())
			}
			continue
		}
		exposure, drawdown := exposureOf(snap)
		e.metrics.SetShardState(snap.ShardID, len(snap.Positions), exposure, drawdown)
	}
	return first
}

// exposureOf returns the gross entry notional and the worst drawdown from
// peak across a shard's positions.
func exposureOf(snap store.Snapshot) (float64, float64) {
	var exposure, worst float64
	for _, pos := range snap.Positions {
		exposure += math.Abs(float64(pos.NetQty) * pos.AvgEntryPrice)
		if pos.PeakEquity > 0 {
			if dd := (pos.PeakEquity - pos.Equity()) / pos.PeakEquity; dd > worst {
				worst = dd
			}
		}
	}
	return exposure, worst
}
