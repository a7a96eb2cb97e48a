package shard

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/risk"
	"rms/internal/schema"
	"rms/internal/store"
	"rms/pkg/exception"
)

type commandKind uint8

const (
	cmdSnapshot commandKind = iota + 1
	cmdInstrumentLimits
	cmdAccountLimits
	cmdMarketData
)

// command is executed by the owning worker between batches, which is the
// only point where anything outside the worker touches its partition.
type command struct {
	kind         commandKind
	instrumentID uint32
	accountID    uint32
	instrument   schema.InstrumentLimits
	account      schema.AccountLimits
	bid          float64
	ask          float64

	snapshot chan store.Snapshot
	done     chan error
}

func (w *Worker) execute(cmd command) {
	var err error
	switch cmd.kind {
	case cmdSnapshot:
		cmd.snapshot <- w.part.Snapshot()
		return
	case cmdInstrumentLimits:
		err = w.part.SetInstrumentLimits(cmd.instrumentID, cmd.instrument)
	case cmdAccountLimits:
		w.part.SetAccountLimits(cmd.accountID, cmd.account)
	case cmdMarketData:
		risk.OnMarketData(w.part, cmd.instrumentID, cmd.bid, cmd.ask)
	}
	if err != nil {
		logs.Errorf("shard %d: control command %d failed, err: %+v", w.cfg.ShardID, cmd.kind, err)
	}
	if cmd.done != nil {
		cmd.done <- err
	}
}

func (w *Worker) applyControl() {
	for {
		select {
		case cmd := <-w.control:
			w.execute(cmd)
		default:
			return
		}
	}
}

func (w *Worker) submit(cmd command) error {
	if w.State() == StateStopped {
		return exception.ErrEngineStopped
	}
	select {
	case w.control <- cmd:
		return nil
	default:
		return exception.ErrControlQueueFull
	}
}

func (w *Worker) await(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-w.done:
		select {
		case err := <-done:
			return err
		default:
			return exception.ErrEngineStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot asks the worker for a copy of its partition, taken at a batch
// boundary. A worker that was never started or has stopped is copied
// directly.
func (w *Worker) Snapshot(ctx context.Context) (store.Snapshot, error) {
	if atomic.LoadUint32(&w.started) == 0 || w.State() == StateStopped {
		return w.part.Snapshot(), nil
	}
	reply := make(chan store.Snapshot, 1)
	if err := w.submit(command{kind: cmdSnapshot, snapshot: reply}); err != nil {
		return store.Snapshot{}, errors.Wrapf(err, "shard %d snapshot", w.cfg.ShardID)
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-w.done:
		select {
		case snap := <-reply:
			return snap, nil
		default:
			return w.part.Snapshot(), nil
		}
	case <-ctx.Done():
		return store.Snapshot{}, ctx.Err()
	}
}

// UpdateInstrumentLimits replaces one instrument's limits and waits until the
// worker applied it.
func (w *Worker) UpdateInstrumentLimits(ctx context.Context, instrumentID uint32, lim schema.InstrumentLimits) error {
	done := make(chan error, 1)
	if err := w.submit(command{kind: cmdInstrumentLimits, instrumentID: instrumentID, instrument: lim, done: done}); err != nil {
		return err
	}
	return w.await(ctx, done)
}

// UpdateAccountLimits replaces the limits of the account's slot and waits
// until the worker applied it.
func (w *Worker) UpdateAccountLimits(ctx context.Context, accountID uint32, lim schema.AccountLimits) error {
	done := make(chan error, 1)
	if err := w.submit(command{kind: cmdAccountLimits, accountID: accountID, account: lim, done: done}); err != nil {
		return err
	}
	return w.await(ctx, done)
}

// OnMarketData forwards a quote to the worker without waiting.
func (w *Worker) OnMarketData(instrumentID uint32, bid, ask float64) error {
	return w.submit(command{kind: cmdMarketData, instrumentID: instrumentID, bid: bid, ask: ask})
}
