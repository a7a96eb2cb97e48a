package engine

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/risk"
	"rms/internal/schema"
	"rms/pkg/exception"
)

// running reports whether workers own their partitions. Before Start the
// partitions can be changed in place.
func (e *Engine) running() (bool, error) {
	switch atomic.LoadUint32(&e.state) {
	case stateStarted:
		return true, nil
	case stateInitialized:
		return false, nil
	case stateNew:
		return false, exception.ErrEngineNotInitialized
	default:
		return false, exception.ErrEngineStopped
	}
}

// UpdateInstrumentLimits replaces an instrument's limits on every shard.
func (e *Engine) UpdateInstrumentLimits(ctx context.Context, instrumentID uint32, lim schema.InstrumentLimits) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	live, err := e.running()
	if err != nil {
		return err
	}
	for i, w := range e.workers {
		if live {
			err = w.UpdateInstrumentLimits(ctx, instrumentID, lim)
		} else {
			err = e.parts[i].SetInstrumentLimits(instrumentID, lim)
		}
		if err != nil {
			return errors.Wrapf(err, "update instrument %d on shard %d", instrumentID, i)
		}
	}
	logs.Infof("instrument %d limits updated on %d shards", instrumentID, len(e.workers))
	return nil
}

// UpdateAccountLimits replaces an account's limits on the shard that owns it.
func (e *Engine) UpdateAccountLimits(ctx context.Context, accountID uint32, lim schema.AccountLimits) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	live, err := e.running()
	if err != nil {
		return err
	}
	s := e.router.ForAccount(accountID)
	if live {
		err = e.workers[s].UpdateAccountLimits(ctx, accountID, lim)
	} else {
		e.parts[s].SetAccountLimits(accountID, lim)
	}
	if err != nil {
		return errors.Wrapf(err, "update account %d on shard %d", accountID, s)
	}
	logs.Infof("account %d limits updated on shard %d, kill switch: %t", accountID, s, lim.KillSwitch)
	return nil
}

// OnMarketData hands a top of book to every shard without waiting. It fails
// only when a shard's control queue is full.
func (e *Engine) OnMarketData(instrumentID uint32, bid, ask float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	live, err := e.running()
	if err != nil {
		return err
	}
	if !live {
		for _, p := range e.parts {
			risk.OnMarketData(p, instrumentID, bid, ask)
		}
		return nil
	}
	var first error
	for _, w := range e.workers {
		if err := w.OnMarketData(instrumentID, bid, ask); err != nil && first == nil {
			first = errors.Wrapf(err, "market data for instrument %d on shard %d", instrumentID, w.ShardID())
		}
	}
	return first
}

// CreateCheckpoint saves every partition and writes a checkpoint of the
// store. A relative path is placed under database.checkpoint_dir.
func (e *Engine) CreateCheckpoint(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.running(); err != nil {
		return err
	}
	if path == "" {
		return exception.ErrEmptyCheckpointPath
	}
	if !filepath.IsAbs(path) && e.cfg.Database.CheckpointDir != "" {
		path = filepath.Join(e.cfg.Database.CheckpointDir, path)
	}
	if err := e.persistAll(ctx); err != nil {
		return err
	}
	if err := e.gateway.CreateCheckpoint(path); err != nil {
		return err
	}
	logs.Infof("checkpoint created at %s", path)
	return nil
}
