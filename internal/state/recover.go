package state

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/codec"
	"rms/internal/journal"
	"rms/internal/persist"
	"rms/internal/schema"
	"rms/internal/store"
	"rms/pkg/exception"
)

// RecoverConfig controls gateway load and journal replay.
type RecoverConfig struct {
	// JournalDir is optional; without it only the gateway state is loaded.
	JournalDir   string
	FilePrefix   string
	SkipChecksum bool
}

// RecoverResult reports what recovery restored.
type RecoverResult struct {
	Positions int
	Replayed  uint64
	Skipped   uint64
	Invalid   uint64
	Gaps      uint64
	TradeSeq  []uint64
}

// Recover loads limits, positions and trade sequences for every partition
// from the gateway, then replays the journal tail on top. Partitions must be
// indexed by shard id and not yet owned by a worker.
func Recover(ctx context.Context, cfg RecoverConfig, gw persist.Gateway, parts []*store.Partition) (RecoverResult, error) {
	start := time.Now()
	var res RecoverResult
	if gw != nil {
		for _, p := range parts {
			n, err := LoadPartition(gw, p)
			if err != nil {
				return RecoverResult{}, err
			}
			res.Positions += n
		}
	}

	if cfg.JournalDir != "" {
		rp := NewReplayer(parts)
		if err := ReplayJournal(ctx, cfg, rp); err != nil {
			return RecoverResult{}, err
		}
		res.Replayed, res.Skipped, res.Invalid, res.Gaps = rp.Applied, rp.Skipped, rp.Invalid, rp.Gaps
	}

	res.TradeSeq = make([]uint64, len(parts))
	for i, p := range parts {
		res.TradeSeq[i] = p.TradeSeq
	}
	logs.Infof("recovered %d shards in %s, positions: %d, replayed: %d, skipped: %d, invalid: %d",
		len(parts), time.Since(start), res.Positions, res.Replayed, res.Skipped, res.Invalid)
	return res, nil
}

// LoadPartition overwrites a partition with what the gateway holds for its
// shard. Limits missing from the store keep the partition defaults.
func LoadPartition(gw persist.Gateway, p *store.Partition) (int, error) {
	base := p.Snapshot()

	if _, err := gw.LoadInstrumentLimits(p.ShardID, base.Instruments); err != nil {
		return 0, errors.Wrapf(err, "load instrument limits of shard %d", p.ShardID)
	}
	p.LoadInstrumentLimits(base.Instruments)

	if _, err := gw.LoadAccountLimits(p.ShardID, base.Accounts); err != nil {
		return 0, errors.Wrapf(err, "load account limits of shard %d", p.ShardID)
	}
	p.LoadAccountLimits(base.Accounts)

	positions, err := gw.LoadPositions(p.ShardID)
	if err != nil {
		return 0, errors.Wrapf(err, "load positions of shard %d", p.ShardID)
	}
	p.LoadPositions(positions)

	meta, found, err := gw.LoadShardMeta(p.ShardID)
	if err != nil {
		return 0, errors.Wrapf(err, "load meta of shard %d", p.ShardID)
	}
	if found {
		p.TradeSeq = meta.TradeSeq
	}
	return p.PositionCount(), nil
}

// ReplayJournal feeds every journaled trade through rp.
func ReplayJournal(ctx context.Context, cfg RecoverConfig, rp *Replayer) error {
	pb, err := journal.NewPlayback(journal.PlaybackConfig{
		Dir:          cfg.JournalDir,
		FilePrefix:   cfg.FilePrefix,
		SkipChecksum: cfg.SkipChecksum,
	})
	if err != nil {
		return err
	}
	return pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		if header.Type != schema.EventTrade {
			return nil
		}
		trade, ok := codec.DecodeTrade(payload)
		if !ok {
			return errors.Wrapf(exception.ErrInvalidArgument, "decode journal trade seq %d shard %d", header.Seq, header.Source)
		}
		_, err := rp.ApplyTrade(int(header.Source), header.Seq, trade)
		return err
	})
}

func errShardMismatch(shard, shards int) error {
	return errors.Wrapf(exception.ErrShardOutOfRange, "journal shard %d with %d shards configured", shard, shards)
}
