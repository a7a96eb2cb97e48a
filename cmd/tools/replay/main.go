package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"rms/internal/codec"
	"rms/internal/journal"
	"rms/internal/ops"
	"rms/internal/schema"
	"rms/internal/state"
	"rms/internal/store"
)

func main() {
	configPath := flag.String("config", "", "YAML config for shard sizing (default: built-in defaults)")
	dir := flag.String("dir", "", "Journal directory (default: journal.dir from config)")
	prefix := flag.String("prefix", "", "Journal file prefix (default: trades)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	decode := flag.Bool("decode", false, "Print decoded trades")
	quiet := flag.Bool("quiet", false, "Do not print one line per record")
	snapshotOut := flag.String("snapshot-out", "", "Write rebuilt positions to this JSON file")
	verify := flag.String("verify", "", "Compare rebuilt positions with this JSON file")
	flag.Parse()

	cfg := ops.Default()
	if *configPath != "" {
		loaded, err := ops.Load(*configPath)
		if err != nil {
			log.Fatalf("config load failed: %v", err)
		}
		cfg = loaded
	}
	if *dir == "" {
		*dir = cfg.Journal.Dir
	}

	pb, err := journal.NewPlayback(journal.PlaybackConfig{
		Dir:          *dir,
		FilePrefix:   *prefix,
		Speed:        *speed,
		SkipChecksum: *noChecksum,
	})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	parts := make([]*store.Partition, cfg.Sharding.Count)
	for i := range parts {
		parts[i] = store.NewPartition(store.Config{
			ShardID:             i,
			InstrumentsPerShard: cfg.Sharding.InstrumentsPerShard,
			AccountsPerShard:    cfg.Sharding.AccountsPerShard,
			InstrumentDefaults:  cfg.InstrumentDefaults(),
			AccountDefaults:     cfg.AccountDefaults(),
		})
	}
	rp := state.NewReplayer(parts)

	var index int
	err = pb.Run(context.Background(), func(header schema.EventHeader, payload []byte) error {
		index++
		if !*quiet {
			fmt.Printf("%06d shard=%d seq=%d type=%s ts_event=%d ts_recv=%d trace=%d len=%d\n",
				index, header.Source, header.Seq, eventTypeName(header.Type), header.TsEvent, header.TsRecv, header.TraceID, len(payload))
		}
		if header.Type != schema.EventTrade {
			return nil
		}
		trade, ok := codec.DecodeTrade(payload)
		if !ok {
			return fmt.Errorf("decode trade at record %d failed", index)
		}
		if *decode && !*quiet {
			fmt.Printf("  trade id=%d order=%d account=%d instrument=%d symbol=%s buy=%t qty=%d price=%v\n",
				trade.TradeID, trade.OrderID, trade.AccountID, trade.InstrumentID, trade.Symbol, trade.IsBuy, trade.Quantity, trade.Price)
		}
		_, err := rp.ApplyTrade(int(header.Source), header.Seq, trade)
		return err
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}
	fmt.Printf("records=%d applied=%d skipped=%d invalid=%d gaps=%d\n", index, rp.Applied, rp.Skipped, rp.Invalid, rp.Gaps)

	snaps := make([]state.Snapshot, len(parts))
	for i, p := range parts {
		snaps[i] = state.FromPartition(p.Snapshot())
	}
	if *snapshotOut != "" {
		if err := state.WriteSnapshots(*snapshotOut, snaps); err != nil {
			log.Fatalf("write snapshot failed: %v", err)
		}
	}
	if *verify != "" {
		expected, err := state.ReadSnapshots(*verify)
		if err != nil {
			log.Fatalf("read snapshot failed: %v", err)
		}
		if len(expected) != len(snaps) {
			log.Fatalf("snapshot shard count mismatch: expected=%d actual=%d", len(expected), len(snaps))
		}
		for i := range expected {
			if err := state.CompareSnapshots(expected[i], snaps[i]); err != nil {
				log.Fatalf("verify failed: %v", err)
			}
		}
		fmt.Println("verify ok")
	}
}

func eventTypeName(t schema.EventType) string {
	switch t {
	case schema.EventTrade:
		return "Trade"
	case schema.EventDecision:
		return "Decision"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
