package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"rms/internal/chaos"
	"rms/internal/codec"
	"rms/internal/schema"
	"rms/pkg/uds"
)

func main() {
	socket := flag.String("socket", "/tmp/rms.in.sock", "Engine inbound socket")
	listenOut := flag.String("listen-out", "", "Listen on this socket for trade confirmations")
	count := flag.Int("count", 10000, "Number of frames to send")
	rate := flag.Int("rate", 0, "Frames per second (0=unlimited)")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	accounts := flag.Int("accounts", 64, "Distinct account ids")
	instruments := flag.Int("instruments", 16, "Distinct instrument ids")
	tradeRate := flag.Float64("trade-rate", 0.5, "Probability a frame is a trade [0-1]")
	badRate := flag.Float64("malformed-rate", 0, "Probability a frame carries an unknown tag [0-1]")
	dropRate := flag.Float64("drop-rate", 0, "Probability a frame is never sent [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Probability a frame is sent twice [0-1]")
	reorder := flag.Int("reorder-window", 1, "Shuffle frames within this window (1=in order)")
	dialTimeout := flag.Duration("dial-timeout", 5*time.Second, "How long to wait for the engine socket")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(*seed))
	inj, err := chaos.New(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		CorruptRate:   *badRate,
		ReorderWindow: *reorder,
	})
	if err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}

	var confirmed uint64
	if *listenOut != "" {
		go listen(*listenOut, &confirmed)
	}

	client, err := uds.NewClient(*socket, uds.DefaultMaxFrame)
	if err != nil {
		log.Fatalf("client init failed: %v", err)
	}
	conn, err := client.DialRetry(*dialTimeout, 50*time.Millisecond)
	if err != nil {
		log.Fatalf("dial %s failed: %v", *socket, err)
	}
	defer conn.Close()

	var interval time.Duration
	if *rate > 0 {
		interval = time.Second / time.Duration(*rate)
	}
	symbol := schema.NewSymbol("BTCUSDT")
	buf := make([]byte, 0, codec.MaxFrameSize)
	var orders, trades int
	send := func(frames [][]byte) {
		for _, f := range frames {
			if err := conn.WriteFrame(f); err != nil {
				log.Fatalf("send frame failed: %v", err)
			}
		}
	}
	start := time.Now()
	for i := 1; i <= *count; i++ {
		account := uint32(rnd.Intn(*accounts))
		instrument := uint32(rnd.Intn(*instruments))
		qty := int64(rnd.Intn(50) + 1)
		price := 100 + rnd.Float64()*2
		buy := rnd.Intn(2) == 0

		switch r := rnd.Float64(); {
		case r < *tradeRate:
			buf = codec.EncodeTradeFrame(buf[:0], schema.TradeExecution{
				TradeID: uint64(i), OrderID: uint64(i), AccountID: account, InstrumentID: instrument,
				Quantity: qty, Price: price, Symbol: symbol, IsBuy: buy,
			})
			trades++
		default:
			side := schema.SideSell
			if buy {
				side = schema.SideBuy
			}
			buf = codec.EncodeOrderFrame(buf[:0], schema.Order{
				OrderID: uint64(i), AccountID: account, InstrumentID: instrument,
				Quantity: qty, Price: price, Symbol: symbol, Side: side,
			})
			orders++
		}

		send(inj.Process(buf))
		if interval > 0 {
			if err := conn.Flush(); err != nil {
				log.Fatalf("flush failed: %v", err)
			}
			time.Sleep(interval)
		}
	}
	send(inj.Flush())
	if err := conn.Flush(); err != nil {
		log.Fatalf("flush failed: %v", err)
	}
	elapsed := time.Since(start)
	st := inj.Stats()
	fmt.Printf("generated=%d orders=%d trades=%d dropped=%d duplicated=%d malformed=%d elapsed=%s rate=%.0f/s seed=%d\n",
		*count, orders, trades, st.Dropped, st.Duplicated, st.Corrupted, elapsed, float64(*count)/elapsed.Seconds(), *seed)

	if *listenOut != "" {
		fmt.Printf("confirmations=%d/%d\n", waitQuiet(&confirmed, uint64(trades), time.Second), trades)
	}
}

// waitQuiet returns once counter reaches want or stops moving for quiet.
func waitQuiet(counter *uint64, want uint64, quiet time.Duration) uint64 {
	last := atomic.LoadUint64(counter)
	since := time.Now()
	for {
		time.Sleep(20 * time.Millisecond)
		n := atomic.LoadUint64(counter)
		switch {
		case n >= want:
			return n
		case n != last:
			last, since = n, time.Now()
		case time.Since(since) >= quiet:
			return n
		}
	}
}

// listen accepts the engine's outbound connection and counts confirmations.
func listen(path string, counter *uint64) {
	srv, err := uds.NewServer(path, uds.DefaultMaxFrame)
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	if err := srv.Listen(); err != nil {
		log.Fatalf("listen %s failed: %v", path, err)
	}
	defer srv.Close()

	conn, err := srv.Accept()
	if err != nil {
		log.Printf("accept failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		if t, ok := codec.PeekType(frame); ok && t == schema.MessageTrade {
			atomic.AddUint64(counter, 1)
		}
	}
}
