package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rms/internal/bus"
	"rms/internal/codec"
	"rms/internal/obs"
	"rms/internal/ring"
	"rms/internal/schema"
	"rms/internal/transport"
)

type recordingPublication struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (p *recordingPublication) Offer(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broken pipe")
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	return nil
}

func (p *recordingPublication) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type closeTracker struct {
	transport.Subscription
	closedAfter func() bool
	ok          bool
}

func (c *closeTracker) Close() error {
	c.ok = c.closedAfter()
	return c.Subscription.Close()
}

func newRings(n int) []*ring.Ring {
	rings := make([]*ring.Ring, n)
	for i := range rings {
		rings[i] = ring.New(ring.Config{Capacity: 64})
	}
	return rings
}

func orderFrame(orderID uint64, account uint32) []byte {
	return codec.EncodeOrderFrame(nil, schema.Order{OrderID: orderID, AccountID: account, InstrumentID: 1, Quantity: 1, Price: 1, Side: schema.SideBuy})
}

func TestDispatcherRoutesByAccountInOrder(t *testing.T) {
	q := bus.NewQueue(64)
	inbound := newRings(4)
	m := obs.NewMetrics()
	d := New(Config{PollBatch: 3}, Deps{
		Subscription: transport.NewQueueSubscription(q),
		Router:       NewRouter(PolicyAccount, 4),
		Inbound:      inbound,
		Metrics:      m,
	})

	for i := uint64(0); i < 8; i++ {
		require.NoError(t, q.TryPublish(bus.Fragment{Data: orderFrame(i, uint32(i%2))}))
	}
	require.NoError(t, q.TryPublish(bus.Fragment{Data: []byte{1, 0}}))

	total := 0
	for i := 0; i < 5; i++ {
		n := d.Poll()
		assert.LessOrEqual(t, n, 3)
		total += n
	}
	assert.Equal(t, 9, total)
	assert.Equal(t, Stats{Routed: 8, Invalid: 1}, d.Stats())
	assert.Equal(t, uint64(1), m.Snapshot().Malformed)

	for shard, want := range [][]uint64{{0, 2, 4, 6}, {1, 3, 5, 7}} {
		var got []uint64
		for {
			msg, ok := inbound[shard].Dequeue()
			if !ok {
				break
			}
			got = append(got, msg.Order.OrderID)
		}
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, inbound[2].Size())
}

func TestDispatcherDiscardsOversizedFragment(t *testing.T) {
	q := bus.NewQueue(8)
	inbound := newRings(2)
	m := obs.NewMetrics()
	d := New(Config{}, Deps{
		Subscription: transport.NewQueueSubscription(q),
		Router:       NewRouter(PolicyAccount, 2),
		Inbound:      inbound,
		Metrics:      m,
	})

	frame := append(orderFrame(1, 1), make([]byte, 200)...)
	require.NoError(t, q.TryPublish(bus.Fragment{Data: frame}))
	assert.Equal(t, 1, d.Poll())
	assert.Equal(t, Stats{Invalid: 1}, d.Stats())
	assert.Equal(t, uint64(1), m.Snapshot().Malformed)
	assert.Equal(t, 0, inbound[0].Size()+inbound[1].Size())
}

func TestDispatcherPublishesConfirmations(t *testing.T) {
	outbound := newRings(2)
	pub := &recordingPublication{}
	m := obs.NewMetrics()
	d := New(Config{}, Deps{Publication: pub, Inbound: newRings(2), Outbound: outbound, Metrics: m})

	frame := codec.EncodeTradeFrame(nil, schema.TradeExecution{TradeID: 5, AccountID: 1, Quantity: 1, Price: 1, IsBuy: true})
	require.NoError(t, outbound[1].Enqueue(frame, 0, len(frame)))
	assert.Equal(t, 1, d.Poll())
	require.Len(t, pub.frames, 1)
	assert.Equal(t, frame, pub.frames[0])

	pub.fail = true
	require.NoError(t, outbound[0].Enqueue(frame, 0, len(frame)))
	assert.Equal(t, 1, d.Poll())
	assert.Equal(t, uint64(1), d.Stats().PublishFailures)
	assert.Equal(t, 0, outbound[0].Size())
	assert.Equal(t, uint64(1), m.Snapshot().PublishFailures)
}

func TestDispatcherReleasesTransportAfterJoin(t *testing.T) {
	q := bus.NewQueue(64)
	inbound := newRings(2)
	pub := &recordingPublication{}
	var d *Dispatcher
	tracker := &closeTracker{Subscription: transport.NewQueueSubscription(q)}
	tracker.closedAfter = func() bool {
		select {
		case <-d.done:
			return true
		default:
			return false
		}
	}
	d = New(Config{PinThread: true}, Deps{Subscription: tracker, Publication: pub, Inbound: inbound})
	d.Start()

	require.NoError(t, q.TryPublish(bus.Fragment{Data: orderFrame(1, 1)}))
	require.Eventually(t, func() bool { return inbound[1].Size() == 1 }, 2*time.Second, time.Millisecond)

	d.Stop()
	assert.True(t, tracker.ok)
	assert.True(t, pub.closed)
	d.Stop()
}
