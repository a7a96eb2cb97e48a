package transport

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"rms/internal/codec"
	"rms/pkg/exception"
)

// KafkaConfig configures the confirmation topic writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	// Sync waits for the broker on every Offer instead of batching.
	Sync bool
}

// KafkaPublication publishes outbound frames to a kafka topic keyed by
// account id, so one account's confirmations stay ordered in a partition.
type KafkaPublication struct {
	writer   *kafka.Writer
	failures uint64
	closed   uint32
}

// NewKafkaPublication builds the writer. No connection is made until the
// first Offer.
func NewKafkaPublication(cfg KafkaConfig) (*KafkaPublication, error) {
	if len(cfg.Brokers) == 0 {
		return nil, exception.ErrEmptyKafkaBroker
	}
	if cfg.Topic == "" {
		return nil, exception.ErrEmptyKafkaTopic
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	p := &KafkaPublication{}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        !cfg.Sync,
		BatchTimeout: cfg.BatchTimeout,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				atomic.AddUint64(&p.failures, uint64(len(messages)))
				logs.Errorf("kafka publish %d confirmations to %s, err: %+v", len(messages), cfg.Topic, err)
			}
		},
	}
	return p, nil
}

// Offer hands one frame to the writer. In async mode delivery failures are
// reported through AsyncFailures.
func (p *KafkaPublication) Offer(frame []byte) error {
	if atomic.LoadUint32(&p.closed) == 1 {
		return exception.ErrTransportClosed
	}
	msg := kafka.Message{Key: accountKey(frame), Value: append([]byte(nil), frame...)}
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		return errors.Wrapf(exception.ErrPublishFailed, "kafka %s: %v", p.writer.Topic, err)
	}
	return nil
}

// AsyncFailures returns the number of frames the writer failed to deliver in
// the background.
func (p *KafkaPublication) AsyncFailures() uint64 {
	return atomic.LoadUint64(&p.failures)
}

// Close flushes pending batches and closes the writer.
func (p *KafkaPublication) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	return p.writer.Close()
}

func accountKey(frame []byte) []byte {
	id, ok := codec.PeekAccountID(frame)
	if !ok {
		return nil
	}
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, id)
	return key
}
