package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/trail-map-sync/internal/config"
	"github.com/couchcryptid/trail-map-sync/internal/observability"
	"github.com/couchcryptid/trail-map-sync/internal/statemachine"
)

// finalFlushTimeout bounds the last write after Run's context is cancelled.
const finalFlushTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// StateSink publishes every state transition to a Kafka topic. It observes
// the state machine without blocking it: updates are queued and written in
// batches by Run, and dropped when the queue is full.
type StateSink struct {
	writer        messageWriter
	queue         chan statemachine.Update
	batchSize     int
	flushInterval time.Duration
	clock         clockwork.Clock
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// NewStateSink creates a Kafka producer for the configured state topic.
func NewStateSink(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *StateSink {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaStateTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newStateSink(w, cfg.BatchSize, cfg.BatchFlushInterval, clockwork.NewRealClock(), logger, metrics)
}

func newStateSink(w messageWriter, batchSize int, flushInterval time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *StateSink {
	return &StateSink{
		writer:        w,
		queue:         make(chan statemachine.Update, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
	}
}

// Observe implements statemachine.Observer.
func (s *StateSink) Observe(u statemachine.Update) {
	select {
	case s.queue <- u:
	default:
		s.metrics.SinkMessagesDropped.Inc()
	}
}

// Run writes queued updates until ctx is cancelled, then flushes what is left.
func (s *StateSink) Run(ctx context.Context) error {
	s.logger.Info("state sink started", "batch_size", s.batchSize, "flush_interval", s.flushInterval)

	ticker := s.clock.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]kafkago.Message, 0, s.batchSize)
	for {
		select {
		case <-ctx.Done():
			batch = s.drain(batch)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			s.flush(flushCtx, batch)
			cancel()
			s.logger.Info("state sink stopping", "reason", ctx.Err())
			return nil
		case u := <-s.queue:
			batch = s.appendUpdate(batch, u)
			if len(batch) >= s.batchSize {
				batch = s.flush(ctx, batch)
			}
		case <-ticker.Chan():
			batch = s.flush(ctx, batch)
		}
	}
}

// Close releases the underlying Kafka writer.
func (s *StateSink) Close() error {
	return s.writer.Close()
}

func (s *StateSink) drain(batch []kafkago.Message) []kafkago.Message {
	for {
		select {
		case u := <-s.queue:
			batch = s.appendUpdate(batch, u)
		default:
			return batch
		}
	}
}

func (s *StateSink) appendUpdate(batch []kafkago.Message, u statemachine.Update) []kafkago.Message {
	msg, err := serializeToMessage(u)
	if err != nil {
		s.logger.Error("serialize state update", "error", err, "cycle_id", u.Token.CycleID())
		return batch
	}
	return append(batch, msg)
}

func (s *StateSink) flush(ctx context.Context, batch []kafkago.Message) []kafkago.Message {
	if len(batch) == 0 {
		return batch
	}
	if err := s.writer.WriteMessages(ctx, batch...); err != nil {
		s.metrics.SinkWriteErrors.Inc()
		s.logger.Error("write state batch failed", "error", err, "batch_size", len(batch))
	} else {
		s.metrics.SinkMessagesWritten.Add(float64(len(batch)))
	}
	return batch[:0]
}

// serializeToMessage marshals a state update into a Kafka message keyed by
// cycle, so a cycle's Loading and terminal states land on one partition.
func serializeToMessage(u statemachine.Update) (kafkago.Message, error) {
	data, err := json.Marshal(u.Snapshot())
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize state update: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(u.Token.CycleID()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "state", Value: []byte(u.State.Kind())},
			{Key: "published_at", Value: []byte(u.At.UTC().Format(time.RFC3339Nano))},
		},
	}, nil
}
