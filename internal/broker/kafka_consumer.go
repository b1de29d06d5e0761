package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/IliaW/crawl-ingestor/internal/telemetry"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads crawl envelopes and hands the raw bytes to the ingest workers.
// The offset is committed only after the envelope has been handed over.
type KafkaConsumer struct {
	envelopeChan chan<- []byte
	reader       messageReader
	topic        string
	metrics      *telemetry.ConsumerMetrics
	wg           *sync.WaitGroup
}

func NewKafkaConsumer(envelopeChan chan<- []byte, metrics *telemetry.ConsumerMetrics, cfg *config.ConsumerConfig,
	wg *sync.WaitGroup) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.ReadTopicName,
		GroupID:          cfg.GroupID,
		MaxWait:          cfg.MaxWait,
		ReadBatchTimeout: cfg.ReadBatchTimeout,
		QueueCapacity:    cfg.QueueCapacity,
		MaxBytes:         cfg.MaxBytes,
		CommitInterval:   cfg.CommitInterval,
	})
	return newKafkaConsumer(envelopeChan, r, cfg.ReadTopicName, metrics, wg)
}

func newKafkaConsumer(envelopeChan chan<- []byte, reader messageReader, topic string,
	metrics *telemetry.ConsumerMetrics, wg *sync.WaitGroup) *KafkaConsumer {
	if metrics == nil {
		metrics = telemetry.Noop().ConsumerMetrics
	}
	return &KafkaConsumer{
		envelopeChan: envelopeChan,
		reader:       reader,
		topic:        topic,
		metrics:      metrics,
		wg:           wg,
	}
}

// Run blocks until ctx is cancelled, then closes the reader and the envelope channel.
func (c *KafkaConsumer) Run(ctx context.Context) {
	slog.Info("starting kafka consumer.", slog.String("topic", c.topic))
	defer c.wg.Done()
	defer func() {
		slog.Info("stopping kafka reader.")
		if err := c.reader.Close(); err != nil {
			slog.Error("failed to close kafka reader.", slog.String("err", err.Error()))
		}
		close(c.envelopeChan)
		slog.Info("close envelopeChan.")
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to fetch message from kafka.", slog.String("err", err.Error()))
			c.metrics.FailedReadMsgCnt(1)
			continue
		}

		select {
		case c.envelopeChan <- m.Value:
		case <-ctx.Done():
			return
		}
		if err = c.reader.CommitMessages(context.Background(), m); err != nil {
			slog.Error("failed to commit messages.", slog.String("err", err.Error()))
			c.metrics.FailedReadMsgCnt(1)
			continue
		}
		c.metrics.SuccessfullyReadMsgCnt(1)
		slog.Debug("successfully read message from kafka.", slog.Int64("offset", m.Offset))
	}
}
