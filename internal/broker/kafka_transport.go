package broker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

const (
	DefaultDedupWindow = 5 * time.Minute

	headerMessageID   = "message-id"
	headerOrderingKey = "ordering-key"
	headerDedupID     = "dedup-id"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type partitionReader interface {
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

// DedupStore claims a key for ttl. Claim returns false when the key is already held.
type DedupStore interface {
	Claim(key string, ttl time.Duration) (bool, error)
}

// KafkaTransport addresses queues by topic name. The writer has no default topic, so every
// message names its own. Ordering keys become message keys and land on one partition.
type KafkaTransport struct {
	writer messageWriter
	dial   func(ctx context.Context) (partitionReader, error)
	dedup  DedupStore
	window time.Duration
}

func NewKafkaTransport(cfg *config.KafkaConfig, dedup DedupStore, window time.Duration) *KafkaTransport {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Addr...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Compression:  kafka.Compression(new(lz4.Codec).Code()),
	}
	dial := func(ctx context.Context) (partitionReader, error) {
		var lastErr error
		for _, addr := range cfg.Addr {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = errors.New("no kafka address configured")
		}
		return nil, lastErr
	}
	return newKafkaTransport(writer, dial, dedup, window)
}

func newKafkaTransport(writer messageWriter, dial func(ctx context.Context) (partitionReader, error),
	dedup DedupStore, window time.Duration) *KafkaTransport {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &KafkaTransport{writer: writer, dial: dial, dedup: dedup, window: window}
}

// Send drops a message whose dedup id was already claimed within the window. Delays are not
// supported by kafka and are ignored.
func (t *KafkaTransport) Send(ctx context.Context, msg OutgoingMessage) (string, error) {
	id := uuid.New().String()
	if msg.DedupID != "" && t.dedup != nil {
		claimed, err := t.dedup.Claim(msg.DedupID, t.window)
		if err != nil {
			slog.Warn("dedup store unavailable. sending without dedup.", slog.String("err", err.Error()))
		} else if !claimed {
			slog.Debug("duplicate message suppressed.", slog.String("topic", msg.Queue),
				slog.String("dedup_id", msg.DedupID))
			return msg.DedupID, nil
		}
	}

	headers := make([]kafka.Header, 0, len(msg.Attributes)+3)
	for name, attr := range msg.Attributes {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(attr.Value)})
	}
	headers = append(headers, kafka.Header{Key: headerMessageID, Value: []byte(id)})
	km := kafka.Message{
		Topic: msg.Queue,
		Value: msg.Body,
	}
	if msg.GroupID != "" {
		km.Key = []byte(msg.GroupID)
		headers = append(headers, kafka.Header{Key: headerOrderingKey, Value: []byte(msg.GroupID)})
	}
	if msg.DedupID != "" {
		headers = append(headers, kafka.Header{Key: headerDedupID, Value: []byte(msg.DedupID)})
	}
	km.Headers = headers

	if err := t.writer.WriteMessages(ctx, km); err != nil {
		return "", err
	}
	return id, nil
}

func (t *KafkaTransport) Ping(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (t *KafkaTransport) Inspect(ctx context.Context, topic string) (map[string]string, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Partitions": strconv.Itoa(len(partitions)),
		"Ordered":    strconv.FormatBool(IsOrdered(topic)),
	}, nil
}

func (t *KafkaTransport) Close() {
	slog.Info("closing kafka writer.")
	if err := t.writer.Close(); err != nil {
		slog.Error("failed to close kafka writer.", slog.String("err", err.Error()))
	}
}
