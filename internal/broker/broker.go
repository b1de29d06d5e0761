// Package broker publishes indexing requests and lifecycle events with at-least-once delivery
// and a dead-letter fallback.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/IliaW/crawl-ingestor/internal"
	"github.com/IliaW/crawl-ingestor/internal/model"
	"github.com/IliaW/crawl-ingestor/internal/telemetry"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/semaphore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	orderedQueueSuffix = ".fifo"
	defaultMaxIO       = 16

	dataTypeString = "String"
	dataTypeNumber = "Number"
)

type Attribute struct {
	Value    string
	DataType string
}

// OutgoingMessage is what a Transport sends. GroupID and DedupID are set only for ordered queues.
type OutgoingMessage struct {
	Queue        string
	Body         []byte
	Attributes   map[string]Attribute
	GroupID      string
	DedupID      string
	DelaySeconds int32
}

type Transport interface {
	Send(ctx context.Context, msg OutgoingMessage) (string, error)
	Ping(ctx context.Context) error
	Inspect(ctx context.Context, queue string) (map[string]string, error)
}

// IsOrdered reports whether the queue address carries the ordered/dedup marker.
func IsOrdered(queue string) bool {
	return strings.HasSuffix(queue, orderedQueueSuffix)
}

type DLQPolicy string

const (
	DLQPolicyAll       DLQPolicy = "all"
	DLQPolicyTransient DLQPolicy = "transient"
	DLQPolicyNone      DLQPolicy = "none"
)

type DLQOutcome int

const (
	DLQNotAttempted DLQOutcome = iota
	DLQForwarded
	DLQForwardFailed
	DLQNotConfigured
	DLQSameQueue
	DLQSkippedByPolicy
)

func (o DLQOutcome) String() string {
	return [...]string{"not_attempted", "forwarded", "forward_failed", "not_configured", "same_queue",
		"skipped_by_policy"}[o]
}

// DeadLetter wraps a message that could not be delivered to its primary queue.
type DeadLetter struct {
	OriginalMessage string    `json:"original_message"`
	OriginalQueue   string    `json:"original_queue"`
	ErrorReason     string    `json:"error_reason"`
	ErrorCode       string    `json:"error_code,omitempty"`
	FailedAt        time.Time `json:"failed_at"`
	Source          string    `json:"source"`
}

type IndexingRequest struct {
	CrawlResult *model.CrawlResult
	RawKey      string
	ParsedKey   string
	Parsed      *model.ParsedContent
	Priority    int
}

type Publisher interface {
	PublishIndexingRequest(ctx context.Context, req IndexingRequest) (bool, error)
	PublishEvent(ctx context.Context, eventType model.EventType, url string, data model.EventData) (bool, error)
}

type Settings struct {
	IndexingQueue   string
	EventsQueue     string
	DeadLetterQueue string
	DLQPolicy       DLQPolicy
	CrawlerID       string
	MaxConcurrentIO int64
	Now             func() time.Time
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		IndexingQueue:   cfg.QueueSettings.IndexingQueue,
		EventsQueue:     cfg.QueueSettings.EventsQueue,
		DeadLetterQueue: cfg.QueueSettings.DeadLetterQueue,
		DLQPolicy:       DLQPolicy(strings.ToLower(cfg.QueueSettings.DLQPolicy)),
		CrawlerID:       cfg.CrawlerID,
		MaxConcurrentIO: cfg.QueueSettings.MaxConcurrentIO,
	}
}

type Client struct {
	transport Transport
	settings  Settings
	io        *semaphore.Weighted
	now       func() time.Time
	stats     *Stats
	metrics   *telemetry.BrokerMetrics
}

func New(transport Transport, settings Settings, metrics *telemetry.BrokerMetrics) *Client {
	if settings.DLQPolicy == "" {
		settings.DLQPolicy = DLQPolicyAll
	}
	if settings.MaxConcurrentIO <= 0 {
		settings.MaxConcurrentIO = defaultMaxIO
	}
	now := settings.Now
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = telemetry.Noop().BrokerMetrics
	}
	return &Client{
		transport: transport,
		settings:  settings,
		io:        semaphore.NewWeighted(settings.MaxConcurrentIO),
		now:       now,
		stats:     new(Stats),
		metrics:   metrics,
	}
}

// PublishIndexingRequest returns (false, nil) when no indexing queue is configured.
func (c *Client) PublishIndexingRequest(ctx context.Context, req IndexingRequest) (bool, error) {
	queue := c.settings.IndexingQueue
	if queue == "" {
		slog.Warn("indexing queue is not configured. skip indexing request.", slog.String("url", req.CrawlResult.URL))
		return false, nil
	}
	msg := model.NewIndexingMessage(req.CrawlResult, req.RawKey, req.ParsedKey, req.Parsed, req.Priority,
		c.settings.CrawlerID, c.now())
	body, err := json.Marshal(msg)
	if err != nil {
		c.stats.failedMessage()
		return false, &PublishError{Queue: queue, Code: CodeMarshal, Err: err}
	}
	attrs := map[string]Attribute{
		"MessageType": {Value: "IndexingRequest", DataType: dataTypeString},
		"Domain":      {Value: msg.Domain, DataType: dataTypeString},
		"Priority":    {Value: strconv.Itoa(msg.Priority), DataType: dataTypeNumber},
		"Status":      {Value: strconv.Itoa(msg.StatusCode), DataType: dataTypeNumber},
	}
	if _, err = c.publish(ctx, kindIndexing, queue, body, attrs, msg.Domain, 0); err != nil {
		return false, err
	}
	slog.Debug("indexing request published.", slog.String("url", msg.URL), slog.Int("priority", msg.Priority))

	return true, nil
}

// PublishEvent returns (true, nil) when no events queue is configured.
func (c *Client) PublishEvent(ctx context.Context, eventType model.EventType, url string,
	data model.EventData) (bool, error) {
	queue := c.settings.EventsQueue
	if queue == "" {
		slog.Debug("events queue is not configured. skip event.", slog.String("event", string(eventType)))
		return true, nil
	}
	event := model.NewProcessingEvent(eventType, url, data, c.now())
	body, err := json.Marshal(event)
	if err != nil {
		c.stats.failedMessage()
		return false, &PublishError{Queue: queue, Code: CodeMarshal, Err: err}
	}
	domain := internal.Domain(url)
	attrs := map[string]Attribute{
		"MessageType": {Value: "ProcessingEvent", DataType: dataTypeString},
		"EventType":   {Value: string(eventType), DataType: dataTypeString},
		"Domain":      {Value: domain, DataType: dataTypeString},
	}
	if _, err = c.publish(ctx, kindEvent, queue, body, attrs, domain, 0); err != nil {
		return false, err
	}
	slog.Debug("event published.", slog.String("event", string(eventType)), slog.String("url", url))

	return true, nil
}

// ForwardToDLQ sends body to the dead-letter queue as failed input of queue. It never returns an
// error; the outcome says what happened.
func (c *Client) ForwardToDLQ(ctx context.Context, queue string, body []byte, reason string) DLQOutcome {
	if outcome, ok := c.dlqPrecheck(queue); !ok {
		return outcome
	}
	return c.forward(ctx, queue, body, reason, CodeMalformedMsg)
}

func (c *Client) publish(ctx context.Context, kind, queue string, body []byte, attrs map[string]Attribute,
	orderingKey string, delaySeconds int32) (string, error) {
	msg := OutgoingMessage{
		Queue:        queue,
		Body:         body,
		Attributes:   attrs,
		DelaySeconds: delaySeconds,
	}
	if IsOrdered(queue) {
		msg.GroupID = orderingKey
		msg.DedupID = dedupToken(body, c.now())
	}

	id, err := c.send(ctx, msg)
	if err != nil {
		code := ErrorCode(err)
		c.stats.failedMessage()
		c.metrics.FailedMsgCnt(1, kind)
		slog.Error("failed to publish message.", slog.String("queue", queue), slog.String("code", code),
			slog.String("err", err.Error()))
		return "", &PublishError{Queue: queue, Code: code, DLQ: c.fallback(ctx, queue, body, err, code), Err: err}
	}
	c.stats.sentMessage(kind)
	c.metrics.SentMsgCnt(1, kind)

	return id, nil
}

// fallback forwards a failed primary publish to the dead-letter queue when configured and allowed.
func (c *Client) fallback(ctx context.Context, queue string, body []byte, cause error, code string) DLQOutcome {
	if outcome, ok := c.dlqPrecheck(queue); !ok {
		return outcome
	}
	switch c.settings.DLQPolicy {
	case DLQPolicyNone:
		return DLQSkippedByPolicy
	case DLQPolicyTransient:
		if !IsTransient(cause) {
			return DLQSkippedByPolicy
		}
	}
	return c.forward(ctx, queue, body, cause.Error(), code)
}

func (c *Client) dlqPrecheck(queue string) (DLQOutcome, bool) {
	switch {
	case c.settings.DeadLetterQueue == "":
		slog.Warn("dead-letter queue is not configured.", slog.String("queue", queue))
		return DLQNotConfigured, false
	case c.settings.DeadLetterQueue == queue:
		return DLQSameQueue, false
	}
	return DLQNotAttempted, true
}

// forward sends straight to the transport, so a failing dead-letter queue never re-enters publish.
func (c *Client) forward(ctx context.Context, queue string, body []byte, reason, code string) DLQOutcome {
	dlq := c.settings.DeadLetterQueue
	if reason == "" {
		reason = "unknown error"
	}
	letter, err := json.Marshal(DeadLetter{
		OriginalMessage: string(body),
		OriginalQueue:   queue,
		ErrorReason:     reason,
		ErrorCode:       code,
		FailedAt:        c.now().UTC(),
		Source:          model.EventSource,
	})
	if err != nil {
		slog.Error("failed to marshal dead letter.", slog.String("err", err.Error()))
		return DLQForwardFailed
	}
	msg := OutgoingMessage{
		Queue: dlq,
		Body:  letter,
		Attributes: map[string]Attribute{
			"MessageType":   {Value: "DeadLetter", DataType: dataTypeString},
			"OriginalQueue": {Value: queue, DataType: dataTypeString},
		},
	}
	if IsOrdered(dlq) {
		msg.GroupID = queue
		msg.DedupID = dedupToken(letter, c.now())
	}
	if _, err = c.send(ctx, msg); err != nil {
		c.metrics.FailedMsgCnt(1, kindDLQ)
		slog.Error("failed to forward message to dead-letter queue.", slog.String("queue", dlq),
			slog.String("err", err.Error()))
		return DLQForwardFailed
	}
	c.stats.deadLettered()
	c.metrics.DLQMsgCnt(1)
	slog.Warn("message forwarded to dead-letter queue.", slog.String("queue", queue), slog.String("reason", reason))

	return DLQForwarded
}

func (c *Client) send(ctx context.Context, msg OutgoingMessage) (string, error) {
	if err := c.io.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.io.Release(1)
	return c.transport.Send(ctx, msg)
}

type QueueHealth struct {
	Healthy    bool              `json:"healthy"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type HealthStatus struct {
	Status string                 `json:"status"`
	Error  string                 `json:"error,omitempty"`
	Queues map[string]QueueHealth `json:"queues,omitempty"`
}

func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

// Health checks the transport connection and inspects every configured queue.
func (c *Client) Health(ctx context.Context) HealthStatus {
	if err := c.transport.Ping(ctx); err != nil {
		return HealthStatus{Status: "unhealthy", Error: err.Error()}
	}
	status := HealthStatus{Status: "healthy", Queues: map[string]QueueHealth{}}
	for name, queue := range map[string]string{
		"indexing":    c.settings.IndexingQueue,
		"events":      c.settings.EventsQueue,
		"dead_letter": c.settings.DeadLetterQueue,
	} {
		if queue == "" {
			continue
		}
		attrs, err := c.transport.Inspect(ctx, queue)
		if err != nil {
			status.Status = "unhealthy"
			status.Queues[name] = QueueHealth{Error: err.Error()}
			continue
		}
		status.Queues[name] = QueueHealth{Healthy: true, Attributes: attrs}
	}
	return status
}

func (c *Client) Stats() BrokerStats {
	return c.stats.Snapshot()
}

// dedupToken changes with every attempt; identical resends within the same instant collapse.
func dedupToken(body []byte, now time.Time) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
