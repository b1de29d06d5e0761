package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/google/uuid"
)

var meter metric.Meter

type MetricsProvider struct {
	ConsumerMetrics *ConsumerMetrics
	StorageMetrics  *StorageMetrics
	BrokerMetrics   *BrokerMetrics
	PipelineMetrics *PipelineMetrics
	Close           func()
}

type ConsumerMetrics struct {
	SuccessfullyReadMsgCnt func(count int64)
	FailedReadMsgCnt       func(count int64)
}

type StorageMetrics struct {
	UploadSuccessCnt func(count int64)
	UploadFailCnt    func(count int64)
	UploadedBytes    func(bytes int64)
	UploadDuration   func(d time.Duration)
}

type BrokerMetrics struct {
	SentMsgCnt   func(count int64, kind string)
	FailedMsgCnt func(count int64, kind string)
	DLQMsgCnt    func(count int64)
}

type PipelineMetrics struct {
	IndexedCnt func(count int64)
	SkippedCnt func(count int64)
	FailedCnt  func(count int64)
}

// Noop returns hooks that record nothing. Components fall back to it when given nil metrics.
func Noop() *MetricsProvider {
	count := func(int64) {}
	return &MetricsProvider{
		ConsumerMetrics: &ConsumerMetrics{SuccessfullyReadMsgCnt: count, FailedReadMsgCnt: count},
		StorageMetrics: &StorageMetrics{
			UploadSuccessCnt: count,
			UploadFailCnt:    count,
			UploadedBytes:    count,
			UploadDuration:   func(time.Duration) {},
		},
		BrokerMetrics: &BrokerMetrics{
			SentMsgCnt:   func(int64, string) {},
			FailedMsgCnt: func(int64, string) {},
			DLQMsgCnt:    count,
		},
		PipelineMetrics: &PipelineMetrics{IndexedCnt: count, SkippedCnt: count, FailedCnt: count},
		Close:           func() {},
	}
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	if !cfg.TelemetrySettings.Enabled {
		slog.Info("telemetry disabled.")
		return Noop()
	}

	r, err := newResource(cfg)
	if err != nil {
		slog.Error("failed to get resource.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
	if err != nil {
		slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	meterProvider := newMeterProvider(exporter, *r)
	otel.SetMeterProvider(meterProvider)
	meter = otel.Meter(cfg.ServiceName)

	metricsProvider := &MetricsProvider{
		Close: func() {
			if err := meterProvider.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		},
	}

	// Set up kafka consumer metrics
	consumerSuccessCounter := mustCounter("crawl-ingestor.kafka.read.success",
		"The number of crawl envelopes the kafka consumer successfully read")
	consumerFailCounter := mustCounter("crawl-ingestor.kafka.read.fail",
		"The number of crawl envelopes the kafka consumer could not read")
	metricsProvider.ConsumerMetrics = &ConsumerMetrics{
		SuccessfullyReadMsgCnt: func(count int64) { consumerSuccessCounter.Add(ctx, count) },
		FailedReadMsgCnt:       func(count int64) { consumerFailCounter.Add(ctx, count) },
	}

	// Set up object store metrics
	uploadSuccessCounter := mustCounter("crawl-ingestor.s3.upload.success", "The number of successful uploads")
	uploadFailCounter := mustCounter("crawl-ingestor.s3.upload.fail", "The number of failed uploads")
	uploadBytesCounter, err := meter.Int64Counter("crawl-ingestor.s3.upload.bytes",
		metric.WithDescription("The number of bytes stored in s3"),
		metric.WithUnit("By"))
	if err != nil {
		slog.Error("failed to create telemetry counter.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	uploadDuration, err := meter.Float64Histogram("crawl-ingestor.s3.upload.duration",
		metric.WithDescription("Upload latency"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Error("failed to create telemetry histogram.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	metricsProvider.StorageMetrics = &StorageMetrics{
		UploadSuccessCnt: func(count int64) { uploadSuccessCounter.Add(ctx, count) },
		UploadFailCnt:    func(count int64) { uploadFailCounter.Add(ctx, count) },
		UploadedBytes:    func(bytes int64) { uploadBytesCounter.Add(ctx, bytes) },
		UploadDuration:   func(d time.Duration) { uploadDuration.Record(ctx, d.Seconds()) },
	}

	// Set up broker metrics
	sentCounter := mustCounter("crawl-ingestor.queue.send.success", "The number of messages published")
	failedCounter := mustCounter("crawl-ingestor.queue.send.fail", "The number of messages that failed to publish")
	dlqCounter := mustCounter("crawl-ingestor.queue.dlq", "The number of messages forwarded to the dead-letter queue")
	metricsProvider.BrokerMetrics = &BrokerMetrics{
		SentMsgCnt: func(count int64, kind string) {
			sentCounter.Add(ctx, count, metric.WithAttributes(attribute.String("message.kind", kind)))
		},
		FailedMsgCnt: func(count int64, kind string) {
			failedCounter.Add(ctx, count, metric.WithAttributes(attribute.String("message.kind", kind)))
		},
		DLQMsgCnt: func(count int64) { dlqCounter.Add(ctx, count) },
	}

	// Set up pipeline metrics
	indexedCounter := mustCounter("crawl-ingestor.pipeline.indexed", "The number of crawl results sent to indexing")
	skippedCounter := mustCounter("crawl-ingestor.pipeline.skipped", "The number of crawl results not worth indexing")
	pipelineFailCounter := mustCounter("crawl-ingestor.pipeline.fail", "The number of crawl results that failed")
	metricsProvider.PipelineMetrics = &PipelineMetrics{
		IndexedCnt: func(count int64) { indexedCounter.Add(ctx, count) },
		SkippedCnt: func(count int64) { skippedCounter.Add(ctx, count) },
		FailedCnt:  func(count int64) { pipelineFailCounter.Add(ctx, count) },
	}

	return metricsProvider
}

func mustCounter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("{messages}"))
	if err != nil {
		slog.Error("failed to create telemetry counter.", slog.String("name", name), slog.String("err", err.Error()))
		os.Exit(1)
	}
	return c
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
	return meterProvider
}
