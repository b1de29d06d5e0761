package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/IliaW/crawl-ingestor/internal/broker"
	"github.com/IliaW/crawl-ingestor/internal/model"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Ingester interface {
	Ingest(ctx context.Context, cr *model.CrawlResult, raw []byte, parsed *model.ParsedContent) bool
}

type DeadLetterer interface {
	ForwardToDLQ(ctx context.Context, queue string, body []byte, reason string) broker.DLQOutcome
}

// IngestWorker decodes crawl envelopes and runs them through the pipeline. Several workers may
// share one EnvelopeChan; each returns when the channel is closed.
type IngestWorker struct {
	EnvelopeChan <-chan []byte
	Pipeline     Ingester
	DLQ          DeadLetterer
	SourceTopic  string
	Wg           *sync.WaitGroup
}

func (w *IngestWorker) Run(ctx context.Context) {
	defer w.Wg.Done()
	slog.Debug("starting ingest worker.")

	for value := range w.EnvelopeChan {
		envelope, err := decodeEnvelope(value)
		if err != nil {
			slog.Error("failed to unmarshal crawl envelope.", slog.String("err", err.Error()))
			w.DLQ.ForwardToDLQ(ctx, w.SourceTopic, value, err.Error())
			continue
		}
		if !w.Pipeline.Ingest(ctx, envelope.CrawlResult, envelope.RawContent, envelope.ParsedContent) {
			slog.Warn("crawl result was not fully processed.", slog.String("url", envelope.CrawlResult.URL))
		}
	}
	slog.Debug("ingest worker stopped.")
}

func decodeEnvelope(value []byte) (*model.CrawlEnvelope, error) {
	var envelope model.CrawlEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return nil, err
	}
	if envelope.CrawlResult == nil || envelope.CrawlResult.URL == "" {
		return nil, errors.New("crawl envelope has no crawl result url")
	}
	return &envelope, nil
}
