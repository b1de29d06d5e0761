// Package pipeline sequences storage, lifecycle events and the indexing request for one crawl result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IliaW/crawl-ingestor/internal/aws_s3"
	"github.com/IliaW/crawl-ingestor/internal/broker"
	"github.com/IliaW/crawl-ingestor/internal/model"
	"github.com/IliaW/crawl-ingestor/internal/storage"
	"github.com/IliaW/crawl-ingestor/internal/telemetry"
)

const (
	stageStorage  = "storage"
	stageIndexing = "indexing"
	stagePipeline = "pipeline"
)

type ManifestRecorder interface {
	Record(ctx context.Context, cr *model.CrawlResult, rawKey, parsedKey string) error
}

type Pipeline struct {
	storage      storage.ContentStorage
	broker       broker.Publisher
	scorer       *Scorer
	manifest     ManifestRecorder
	minBodyChars int
	metrics      *telemetry.PipelineMetrics
}

type Option func(*Pipeline)

func WithManifest(m ManifestRecorder) Option {
	return func(p *Pipeline) { p.manifest = m }
}

func WithMinBodyChars(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.minBodyChars = n
		}
	}
}

func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func New(store storage.ContentStorage, publisher broker.Publisher, scorer *Scorer, opts ...Option) *Pipeline {
	if scorer == nil {
		scorer = NewScorer(nil, nil, nil)
	}
	p := &Pipeline{
		storage:      store,
		broker:       publisher,
		scorer:       scorer,
		minBodyChars: DefaultMinBodyChars,
		metrics:      telemetry.Noop().PipelineMetrics,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest stores the crawl output and then runs Process. When raw is empty the crawl result's raw
// key hint is trusted and only parsed content is stored.
func (p *Pipeline) Ingest(ctx context.Context, cr *model.CrawlResult, raw []byte,
	parsed *model.ParsedContent) (ok bool) {
	if cr == nil {
		slog.Error("crawl result is missing.")
		return false
	}
	defer p.recoverPanic(ctx, cr, &ok)

	var rawKey, parsedKey string
	var err error
	if len(raw) == 0 && cr.RawContentKeyHint != "" {
		rawKey = cr.RawContentKeyHint
		if parsed != nil {
			parsedKey, err = p.storage.SaveParsed(ctx, cr.URL, parsed, cr.FetchedAt)
		}
	} else {
		rawKey, parsedKey, err = p.storage.SaveCrawlResult(ctx, cr, raw, parsed)
	}
	if err != nil {
		slog.Error("failed to store crawl result.", slog.String("url", cr.URL), slog.String("err", err.Error()))
		p.fail(ctx, cr, stageStorage, err)
		return false
	}
	if p.manifest != nil {
		if err = p.manifest.Record(ctx, cr, rawKey, parsedKey); err != nil {
			slog.Warn("failed to record content manifest.", slog.String("url", cr.URL),
				slog.String("err", err.Error()))
		}
	}

	return p.Process(ctx, cr, rawKey, parsedKey, parsed)
}

// Process runs the stages for already stored content: content_stored, index decision, indexing
// request, processing_complete. It never panics and never returns an error; failures are reported
// as an error event and a false result.
func (p *Pipeline) Process(ctx context.Context, cr *model.CrawlResult, rawKey, parsedKey string,
	parsed *model.ParsedContent) (ok bool) {
	if cr == nil {
		slog.Error("crawl result is missing.")
		return false
	}
	defer p.recoverPanic(ctx, cr, &ok)

	p.emit(ctx, model.EventContentStored, cr.URL, model.EventData{}.
		With("raw_key", rawKey).
		With("parsed_key", optional(parsedKey)).
		With("status_code", cr.StatusCode))

	indexed := false
	var priority any
	if shouldIndex(cr, parsed, p.minBodyChars) {
		score := p.scorer.Score(cr, parsed)
		priority = score
		published, err := p.broker.PublishIndexingRequest(ctx, broker.IndexingRequest{
			CrawlResult: cr,
			RawKey:      rawKey,
			ParsedKey:   parsedKey,
			Parsed:      parsed,
			Priority:    score,
		})
		if err != nil {
			slog.Error("failed to publish indexing request.", slog.String("url", cr.URL),
				slog.String("err", err.Error()))
			p.fail(ctx, cr, stageIndexing, err)
			return false
		}
		if !published {
			slog.Warn("content was not sent to indexing.", slog.String("url", cr.URL))
		}
		indexed = published
	} else {
		slog.Debug("content is not worth indexing.", slog.String("url", cr.URL), slog.Int("status", cr.StatusCode))
	}

	p.emit(ctx, model.EventProcessingComplete, cr.URL, model.EventData{}.
		With("indexed", indexed).
		With("priority", priority))
	if indexed {
		p.metrics.IndexedCnt(1)
	} else {
		p.metrics.SkippedCnt(1)
	}

	return true
}

func (p *Pipeline) recoverPanic(ctx context.Context, cr *model.CrawlResult, ok *bool) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("panic: %v", r)
	slog.Error("crawl result processing panicked.", slog.String("url", cr.URL), slog.String("err", err.Error()))
	p.fail(ctx, cr, stagePipeline, err)
	*ok = false
}

func (p *Pipeline) fail(ctx context.Context, cr *model.CrawlResult, stage string, err error) {
	p.metrics.FailedCnt(1)
	data := model.EventData{}.With("stage", stage).With("error", err.Error())
	if code := errorCode(err); code != "" {
		data = data.With("code", code)
	}
	p.emit(ctx, model.EventError, cr.URL, data)
}

// emit is best-effort: a lost event is logged and never fails the crawl result.
func (p *Pipeline) emit(ctx context.Context, eventType model.EventType, url string, data model.EventData) {
	if _, err := p.broker.PublishEvent(ctx, eventType, url, data); err != nil {
		slog.Warn("failed to publish event.", slog.String("event", string(eventType)), slog.String("url", url),
			slog.String("err", err.Error()))
	}
}

func errorCode(err error) string {
	var pubErr *broker.PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Code
	}
	var storageErr *aws_s3.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Code
	}
	return ""
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
