package worker

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/IliaW/crawl-ingestor/internal/broker"
	"github.com/IliaW/crawl-ingestor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestCall struct {
	cr     *model.CrawlResult
	raw    []byte
	parsed *model.ParsedContent
}

type fakeIngester struct {
	mu    sync.Mutex
	calls []ingestCall
}

func (f *fakeIngester) Ingest(_ context.Context, cr *model.CrawlResult, raw []byte, parsed *model.ParsedContent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ingestCall{cr: cr, raw: raw, parsed: parsed})
	return cr.StatusCode == 200
}

type deadLetter struct {
	queue  string
	body   string
	reason string
}

type fakeDLQ struct {
	mu      sync.Mutex
	letters []deadLetter
}

func (f *fakeDLQ) ForwardToDLQ(_ context.Context, queue string, body []byte, reason string) broker.DLQOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.letters = append(f.letters, deadLetter{queue: queue, body: string(body), reason: reason})
	return broker.DLQForwarded
}

func TestIngestWorkerRun(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("<html>hi</html>"))
	envelopes := make(chan []byte, 4)
	envelopes <- []byte(`{"crawl_result":{"url":"https://example.com/a","status_code":200,` +
		`"fetched_at":"2024-06-01T12:00:00Z"},"raw_content":"` + raw + `",` +
		`"parsed_content":{"title":"Hi","lang":"en","body_text":"hello"}}`)
	envelopes <- []byte(`{not json`)
	envelopes <- []byte(`{"crawl_result":null}`)
	envelopes <- []byte(`{"crawl_result":{"url":"https://example.com/b","status_code":404}}`)
	close(envelopes)

	ingester := &fakeIngester{}
	dlq := &fakeDLQ{}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	w := &IngestWorker{EnvelopeChan: envelopes, Pipeline: ingester, DLQ: dlq, SourceTopic: "crawl-results", Wg: wg}
	w.Run(context.Background())
	wg.Wait()

	require.Len(t, ingester.calls, 2)
	first := ingester.calls[0]
	assert.Equal(t, "https://example.com/a", first.cr.URL)
	assert.Equal(t, []byte("<html>hi</html>"), first.raw)
	require.NotNil(t, first.parsed)
	assert.Equal(t, "hello", first.parsed.BodyText)
	assert.Nil(t, ingester.calls[1].parsed)

	require.Len(t, dlq.letters, 2)
	assert.Equal(t, "crawl-results", dlq.letters[0].queue)
	assert.Equal(t, "{not json", dlq.letters[0].body)
	assert.NotEmpty(t, dlq.letters[0].reason)
	assert.Equal(t, "crawl envelope has no crawl result url", dlq.letters[1].reason)
}
