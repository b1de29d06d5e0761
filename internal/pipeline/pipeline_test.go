package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/crawl-ingestor/internal/aws_s3"
	"github.com/IliaW/crawl-ingestor/internal/broker"
	"github.com/IliaW/crawl-ingestor/internal/model"
	"github.com/IliaW/crawl-ingestor/internal/storage"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	indexingQueue = "indexing.fifo"
	eventsQueue   = "events.fifo"
	dlqQueue      = "dlq"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingTransport struct {
	mu   sync.Mutex
	sent []broker.OutgoingMessage
	fail map[string]error
}

func (r *recordingTransport) Send(_ context.Context, msg broker.OutgoingMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[msg.Queue]; err != nil {
		return "", err
	}
	r.sent = append(r.sent, msg)
	return "id", nil
}

func (r *recordingTransport) Ping(context.Context) error { return nil }

func (r *recordingTransport) Inspect(context.Context, string) (map[string]string, error) {
	return nil, nil
}

// timeline lists "<queue>:<event type or message type>" in send order.
func (r *recordingTransport) timeline() []string {
	var out []string
	for _, m := range r.sent {
		label := m.Attributes["MessageType"].Value
		if et, ok := m.Attributes["EventType"]; ok {
			label = et.Value
		}
		out = append(out, m.Queue+":"+label)
	}
	return out
}

func (r *recordingTransport) event(t *testing.T, eventType model.EventType) model.ProcessingEvent {
	for _, m := range r.sent {
		if m.Attributes["EventType"].Value == string(eventType) {
			var ev model.ProcessingEvent
			require.NoError(t, json.Unmarshal(m.Body, &ev))
			return ev
		}
	}
	t.Fatalf("event %s was not published", eventType)
	return model.ProcessingEvent{}
}

type memBucket struct {
	puts   []aws_s3.PutInput
	putErr error
	panic  bool
}

func (m *memBucket) Put(_ context.Context, in aws_s3.PutInput) (model.ObjectRef, error) {
	if m.panic {
		panic("bucket exploded")
	}
	if m.putErr != nil {
		return model.ObjectRef{}, m.putErr
	}
	m.puts = append(m.puts, in)
	return model.ObjectRef{Bucket: in.Bucket, Key: in.Key}, nil
}

func (m *memBucket) Get(context.Context, string, string) ([]byte, error) {
	return nil, aws_s3.ErrNotFound
}

func (m *memBucket) Head(context.Context, string, string) (aws_s3.ObjectInfo, error) {
	return aws_s3.ObjectInfo{}, nil
}

type fakeManifest struct {
	records []string
	err     error
}

func (f *fakeManifest) Record(_ context.Context, _ *model.CrawlResult, rawKey, parsedKey string) error {
	f.records = append(f.records, rawKey+"|"+parsedKey)
	return f.err
}

type fixture struct {
	bucket    *memBucket
	transport *recordingTransport
	broker    *broker.Client
	pipeline  *Pipeline
}

func newFixture(settings broker.Settings, opts ...Option) *fixture {
	clock := func() time.Time { return now }
	settings.Now = clock
	f := &fixture{
		bucket:    &memBucket{},
		transport: &recordingTransport{fail: map[string]error{}},
	}
	f.broker = broker.New(f.transport, settings, nil)
	f.pipeline = New(storage.New(f.bucket, "bucket", clock), f.broker, NewScorer(nil, nil, clock), opts...)
	return f
}

func allQueues() broker.Settings {
	return broker.Settings{IndexingQueue: indexingQueue, EventsQueue: eventsQueue, DeadLetterQueue: dlqQueue}
}

func okCrawl() *model.CrawlResult {
	return &model.CrawlResult{URL: "https://example.com/a", StatusCode: 200, FetchedAt: now}
}

func TestRawOnlyCrawlIsIndexed(t *testing.T) {
	f := newFixture(allQueues())

	ok := f.pipeline.Ingest(context.Background(), okCrawl(), []byte("<html>hello</html>"), nil)
	require.True(t, ok)
	assert.Len(t, f.bucket.puts, 1)
	assert.Equal(t, []string{
		eventsQueue + ":content_stored",
		indexingQueue + ":IndexingRequest",
		eventsQueue + ":processing_complete",
	}, f.transport.timeline())

	complete := f.transport.event(t, model.EventProcessingComplete)
	indexed, _ := complete.Data.Get("indexed")
	assert.Equal(t, true, indexed)
	priority, _ := complete.Data.Get("priority")
	assert.EqualValues(t, 0, priority)

	stored := f.transport.event(t, model.EventContentStored)
	rawKey, _ := stored.Data.Get("raw_key")
	assert.Equal(t, f.bucket.puts[0].Key, rawKey)
	parsedKey, found := stored.Data.Get("parsed_key")
	assert.True(t, found)
	assert.Nil(t, parsedKey)
	assert.Equal(t, int64(1), f.broker.Stats().IndexingMessages)
}

func TestFailedFetchIsNotIndexed(t *testing.T) {
	f := newFixture(allQueues())
	cr := okCrawl()
	cr.StatusCode = 404

	require.True(t, f.pipeline.Ingest(context.Background(), cr, []byte("not found"), nil))
	assert.Equal(t, []string{
		eventsQueue + ":content_stored",
		eventsQueue + ":processing_complete",
	}, f.transport.timeline())

	for _, m := range f.transport.sent {
		if m.Attributes["EventType"].Value == "processing_complete" {
			assert.Contains(t, string(m.Body), `"data":{"indexed":false,"priority":null}`)
		}
	}
}

func TestShortBodyIsNotIndexed(t *testing.T) {
	f := newFixture(allQueues())
	parsed := &model.ParsedContent{Title: "Short page", BodyText: strings.Repeat("x", 50)}

	require.True(t, f.pipeline.Ingest(context.Background(), okCrawl(), []byte("<html/>"), parsed))
	assert.Len(t, f.bucket.puts, 2)
	assert.NotContains(t, f.transport.timeline(), indexingQueue+":IndexingRequest")
	indexed, _ := f.transport.event(t, model.EventProcessingComplete).Data.Get("indexed")
	assert.Equal(t, false, indexed)
}

func TestUnconfiguredIndexingQueue(t *testing.T) {
	f := newFixture(broker.Settings{EventsQueue: eventsQueue})

	require.True(t, f.pipeline.Ingest(context.Background(), okCrawl(), []byte("<html/>"), nil))
	assert.Equal(t, []string{
		eventsQueue + ":content_stored",
		eventsQueue + ":processing_complete",
	}, f.transport.timeline())
	complete := f.transport.event(t, model.EventProcessingComplete)
	indexed, _ := complete.Data.Get("indexed")
	assert.Equal(t, false, indexed)
	priority, _ := complete.Data.Get("priority")
	assert.NotNil(t, priority)
}

func TestIndexingFailureIsDeadLettered(t *testing.T) {
	f := newFixture(allQueues())
	f.transport.fail[indexingQueue] = errors.New("connection reset by peer")

	ok := f.pipeline.Ingest(context.Background(), okCrawl(), []byte("<html/>"), nil)
	assert.False(t, ok)

	var letters []broker.DeadLetter
	for _, m := range f.transport.sent {
		if m.Queue == dlqQueue {
			var l broker.DeadLetter
			require.NoError(t, json.Unmarshal(m.Body, &l))
			letters = append(letters, l)
		}
	}
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].OriginalMessage, `"url":"https://example.com/a"`)
	assert.Equal(t, "connection reset by peer", letters[0].ErrorReason)

	assert.Equal(t, []string{
		eventsQueue + ":content_stored",
		dlqQueue + ":DeadLetter",
		eventsQueue + ":error",
	}, f.transport.timeline())
	errEvent := f.transport.event(t, model.EventError)
	stage, _ := errEvent.Data.Get("stage")
	assert.Equal(t, "indexing", stage)
}

func TestStorageFailureEmitsErrorEvent(t *testing.T) {
	f := newFixture(allQueues())
	f.bucket.putErr = &aws_s3.StorageError{Op: "put", Code: "AccessDenied", Err: errors.New("denied")}

	assert.False(t, f.pipeline.Ingest(context.Background(), okCrawl(), []byte("<html/>"), nil))
	assert.Equal(t, []string{eventsQueue + ":error"}, f.transport.timeline())
	errEvent := f.transport.event(t, model.EventError)
	stage, _ := errEvent.Data.Get("stage")
	code, _ := errEvent.Data.Get("code")
	assert.Equal(t, "storage", stage)
	assert.Equal(t, "AccessDenied", code)
}

func TestPanicIsContained(t *testing.T) {
	f := newFixture(allQueues())
	f.bucket.panic = true

	assert.NotPanics(t, func() {
		assert.False(t, f.pipeline.Ingest(context.Background(), okCrawl(), []byte("<html/>"), nil))
	})
	errEvent := f.transport.event(t, model.EventError)
	stage, _ := errEvent.Data.Get("stage")
	assert.Equal(t, "pipeline", stage)
}

func TestRawKeyHintSkipsRawUpload(t *testing.T) {
	manifest := &fakeManifest{}
	f := newFixture(allQueues(), WithManifest(manifest))
	cr := okCrawl()
	cr.RawContentKeyHint = "raw-html/2024/06/01/example.com/precomputed.html.gz"
	parsed := &model.ParsedContent{BodyText: strings.Repeat("word ", 30)}

	require.True(t, f.pipeline.Ingest(context.Background(), cr, nil, parsed))
	require.Len(t, f.bucket.puts, 1)
	assert.True(t, strings.HasPrefix(f.bucket.puts[0].Key, storage.KindParsedContent+"/"))
	require.Len(t, manifest.records, 1)
	assert.Equal(t, cr.RawContentKeyHint+"|"+f.bucket.puts[0].Key, manifest.records[0])
}

func TestManifestFailureDoesNotFailIngest(t *testing.T) {
	f := newFixture(allQueues(), WithManifest(&fakeManifest{err: errors.New("db down")}))
	assert.True(t, f.pipeline.Ingest(context.Background(), okCrawl(), []byte("<html/>"), nil))
}

func TestEventFailureDoesNotFailProcess(t *testing.T) {
	f := newFixture(allQueues())
	f.transport.fail[eventsQueue] = errors.New("events down")

	assert.True(t, f.pipeline.Process(context.Background(), okCrawl(), "raw", "", nil))
	assert.Equal(t, []string{dlqQueue + ":DeadLetter", indexingQueue + ":IndexingRequest", dlqQueue + ":DeadLetter"},
		f.transport.timeline())
}

func TestNilCrawlResult(t *testing.T) {
	f := newFixture(allQueues())
	assert.False(t, f.pipeline.Ingest(context.Background(), nil, nil, nil))
	assert.False(t, f.pipeline.Process(context.Background(), nil, "", "", nil))
	assert.Empty(t, f.transport.sent)
}
