package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IliaW/crawl-ingestor/internal"
	"github.com/IliaW/crawl-ingestor/internal/aws_s3"
	"github.com/IliaW/crawl-ingestor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBucket struct {
	puts    []aws_s3.PutInput
	objects map[string][]byte
	putErr  map[string]error
}

func newMemBucket() *memBucket {
	return &memBucket{objects: map[string][]byte{}, putErr: map[string]error{}}
}

func (m *memBucket) Put(_ context.Context, in aws_s3.PutInput) (model.ObjectRef, error) {
	m.puts = append(m.puts, in)
	for prefix, err := range m.putErr {
		if strings.HasPrefix(in.Key, prefix) {
			return model.ObjectRef{}, err
		}
	}
	m.objects[in.Key] = in.Body
	return model.ObjectRef{Bucket: in.Bucket, Key: in.Key, ContentType: in.ContentType}, nil
}

func (m *memBucket) Get(_ context.Context, bucket, key string) ([]byte, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, &aws_s3.StorageError{Op: "get", Bucket: bucket, Key: key, Code: aws_s3.CodeNotFound}
	}
	return b, nil
}

func (m *memBucket) Head(context.Context, string, string) (aws_s3.ObjectInfo, error) {
	return aws_s3.ObjectInfo{}, nil
}

func fixedNow() time.Time {
	return time.Date(2030, 12, 31, 23, 0, 0, 0, time.UTC)
}

func TestMakeKey(t *testing.T) {
	ts := time.Date(2024, 3, 7, 22, 30, 0, 0, time.FixedZone("x", -3*3600))
	url := "https://www.example.co.uk/news?id=1"
	hash := internal.HashURL(url)

	tests := map[string]string{
		KindRawHTML:       "raw-html/2024/03/08/example.co.uk/" + hash + ".html.gz",
		KindParsedContent: "parsed-content/2024/03/08/example.co.uk/" + hash + ".json.gz",
		"screenshot":      "screenshot/2024/03/08/example.co.uk/" + hash + ".screenshot",
	}
	for kind, want := range tests {
		assert.Equal(t, want, MakeKey(url, kind, ts, fixedNow), kind)
	}
}

func TestMakeKeyIsIdempotentWithinADay(t *testing.T) {
	morning := time.Date(2024, 3, 7, 1, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 7, 23, 59, 0, 0, time.UTC)
	url := "https://example.com/a"

	assert.Equal(t, MakeKey(url, KindRawHTML, morning, nil), MakeKey(url, KindRawHTML, evening, nil))
	assert.NotEqual(t, MakeKey(url, KindRawHTML, morning, nil), MakeKey(url, KindRawHTML, morning.AddDate(0, 0, 1), nil))
	assert.NotEqual(t, MakeKey(url, KindRawHTML, morning, nil), MakeKey(url+"b", KindRawHTML, morning, nil))
}

func TestMakeKeyUsesNowWithoutTimestamp(t *testing.T) {
	key := MakeKey("https://example.com/a", KindRawHTML, time.Time{}, fixedNow)
	assert.True(t, strings.HasPrefix(key, "raw-html/2030/12/31/example.com/"), key)
}

func TestSaveCrawlResult(t *testing.T) {
	bucket := newMemBucket()
	s := New(bucket, "crawl-bucket", fixedNow)
	fetched := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cr := &model.CrawlResult{URL: "https://example.com/a", StatusCode: 200, FetchedAt: fetched}
	parsed := &model.ParsedContent{Title: "A title", Lang: "en", BodyText: "body"}

	rawKey, parsedKey, err := s.SaveCrawlResult(context.Background(), cr, []byte("<html></html>"), parsed)
	require.NoError(t, err)
	assert.Equal(t, MakeKey(cr.URL, KindRawHTML, fetched, nil), rawKey)
	assert.Equal(t, MakeKey(cr.URL, KindParsedContent, fetched, nil), parsedKey)
	require.Len(t, bucket.puts, 2)

	raw := bucket.puts[0]
	assert.Equal(t, "crawl-bucket", raw.Bucket)
	assert.True(t, raw.Compress)
	assert.Equal(t, "text/html", raw.ContentType)
	rawMeta := raw.Metadata.ToMap()
	assert.Equal(t, "200", rawMeta["status-code"])
	assert.Equal(t, "example.com", rawMeta["domain"])
	assert.Equal(t, "https://example.com/a", rawMeta["source-url"])

	p := bucket.puts[1]
	assert.Equal(t, "application/json", p.ContentType)
	assert.True(t, p.Compress)
	assert.Equal(t, "en", p.Metadata.ToMap()["language"])
	assert.Equal(t, "A title", p.Metadata.ToMap()["title"])

	back, err := s.GetParsed(context.Background(), parsedKey)
	require.NoError(t, err)
	assert.Equal(t, parsed, back)

	rawBack, err := s.GetRaw(context.Background(), rawKey)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(rawBack))
}

func TestSaveCrawlResultWithoutParsedContent(t *testing.T) {
	bucket := newMemBucket()
	s := New(bucket, "crawl-bucket", fixedNow)
	cr := &model.CrawlResult{URL: "https://example.com/a", StatusCode: 200}

	rawKey, parsedKey, err := s.SaveCrawlResult(context.Background(), cr, []byte("x"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, rawKey)
	assert.Empty(t, parsedKey)
	assert.Len(t, bucket.puts, 1)
}

func TestSaveCrawlResultPropagatesStorageErrors(t *testing.T) {
	bucket := newMemBucket()
	bucket.putErr[KindParsedContent] = &aws_s3.StorageError{Op: "put", Code: "AccessDenied", Err: errors.New("denied")}
	s := New(bucket, "crawl-bucket", fixedNow)
	cr := &model.CrawlResult{URL: "https://example.com/a", StatusCode: 200}

	rawKey, parsedKey, err := s.SaveCrawlResult(context.Background(), cr, []byte("x"), &model.ParsedContent{})
	var se *aws_s3.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "AccessDenied", se.Code)
	assert.NotEmpty(t, rawKey)
	assert.Empty(t, parsedKey)
}

func TestGetParsedNotFound(t *testing.T) {
	s := New(newMemBucket(), "crawl-bucket", fixedNow)
	_, err := s.GetParsed(context.Background(), "missing")
	assert.ErrorIs(t, err, aws_s3.ErrNotFound)
}

func TestMakeKeyForIPv6Host(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	url := "http://[::1]:8080/status"
	key := MakeKey(url, KindRawHTML, ts, nil)
	assert.Equal(t, "raw-html/2024/06/01/--1/"+internal.HashURL(url)+".html.gz", key)
	assert.NotContains(t, key, ":")
}

func TestBucket(t *testing.T) {
	assert.Equal(t, "crawl-bucket", New(newMemBucket(), "crawl-bucket", nil).Bucket())
}
