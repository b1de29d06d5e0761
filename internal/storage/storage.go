// Package storage persists crawl output as partitioned, content-addressed objects.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IliaW/crawl-ingestor/internal"
	"github.com/IliaW/crawl-ingestor/internal/aws_s3"
	"github.com/IliaW/crawl-ingestor/internal/model"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	rawContentType    = "text/html"
	parsedContentType = "application/json"
)

type ContentStorage interface {
	SaveCrawlResult(ctx context.Context, cr *model.CrawlResult, raw []byte,
		parsed *model.ParsedContent) (rawKey, parsedKey string, err error)
	SaveParsed(ctx context.Context, url string, parsed *model.ParsedContent, ts time.Time) (string, error)
}

type Storage struct {
	client aws_s3.BucketClient
	bucket string
	now    func() time.Time
}

func New(client aws_s3.BucketClient, bucket string, now func() time.Time) *Storage {
	if now == nil {
		now = time.Now
	}
	return &Storage{client: client, bucket: bucket, now: now}
}

func (s *Storage) Bucket() string {
	return s.bucket
}

// SaveRaw stores the page bytes compressed. The key date is the fetch time when cr is given.
func (s *Storage) SaveRaw(ctx context.Context, url string, raw []byte, cr *model.CrawlResult) (string, error) {
	var ts time.Time
	if cr != nil {
		ts = cr.FetchedAt
	}
	key := MakeKey(url, KindRawHTML, ts, s.now)
	meta := model.NewObjectMetadata(url, rawContentType, internal.Domain(url)).WithCrawlResult(cr)

	if _, err := s.client.Put(ctx, aws_s3.PutInput{
		Bucket:      s.bucket,
		Key:         key,
		Body:        raw,
		ContentType: rawContentType,
		Metadata:    meta,
		Compress:    true,
	}); err != nil {
		return "", err
	}
	slog.Debug("raw content saved.", slog.String("url", url), slog.String("key", key))

	return key, nil
}

// SaveParsed stores parsed content as json. A zero ts places the object under today's partition.
func (s *Storage) SaveParsed(ctx context.Context, url string, parsed *model.ParsedContent,
	ts time.Time) (string, error) {
	body, err := json.Marshal(parsed)
	if err != nil {
		return "", fmt.Errorf("marshal parsed content: %w", err)
	}
	key := MakeKey(url, KindParsedContent, ts, s.now)
	meta := model.NewObjectMetadata(url, parsedContentType, internal.Domain(url)).WithParsedContent(parsed)

	if _, err = s.client.Put(ctx, aws_s3.PutInput{
		Bucket:      s.bucket,
		Key:         key,
		Body:        body,
		ContentType: parsedContentType,
		Metadata:    meta,
		Compress:    true,
	}); err != nil {
		return "", err
	}
	slog.Debug("parsed content saved.", slog.String("url", url), slog.String("key", key))

	return key, nil
}

// SaveCrawlResult stores raw bytes and, when present, the parsed content. parsedKey is empty
// when parsed is nil. The first failure is returned; nothing is retried here.
func (s *Storage) SaveCrawlResult(ctx context.Context, cr *model.CrawlResult, raw []byte,
	parsed *model.ParsedContent) (rawKey, parsedKey string, err error) {
	rawKey, err = s.SaveRaw(ctx, cr.URL, raw, cr)
	if err != nil {
		return "", "", err
	}
	if parsed == nil {
		return rawKey, "", nil
	}
	parsedKey, err = s.SaveParsed(ctx, cr.URL, parsed, cr.FetchedAt)
	if err != nil {
		return rawKey, "", err
	}

	return rawKey, parsedKey, nil
}

func (s *Storage) GetRaw(ctx context.Context, key string) ([]byte, error) {
	return s.client.Get(ctx, s.bucket, key)
}

func (s *Storage) GetParsed(ctx context.Context, key string) (*model.ParsedContent, error) {
	body, err := s.client.Get(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}
	var parsed model.ParsedContent
	if err = json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal parsed content %s: %w", key, err)
	}

	return &parsed, nil
}
