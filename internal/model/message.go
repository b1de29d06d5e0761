package model

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/IliaW/crawl-ingestor/internal"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const EventSource = "crawler"

type EventType string

const (
	EventContentStored      EventType = "content_stored"
	EventProcessingComplete EventType = "processing_complete"
	EventError              EventType = "error"
)

// IndexingMessage is published once per indexable crawl result and consumed by the indexing worker.
// UrlHash and Domain are derived from URL only, so retries produce identical values.
type IndexingMessage struct {
	URL           string     `json:"url"`
	UrlHash       string     `json:"url_hash"`
	Domain        string     `json:"domain"`
	RawKey        string     `json:"raw_key"`
	ParsedKey     string     `json:"parsed_key,omitempty"`
	StatusCode    int        `json:"status_code"`
	FetchedAt     time.Time  `json:"fetched_at"`
	CrawlError    string     `json:"crawl_error,omitempty"`
	Title         string     `json:"title,omitempty"`
	Language      string     `json:"language,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	ContentLength *int       `json:"content_length,omitempty"`
	CrawlerID     string     `json:"crawler_id,omitempty"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
}

func NewIndexingMessage(cr *CrawlResult, rawKey, parsedKey string, parsed *ParsedContent, priority int,
	crawlerID string, now time.Time) IndexingMessage {
	if priority < 0 {
		priority = 0
	}
	msg := IndexingMessage{
		URL:        cr.URL,
		UrlHash:    internal.HashURL(cr.URL),
		Domain:     internal.Domain(cr.URL),
		RawKey:     rawKey,
		ParsedKey:  parsedKey,
		StatusCode: cr.StatusCode,
		FetchedAt:  cr.FetchedAt.UTC(),
		CrawlError: cr.Error,
		CrawlerID:  crawlerID,
		Priority:   priority,
		CreatedAt:  now.UTC(),
	}
	if parsed != nil {
		msg.Title = parsed.Title
		msg.Language = parsed.Lang
		msg.PublishedAt = parsed.PublishedAt
		if parsed.BodyText != "" {
			n := utf8.RuneCountInString(parsed.BodyText)
			msg.ContentLength = &n
		}
	}
	return msg
}

// ProcessingEvent records one lifecycle transition. Events are append-only.
type ProcessingEvent struct {
	EventType EventType `json:"event_type"`
	URL       string    `json:"url"`
	UrlHash   string    `json:"url_hash"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

func NewProcessingEvent(eventType EventType, url string, data EventData, now time.Time) ProcessingEvent {
	if data == nil {
		data = EventData{}
	}
	return ProcessingEvent{
		EventType: eventType,
		URL:       url,
		UrlHash:   internal.HashURL(url),
		Data:      data,
		Timestamp: now.UTC(),
		Source:    EventSource,
	}
}

type EventField struct {
	Key   string
	Value any
}

// EventData is an ordered key/value map; it marshals to a JSON object in insertion order.
type EventData []EventField

// With sets key, replacing an existing value in place.
func (d EventData) With(key string, value any) EventData {
	for i := range d {
		if d[i].Key == key {
			d[i].Value = value
			return d
		}
	}
	return append(d, EventField{Key: key, Value: value})
}

func (d EventData) Get(key string) (any, bool) {
	for _, f := range d {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (d EventData) Keys() []string {
	keys := make([]string, len(d))
	for i, f := range d {
		keys[i] = f.Key
	}
	return keys
}

func (d EventData) MarshalJSON() ([]byte, error) {
	stream := json.BorrowStream(nil)
	defer json.ReturnStream(stream)

	stream.WriteObjectStart()
	for i, f := range d {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(f.Key)
		stream.WriteVal(f.Value)
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return nil, stream.Error
	}
	return append([]byte(nil), stream.Buffer()...), nil
}

func (d *EventData) UnmarshalJSON(b []byte) error {
	iter := json.BorrowIterator(b)
	defer json.ReturnIterator(iter)

	out := EventData{}
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		if iter.WhatIsNext() == jsoniter.NilValue {
			*d = out
			return nil
		}
		return errors.New("event data must be a json object")
	}
	iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		out = append(out, EventField{Key: field, Value: it.Read()})
		return true
	})
	if iter.Error != nil {
		return iter.Error
	}
	*d = out
	return nil
}
