package model

import (
	"time"
)

// CrawlResult describes one completed fetch attempt. It is read-only to the ingest pipeline.
type CrawlResult struct {
	URL               string    `json:"url"`
	StatusCode        int       `json:"status_code"`
	FetchedAt         time.Time `json:"fetched_at"`
	Error             string    `json:"error,omitempty"`
	RawContentKeyHint string    `json:"raw_content_key_hint,omitempty"`
}

// ParsedContent holds the fields extracted from raw html by the parsing step.
// Empty strings mean the field was not extracted.
type ParsedContent struct {
	Title       string     `json:"title,omitempty"`
	Lang        string     `json:"lang,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Description string     `json:"description,omitempty"`
	BodyText    string     `json:"body_text,omitempty"`
}

// CrawlEnvelope is the upstream message produced by the crawler for every fetch.
type CrawlEnvelope struct {
	CrawlResult   *CrawlResult   `json:"crawl_result"`
	RawContent    []byte         `json:"raw_content,omitempty"`
	ParsedContent *ParsedContent `json:"parsed_content,omitempty"`
}
