package model

import (
	"mime"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	maxCrawlErrorLen = 500
	maxTitleLen      = 200
)

// ObjectRef locates a stored object without re-deriving its key.
type ObjectRef struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	VersionID   string `json:"version_id,omitempty"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"content_type"`
}

// ObjectMetadata is the typed form of the user metadata attached to stored objects.
// It is converted to the wire map only by ToMap.
type ObjectMetadata struct {
	SourceURL   string
	ContentType string
	Domain      string
	StatusCode  int
	FetchedAt   time.Time
	CrawlError  string
	Language    string
	Title       string
	PublishedAt *time.Time
}

func NewObjectMetadata(sourceURL, contentType, domain string) ObjectMetadata {
	return ObjectMetadata{
		SourceURL:   sourceURL,
		ContentType: contentType,
		Domain:      domain,
	}
}

func (m ObjectMetadata) WithCrawlResult(cr *CrawlResult) ObjectMetadata {
	if cr == nil {
		return m
	}
	m.StatusCode = cr.StatusCode
	m.FetchedAt = cr.FetchedAt
	m.CrawlError = cr.Error
	return m
}

func (m ObjectMetadata) WithParsedContent(p *ParsedContent) ObjectMetadata {
	if p == nil {
		return m
	}
	m.Language = p.Lang
	m.Title = p.Title
	m.PublishedAt = p.PublishedAt
	return m
}

// ToMap renders hyphen-case keys. Unset fields are omitted; long values are truncated and
// non-ASCII values are RFC 2047 encoded so they survive as HTTP headers.
func (m ObjectMetadata) ToMap() map[string]string {
	out := make(map[string]string, 9)
	put := func(k, v string) {
		if v != "" {
			out[k] = headerSafe(v)
		}
	}
	put("source-url", m.SourceURL)
	put("content-type", m.ContentType)
	put("domain", m.Domain)
	if m.StatusCode != 0 {
		out["status-code"] = strconv.Itoa(m.StatusCode)
	}
	if !m.FetchedAt.IsZero() {
		out["fetched-at"] = m.FetchedAt.UTC().Format(time.RFC3339)
	}
	put("crawl-error", truncate(m.CrawlError, maxCrawlErrorLen))
	put("language", m.Language)
	put("title", truncate(m.Title, maxTitleLen))
	if m.PublishedAt != nil {
		out["published-at"] = m.PublishedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func headerSafe(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}
