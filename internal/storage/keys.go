package storage

import (
	"fmt"
	"time"

	"github.com/IliaW/crawl-ingestor/internal"
)

const (
	KindRawHTML       = "raw-html"
	KindParsedContent = "parsed-content"
)

var extensions = map[string]string{
	KindRawHTML:       "html.gz",
	KindParsedContent: "json.gz",
}

// MakeKey builds {kind}/{YYYY}/{MM}/{DD}/{domain}/{urlHash}.{ext}. The date comes from ts in UTC,
// or from now() when ts is zero. Unknown kinds are used literally as prefix and extension.
func MakeKey(url, kind string, ts time.Time, now func() time.Time) string {
	if ts.IsZero() {
		if now == nil {
			now = time.Now
		}
		ts = now()
	}
	ts = ts.UTC()
	ext, ok := extensions[kind]
	if !ok {
		ext = kind
	}

	return fmt.Sprintf("%s/%04d/%02d/%02d/%s/%s.%s", kind, ts.Year(), int(ts.Month()), ts.Day(),
		internal.Domain(url), internal.HashURL(url), ext)
}
