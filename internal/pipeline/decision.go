package pipeline

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/IliaW/crawl-ingestor/internal/model"
)

const DefaultMinBodyChars = 100

// ShouldIndex uses the default minimum body length.
func ShouldIndex(cr *model.CrawlResult, parsed *model.ParsedContent) bool {
	return shouldIndex(cr, parsed, DefaultMinBodyChars)
}

// shouldIndex rejects failed fetches and parsed pages with too little text.
// A crawl without parsed content is indexable on its raw bytes alone.
func shouldIndex(cr *model.CrawlResult, parsed *model.ParsedContent, minBodyChars int) bool {
	if cr == nil || cr.StatusCode != http.StatusOK || cr.Error != "" {
		return false
	}
	if parsed == nil {
		return true
	}
	return utf8.RuneCountInString(strings.TrimSpace(parsed.BodyText)) >= minBodyChars
}
