package pipeline

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/IliaW/crawl-ingestor/internal"
	"github.com/IliaW/crawl-ingestor/internal/model"
)

const (
	day = 24 * time.Hour

	minTitleChars = 10
)

var DefaultLanguages = []string{"en", "es", "fr", "de", "it", "pt", "nl"}

// Scorer computes the indexing priority. Every contribution is non-negative except the
// configured domain boost, and the sum is floored at 0.
type Scorer struct {
	domainBoosts map[string]int
	languages    map[string]struct{}
	now          func() time.Time
}

func NewScorer(domainBoosts map[string]int, languages []string, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	if len(languages) == 0 {
		languages = DefaultLanguages
	}
	boosts := make(map[string]int, len(domainBoosts))
	for domain, boost := range domainBoosts {
		boosts[strings.ToLower(domain)] = boost
	}
	langs := make(map[string]struct{}, len(languages))
	for _, l := range languages {
		langs[primaryTag(l)] = struct{}{}
	}
	return &Scorer{domainBoosts: boosts, languages: langs, now: now}
}

func (s *Scorer) Score(cr *model.CrawlResult, parsed *model.ParsedContent) int {
	score := s.domainBoosts[internal.Domain(cr.URL)]
	if parsed != nil {
		if parsed.PublishedAt != nil {
			score += recencyBoost(s.now().Sub(*parsed.PublishedAt))
		}
		if utf8.RuneCountInString(strings.TrimSpace(parsed.Title)) > minTitleChars {
			score += 2
		}
		if strings.TrimSpace(parsed.Description) != "" {
			score += 1
		}
		if _, ok := s.languages[primaryTag(parsed.Lang)]; ok && parsed.Lang != "" {
			score += 1
		}
	}

	return max(score, 0)
}

// recencyBoost gives nothing for dates in the future.
func recencyBoost(age time.Duration) int {
	switch {
	case age < 0:
		return 0
	case age < day:
		return 5
	case age < 7*day:
		return 3
	case age < 30*day:
		return 1
	default:
		return 0
	}
}

// primaryTag turns "en-US" or "EN_gb" into "en".
func primaryTag(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}
