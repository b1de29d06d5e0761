package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/IliaW/crawl-ingestor/internal"
	"github.com/IliaW/crawl-ingestor/internal/model"
)

const upsertManifest = `INSERT INTO crawl_ingestor.content_manifest
    (url_hash, full_url, domain, raw_key, parsed_key, status_code, fetched_at, crawl_error, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (url_hash) DO UPDATE
	SET full_url = EXCLUDED.full_url,
	    domain = EXCLUDED.domain,
	    raw_key = EXCLUDED.raw_key,
	    parsed_key = EXCLUDED.parsed_key,
	    status_code = EXCLUDED.status_code,
	    fetched_at = EXCLUDED.fetched_at,
	    crawl_error = EXCLUDED.crawl_error,
	    updated_at = EXCLUDED.updated_at;`

// ManifestRepository keeps the latest stored keys per url, so replays overwrite one row.
type ManifestRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewManifestRepository(db *sql.DB) *ManifestRepository {
	return &ManifestRepository{db: db, now: time.Now}
}

func (mr *ManifestRepository) Record(ctx context.Context, cr *model.CrawlResult, rawKey, parsedKey string) error {
	_, err := mr.db.ExecContext(ctx, upsertManifest,
		internal.HashURL(cr.URL),
		cr.URL,
		internal.Domain(cr.URL),
		rawKey,
		sql.NullString{String: parsedKey, Valid: parsedKey != ""},
		cr.StatusCode,
		cr.FetchedAt.UTC(),
		sql.NullString{String: cr.Error, Valid: cr.Error != ""},
		mr.now().UTC())
	if err != nil {
		return fmt.Errorf("save manifest for %s: %w", cr.URL, err)
	}
	slog.Debug("content manifest saved to db.", slog.String("url", cr.URL))

	return nil
}
