package database

import (
	"database/sql"
	"time"

	"github.com/vincentbai/pageping/internal/models"
)

// summaryQuery aggregates one page view. placeholder is "?" or "$1".
func summaryQuery(placeholder string) string {
	return `SELECT
	  COUNT(*),
	  MAX(url),
	  MIN(ts_utc),
	  MAX(ts_utc),
	  MAX(engaged_s),
	  MAX(COALESCE(load_max_x, max_x)),
	  MAX(COALESCE(load_max_y, max_y)),
	  MIN(page_load)
	FROM page_pings WHERE page_view_id = ` + placeholder
}

type aggregate struct {
	count    int64
	url      sql.NullString
	first    sql.NullInt64
	last     sql.NullInt64
	engaged  sql.NullInt64
	maxX     sql.NullFloat64
	maxY     sql.NullFloat64
	pageLoad sql.NullInt64
}

func (a *aggregate) dest() []any {
	return []any{&a.count, &a.url, &a.first, &a.last, &a.engaged, &a.maxX, &a.maxY, &a.pageLoad}
}

func (a *aggregate) summary(pageViewID string) (*models.VisitSummary, error) {
	if a.count == 0 {
		return nil, ErrNotFound
	}
	s := &models.VisitSummary{
		PageViewID:      pageViewID,
		URL:             a.url.String,
		Pings:           int(a.count),
		FirstPingAt:     time.UnixMilli(a.first.Int64).UTC(),
		LastPingAt:      time.UnixMilli(a.last.Int64).UTC(),
		EngagedSeconds:  int(a.engaged.Int64),
		MaxScrollDepthX: a.maxX.Float64,
		MaxScrollDepthY: a.maxY.Float64,
	}
	if a.pageLoad.Valid {
		s.PageLoadTime = time.UnixMilli(a.pageLoad.Int64).UTC()
		s.VisitDurationSecs = float64(a.last.Int64-a.pageLoad.Int64) / 1000
	}
	return s, nil
}
