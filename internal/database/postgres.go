package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vincentbai/pageping/internal/models"
)

// Postgres is the PostgreSQL Store.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database tables: %w", err)
	}
	return &Postgres{db: db}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS page_pings(
  id           BIGSERIAL PRIMARY KEY,
  ts_utc       BIGINT           NOT NULL,
  url          TEXT             NOT NULL,
  title        TEXT,
  referrer     TEXT,
  min_x        DOUBLE PRECISION NOT NULL,
  max_x        DOUBLE PRECISION NOT NULL,
  min_y        DOUBLE PRECISION NOT NULL,
  max_y        DOUBLE PRECISION NOT NULL,
  load_min_x   DOUBLE PRECISION,
  load_max_x   DOUBLE PRECISION,
  load_min_y   DOUBLE PRECISION,
  load_max_y   DOUBLE PRECISION,
  x            DOUBLE PRECISION,
  y            DOUBLE PRECISION,
  page_view_id TEXT,
  page_load    BIGINT,
  engaged_s    INTEGER CHECK (engaged_s IS NULL OR engaged_s >= 0),
  context_json JSONB            NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pings_ts        ON page_pings(ts_utc);
CREATE INDEX IF NOT EXISTS idx_pings_page_view ON page_pings(page_view_id);
CREATE INDEX IF NOT EXISTS idx_pings_url       ON page_pings(url);
`

const postgresInsert = `INSERT INTO page_pings(
  ts_utc, url, title, referrer,
  min_x, max_x, min_y, max_y,
  load_min_x, load_max_x, load_min_y, load_max_y, x, y,
  page_view_id, page_load, engaged_s,
  context_json
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18::jsonb)`

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

// InsertPings stores the batch within a single transaction.
func (s *Postgres) InsertPings(ctx context.Context, pings []models.PagePing) error {
	if err := validateAll(pings); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ping := range pings {
		contextJSON, err := json.Marshal(ping.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal ping context: %w", err)
		}
		batch.Queue(postgresInsert, row(ping, string(contextJSON))...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert pings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) Summarize(ctx context.Context, pageViewID string) (*models.VisitSummary, error) {
	var agg aggregate
	if err := s.db.QueryRow(ctx, summaryQuery("$1"), pageViewID).Scan(agg.dest()...); err != nil {
		return nil, fmt.Errorf("failed to summarize page view: %w", err)
	}
	return agg.summary(pageViewID)
}
