package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vincentbai/pageping/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// Database is the SQLite Store.
type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS page_pings(
	  id           INTEGER PRIMARY KEY,
	  ts_utc       INTEGER NOT NULL,
	  url          TEXT    NOT NULL,
	  title        TEXT,
	  referrer     TEXT,
	  min_x        REAL    NOT NULL,
	  max_x        REAL    NOT NULL,
	  min_y        REAL    NOT NULL,
	  max_y        REAL    NOT NULL,
	  load_min_x   REAL,
	  load_max_x   REAL,
	  load_min_y   REAL,
	  load_max_y   REAL,
	  x            REAL,
	  y            REAL,
	  page_view_id TEXT,
	  page_load    INTEGER,
	  engaged_s    INTEGER CHECK (engaged_s IS NULL OR engaged_s >= 0),
	  context_json TEXT    NOT NULL CHECK (json_valid(context_json))
	);
	CREATE INDEX IF NOT EXISTS idx_pings_ts        ON page_pings(ts_utc);
	CREATE INDEX IF NOT EXISTS idx_pings_page_view ON page_pings(page_view_id);
	CREATE INDEX IF NOT EXISTS idx_pings_url       ON page_pings(url);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) InsertPings(ctx context.Context, pings []models.PagePing) error {
	if err := validateAll(pings); err != nil {
		return err
	}

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `INSERT INTO page_pings(
		ts_utc, url, title, referrer,
		min_x, max_x, min_y, max_y,
		load_min_x, load_max_x, load_min_y, load_max_y, x, y,
		page_view_id, page_load, engaged_s,
		context_json
	) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, ping := range pings {
		contextJSON, err := json.Marshal(ping.Context)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal ping context: %w", err)
		}
		if _, err := statement.ExecContext(ctx, row(ping, string(contextJSON))...); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *Database) Summarize(ctx context.Context, pageViewID string) (*models.VisitSummary, error) {
	var agg aggregate
	err := d.db.QueryRowContext(ctx, summaryQuery("?"), pageViewID).Scan(agg.dest()...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize page view: %w", err)
	}
	return agg.summary(pageViewID)
}
