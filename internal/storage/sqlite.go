package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

const (
	createSQLiteSeriesSQL = `CREATE TABLE IF NOT EXISTS series_cache (
        dataset        TEXT    NOT NULL,
        zone_in        TEXT    NOT NULL,
        zone_out       TEXT    NOT NULL,
        delivery_date  TEXT    NOT NULL,
        filter         TEXT    NOT NULL DEFAULT '',
        payload        TEXT    NOT NULL,
        fetched_at     INTEGER NOT NULL,
        ttl_seconds    INTEGER NOT NULL,
        PRIMARY KEY (dataset, zone_in, zone_out, delivery_date, filter)
    );`

	upsertSQLiteSeriesSQL = `INSERT INTO series_cache (
        dataset, zone_in, zone_out, delivery_date, filter, payload, fetched_at, ttl_seconds
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (dataset, zone_in, zone_out, delivery_date, filter) DO UPDATE
    SET
        payload     = excluded.payload,
        fetched_at  = excluded.fetched_at,
        ttl_seconds = excluded.ttl_seconds;`

	loadSQLiteSeriesSQL = `SELECT payload, fetched_at, ttl_seconds
    FROM series_cache
    WHERE dataset = ? AND zone_in = ? AND zone_out = ? AND delivery_date = ? AND filter = ?;`

	pruneSQLiteSeriesSQL = `DELETE FROM series_cache WHERE delivery_date < ?;`
)

// SQLiteStore keeps the latest series per key in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("cache.sqlite_path is required for the sqlite backend")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time keeps per-key upserts serialized
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA synchronous = NORMAL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, createSQLiteSeriesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create series_cache: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the record for its key.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec.Series)
	if err != nil {
		return fmt.Errorf("encode series: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertSQLiteSeriesSQL,
		string(rec.Key.Dataset),
		rec.Key.ZoneIn,
		rec.Key.ZoneOut,
		rec.Key.Date.String(),
		rec.Key.Filter,
		string(payload),
		rec.FetchedAt.UnixMilli(),
		int64(rec.TTL/time.Second),
	)
	if err != nil {
		return fmt.Errorf("upsert series: %w", err)
	}
	return nil
}

// Load returns the record for key, if any.
func (s *SQLiteStore) Load(ctx context.Context, key series.Key) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, ErrNotConfigured
	}
	var (
		payload   string
		fetchedAt int64
		ttl       int64
	)
	err := s.db.QueryRowContext(ctx, loadSQLiteSeriesSQL,
		string(key.Dataset),
		key.ZoneIn,
		key.ZoneOut,
		key.Date.String(),
		key.Filter,
	).Scan(&payload, &fetchedAt, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load series: %w", err)
	}

	var stored series.Series
	if err := json.Unmarshal([]byte(payload), &stored); err != nil {
		return Record{}, false, fmt.Errorf("decode series payload: %w", err)
	}
	return Record{
		Key:       key,
		Series:    stored,
		FetchedAt: time.UnixMilli(fetchedAt).UTC(),
		TTL:       time.Duration(ttl) * time.Second,
	}, true, nil
}

// Prune deletes records for delivery dates before the given date. ISO dates sort
// lexically, so a string comparison is sufficient.
func (s *SQLiteStore) Prune(ctx context.Context, before timeslot.Date) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrNotConfigured
	}
	res, err := s.db.ExecContext(ctx, pruneSQLiteSeriesSQL, before.String())
	if err != nil {
		return 0, fmt.Errorf("prune series: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

var _ SeriesStore = (*SQLiteStore)(nil)
