package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

const (
	createSeriesCacheSQL = `CREATE TABLE IF NOT EXISTS series_cache (
        dataset        TEXT        NOT NULL,
        zone_in        TEXT        NOT NULL,
        zone_out       TEXT        NOT NULL,
        delivery_date  DATE        NOT NULL,
        filter         TEXT        NOT NULL DEFAULT '',
        resolution     INTEGER     NOT NULL,
        payload        JSONB       NOT NULL,
        fetched_at     TIMESTAMPTZ NOT NULL,
        ttl_seconds    BIGINT      NOT NULL,
        updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (dataset, zone_in, zone_out, delivery_date, filter)
    );`

	upsertSeriesSQL = `INSERT INTO series_cache (
        dataset,
        zone_in,
        zone_out,
        delivery_date,
        filter,
        resolution,
        payload,
        fetched_at,
        ttl_seconds
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (dataset, zone_in, zone_out, delivery_date, filter) DO UPDATE
    SET
        resolution  = EXCLUDED.resolution,
        payload     = EXCLUDED.payload,
        fetched_at  = EXCLUDED.fetched_at,
        ttl_seconds = EXCLUDED.ttl_seconds,
        updated_at  = now();`

	loadSeriesSQL = `SELECT
        payload,
        fetched_at,
        ttl_seconds
    FROM series_cache
    WHERE dataset = $1
      AND zone_in = $2
      AND zone_out = $3
      AND delivery_date = $4
      AND filter = $5;`

	pruneSeriesSQL = `DELETE FROM series_cache WHERE delivery_date < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PGStore keeps the latest series per key in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgx pool into a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PGStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PGStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the cache table when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSeriesCacheSQL); err != nil {
		return fmt.Errorf("create series_cache: %w", err)
	}
	return nil
}

// Save upserts the record for its key.
func (s *PGStore) Save(ctx context.Context, rec Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}

	payload, err := json.Marshal(rec.Series)
	if err != nil {
		return fmt.Errorf("encode series: %w", err)
	}

	_, execErr := pool.Exec(ctx, upsertSeriesSQL,
		string(rec.Key.Dataset),
		rec.Key.ZoneIn,
		rec.Key.ZoneOut,
		dateValue(rec.Key.Date),
		rec.Key.Filter,
		rec.Series.ResolutionMinutes,
		payload,
		rec.FetchedAt.UTC(),
		int64(rec.TTL/time.Second),
	)
	if execErr != nil {
		return fmt.Errorf("upsert series: %w", execErr)
	}
	return nil
}

// Load returns the record for key, if any.
func (s *PGStore) Load(ctx context.Context, key series.Key) (Record, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Record{}, false, err
	}

	var (
		payload   []byte
		fetchedAt time.Time
		ttl       int64
	)
	scanErr := pool.QueryRow(ctx, loadSeriesSQL,
		string(key.Dataset),
		key.ZoneIn,
		key.ZoneOut,
		dateValue(key.Date),
		key.Filter,
	).Scan(&payload, &fetchedAt, &ttl)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if scanErr != nil {
		return Record{}, false, fmt.Errorf("load series: %w", scanErr)
	}

	var stored series.Series
	if err := json.Unmarshal(payload, &stored); err != nil {
		return Record{}, false, fmt.Errorf("decode series payload: %w", err)
	}
	return Record{Key: key, Series: stored, FetchedAt: fetchedAt, TTL: time.Duration(ttl) * time.Second}, true, nil
}

// Prune deletes records for delivery dates before the given date.
func (s *PGStore) Prune(ctx context.Context, before timeslot.Date) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, pruneSeriesSQL, dateValue(before))
	if execErr != nil {
		return 0, fmt.Errorf("prune series: %w", execErr)
	}
	return int(tag.RowsAffected()), nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PGStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock also ends when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// dateValue maps a delivery date to a UTC midnight for DATE columns.
func dateValue(d timeslot.Date) time.Time {
	return d.Start(time.UTC)
}

var (
	_ SeriesStore    = (*PGStore)(nil)
	_ AdvisoryLocker = (*PGStore)(nil)
)
