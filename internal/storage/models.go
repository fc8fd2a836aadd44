package storage

import (
	"context"
	"errors"
	"time"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// schemaVersion tags file records so incompatible layouts can be ignored.
const schemaVersion = 1

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrPlaceholder is returned when a placeholder series is offered for persistence.
	ErrPlaceholder = errors.New("storage: placeholder series are not persisted")
)

// Record is the latest fetch of one key.
type Record struct {
	Key       series.Key    `json:"key"`
	Series    series.Series `json:"series"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// SeriesStore persists the latest record per key.
type SeriesStore interface {
	Load(ctx context.Context, key series.Key) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
	// Prune removes records for delivery dates before the given date.
	Prune(ctx context.Context, before timeslot.Date) (int, error)
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func validateRecord(rec Record) error {
	if rec.Series.IsPlaceholder() {
		return ErrPlaceholder
	}
	if rec.Key != rec.Series.Key() {
		return errors.New("storage: record key does not match series")
	}
	if rec.FetchedAt.IsZero() {
		return errors.New("storage: fetched_at is required")
	}
	return nil
}
