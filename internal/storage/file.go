package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// FileStore keeps one JSON document per key under
// <root>/<dataset>/<yyyy>/<mm>/<zone_in>_<zone_out>_<date>[_<filter>].json.
type FileStore struct {
	root string
	mu   sync.Mutex
}

type fileRecord struct {
	Version int `json:"version"`
	Record
}

// NewFileStore prepares root for use.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("cache.dir is required for the file backend")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Path returns the file a key is stored in.
func (s *FileStore) Path(key series.Key) string {
	name := strings.Join([]string{safeName(key.ZoneIn), safeName(key.ZoneOut), key.Date.String()}, "_")
	if key.Filter != "" {
		name += "_" + safeName(key.Filter)
	}
	return filepath.Join(
		s.root,
		string(key.Dataset),
		fmt.Sprintf("%04d", key.Date.Year),
		fmt.Sprintf("%02d", int(key.Date.Month)),
		name+".json",
	)
}

// Load reads the record for key. Unreadable or foreign files count as a miss.
func (s *FileStore) Load(_ context.Context, key series.Key) (Record, bool, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read cache file: %w", err)
	}

	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return Record{}, false, nil
	}
	if fr.Version != schemaVersion || fr.Key != key {
		return Record{}, false, nil
	}
	return fr.Record, true, nil
}

// Save writes the record atomically: temp file in the target directory, then rename.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	path := s.Path(rec.Key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.MarshalIndent(fileRecord{Version: schemaVersion, Record: rec}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// Prune removes files whose delivery date is before the given date.
func (s *FileStore) Prune(_ context.Context, before timeslot.Date) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		date, ok := dateFromName(d.Name())
		if !ok || !date.Before(before) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("prune cache dir: %w", err)
	}
	return removed, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }

func dateFromName(name string) (timeslot.Date, bool) {
	parts := strings.Split(strings.TrimSuffix(name, ".json"), "_")
	if len(parts) < 3 {
		return timeslot.Date{}, false
	}
	d, err := timeslot.ParseDate(parts[2])
	if err != nil {
		return timeslot.Date{}, false
	}
	return d, true
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ',':
			return '+'
		default:
			return '-'
		}
	}, s)
}

var _ SeriesStore = (*FileStore)(nil)
