package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"invalidator/internal/domain"
	"invalidator/internal/hashroute"
	"invalidator/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	DefaultObjectCacheSize = 4096

	schema = `
CREATE TABLE IF NOT EXISTS object_index (
	object_name TEXT PRIMARY KEY,
	partition_id INTEGER NOT NULL,
	current_version INTEGER NOT NULL,
	entry_count INTEGER NOT NULL DEFAULT 0,
	first_seen_utc_ns INTEGER NOT NULL,
	last_seen_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	object_name TEXT NOT NULL,
	version INTEGER NOT NULL,
	payload BLOB NOT NULL,
	explicit_empty INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	recorded_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (object_name, version)
);

CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: DELETE forbidden');
END;
`
)

// Store keeps payload history in one sqlite file per hash partition.
type Store struct {
	baseDir string
	objects *lru.Cache[string, storage.ObjectInfo]

	mu  sync.Mutex
	dbs map[domain.PartitionID]*sql.DB
}

var _ storage.Engine = (*Store)(nil)

func NewStore(baseDir string, cacheSize int) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultObjectCacheSize
	}
	cache, err := lru.New[string, storage.ObjectInfo](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("object cache: %w", err)
	}
	return &Store{baseDir: baseDir, objects: cache, dbs: make(map[domain.PartitionID]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dbs = make(map[domain.PartitionID]*sql.DB)
	s.objects.Purge()
	return errors.Join(errs...)
}

func (s *Store) Append(ctx context.Context, e storage.Entry) error {
	if err := storage.ValidateEntry(e); err != nil {
		return err
	}
	partitionID := partitionFor(e.ObjectName)
	db, err := s.partitionDB(partitionID)
	if err != nil {
		return err
	}
	if e.RecordedAtUTCNs == 0 {
		e.RecordedAtUTCNs = time.Now().UTC().UnixNano()
	}
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing storage.Entry
	var explicit int
	err = tx.QueryRowContext(ctx, `SELECT payload, explicit_empty FROM entries WHERE object_name=? AND version=?`,
		e.ObjectName, e.Version).Scan(&existing.Payload, &explicit)
	switch {
	case err == nil:
		existing.ExplicitEmpty = explicit == 1
		if existing.Payload == nil {
			existing.Payload = []byte{}
		}
		if storage.SameEntry(existing, storage.Entry{Payload: payload, ExplicitEmpty: e.ExplicitEmpty}) {
			return nil
		}
		return fmt.Errorf("%s@%d: %w", e.ObjectName, e.Version, storage.ErrVersionConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO entries(object_name, version, payload, explicit_empty, source, recorded_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?)`,
		e.ObjectName, e.Version, payload, boolToInt(e.ExplicitEmpty), e.Source, e.RecordedAtUTCNs); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO object_index(object_name, partition_id, current_version, entry_count, first_seen_utc_ns, last_seen_utc_ns)
VALUES(?, ?, ?, 1, ?, ?)
ON CONFLICT(object_name)
DO UPDATE SET current_version=max(current_version, excluded.current_version),
	entry_count=entry_count + 1,
	last_seen_utc_ns=excluded.last_seen_utc_ns`,
		e.ObjectName, int(partitionID), e.Version, e.RecordedAtUTCNs, e.RecordedAtUTCNs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.objects.Remove(e.ObjectName)
	return nil
}

func (s *Store) Since(ctx context.Context, objectName string, after int64, limit int) ([]storage.Entry, error) {
	db, err := s.partitionDB(partitionFor(objectName))
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
SELECT version, payload, explicit_empty, source, recorded_at_utc_ns
FROM entries
WHERE object_name=? AND version>?
ORDER BY version ASC
LIMIT ?`, objectName, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		item := storage.Entry{ObjectName: objectName}
		var explicit int
		if err := rows.Scan(&item.Version, &item.Payload, &explicit, &item.Source, &item.RecordedAtUTCNs); err != nil {
			return nil, err
		}
		item.ExplicitEmpty = explicit == 1
		if item.Payload == nil {
			item.Payload = []byte{}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) Object(ctx context.Context, objectName string) (storage.ObjectInfo, bool, error) {
	if info, ok := s.objects.Get(objectName); ok {
		return info, true, nil
	}
	partitionID := partitionFor(objectName)
	db, err := s.partitionDB(partitionID)
	if err != nil {
		return storage.ObjectInfo{}, false, err
	}
	row := db.QueryRowContext(ctx, `
SELECT object_name, partition_id, current_version, entry_count, first_seen_utc_ns, last_seen_utc_ns
FROM object_index
WHERE object_name=?`, objectName)
	var info storage.ObjectInfo
	var p int
	err = row.Scan(&info.Name, &p, &info.CurrentVersion, &info.EntryCount, &info.FirstSeenUTCNs, &info.LastSeenUTCNs)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ObjectInfo{}, false, nil
	}
	if err != nil {
		return storage.ObjectInfo{}, false, err
	}
	info.PartitionID = domain.PartitionID(p)
	s.objects.Add(objectName, info)
	return info, true, nil
}

func partitionFor(objectName string) domain.PartitionID {
	return domain.PartitionID(hashroute.PartitionForObject(objectName))
}

func (s *Store) partitionDB(partitionID domain.PartitionID) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[partitionID]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("objects-p%02d.db", partitionID))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[partitionID] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
