package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const currentVersion = 1

// writtenAtFormat keeps the fractional part fixed-width so the textual
// written_at column sorts in time order. RFC3339Nano trims trailing zeros,
// which makes a whole-second instant sort after fractional ones ('Z' > '.').
const writtenAtFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Category partitions records by their role in the local layout
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryData        Category = "data"
	CategoryCredentials Category = "credentials"
	CategorySettings    Category = "settings"
)

// Record is one persisted unit in the local store
type Record struct {
	ID        string          `json:"id"`
	Value     json.RawMessage `json:"value"`
	Category  Category        `json:"category"`
	WrittenAt time.Time       `json:"writtenAt"`
}

// Store is the device-embedded record store. It owns durability and nothing
// else: no business validation happens at this layer, and writes for a single
// id are last-write-wins.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var (
	openMu     sync.Mutex
	openStores = make(map[string]*Store)
)

// Open opens (or creates) the record database at dbPath and runs migrations.
// Open is idempotent: repeated calls for the same path return the same handle.
func Open(dbPath string) (*Store, error) {
	openMu.Lock()
	defer openMu.Unlock()

	if s, ok := openStores[dbPath]; ok {
		return s, nil
	}

	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if dbPath != ":memory:" {
		openStores[dbPath] = s
	}

	log.Debug().Str("path", dbPath).Msg("record store opened")
	return s, nil
}

// OpenMemory creates an in-memory store for testing.
// Memory stores are never registered, so each call returns a fresh database.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close releases the database handle. A closed store reports ErrUnavailable
// on every operation until reopened.
func (s *Store) Close() error {
	openMu.Lock()
	delete(openStores, s.path)
	openMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil || s.closed {
		return nil, ErrUnavailable
	}
	return s.db, nil
}

// Put stores value under id, JSON-encoding it unless it is already raw JSON.
// Existing records are overwritten unconditionally.
func (s *Store) Put(ctx context.Context, id string, value any, category Category) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", id, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO records (id, value, category, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			written_at = excluded.written_at
	`, id, string(raw), string(category), time.Now().UTC().Format(writtenAtFormat))
	if err != nil {
		return fmt.Errorf("put %q: %w", id, err)
	}
	return nil
}

// Get loads the record with the given id into out (a JSON-decodable target).
// The boolean reports whether the record exists.
func (s *Store) Get(ctx context.Context, id string, out any) (bool, error) {
	raw, ok, err := s.GetRaw(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %q: %w", id, err)
	}
	return true, nil
}

// GetRaw loads the raw JSON value for id without decoding it.
func (s *Store) GetRaw(ctx context.Context, id string) (json.RawMessage, bool, error) {
	db, err := s.handle()
	if err != nil {
		return nil, false, err
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM records WHERE id = ?`, id).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", id, err)
	}
	return json.RawMessage(value), true, nil
}

// Delete removes the record with the given id. Deleting a missing id is not
// an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	return nil
}

// ListByCategory returns all records in a category ordered by insertion time.
func (s *Store) ListByCategory(ctx context.Context, category Category) ([]Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, value, category, written_at
		FROM records
		WHERE category = ?
		ORDER BY written_at, id
	`, string(category))
	if err != nil {
		return nil, fmt.Errorf("list category %q: %w", category, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListKeys returns every record id in the store.
func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id FROM records ORDER BY written_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}

// Clear removes every record. Used on user switch, where residual records
// from the previous identity are a confidentiality hazard.
func (s *Store) Clear(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	log.Info().Str("path", s.path).Msg("record store cleared")
	return nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

func (s *Store) migrateV1() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS records (
		id          TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		category    TEXT NOT NULL,
		written_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_category ON records(category);
	CREATE INDEX IF NOT EXISTS idx_records_written  ON records(written_at);
	`
	_, err := s.db.Exec(ddl)
	return err
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(value)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		value     string
		category  string
		writtenAt string
	)
	if err := row.Scan(&rec.ID, &value, &category, &writtenAt); err != nil {
		return Record{}, err
	}
	rec.Value = json.RawMessage(value)
	rec.Category = Category(category)
	if t, err := time.Parse(time.RFC3339Nano, writtenAt); err == nil {
		rec.WrittenAt = t
	}
	return rec, nil
}

// DefaultDBPath returns ~/.config/verisite/verisite.db
func DefaultDBPath() (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg, "verisite", "verisite.db"), nil
}
