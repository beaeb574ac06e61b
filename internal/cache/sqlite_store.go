package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "caches.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	name TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cache TEXT NOT NULL REFERENCES caches(name),
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	UNIQUE (cache, method, url)
);
`

// NewSQLiteStorage 在 basePath/caches.db 中保存所有命名缓存，批次写入使用单个事务。
func NewSQLiteStorage(basePath string) (Storage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := "file:" + filepath.Join(abs, SQLiteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db, now: time.Now}, nil
}

type sqliteStorage struct {
	db  *sql.DB
	now func() time.Time
}

type sqliteCache struct {
	storage *sqliteStorage
	name    string
}

func (s *sqliteStorage) Backend() string { return "sqlite" }

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrCacheNameRequired
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &sqliteCache{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM caches WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *sqliteCache) Name() string { return c.name }

func (c *sqliteCache) Match(ctx context.Context, key Key) (*Record, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := c.storage.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE cache = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	decoded, err := decodeHeader(header)
	if err != nil {
		return nil, err
	}
	return &Record{
		Key:      key,
		Status:   status,
		Header:   decoded,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}, nil
}

func (c *sqliteCache) Put(ctx context.Context, record Record) error {
	return c.PutAll(ctx, []Record{record})
}

// PutAll 在单个事务中替换全部条目；被覆盖的 key 会移动到写入顺序的末尾。
func (c *sqliteCache) PutAll(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return ctx.Err()
	}
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return err
		}
	}
	records = prepareBatch(records, c.storage.now().UTC())

	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, record := range records {
		header, err := encodeHeader(record.Header)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE cache = ? AND method = ? AND url = ?`,
			c.name, record.Key.Method, record.Key.URL,
		); err != nil {
			return fmt.Errorf("replace %s: %w", record.Key, err)
		}
		body := record.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (cache, method, url, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.name, record.Key.Method, record.Key.URL, record.Status, header, body, record.StoredAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert %s: %w", record.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]Key, error) {
	rows, err := c.storage.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE cache = ? ORDER BY id`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *sqliteCache) Remove(ctx context.Context, key Key) error {
	_, err := c.storage.db.ExecContext(ctx,
		`DELETE FROM entries WHERE cache = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func encodeHeader(header http.Header) (string, error) {
	if header == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	return string(raw), nil
}

func decodeHeader(raw string) (http.Header, error) {
	header := http.Header{}
	if raw == "" {
		return header, nil
	}
	if err := json.Unmarshal([]byte(raw), &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return header, nil
}
