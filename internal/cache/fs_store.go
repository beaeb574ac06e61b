package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	metaSuffix = ".json"
	bodySuffix = ".body"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个命名缓存对应一个子目录。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*sync.RWMutex),
		now:      time.Now,
	}, nil
}

// fileStorage 为每个缓存名称维护一把读写锁，批次提交期间阻塞读取。
type fileStorage struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
	lock    *sync.RWMutex
}

type fileMeta struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
	Order    int         `json:"order"`
}

func (s *fileStorage) Backend() string { return "fs" }

func (s *fileStorage) Close() error { return nil }

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &fileCache{
		storage: s,
		name:    name,
		dir:     dir,
		lock:    s.lockFor(name),
	}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) lockFor(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.locks[name]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.locks[name] = lock
	}
	return lock
}

func (s *fileStorage) cacheDir(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrCacheNameRequired
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid cache name %q", name)
	}
	return filepath.Join(s.basePath, name), nil
}

func (c *fileCache) Name() string { return c.name }

func (c *fileCache) Match(ctx context.Context, key Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.lock.RLock()
	defer c.lock.RUnlock()

	meta, err := readMeta(c.metaPath(key))
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(c.bodyPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Record{
		Key:      meta.Key,
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, record Record) error {
	return c.PutAll(ctx, []Record{record})
}

// PutAll 先把所有条目写入暂存目录，再逐个 rename 到位；任一步失败都会回滚已提交的条目。
func (c *fileCache) PutAll(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return ctx.Err()
	}
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return err
		}
	}
	records = prepareBatch(records, c.storage.now().UTC())

	c.lock.Lock()
	defer c.lock.Unlock()

	staging, err := os.MkdirTemp(c.dir, ".batch-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeStaged(staging, record, i); err != nil {
			return err
		}
	}

	return c.commit(ctx, staging, records)
}

type committed struct {
	hash   string
	backup bool
}

func (c *fileCache) commit(ctx context.Context, staging string, records []Record) (err error) {
	var done []committed
	defer func() {
		if err != nil {
			c.rollback(staging, done)
		}
	}()

	for _, record := range records {
		if err = ctx.Err(); err != nil {
			return err
		}
		hash := keyHash(record.Key)
		backedUp, moveErr := backupExisting(c.dir, staging, hash)
		if backedUp || moveErr == nil {
			done = append(done, committed{hash: hash, backup: backedUp})
		}
		if moveErr != nil {
			err = moveErr
			return err
		}
		if err = os.Rename(filepath.Join(staging, hash+bodySuffix), filepath.Join(c.dir, hash+bodySuffix)); err != nil {
			return err
		}
		if err = os.Rename(filepath.Join(staging, hash+metaSuffix), filepath.Join(c.dir, hash+metaSuffix)); err != nil {
			return err
		}
	}
	return nil
}

func (c *fileCache) rollback(staging string, done []committed) {
	for i := len(done) - 1; i >= 0; i-- {
		entry := done[i]
		os.Remove(filepath.Join(c.dir, entry.hash+metaSuffix))
		os.Remove(filepath.Join(c.dir, entry.hash+bodySuffix))
		if entry.backup {
			backupDir := filepath.Join(staging, "backup")
			os.Rename(filepath.Join(backupDir, entry.hash+bodySuffix), filepath.Join(c.dir, entry.hash+bodySuffix))
			os.Rename(filepath.Join(backupDir, entry.hash+metaSuffix), filepath.Join(c.dir, entry.hash+metaSuffix))
		}
	}
}

func (c *fileCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.lock.RLock()
	defer c.lock.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	metas := make([]fileMeta, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(c.dir, name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}

	sort.SliceStable(metas, func(i, j int) bool {
		if !metas[i].StoredAt.Equal(metas[j].StoredAt) {
			return metas[i].StoredAt.Before(metas[j].StoredAt)
		}
		return metas[i].Order < metas[j].Order
	})

	keys := make([]Key, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

func (c *fileCache) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := os.Remove(c.metaPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(c.bodyPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *fileCache) metaPath(key Key) string {
	return filepath.Join(c.dir, keyHash(key)+metaSuffix)
}

func (c *fileCache) bodyPath(key Key) string {
	return filepath.Join(c.dir, keyHash(key)+bodySuffix)
}

func writeStaged(staging string, record Record, order int) error {
	hash := keyHash(record.Key)
	if err := os.WriteFile(filepath.Join(staging, hash+bodySuffix), record.Body, 0o644); err != nil {
		return err
	}
	meta := fileMeta{
		Key:      record.Key,
		Status:   record.Status,
		Header:   record.Header,
		Size:     int64(len(record.Body)),
		StoredAt: record.StoredAt,
		Order:    order,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(staging, hash+metaSuffix), encoded, 0o644)
}

func backupExisting(dir, staging, hash string) (bool, error) {
	current := filepath.Join(dir, hash+metaSuffix)
	if _, err := os.Stat(current); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	backupDir := filepath.Join(staging, "backup")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return false, err
	}
	if err := os.Rename(current, filepath.Join(backupDir, hash+metaSuffix)); err != nil {
		return false, err
	}
	if err := os.Rename(filepath.Join(dir, hash+bodySuffix), filepath.Join(backupDir, hash+bodySuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

func readMeta(path string) (fileMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileMeta{}, ErrNotFound
		}
		return fileMeta{}, err
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fileMeta{}, fmt.Errorf("decode cache metadata %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

func keyHash(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}
