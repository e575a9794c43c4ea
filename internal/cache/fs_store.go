package cache

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	entrySuffix = ".entry"
	// storeMarker 标记由本进程创建的缓存库目录；没有该文件的目录一律不列出、不删除。
	storeMarker = ".offline-cache-store"
)

// NewStorage 以 basePath 为根目录构建磁盘缓存，每个缓存库对应一个子目录，整站复用一份实例。
func NewStorage(basePath string) (Storage, error) {
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
		handles:  make(map[string]*fileStore),
	}, nil
}

// fileStorage 记录已打开的句柄，删除库时同步标记句柄失效。
type fileStorage struct {
	basePath string

	mu      sync.Mutex
	handles map[string]*fileStore
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if handle := s.handles[name]; handle != nil {
		return handle, nil
	}
	if err := claimStoreDir(dir); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	handle := &fileStore{
		name:  name,
		dir:   dir,
		locks: make(map[string]*entryLock),
	}
	s.handles[name] = handle
	return handle, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	return isStoreDir(dir)
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if handle := s.handles[name]; handle != nil {
		handle.markDeleted()
		delete(s.handles, name)
	}

	owned, err := isStoreDir(dir)
	if err != nil {
		return false, err
	}
	if !owned {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove store %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		owned, err := isStoreDir(filepath.Join(s.basePath, item.Name()))
		if err != nil {
			return nil, err
		}
		if !owned {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if name == "" || strings.TrimSpace(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	escaped := url.PathEscape(name)
	if strings.HasPrefix(escaped, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return filepath.Join(s.basePath, escaped), nil
}

// isStoreDir 判断目录是否为带标记的缓存库。
func isStoreDir(dir string) (bool, error) {
	info, err := os.Stat(filepath.Join(dir, storeMarker))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// claimStoreDir 创建缓存库目录并写入标记。已存在但未标记的非空目录不属于本进程，拒绝接管。
func claimStoreDir(dir string) error {
	owned, err := isStoreDir(dir)
	if err != nil || owned {
		return err
	}
	items, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	case err != nil:
		return err
	case len(items) > 0:
		return fmt.Errorf("%w: %s", ErrForeignDirectory, dir)
	}
	return os.WriteFile(filepath.Join(dir, storeMarker), nil, 0o644)
}

// fileStore 通过 entryLock 避免同一 Key 并发写入；gate 保护 deleted 标记与最终 rename。
type fileStore struct {
	name string
	dir  string

	gate    sync.RWMutex
	deleted bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryRecord 是条目文件的首行元数据，正文紧随其后。
type entryRecord struct {
	Key      Key         `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isDeleted() {
		return nil, ErrNotFound
	}

	filePath := s.entryPath(key)
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	reader := bufio.NewReader(f)
	record, headerLen, err := readRecord(reader)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if record.Key != key {
		f.Close()
		return nil, ErrNotFound
	}

	entry := Entry{
		Key:       record.Key,
		Status:    record.Status,
		Header:    record.Header,
		SizeBytes: info.Size() - headerLen,
		StoredAt:  record.StoredAt,
		FilePath:  filePath,
	}
	return &Response{
		Entry: entry,
		Body:  &entryBody{Reader: reader, file: f},
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, meta ResponseMeta, body io.Reader) (*Entry, error) {
	if s.isDeleted() {
		return nil, ErrStoreDeleted
	}

	unlock := s.lockEntry(key)
	defer unlock()

	record := entryRecord{
		Key:      key,
		Status:   meta.Status,
		Header:   meta.Header,
		StoredAt: time.Now().UTC(),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')

	tempFile, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		if s.isDeleted() {
			return nil, ErrStoreDeleted
		}
		return nil, err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(line)
	var written int64
	if err == nil {
		written, err = copyWithContext(ctx, tempFile, body)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	filePath := s.entryPath(key)
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.deleted {
		os.Remove(tempName)
		return nil, ErrStoreDeleted
	}
	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	return &Entry{
		Key:       key,
		Status:    record.Status,
		Header:    record.Header,
		SizeBytes: written,
		StoredAt:  record.StoredAt,
		FilePath:  filePath,
	}, nil
}

func (s *fileStore) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isDeleted() {
		return nil, nil
	}
	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if item.IsDir() || strings.HasPrefix(item.Name(), ".") || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		key, err := readEntryKey(filepath.Join(s.dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (s *fileStore) isDeleted() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.deleted
}

func (s *fileStore) markDeleted() {
	s.gate.Lock()
	s.deleted = true
	s.gate.Unlock()
}

func (s *fileStore) lockEntry(key Key) func() {
	lockKey := key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readRecord(reader *bufio.Reader) (entryRecord, int64, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryRecord{}, 0, err
	}
	var record entryRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return entryRecord{}, 0, err
	}
	return record, int64(len(line)), nil
}

func readEntryKey(filePath string) (Key, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Key{}, err
	}
	defer f.Close()
	record, _, err := readRecord(bufio.NewReader(f))
	if err != nil {
		return Key{}, fmt.Errorf("decode cache entry %s: %w", filepath.Base(filePath), err)
	}
	return record.Key, nil
}

// entryBody 跳过元数据行后读取正文，Close 时释放文件句柄。
type entryBody struct {
	io.Reader
	file *os.File
}

func (b *entryBody) Close() error {
	return b.file.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
