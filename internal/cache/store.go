package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Storage 管理按版本号命名的多个缓存库，磁盘布局遵循：
//
//	<StoragePath>/<StoreName>/.offline-cache-store   # 库标记
//	<StoragePath>/<StoreName>/<sha1(key)>.entry      # 元数据行 + 正文
//
// 只有带标记的目录被视为缓存库，StoragePath 下的其他目录不会被列出或删除。
// 同一时刻只有当前版本号对应的库是权威的，其余库在激活阶段被整体删除。
type Storage interface {
	// Open 打开（不存在时创建）指定名称的缓存库。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断缓存库是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存库，返回该库此前是否存在。已打开的句柄随即拒绝写入。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按名称排序返回当前所有缓存库。
	Keys(ctx context.Context) ([]string, error)
}

// Store 是单个缓存库，保存 Key → 响应快照 的映射。条目没有 TTL，
// 覆盖写入时整体替换，不做合并。
type Store interface {
	Name() string

	// Match 返回 key 对应的缓存响应，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 将响应写入缓存。实现需通过临时文件 + rename 保证写入原子性。
	Put(ctx context.Context, key Key, meta ResponseMeta, body io.Reader) (*Entry, error)

	// Delete 删除单个条目，不存在时视为成功。
	Delete(ctx context.Context, key Key) error

	// Keys 返回库中全部条目的 Key。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一标识一个缓存条目：请求方法 + 上游绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// String 返回 "GET https://..." 形式，用于日志与锁。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ResponseMeta 描述写入缓存的响应头部信息。
type ResponseMeta struct {
	Status int
	Header http.Header
}

// Entry 描述一次写入完成的缓存条目。
type Entry struct {
	Key       Key         `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
	FilePath  string      `json:"-"`
}

// Response 组合 Entry 与正文 Reader，调用方负责 Close。
type Response struct {
	Entry Entry
	Body  io.ReadCloser
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示缓存库已被删除，句柄不再接受写入。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrInvalidStoreName 表示缓存库名称无法映射为目录。
	ErrInvalidStoreName = errors.New("invalid cache store name")
	// ErrForeignDirectory 表示同名目录已存在且不是缓存库，不会被接管或删除。
	ErrForeignDirectory = errors.New("directory is not a cache store")
)
