package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理缓存条目的读写。磁盘布局遵循：
//
//	<StoragePath>/<Bucket>/.bucket          # 桶创建时间
//	<StoragePath>/<Bucket>/<path>.body      # 响应正文
//	<StoragePath>/<Bucket>/<path>.meta      # 状态码、响应头与原始 URL
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入一条响应并产出新的 Entry 描述。实现需保证单条写入的原子性。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除条目，不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// CreateBucket 创建命名缓存桶，已存在时保持原创建时间。
	CreateBucket(ctx context.Context, bucket string) error

	// DeleteBucket 删除桶及其全部条目，返回桶此前是否存在。
	DeleteBucket(ctx context.Context, bucket string) (bool, error)

	// Buckets 按创建顺序返回全部桶名。
	Buckets(ctx context.Context) ([]string, error)

	// Keys 返回桶内所有条目的原始请求 URL。
	Keys(ctx context.Context, bucket string) ([]string, error)
}

// PutOptions 携带响应元数据。
type PutOptions struct {
	ModTime time.Time
	Status  int
	Header  http.Header
	URL     string
}

// Locator 唯一定位一个缓存条目（桶 + 请求键），Path 由 RequestKey 生成。
type Locator struct {
	Bucket string
	Path   string
}

// Entry 表示一次缓存命中结果。FilePath 对 redis 后端而言是条目的 key。
type Entry struct {
	Locator   Locator     `json:"locator"`
	FilePath  string      `json:"file_path"`
	SizeBytes int64       `json:"size_bytes"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	URL       string      `json:"url"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// entryMeta 是落盘/写入 redis 的元数据格式。
type entryMeta struct {
	Status  int         `json:"status"`
	Header  http.Header `json:"header,omitempty"`
	URL     string      `json:"url"`
	ModTime time.Time   `json:"mod_time"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucket 表示桶名为空或包含路径分隔符。
	ErrInvalidBucket = errors.New("invalid cache bucket name")
)

func normalizeStatus(status int) int {
	if status <= 0 {
		return http.StatusOK
	}
	return status
}
