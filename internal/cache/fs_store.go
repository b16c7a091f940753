package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// 磁盘上的标记均以 "%" 加非十六进制字符构成，转义后的 URL 路径段不会出现这种组合，
// 因此它们不会与真实路径冲突。
const (
	bodySuffix   = "%body"
	metaSuffix   = "%meta"
	indexName    = "%index"
	queryMarker  = "%q"
	bucketMarker = ".bucket"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
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

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	bodyPath := filePath + bodySuffix

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	meta, err := readMeta(filePath + metaSuffix)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: info.Size(),
		Status:    normalizeStatus(meta.Status),
		Header:    meta.Header,
		URL:       meta.URL,
		ModTime:   info.ModTime(),
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	meta, err := json.Marshal(entryMeta{
		Status:  normalizeStatus(opts.Status),
		Header:  opts.Header,
		URL:     opts.URL,
		ModTime: modTime,
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry meta: %w", err)
	}

	bodyTemp, written, err := writeTemp(ctx, dir, body)
	if err != nil {
		return nil, err
	}
	metaTemp, _, err := writeTemp(ctx, dir, bytes.NewReader(meta))
	if err != nil {
		os.Remove(bodyTemp)
		return nil, err
	}

	bodyPath := filePath + bodySuffix
	if err := os.Rename(bodyTemp, bodyPath); err != nil {
		os.Remove(bodyTemp)
		os.Remove(metaTemp)
		return nil, err
	}
	if err := os.Rename(metaTemp, filePath+metaSuffix); err != nil {
		os.Remove(metaTemp)
		os.Remove(bodyPath)
		return nil, err
	}

	if err := os.Chtimes(bodyPath, modTime, modTime); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: written,
		Status:    normalizeStatus(opts.Status),
		Header:    opts.Header,
		URL:       opts.URL,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, suffix := range []string{bodySuffix, metaSuffix} {
		if err := os.Remove(filePath + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) CreateBucket(ctx context.Context, bucket string) error {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	marker := filepath.Join(dir, bucketMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	created := time.Now().UTC().Format(time.RFC3339Nano)
	tmp, _, err := writeTemp(ctx, dir, strings.NewReader(created))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, marker); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) DeleteBucket(ctx context.Context, bucket string) (bool, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, bucketMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Buckets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	type bucketInfo struct {
		name    string
		created time.Time
	}
	found := make([]bucketInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), bucketMarker))
		if err != nil {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
		found = append(found, bucketInfo{name: entry.Name(), created: created})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].created.Equal(found[j].created) {
			return found[i].name < found[j].name
		}
		return found[i].created.Before(found[j].created)
	})

	names := make([]string, len(found))
	for i, b := range found {
		names[i] = b.name
	}
	return names, nil
}

func (s *fileStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			return err
		}
		keys = append(keys, meta.URL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) bucketDir(bucket string) (string, error) {
	if !validBucketName(bucket) {
		return "", ErrInvalidBucket
	}
	return filepath.Join(s.basePath, bucket), nil
}

// entryPath 返回条目不含后缀的路径。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	root, err := s.bucketDir(locator.Bucket)
	if err != nil {
		return "", err
	}
	rel, err := encodeEntryPath(locator.Path)
	if err != nil {
		return "", err
	}

	filePath := filepath.Join(root, rel)
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", errInvalidCachePath
	}
	return filePath, nil
}

var errInvalidCachePath = errors.New("invalid cache path")

// encodeEntryPath 把请求键逐段映射为桶内相对路径：末尾的 / 对应 %index，
// 空段与 ./.. 加 % 前缀保留原样，查询哈希以 %q 拼到文件名上。映射是单射的。
func encodeEntryPath(key string) (string, error) {
	p, query, hasQuery := strings.Cut(key, "?")
	if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, "\\\x00") {
		return "", errInvalidCachePath
	}
	if hasQuery && (query == "" || strings.ContainsAny(query, "/\\\x00")) {
		return "", errInvalidCachePath
	}

	segs := strings.Split(p[1:], "/")
	last := len(segs) - 1
	for i, seg := range segs {
		switch {
		case seg == "" && i == last:
			segs[i] = indexName
		case seg == "":
			segs[i] = "%"
		case seg == "." || seg == "..":
			segs[i] = "%" + seg
		}
	}
	if hasQuery {
		segs[last] += queryMarker + query
	}
	return filepath.Join(segs...), nil
}

func readMeta(metaPath string) (entryMeta, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{Status: http.StatusOK}, nil
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode entry meta %s: %w", metaPath, err)
	}
	return meta, nil
}

func writeTemp(ctx context.Context, dir string, src io.Reader) (string, int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, src)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", 0, err
	}
	return tempName, written, nil
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

func locatorKey(locator Locator) string {
	return locator.Bucket + "::" + locator.Path
}

func validBucketName(name string) bool {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
