package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/network"
)

var (
	// ErrDuplicateRequest 表示 AddAll 的 URL 列表中存在相同请求键。
	ErrDuplicateRequest = errors.New("duplicate request in cache batch")
	// ErrBadStatus 表示 AddAll 拿到了非 2xx 响应。
	ErrBadStatus = errors.New("unexpected response status")
)

// StatusError 记录 AddAll 过程中返回非 2xx 的 URL，errors.Is(err, ErrBadStatus) 成立。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s %d", e.URL, ErrBadStatus.Error(), e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrBadStatus
}

// Fetcher 是缓存层预取资源时使用的网络能力。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Storage 管理全部命名缓存桶，并提供跨桶 Match。
type Storage struct {
	store   Store
	fetcher Fetcher
	origin  *url.URL
}

// NewStorage 构造 Storage；origin 用于解析相对 URL 并区分同源请求。
func NewStorage(store Store, fetcher Fetcher, origin *url.URL) *Storage {
	return &Storage{store: store, fetcher: fetcher, origin: origin}
}

// Open 打开（不存在则创建）命名缓存桶。
func (s *Storage) Open(ctx context.Context, name string) (*Bucket, error) {
	if err := s.store.CreateBucket(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return &Bucket{name: name, storage: s}, nil
}

// Has 判断命名缓存桶是否存在。
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	names, err := s.store.Buckets(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Keys 按创建顺序返回全部缓存桶名。
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.store.Buckets(ctx)
}

// Delete 删除命名缓存桶，返回其是否存在过。
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.store.DeleteBucket(ctx, name)
}

// Match 按桶的创建顺序查找第一个命中的条目，未命中返回 ErrNotFound。
func (s *Storage) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !matchableMethod(req.Method) {
		return nil, ErrNotFound
	}
	names, err := s.store.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		resp, err := s.matchIn(ctx, name, req)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return resp, err
	}
	return nil, ErrNotFound
}

// MatchURL 以 GET 语义跨桶查找 rawURL。
func (s *Storage) MatchURL(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := s.NewRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return s.Match(ctx, req)
}

// NewRequest 以源站为基准解析 rawURL，构造 GET 请求。
func (s *Storage) NewRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	target, err := s.ResolveURL(rawURL)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

// ResolveURL 以源站为基准解析相对 URL。
func (s *Storage) ResolveURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if s.origin == nil {
		return parsed, nil
	}
	return s.origin.ResolveReference(parsed), nil
}

// crossOriginSegment 以 "%" 开头且后随非十六进制字符，转义后的 URL 路径不可能包含它。
const crossOriginSegment = "%origin"

// RequestKey 生成请求在桶内的键：同源请求使用转义路径，跨源请求挂在 /%origin/<host> 下，
// 查询串哈希以 "?" 分隔追加，不与任何真实路径重叠。
func (s *Storage) RequestKey(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.Host != "" && s.origin != nil && !strings.EqualFold(u.Host, s.origin.Host) {
		p = "/" + crossOriginSegment + "/" + strings.ToLower(u.Host) + p
	}
	if u.RawQuery != "" {
		sum := sha1.Sum([]byte(u.RawQuery))
		p += "?" + hex.EncodeToString(sum[:8])
	}
	return p
}

func (s *Storage) matchIn(ctx context.Context, bucket string, req *http.Request) (*http.Response, error) {
	locator := Locator{Bucket: bucket, Path: s.RequestKey(req.URL)}
	result, err := s.store.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	return toResponse(req, result), nil
}

// Bucket 是一个命名缓存桶。
type Bucket struct {
	name    string
	storage *Storage
}

// Name 返回桶名（即缓存标识）。
func (b *Bucket) Name() string {
	return b.name
}

// Match 仅在当前桶内查找请求。
func (b *Bucket) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !matchableMethod(req.Method) {
		return nil, ErrNotFound
	}
	return b.storage.matchIn(ctx, b.name, req)
}

// Put 把 resp 写入当前桶并关闭 resp.Body，仅接受 GET 请求。
func (b *Bucket) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	defer resp.Body.Close()
	if req.Method != http.MethodGet {
		return fmt.Errorf("cache put: method %s not cacheable", req.Method)
	}
	_, err := b.storage.store.Put(ctx, b.locator(req.URL), resp.Body, PutOptions{
		Status: resp.StatusCode,
		Header: cacheableHeader(resp.Header),
		URL:    req.URL.String(),
	})
	return err
}

// Delete 删除请求对应的条目，返回其是否存在过。
func (b *Bucket) Delete(ctx context.Context, req *http.Request) (bool, error) {
	locator := b.locator(req.URL)
	result, err := b.storage.store.Get(ctx, locator)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	result.Reader.Close()
	if err := b.storage.store.Remove(ctx, locator); err != nil {
		return false, err
	}
	return true, nil
}

// Keys 返回桶内所有条目的原始 URL。
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	return b.storage.store.Keys(ctx, b.name)
}

type stagedEntry struct {
	req    *http.Request
	status int
	header http.Header
	body   []byte
}

// AddAll 并发抓取 urls 并整体写入：任一 URL 网络失败或返回非 2xx，整批失败且不提交；
// 提交阶段出错时把本批触及的条目恢复为调用前的状态。
func (b *Bucket) AddAll(ctx context.Context, urls []string) error {
	if b.storage.fetcher == nil {
		return errors.New("cache add: no fetcher configured")
	}

	requests := make([]*http.Request, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		req, err := b.storage.NewRequest(ctx, raw)
		if err != nil {
			return err
		}
		key := b.storage.RequestKey(req.URL)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, raw)
		}
		seen[key] = struct{}{}
		requests = append(requests, req)
	}

	staged := make([]stagedEntry, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			entry, err := b.stage(gctx, req.WithContext(gctx))
			if err != nil {
				return err
			}
			staged[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	touched := make([]priorEntry, 0, len(staged))
	for _, entry := range staged {
		locator := b.locator(entry.req.URL)
		prior, err := b.snapshot(ctx, locator)
		if err != nil {
			return b.rollback(ctx, touched, fmt.Errorf("cache add %s: %w", entry.req.URL, err))
		}
		touched = append(touched, prior)

		_, err = b.storage.store.Put(ctx, locator, bytes.NewReader(entry.body), PutOptions{
			Status: entry.status,
			Header: entry.header,
			URL:    entry.req.URL.String(),
		})
		if err != nil {
			return b.rollback(ctx, touched, fmt.Errorf("cache add %s: %w", entry.req.URL, err))
		}
	}
	return nil
}

// priorEntry 保存 AddAll 覆盖前的条目内容，回滚时据此恢复。
type priorEntry struct {
	locator Locator
	existed bool
	body    []byte
	opts    PutOptions
}

func (b *Bucket) snapshot(ctx context.Context, locator Locator) (priorEntry, error) {
	result, err := b.storage.store.Get(ctx, locator)
	if errors.Is(err, ErrNotFound) {
		return priorEntry{locator: locator}, nil
	}
	if err != nil {
		return priorEntry{}, err
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		return priorEntry{}, fmt.Errorf("read previous entry: %w", err)
	}
	return priorEntry{
		locator: locator,
		existed: true,
		body:    body,
		opts: PutOptions{
			ModTime: result.Entry.ModTime,
			Status:  result.Entry.Status,
			Header:  result.Entry.Header,
			URL:     result.Entry.URL,
		},
	}, nil
}

// rollback 按逆序恢复本批次触及的条目：原先存在的写回旧内容，原先不存在的删除。
func (b *Bucket) rollback(ctx context.Context, touched []priorEntry, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var failures []error
	for i := len(touched) - 1; i >= 0; i-- {
		prior := touched[i]
		var err error
		if prior.existed {
			_, err = b.storage.store.Put(ctx, prior.locator, bytes.NewReader(prior.body), prior.opts)
		} else {
			err = b.storage.store.Remove(ctx, prior.locator)
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("restore %s: %w", prior.locator.Path, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%w (rollback: %v)", cause, errors.Join(failures...))
	}
	return cause
}

func (b *Bucket) stage(ctx context.Context, req *http.Request) (stagedEntry, error) {
	resp, err := b.storage.fetcher.Fetch(ctx, req)
	if err != nil {
		return stagedEntry{}, fmt.Errorf("cache add %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stagedEntry{}, &StatusError{URL: req.URL.String(), Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return stagedEntry{}, fmt.Errorf("cache add %s: read body: %w", req.URL, err)
	}
	return stagedEntry{
		req:    req,
		status: resp.StatusCode,
		header: cacheableHeader(resp.Header),
		body:   body,
	}, nil
}

func (b *Bucket) locator(u *url.URL) Locator {
	return Locator{Bucket: b.name, Path: b.storage.RequestKey(u)}
}

func matchableMethod(method string) bool {
	return method == "" || method == http.MethodGet || method == http.MethodHead
}

// cacheableHeader 丢弃逐跳头、Set-Cookie 与长度头，长度由存储层的实际正文决定。
func cacheableHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if network.IsHopByHopHeader(key) {
			continue
		}
		switch http.CanonicalHeaderKey(key) {
		case "Content-Length", "Set-Cookie":
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	return dst
}

func toResponse(req *http.Request, result *ReadResult) *http.Response {
	status := normalizeStatus(result.Entry.Status)
	header := result.Entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          result.Reader,
		ContentLength: result.Entry.SizeBytes,
		Request:       req,
	}
	if req.Method == http.MethodHead {
		result.Reader.Close()
		resp.Body = http.NoBody
	}
	return resp
}
