package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions 描述 redis 后端连接参数。
type RedisOptions struct {
	Addr     string
	DB       int
	Password string
	// Prefix 是所有 key 的命名空间，默认 offline-hub。
	Prefix string
}

// redisStore 把每个条目保存为一个 hash，桶集合保存为 ZSET（score 为创建时间）。
//
//	<prefix>:buckets              ZSET  bucket -> created unix micro
//	<prefix>:b:<bucket>:keys      SET   request keys
//	<prefix>:b:<bucket>:e:<path>  HASH  body/meta
type redisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore 连接 redis 并 PING 一次，连接失败直接返回错误。
func NewRedisStore(ctx context.Context, opts RedisOptions) (Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "offline-hub"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &redisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *redisStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if !validBucketName(locator.Bucket) {
		return nil, ErrInvalidBucket
	}
	key := s.entryKey(locator)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	body, ok := fields["body"]
	if !ok {
		return nil, ErrNotFound
	}

	var meta entryMeta
	if raw := fields["meta"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("decode entry meta %s: %w", key, err)
		}
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   locator,
			FilePath:  key,
			SizeBytes: int64(len(body)),
			Status:    normalizeStatus(meta.Status),
			Header:    meta.Header,
			URL:       meta.URL,
			ModTime:   meta.ModTime,
		},
		Reader: nopSeekCloser{bytes.NewReader([]byte(body))},
	}, nil
}

func (s *redisStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	if !validBucketName(locator.Bucket) {
		return nil, ErrInvalidBucket
	}
	buf := &bytes.Buffer{}
	written, err := copyWithContext(ctx, buf, body)
	if err != nil {
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

	key := s.entryKey(locator)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "body", buf.Bytes(), "meta", meta)
		pipe.SAdd(ctx, s.keysKey(locator.Bucket), locator.Path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		FilePath:  key,
		SizeBytes: written,
		Status:    normalizeStatus(opts.Status),
		Header:    opts.Header,
		URL:       opts.URL,
		ModTime:   modTime,
	}, nil
}

func (s *redisStore) Remove(ctx context.Context, locator Locator) error {
	if !validBucketName(locator.Bucket) {
		return ErrInvalidBucket
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(locator))
		pipe.SRem(ctx, s.keysKey(locator.Bucket), locator.Path)
		return nil
	})
	return err
}

func (s *redisStore) CreateBucket(ctx context.Context, bucket string) error {
	if !validBucketName(bucket) {
		return ErrInvalidBucket
	}
	return s.rdb.ZAddNX(ctx, s.bucketsKey(), redis.Z{
		Score:  float64(time.Now().UnixMicro()),
		Member: bucket,
	}).Err()
}

func (s *redisStore) DeleteBucket(ctx context.Context, bucket string) (bool, error) {
	if !validBucketName(bucket) {
		return false, ErrInvalidBucket
	}
	paths, err := s.rdb.SMembers(ctx, s.keysKey(bucket)).Result()
	if err != nil {
		return false, err
	}

	var removed *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range paths {
			pipe.Del(ctx, s.entryKey(Locator{Bucket: bucket, Path: p}))
		}
		pipe.Del(ctx, s.keysKey(bucket))
		removed = pipe.ZRem(ctx, s.bucketsKey(), bucket)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStore) Buckets(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.bucketsKey(), 0, -1).Result()
}

func (s *redisStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	if !validBucketName(bucket) {
		return nil, ErrInvalidBucket
	}
	paths, err := s.rdb.SMembers(ctx, s.keysKey(bucket)).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		raw, err := s.rdb.HGet(ctx, s.entryKey(Locator{Bucket: bucket, Path: p}), "meta").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var meta entryMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("decode entry meta: %w", err)
		}
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close 释放 redis 连接池。
func (s *redisStore) Close() error {
	return s.rdb.Close()
}

func (s *redisStore) bucketsKey() string {
	return s.prefix + ":buckets"
}

func (s *redisStore) keysKey(bucket string) string {
	return s.prefix + ":b:" + bucket + ":keys"
}

func (s *redisStore) entryKey(locator Locator) string {
	return s.prefix + ":b:" + locator.Bucket + ":e:" + locator.Path
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }
