package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/version"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient 返回共享 http.Client，用于所有源站请求；重定向交给调用方处理。
func NewHTTPClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Error 表示一次网络层失败（离线、DNS、超时、连接被拒等），HTTP 错误状态码不属于此类。
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("network fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNetworkError 判断 err 链上是否存在 *Error。
func IsNetworkError(err error) bool {
	var netErr *Error
	return errors.As(err, &netErr)
}

// Client 把请求发往源站。相对 URL 以 origin 为基准解析。
type Client struct {
	http   *http.Client
	origin *url.URL
}

// NewClient 构造网络客户端，httpClient 为空时使用默认配置。
func NewClient(httpClient *http.Client, origin *url.URL) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(nil)
	}
	return &Client{http: httpClient, origin: origin}
}

// Origin 返回源站地址。
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Fetch 发出 req 的副本：解析到源站、剔除逐跳头。任何传输层错误都包装为 *Error。
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	target := c.resolve(req.URL)

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, &Error{URL: target.String(), Err: err}
	}
	out.ContentLength = req.ContentLength
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", version.UserAgent())
	}
	out.Host = target.Host

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, &Error{URL: target.String(), Err: err}
	}
	return resp, nil
}

func (c *Client) resolve(u *url.URL) *url.URL {
	if c.origin == nil {
		return u
	}
	if u.IsAbs() && u.Host != "" && u.Host != c.origin.Host {
		return u
	}
	relative := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	return c.origin.ResolveReference(relative)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
