// Package fetch performs the network half of the worker's strategies: it
// sends a request to the storefront upstream (or, for pass-through hosts, to
// the request's own host) and returns a fully buffered response. Transport
// failures are reported as ErrNetwork so strategies can take their offline
// fallback path; any HTTP status, including 5xx, is a successful fetch.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
)

// ErrNetwork 表示传输层失败（离线、DNS、超时、连接被重置）。
var ErrNetwork = errors.New("network fetch failed")

// Request 是一次被拦截的请求，URL 总是面向店面的绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// ID 是请求 ID，仅用于日志关联。
	ID string

	// ClientIP 与 ForwardedHost 用于拼装 X-Forwarded-* 头，可为空。
	ClientIP      string
	ForwardedHost string
}

// Destination 返回请求声明的资源类型（Sec-Fetch-Dest），未声明时为空。
func (r *Request) Destination() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
}

// Key 返回该请求在缓存分区中的 RequestKey。
func (r *Request) Key() cache.RequestKey {
	return cache.NewRequestKey(r.Method, r.URL)
}

// Fetcher 执行一次网络请求。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 允许普通函数充当 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 通过共享 http.Client 回源。发往 origin 的请求被改写到 upstream，
// 其他主机的请求原样发送。
type HTTPFetcher struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewHTTPFetcher 构造回源器；upstream 为空时直接请求 origin。
func NewHTTPFetcher(client *http.Client, origin, upstream *url.URL) *HTTPFetcher {
	if client == nil {
		client = NewClient(nil)
	}
	if upstream == nil {
		upstream = origin
	}
	return &HTTPFetcher{client: client, origin: origin, upstream: upstream}
}

// Fetch 发送请求并完整读取响应体，返回可直接缓存的快照。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: nil request")
	}
	target := f.resolveTarget(req.URL)

	httpReq, err := f.buildRequest(ctx, req, target)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	source := *req.URL
	source.Fragment = ""
	source.RawFragment = ""
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		URL:    source.String(),
	}, nil
}

// resolveTarget 将面向店面的 URL 映射到真实上游。
func (f *HTTPFetcher) resolveTarget(requested *url.URL) *url.URL {
	target := *requested
	target.Fragment = ""
	target.RawFragment = ""
	if f.origin == nil || !SameOrigin(requested, f.origin) {
		return &target
	}
	target.Scheme = f.upstream.Scheme
	target.Host = f.upstream.Host
	return &target
}

func (f *HTTPFetcher) buildRequest(ctx context.Context, req *Request, target *url.URL) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host

	forwardedHost := req.ForwardedHost
	if forwardedHost == "" {
		forwardedHost = req.URL.Host
	}
	httpReq.Header.Set("X-Forwarded-Host", forwardedHost)
	if ip := req.ClientIP; ip != "" {
		if prior := httpReq.Header.Get("X-Forwarded-For"); prior != "" {
			httpReq.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			httpReq.Header.Set("X-Forwarded-For", ip)
		}
	}
	httpReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	return httpReq, nil
}

// SameOrigin 比较 scheme 与 host（含端口），端口缺省时按 scheme 补齐。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname()) && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
