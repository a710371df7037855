package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store 管理命名分区的生命周期：创建、枚举与整体删除。
// 分区内的条目读写通过 Partition 完成。
type Store interface {
	// Open 打开（必要时创建）指定名称的分区。
	Open(ctx context.Context, name string) (Partition, error)

	// Partitions 返回当前存在的全部分区名称，按字典序排列。
	Partitions(ctx context.Context) ([]string, error)

	// DeletePartition 删除分区及其全部条目，返回分区删除前是否存在。
	DeletePartition(ctx context.Context, name string) (bool, error)

	// Close 释放后端资源。
	Close() error
}

// Partition 是单个分区内的键值视图，每个 RequestKey 至多对应一个条目。
type Partition interface {
	Name() string

	// Match 返回已缓存的响应副本。未命中时返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Response, error)

	// Put 以单次原子写入替换 key 对应的条目；仅接受 GET 请求。
	Put(ctx context.Context, key RequestKey, resp *Response) error

	// Delete 删除单个条目，返回条目删除前是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 枚举分区内的全部 RequestKey。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 由请求方法与完整 URL 组成，相同方法 + URL 总是映射到同一个 key。
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey 规范化方法（大写）并丢弃 URL fragment。
func NewRequestKey(method string, target *url.URL) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if target == nil {
		return RequestKey{Method: method}
	}
	clone := *target
	clone.Fragment = ""
	clone.RawFragment = ""
	return RequestKey{Method: method, URL: clone.String()}
}

// String 输出 "METHOD URL" 形式，作为各后端的存储键。
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// ParseRequestKey 是 String 的逆操作。
func ParseRequestKey(raw string) (RequestKey, error) {
	method, target, ok := strings.Cut(raw, " ")
	if !ok || method == "" || target == "" {
		return RequestKey{}, fmt.Errorf("invalid request key %q", raw)
	}
	return RequestKey{Method: method, URL: target}, nil
}

// Cacheable 报告该 key 是否允许写入缓存。
func (k RequestKey) Cacheable() bool {
	return k.Method == http.MethodGet
}

// Response 是一次完整的 HTTP 响应快照：状态码、头部与正文。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	URL      string
	StoredAt time.Time
}

// Clone 深拷贝响应，写入缓存前必须复制，避免与返回给调用方的对象共享底层数组。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示请求方法不允许缓存（仅 GET 可写入）。
	ErrMethodNotCacheable = errors.New("request method is not cacheable")
	// ErrInvalidPartition 表示分区名称为空或包含非法字符。
	ErrInvalidPartition = errors.New("invalid partition name")
)

// validatePartitionName 拒绝空名称与可能逃逸存储根目录的名称。
func validatePartitionName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return nil
}

// checkPut 统一各后端的写入前置校验。
func checkPut(key RequestKey, resp *Response) error {
	if !key.Cacheable() {
		return fmt.Errorf("%w: %s", ErrMethodNotCacheable, key.Method)
	}
	if resp == nil {
		return errors.New("nil response")
	}
	return nil
}

func stampStoredAt(resp *Response) *Response {
	clone := resp.Clone()
	if clone.StoredAt.IsZero() {
		clone.StoredAt = time.Now().UTC()
	}
	return clone
}
