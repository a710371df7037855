package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
	"github.com/onlyflans/onlyflans-sw/internal/fetch"
	"github.com/onlyflans/onlyflans-sw/internal/partition"
)

// Source 描述响应来自哪里，同时作为 X-OnlyFlans-Cache 响应头的值。
type Source string

const (
	SourceCache    Source = "hit"
	SourceNetwork  Source = "miss"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

// Outcome 是一次 HandleFetch 的结果。Declined 为 true 时 Response 为空，
// 调用方应将请求原样交给网络。
type Outcome struct {
	Response *cache.Response
	Class    Class
	Strategy string
	Source   Source
	Version  string
	Declined bool
}

// strategyFunc 在给定 generation 上执行一种取数策略。
type strategyFunc func(ctx context.Context, w *Worker, gen *generation, req *fetch.Request) (Outcome, error)

func strategyFor(class Class) strategyFunc {
	if class == ClassStatic {
		return cacheFirst
	}
	return networkFirst
}

// cacheFirst：先查 static 分区，命中即返回且不访问网络；未命中回源，200 写回。
// 回源失败时，document 请求退回站点根路径的缓存。
func cacheFirst(ctx context.Context, w *Worker, gen *generation, req *fetch.Request) (Outcome, error) {
	out := Outcome{Class: ClassStatic, Strategy: StrategyCacheFirst, Version: gen.manager.Version()}
	key, requestID := req.Key(), req.ID

	if cached, ok := w.lookup(ctx, gen, partition.RoleStatic, key, requestID); ok {
		out.Response = cached
		out.Source = SourceCache
		return out, nil
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if req.Destination() == "document" {
			if root, ok := w.lookup(ctx, gen, partition.RoleStatic, w.rootKey(), requestID); ok {
				out.Response = root
				out.Source = SourceFallback
				return out, nil
			}
		}
		return out, fmt.Errorf("%w: %w", ErrNoFallbackAvailable, err)
	}

	if resp.Status == http.StatusOK {
		w.writeThrough(ctx, gen, partition.RoleStatic, key, resp, requestID)
	}
	out.Response = resp
	out.Source = SourceNetwork
	return out, nil
}

// networkFirst：先回源，200 写回 dynamic 分区；回源失败时退回 dynamic 分区中的同 key 条目。
func networkFirst(ctx context.Context, w *Worker, gen *generation, req *fetch.Request) (Outcome, error) {
	out := Outcome{Class: ClassDynamic, Strategy: StrategyNetworkFirst, Version: gen.manager.Version()}
	key, requestID := req.Key(), req.ID

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if cached, ok := w.lookup(ctx, gen, partition.RoleDynamic, key, requestID); ok {
			out.Response = cached
			out.Source = SourceFallback
			return out, nil
		}
		return out, fmt.Errorf("%w: %w", ErrNoFallbackAvailable, err)
	}

	if resp.Status == http.StatusOK {
		w.writeThrough(ctx, gen, partition.RoleDynamic, key, resp, requestID)
	}
	out.Response = resp
	out.Source = SourceNetwork
	return out, nil
}

// lookup 查询分区；读取失败按未命中处理并上报 sink。
func (w *Worker) lookup(ctx context.Context, gen *generation, role partition.Role, key cache.RequestKey, requestID string) (*cache.Response, bool) {
	resp, err := gen.manager.Match(ctx, role, key)
	switch {
	case err == nil:
		return resp, true
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, partition.ErrStalePartition):
		return nil, false
	default:
		w.sink.Report(KindCacheRead, fmt.Errorf("%w: %w", ErrCacheRead, err), writeFields(gen, role, key, requestID))
		return nil, false
	}
}

// writeThrough 复制响应并提交后台写入；任何失败都只上报 sink，不影响当前请求。
// 非 GET 请求本就不进入缓存，只记 debug 日志。
func (w *Worker) writeThrough(ctx context.Context, gen *generation, role partition.Role, key cache.RequestKey, resp *cache.Response, requestID string) {
	fields := writeFields(gen, role, key, requestID)
	if !key.Cacheable() {
		w.log.WithFields(fields).WithField("method", key.Method).Debug("cache_write_skipped")
		return
	}
	if err := w.writer.Submit(ctx, gen.manager, role, key, resp.Clone(), requestID); err != nil {
		w.sink.Report(KindCacheWrite, fmt.Errorf("%w: %w", ErrCacheWrite, err), fields)
	}
}

// rootKey 是 document 离线回退使用的站点根路径 key。
func (w *Worker) rootKey() cache.RequestKey {
	return cache.NewRequestKey(http.MethodGet, w.origin.ResolveReference(&url.URL{Path: "/"}))
}

func writeFields(gen *generation, role partition.Role, key cache.RequestKey, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"partition": gen.manager.Names().For(role),
		"key":       key.String(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
