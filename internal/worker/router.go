package worker

import (
	"net/url"

	"github.com/onlyflans/onlyflans-sw/internal/fetch"
	"github.com/onlyflans/onlyflans-sw/internal/partition"
)

// Class 是请求的路由分类。
type Class int

const (
	// ClassStatic 走 cache-first。
	ClassStatic Class = iota + 1
	// ClassDynamic 走 network-first。
	ClassDynamic
)

// 策略名称，同时作为响应头与 metrics 标签。
const (
	StrategyCacheFirst   = "cache-first"
	StrategyNetworkFirst = "network-first"
	StrategyPassthrough  = "passthrough"
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Role 返回分类对应的分区角色。
func (c Class) Role() partition.Role {
	if c == ClassStatic {
		return partition.RoleStatic
	}
	return partition.RoleDynamic
}

// Strategy 返回分类对应的策略名称。
func (c Class) Strategy() string {
	if c == ClassStatic {
		return StrategyCacheFirst
	}
	return StrategyNetworkFirst
}

// Router 无状态地对请求分类，可并发使用。
type Router struct {
	origin   *url.URL
	manifest map[string]struct{}
}

// NewRouter 以源站与静态清单构建路由器。
func NewRouter(origin *url.URL, manifest []string) *Router {
	set := make(map[string]struct{}, len(manifest))
	for _, p := range manifest {
		set[p] = struct{}{}
	}
	return &Router{origin: origin, manifest: set}
}

// Route 返回请求分类；第二个返回值为 false 表示跨源请求，worker 不拦截。
// 路径命中清单，或声明的 destination 为 style/script 时归为静态资源。
func (r *Router) Route(req *fetch.Request) (Class, bool) {
	if req == nil || req.URL == nil || !fetch.SameOrigin(req.URL, r.origin) {
		return 0, false
	}
	if _, ok := r.manifest[manifestPath(req.URL)]; ok {
		return ClassStatic, true
	}
	switch req.Destination() {
	case "style", "script":
		return ClassStatic, true
	}
	return ClassDynamic, true
}

func manifestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
