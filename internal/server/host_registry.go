package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/onlyflans/onlyflans-sw/internal/config"
)

// HostKind 区分被拦截的站点源与直接放行的第三方主机。
type HostKind string

const (
	// HostOrigin 是店面自身，请求交给 worker 处理。
	HostOrigin HostKind = "origin"
	// HostPassThrough 是跨源主机，worker 不拦截，原样转发到网络。
	HostPassThrough HostKind = "passthrough"
)

// HostRoute 记录一个可识别的 Host 及其解析后的属性，供代理层直接复用。
type HostRoute struct {
	Host string
	Kind HostKind
	// Scheme 是该主机对外的协议；origin 取自配置，pass-through 默认为 https。
	Scheme string
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
}

// Intercepted 表示该主机上的请求是否进入 worker。
func (r *HostRoute) Intercepted() bool {
	return r != nil && r.Kind == HostOrigin
}

// HostRegistry 提供 Host/Host:port 到 HostRoute 的查询能力。
type HostRegistry struct {
	origin  *url.URL
	routes  map[string]*HostRoute
	ordered []*HostRoute
}

// NewHostRegistry 根据配置构建 Host 映射，调用方应在启动阶段创建一次并复用。
func NewHostRegistry(cfg *config.Config) (*HostRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin := cfg.OriginURL()
	if origin == nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Global.Origin)
	}

	registry := &HostRegistry{
		origin: origin,
		routes: make(map[string]*HostRoute, len(cfg.Global.PassThroughHosts)+1),
	}
	if err := registry.add(&HostRoute{
		Host:       normalizeDomain(origin.Host),
		Kind:       HostOrigin,
		Scheme:     strings.ToLower(origin.Scheme),
		ListenPort: cfg.Global.ListenPort,
	}); err != nil {
		return nil, err
	}

	for _, raw := range cfg.Global.PassThroughHosts {
		host := normalizeDomain(raw)
		if host == "" {
			return nil, fmt.Errorf("invalid pass-through host %q", raw)
		}
		if err := registry.add(&HostRoute{
			Host:       host,
			Kind:       HostPassThrough,
			Scheme:     "https",
			ListenPort: cfg.Global.ListenPort,
		}); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *HostRegistry) add(route *HostRoute) error {
	if route.Host == "" {
		return errors.New("empty host mapping")
	}
	if _, exists := r.routes[route.Host]; exists {
		return fmt.Errorf("duplicate host mapping detected for %s", route.Host)
	}
	r.routes[route.Host] = route
	r.ordered = append(r.ordered, route)
	return nil
}

// Origin 返回店面源地址。
func (r *HostRegistry) Origin() *url.URL {
	if r == nil {
		return nil
	}
	return r.origin
}

// Lookup 根据 Host 或 Host:port 查找 HostRoute，端口不参与匹配。
func (r *HostRegistry) Lookup(host string) (*HostRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 HostRoute 列表（origin 在前，其余按配置顺序），用于 /-/worker 输出。
func (r *HostRegistry) List() []HostRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]HostRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
