package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"memory": {},
	"redis":  {},
	"sqlite": {},
}

const supportedBackendList = "fs|memory|redis|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateVersion(g.Version); err != nil {
		return newFieldError("Global.Version", err.Error())
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.Upstream != "" {
		if err := validateOrigin(g.Upstream); err != nil {
			return fmt.Errorf("Global.Upstream: %w", err)
		}
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	for i, host := range g.PassThroughHosts {
		if err := validateHost(host); err != nil {
			return fmt.Errorf("%s: %w", indexedField("Global.PassThroughHosts", i), err)
		}
	}
	seenAssets := map[string]struct{}{}
	for i, asset := range g.StaticAssets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(indexedField("Global.StaticAssets", i), "必须是以 / 开头的站内路径")
		}
		if _, exists := seenAssets[asset]; exists {
			return newFieldError(indexedField("Global.StaticAssets", i), "重复")
		}
		seenAssets[asset] = struct{}{}
	}
	switch g.WarmPolicy {
	case WarmPolicyBestEffort, WarmPolicyRequireAny, WarmPolicyRequireAll:
	default:
		return newFieldError("Global.WarmPolicy", "仅支持 best-effort/require-any/require-all")
	}
	if g.WarmConcurrency < 0 || g.WriteWorkers < 0 || g.WriteQueue < 0 {
		return newFieldError("Global.WarmConcurrency/WriteWorkers/WriteQueue", "不能为负数")
	}
	if strings.ContainsAny(g.PartitionPrefix, "/\\ ") {
		return newFieldError("Global.PartitionPrefix", "不允许包含路径分隔符或空格")
	}

	return c.Store.validate()
}

func (s StoreConfig) validate() error {
	if _, ok := supportedBackends[s.Backend]; !ok {
		return newFieldError(storeField("Backend"), "仅支持 "+supportedBackendList)
	}
	switch s.Codec {
	case "msgpack", "cbor":
	default:
		return newFieldError(storeField("Codec"), "仅支持 msgpack/cbor")
	}
	switch s.Backend {
	case "fs", "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return newFieldError(storeField("Path"), "不能为空")
		}
	case "redis":
		if strings.TrimSpace(s.RedisAddr) == "" {
			return newFieldError(storeField("RedisAddr"), "redis 后端必须配置")
		}
		if s.RedisDB < 0 {
			return newFieldError(storeField("RedisDB"), "不能为负数")
		}
	}
	return nil
}

func validateVersion(version string) error {
	trimmed := strings.TrimPrefix(version, "v")
	if trimmed == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(trimmed, "/\\ ") {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少站点地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("Host 不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("Host 不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("Host 不允许包含空格")
	}
	if strings.HasPrefix(host, "http") && strings.Contains(host, "://") {
		return errors.New("Host 不应包含协议头")
	}
	return nil
}
