package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// WarmPolicy 决定 install 阶段预热失败时是否阻止激活。
type WarmPolicy string

const (
	// WarmPolicyBestEffort 预热失败仅记录日志，总是允许激活。
	WarmPolicyBestEffort WarmPolicy = "best-effort"
	// WarmPolicyRequireAny 至少一个静态资源预热成功才允许激活。
	WarmPolicyRequireAny WarmPolicy = "require-any"
	// WarmPolicyRequireAll 所有静态资源均需预热成功。
	WarmPolicyRequireAll WarmPolicy = "require-all"
)

// DefaultStaticAssets 与店面首版 service worker 的预热清单保持一致。
var DefaultStaticAssets = []string{
	"/",
	"/static/web/css/base.css",
	"/static/web/css/theme.css",
	"/static/web/css/components.css",
	"/static/web/css/layout.css",
	"/static/web/css/navbar.css",
	"/static/web/css/hero.css",
	"/static/web/css/forms.css",
	"/static/web/css/modals.css",
	"/static/web/css/gallery.css",
	"/static/web/js/main.js",
	"/static/web/js/performance.js",
	"/static/OnlyFlans.png",
	"/static/flan.ico",
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort       int        `mapstructure:"ListenPort"`
	LogLevel         string     `mapstructure:"LogLevel"`
	LogFilePath      string     `mapstructure:"LogFilePath"`
	LogMaxSize       int        `mapstructure:"LogMaxSize"`
	LogMaxBackups    int        `mapstructure:"LogMaxBackups"`
	LogCompress      bool       `mapstructure:"LogCompress"`
	Version          string     `mapstructure:"Version"`
	Origin           string     `mapstructure:"Origin"`
	Upstream         string     `mapstructure:"Upstream"`
	UpstreamTimeout  Duration   `mapstructure:"UpstreamTimeout"`
	PassThroughHosts []string   `mapstructure:"PassThroughHosts"`
	StaticAssets     []string   `mapstructure:"StaticAssets"`
	WarmPolicy       WarmPolicy `mapstructure:"WarmPolicy"`
	WarmConcurrency  int        `mapstructure:"WarmConcurrency"`
	WriteWorkers     int        `mapstructure:"WriteWorkers"`
	WriteQueue       int        `mapstructure:"WriteQueue"`
	PartitionPrefix  string     `mapstructure:"PartitionPrefix"`
}

// StoreConfig 选择缓存分区的持久化后端。
type StoreConfig struct {
	Backend       string `mapstructure:"Backend"`
	Path          string `mapstructure:"Path"`
	Codec         string `mapstructure:"Codec"`
	HotTierBytes  int64  `mapstructure:"HotTierBytes"`
	MemoryMaxMB   int    `mapstructure:"MemoryMaxMB"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisDB       int    `mapstructure:"RedisDB"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisPrefix   string `mapstructure:"RedisPrefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Store  StoreConfig  `mapstructure:"Store"`
}

// OriginURL 返回解析后的站点源，假定 Validate 已经通过。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Global.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// UpstreamURL 返回回源地址；未配置 Upstream 时直接回源到 Origin。
func (c *Config) UpstreamURL() *url.URL {
	raw := c.Global.Upstream
	if raw == "" {
		raw = c.Global.Origin
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return parsed
}

// Manifest 返回静态资源清单的副本，调用方可放心修改。
func (c *Config) Manifest() []string {
	return append([]string(nil), c.Global.StaticAssets...)
}
