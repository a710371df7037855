package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ONLYFLANS_SW")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyStoreDefaults(&cfg.Store)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Store.Path != "" {
		absStorage, err := filepath.Abs(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Store.Path = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Version", "1.0.0")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("WarmPolicy", string(WarmPolicyBestEffort))
	v.SetDefault("WarmConcurrency", 4)
	v.SetDefault("WriteWorkers", 2)
	v.SetDefault("WriteQueue", 1024)
	v.SetDefault("Store.Backend", "fs")
	v.SetDefault("Store.Path", "./storage")
	v.SetDefault("Store.Codec", "msgpack")
	v.SetDefault("Store.MemoryMaxMB", 256)
	v.SetDefault("Store.RedisPrefix", "onlyflans-sw")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if len(g.StaticAssets) == 0 {
		g.StaticAssets = append([]string(nil), DefaultStaticAssets...)
	}
	if g.WarmPolicy == "" {
		g.WarmPolicy = WarmPolicyBestEffort
	}
	g.WarmPolicy = WarmPolicy(strings.ToLower(strings.TrimSpace(string(g.WarmPolicy))))
	if g.WarmConcurrency <= 0 {
		g.WarmConcurrency = 4
	}
	if g.WriteWorkers <= 0 {
		g.WriteWorkers = 2
	}
	if g.WriteQueue <= 0 {
		g.WriteQueue = 1024
	}
	g.Version = strings.TrimSpace(g.Version)
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
	g.Upstream = strings.TrimRight(strings.TrimSpace(g.Upstream), "/")
}

func applyStoreDefaults(s *StoreConfig) {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = "fs"
	}
	s.Codec = strings.ToLower(strings.TrimSpace(s.Codec))
	if s.Codec == "" {
		s.Codec = "msgpack"
	}
	if s.MemoryMaxMB < 0 {
		s.MemoryMaxMB = 0
	}
	if s.HotTierBytes < 0 {
		s.HotTierBytes = 0
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
